// Package fuseproto implements the low-level Linux FUSE kernel wire
// protocol: the opcode/struct layer jacobsa/fuse's high-level Mount()
// API hides from its callers. groot needs this layer exposed directly
// because the kernel FUSE device handle it serves is not opened by this
// process — it is opened by the Entry Coordinator (still outside the new
// mount namespace's eventual root) and handed across a privilege
// boundary by SCM_RIGHTS, which jacobsa/fuse's all-in-one Mount() has no
// hook for. The struct layouts below mirror the kernel ABI used by every
// FUSE binding in the ecosystem (struct names and field order grounded on
// the classic hanwen/go-fuse raw protocol types).
package fuseproto

import "golang.org/x/sys/unix"

const (
	kernelVersion      = 7
	kernelMinorVersion = 31
	rootNodeID         = 1
)

// Opcode identifies a request's operation.
type Opcode uint32

const (
	opLookup      Opcode = 1
	opForget      Opcode = 2
	opGetattr     Opcode = 3
	opSetattr     Opcode = 4
	opReadlink    Opcode = 5
	opSymlink     Opcode = 6
	opMknod       Opcode = 8
	opMkdir       Opcode = 9
	opUnlink      Opcode = 10
	opRmdir       Opcode = 11
	opRename      Opcode = 12
	opLink        Opcode = 13
	opOpen        Opcode = 14
	opRead        Opcode = 15
	opWrite       Opcode = 16
	opStatfs      Opcode = 17
	opRelease     Opcode = 18
	opFsync       Opcode = 20
	opSetxattr    Opcode = 21
	opGetxattr    Opcode = 22
	opListxattr   Opcode = 23
	opRemovexattr Opcode = 24
	opFlush       Opcode = 25
	opInit        Opcode = 26
	opOpendir     Opcode = 27
	opReaddir     Opcode = 28
	opReleasedir  Opcode = 29
	opFsyncdir    Opcode = 30
	opAccess      Opcode = 34
	opCreate      Opcode = 35
	opDestroy     Opcode = 38
)

// SetAttrIn.Valid bits.
const (
	fattrMode  = 1 << 0
	fattrUID   = 1 << 1
	fattrGID   = 1 << 2
	fattrSize  = 1 << 3
	fattrAtime = 1 << 4
	fattrMtime = 1 << 5
)

// InHeader prefixes every request the kernel sends.
type InHeader struct {
	Length  uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

const inHeaderSize = 40

// OutHeader prefixes every reply sent back to the kernel.
type OutHeader struct {
	Length uint32
	Status int32
	Unique uint64
}

const outHeaderSize = 16

// kernelAttr mirrors struct fuse_attr.
type kernelAttr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

// entryOut mirrors struct fuse_entry_out.
type entryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           kernelAttr
}

// attrOut mirrors struct fuse_attr_out.
type attrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          kernelAttr
}

type setAttrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Unused2   uint64
	Atimensec uint32
	Mtimensec uint32
	Unused3   uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

type mkdirIn struct {
	Mode  uint32
	Umask uint32
}

type mknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
}

type renameIn struct {
	Newdir uint64
}

type linkIn struct {
	OldNodeID uint64
}

type openIn struct {
	Flags  uint32
	Unused uint32
}

type openOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type createIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
}

type createOut struct {
	Entry entryOut
	Open  openOut
}

type releaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type flushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type readIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

type writeIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

type writeOut struct {
	Size    uint32
	Padding uint32
}

type kstatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type statfsOut struct {
	St kstatfs
}

type fsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

type setXattrIn struct {
	Size  uint32
	Flags uint32
}

type getXattrIn struct {
	Size    uint32
	Padding uint32
}

type getXattrOut struct {
	Size    uint32
	Padding uint32
}

type accessIn struct {
	Mask    uint32
	Padding uint32
}

type initIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type initOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	Unused              [9]uint32
}

// kernelDirent mirrors struct fuse_dirent, the self-describing,
// 8-byte-aligned record READDIR replies are packed from.
type kernelDirent struct {
	Ino     uint64
	Off     uint64
	NameLen uint32
	Type    uint32
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// errno converts a Go error (expected to wrap or equal a unix.Errno, as
// every FileSystem method returns) into the negative errno FUSE expects
// in OutHeader.Status. Unrecognised errors become -EIO.
func errno(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
