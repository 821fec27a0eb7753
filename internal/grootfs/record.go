package grootfs

import (
	"encoding/binary"
	"fmt"
)

// recordSize is the fixed on-disk size of a fake metadata record, stored
// either in the user.grootfs xattr of a backing inode or in a symlink's
// sidecar file.
const recordSize = 16

const (
	flagUID = 1 << 0
	flagGID = 1 << 1
	flagMode = 1 << 2
)

// modeMask limits claimed mode bits to the permission, setuid, setgid and
// sticky bits; nothing else is meaningful to fake.
const modeMask = 07777

// record is the decoded form of a user.grootfs (or sidecar) attribute:
// the owner uid/gid/mode a wrap's caller has claimed for one backing
// inode, each independently present or absent.
type record struct {
	flags uint32
	uid   uint32
	gid   uint32
	mode  uint32
}

func (r record) hasUID() bool  { return r.flags&flagUID != 0 }
func (r record) hasGID() bool  { return r.flags&flagGID != 0 }
func (r record) hasMode() bool { return r.flags&flagMode != 0 }

func (r record) withUID(uid uint32) record {
	r.flags |= flagUID
	r.uid = uid
	return r
}

func (r record) withGID(gid uint32) record {
	r.flags |= flagGID
	r.gid = gid
	return r
}

func (r record) withMode(mode uint32) record {
	r.flags |= flagMode
	r.mode = mode & modeMask
	return r
}

// encodeRecord renders r as the 16-byte big-endian wire format.
func encodeRecord(r record) []byte {
	b := make([]byte, recordSize)
	binary.BigEndian.PutUint32(b[0:4], r.flags)
	binary.BigEndian.PutUint32(b[4:8], r.uid)
	binary.BigEndian.PutUint32(b[8:12], r.gid)
	binary.BigEndian.PutUint32(b[12:16], r.mode)
	return b
}

// decodeRecord parses the 16-byte wire format. Any other length is a
// corruption error: callers must never silently accept a truncated or
// padded record.
func decodeRecord(b []byte) (record, error) {
	if len(b) != recordSize {
		return record{}, fmt.Errorf("grootfs: corrupt fake record: got %d bytes, want %d", len(b), recordSize)
	}
	return record{
		flags: binary.BigEndian.Uint32(b[0:4]),
		uid:   binary.BigEndian.Uint32(b[4:8]),
		gid:   binary.BigEndian.Uint32(b[8:12]),
		mode:  binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
