// Package grootfs implements the permission-faking filesystem driver: a
// FileSystem that forwards every operation to a real backing directory
// while layering claimed owner/mode metadata on top via extended
// attributes (or, for symlinks, a sidecar file at the wrap root).
//
// All paths the driver is given are interpreted relative to a single
// open directory handle, basefd, established once at mount time. Backing
// syscalls use an *at(2) form against basefd; extended attribute calls and
// sidecar reads, which have no *at(2) form here, go through a
// /proc/self/fd/<basefd>/<relpath> path instead.
package grootfs

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/alexlarsson/groot/internal/logger"
)

const (
	fakeRecordXattr  = "user.grootfs"
	userXattrPrefix  = "user.grootfs."
	sidecarNamespace = ".groot."
)

// Attr is the metadata getattr-family operations report to the kernel:
// real stat data with the driver's fake-record overlay and identity
// projection already applied.
type Attr struct {
	Mode  uint32
	Size  int64
	UID   uint32
	GID   uint32
	Nlink uint32
	Ino   uint64
	Atime unix.Timespec
	Mtime unix.Timespec
	Ctime unix.Timespec
	Rdev  uint64
}

// Dirent is one entry of a directory listing.
type Dirent struct {
	Name string
	Type uint8 // DT_* from the real directory entry
	Ino  uint64
}

// Statfs mirrors the handful of statfs(2) fields callers actually use.
type Statfs struct {
	Blocks, Bfree, Bavail uint64
	Files, Ffree          uint64
	Bsize                 int64
	NameLen               int64
}

// Handle is an open file: the state that persists between a
// create/open call and its matching release.
type Handle interface {
	Read(buf []byte, off int64) (int, error)
	Write(buf []byte, off int64) (int, error)
	Truncate(size int64) error
	Fsync() error
	Release() error
}

// FileSystem is the set of inode operations a FUSE session dispatches to,
// grounded on the traditional path-based FUSE binding shape: one method
// per operation, paths relative to the filesystem's own root.
type FileSystem interface {
	GetAttr(path string) (*Attr, error)
	Chmod(path string, mode uint32) error
	Chown(path string, uid, gid uint32) error
	Mkdir(path string, mode uint32, uid, gid uint32) error
	Mknod(path string, mode uint32, dev uint64) error
	Create(path string, flags int, mode uint32, uid, gid uint32) (Handle, error)
	Open(path string, flags int) (Handle, error)
	Unlink(path string) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Link(oldPath, newPath string) error
	Symlink(target, linkPath string, uid, gid uint32) error
	Readlink(path string) (string, error)
	ReadDir(path string) ([]Dirent, error)
	Statfs(path string) (*Statfs, error)
	Access(path string, mode uint32) error
	Utimens(path string, atime, mtime unix.Timespec) error
	Setxattr(path, name string, value []byte, flags int) error
	Getxattr(path, name string) ([]byte, error)
	Listxattr(path string) ([]string, error)
	Removexattr(path, name string) error
}

// Driver is the real implementation of FileSystem, backed by basefd.
type Driver struct {
	basefd       int
	maxUID       uint32
	maxGID       uint32
	wrapRootName string // informational; NewDriver does not set it and no method reads it
}

// NewDriver builds a driver over an already-open directory handle.
// maxUID/maxGID are the identity-projection ceiling: real ids at or
// above them are reported as 0, hiding identities that exist on the host
// but have no meaning inside the caller's namespace.
func NewDriver(basefd int, maxUID, maxGID uint32) *Driver {
	return &Driver{basefd: basefd, maxUID: maxUID, maxGID: maxGID}
}

// relPath strips a leading slash and normalises "" to the wrap root,
// matching the contract that every FileSystem path argument is already
// relative to basefd.
func relPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func isSidecarName(name string) bool {
	return strings.HasPrefix(name, sidecarNamespace)
}

func sidecarName(dev, ino uint64) string {
	return fmt.Sprintf("%ssymlink.%x_%x", sidecarNamespace, dev, ino)
}

// procPath renders an *at(2)-relative path as an absolute path through
// /proc/self/fd, the only portable way to hand a dirfd-relative location
// to the path-only pkg/xattr API.
func procPath(fd int, rel string) string {
	return fmt.Sprintf("/proc/self/fd/%d/%s", fd, rel)
}

func (d *Driver) projectID(id uint32, max uint32) uint32 {
	if id >= max {
		return 0
	}
	return id
}

// readRecord loads the fake record for a non-symlink backing inode. A
// missing or unsupported attribute is a zero record, never an error.
func readRecord(absPath string) (record, error) {
	v, err := xattr.Get(absPath, fakeRecordXattr)
	if err != nil {
		if isAbsentXattrErr(err) {
			return record{}, nil
		}
		return record{}, fmt.Errorf("grootfs: read fake record: %w", err)
	}
	return decodeRecord(v)
}

func writeRecord(absPath string, r record) error {
	return xattr.Set(absPath, fakeRecordXattr, encodeRecord(r))
}

func isAbsentXattrErr(err error) bool {
	xe, ok := err.(*xattr.Error)
	if !ok {
		return false
	}
	return xe.Err == unix.ENODATA || xe.Err == unix.ENOTSUP
}

// sidecarPath returns the wrap-root-relative path of the sidecar file
// for a symlink identified by its own device and inode.
func (d *Driver) sidecarPath(dev, ino uint64) string {
	return sidecarName(dev, ino)
}

func (d *Driver) readSidecarRecord(dev, ino uint64) (record, error) {
	f, err := os.Open(procPath(d.basefd, d.sidecarPath(dev, ino)))
	if err != nil {
		if os.IsNotExist(err) {
			return record{}, nil
		}
		return record{}, fmt.Errorf("grootfs: read sidecar: %w", err)
	}
	defer f.Close()
	buf := make([]byte, recordSize)
	n, err := f.Read(buf)
	if err != nil {
		return record{}, fmt.Errorf("grootfs: read sidecar: %w", err)
	}
	return decodeRecord(buf[:n])
}

func (d *Driver) writeSidecarRecord(dev, ino uint64, r record) error {
	fd, err := unix.Openat(d.basefd, d.sidecarPath(dev, ino), unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("grootfs: create sidecar: %w", err)
	}
	f := os.NewFile(uintptr(fd), "sidecar")
	defer f.Close()
	_, err = f.Write(encodeRecord(r))
	return err
}

// realBitsFor computes the forced on-disk permission bits for a claimed
// mode: rw-r--r-- normally, rwxr-xr-x for directories or when the owner
// executable bit is claimed.
func realBitsFor(claimedMode uint32, isDir bool) uint32 {
	if isDir || claimedMode&unix.S_IXUSR != 0 {
		return 0755
	}
	return 0644
}

////////////////////////////////////////////////////////////////////////
// getattr
////////////////////////////////////////////////////////////////////////

func (d *Driver) GetAttr(p string) (*Attr, error) {
	p = relPath(p)
	var st unix.Stat_t
	if err := unix.Fstatat(d.basefd, p, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, err
	}

	attr := &Attr{
		Mode:  st.Mode,
		Size:  st.Size,
		UID:   d.projectID(st.Uid, d.maxUID),
		GID:   d.projectID(st.Gid, d.maxGID),
		Nlink: uint32(st.Nlink),
		Ino:   st.Ino,
		Atime: st.Atim,
		Mtime: st.Mtim,
		Ctime: st.Ctim,
		Rdev:  st.Rdev,
	}

	var rec record
	var err error
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		rec, err = d.readSidecarRecord(uint64(st.Dev), st.Ino)
	} else {
		rec, err = readRecord(procPath(d.basefd, p))
	}
	if err != nil {
		logger.Errorf("grootfs: getattr %q: %v", p, err)
		return nil, unix.EIO
	}

	if rec.hasUID() {
		attr.UID = rec.uid
	}
	if rec.hasGID() {
		attr.GID = rec.gid
	}
	if rec.hasMode() {
		attr.Mode = (attr.Mode &^ modeMask) | rec.mode
	}
	return attr, nil
}

////////////////////////////////////////////////////////////////////////
// chmod / chown
////////////////////////////////////////////////////////////////////////

// Chmod follows symlinks, matching the kernel's own FUSE-level
// resolution of the path before this call is dispatched (see the
// preserved-verbatim open question on symlink chmod semantics).
func (d *Driver) Chmod(p string, mode uint32) error {
	p = relPath(p)
	var st unix.Stat_t
	if err := unix.Fstatat(d.basefd, p, &st, 0); err != nil {
		return err
	}
	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
	if err := unix.Fchmodat(d.basefd, p, realBitsFor(mode, isDir), 0); err != nil {
		return err
	}

	rec, err := readRecord(procPath(d.basefd, p))
	if err != nil {
		logger.Errorf("grootfs: chmod %q: %v", p, err)
		return unix.EIO
	}
	rec = rec.withMode(mode)
	if err := writeRecord(procPath(d.basefd, p), rec); err != nil {
		logger.Errorf("grootfs: chmod %q: write record: %v", p, err)
		return unix.EIO
	}
	return nil
}

func (d *Driver) Chown(p string, uid, gid uint32) error {
	p = relPath(p)
	var st unix.Stat_t
	if err := unix.Fstatat(d.basefd, p, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return err
	}

	isSymlink := st.Mode&unix.S_IFMT == unix.S_IFLNK
	var rec record
	var err error
	if isSymlink {
		rec, err = d.readSidecarRecord(uint64(st.Dev), st.Ino)
	} else {
		rec, err = readRecord(procPath(d.basefd, p))
	}
	if err != nil {
		logger.Errorf("grootfs: chown %q: %v", p, err)
		return unix.EIO
	}

	if int32(uid) != -1 {
		rec = rec.withUID(uid)
	}
	if int32(gid) != -1 {
		rec = rec.withGID(gid)
	}

	if isSymlink {
		err = d.writeSidecarRecord(uint64(st.Dev), st.Ino, rec)
	} else {
		err = writeRecord(procPath(d.basefd, p), rec)
	}
	if err != nil {
		logger.Errorf("grootfs: chown %q: write record: %v", p, err)
		return unix.EIO
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// mkdir / mknod
////////////////////////////////////////////////////////////////////////

func (d *Driver) Mkdir(p string, mode uint32, uid, gid uint32) error {
	p = relPath(p)
	if err := unix.Mkdirat(d.basefd, p, realBitsFor(mode, true)); err != nil {
		return err
	}
	rec := record{}.withMode(mode).withUID(uid).withGID(gid)
	if err := writeRecord(procPath(d.basefd, p), rec); err != nil {
		logger.Errorf("grootfs: mkdir %q: write record: %v", p, err)
		return unix.EIO
	}
	return nil
}

// Mknod is refused: device node virtualisation is explicitly out of
// scope.
func (d *Driver) Mknod(p string, mode uint32, dev uint64) error {
	return unix.EROFS
}

////////////////////////////////////////////////////////////////////////
// create / open
////////////////////////////////////////////////////////////////////////

type fileHandle struct {
	f *os.File
}

func (h *fileHandle) Read(buf []byte, off int64) (int, error) {
	return h.f.ReadAt(buf, off)
}

func (h *fileHandle) Write(buf []byte, off int64) (int, error) {
	return h.f.WriteAt(buf, off)
}

func (h *fileHandle) Truncate(size int64) error {
	return h.f.Truncate(size)
}

func (h *fileHandle) Fsync() error {
	return h.f.Sync()
}

func (h *fileHandle) Release() error {
	return h.f.Close()
}

// Create implements the O_CREAT|O_EXCL-first retry the filesystem driver
// uses to learn deterministically whether it created a new file: if the
// kernel asked for O_CREAT without O_EXCL, try O_EXCL first so that
// success unambiguously means "new file, write a fake record" and EEXIST
// means "existing file, leave its record alone".
func (d *Driver) Create(p string, flags int, mode uint32, uid, gid uint32) (Handle, error) {
	p = relPath(p)
	wantExcl := flags&unix.O_EXCL != 0
	tryFlags := flags
	if flags&unix.O_CREAT != 0 && !wantExcl {
		tryFlags |= unix.O_EXCL
	}

	fd, err := unix.Openat(d.basefd, p, tryFlags, realBitsFor(mode, false))
	created := err == nil
	if err == unix.EEXIST && !wantExcl {
		fd, err = unix.Openat(d.basefd, p, flags&^unix.O_EXCL, realBitsFor(mode, false))
		created = false
	}
	if err != nil {
		return nil, err
	}

	if created {
		rec := record{}.withMode(mode).withUID(uid).withGID(gid)
		if err := writeRecord(procPath(d.basefd, p), rec); err != nil {
			logger.Errorf("grootfs: create %q: write record: %v", p, err)
		}
	}

	return &fileHandle{f: os.NewFile(uintptr(fd), p)}, nil
}

func (d *Driver) Open(p string, flags int) (Handle, error) {
	p = relPath(p)
	fd, err := unix.Openat(d.basefd, p, flags&^(unix.O_CREAT|unix.O_EXCL), 0)
	if err != nil {
		return nil, err
	}
	return &fileHandle{f: os.NewFile(uintptr(fd), p)}, nil
}

////////////////////////////////////////////////////////////////////////
// unlink / rmdir / rename / link / symlink / readlink
////////////////////////////////////////////////////////////////////////

func (d *Driver) Unlink(p string) error {
	p = relPath(p)
	var st unix.Stat_t
	hasStat := unix.Fstatat(d.basefd, p, &st, unix.AT_SYMLINK_NOFOLLOW) == nil
	isSymlink := hasStat && st.Mode&unix.S_IFMT == unix.S_IFLNK

	if err := unix.Unlinkat(d.basefd, p, 0); err != nil {
		return err
	}

	if isSymlink {
		sidecar := d.sidecarPath(uint64(st.Dev), st.Ino)
		if err := unix.Unlinkat(d.basefd, sidecar, 0); err != nil && err != unix.ENOENT {
			logger.Errorf("grootfs: unlink %q: remove sidecar: %v", p, err)
		}
	}
	return nil
}

func (d *Driver) Rmdir(p string) error {
	return unix.Unlinkat(d.basefd, relPath(p), unix.AT_REMOVEDIR)
}

func (d *Driver) Rename(oldPath, newPath string) error {
	return unix.Renameat(d.basefd, relPath(oldPath), d.basefd, relPath(newPath))
}

func (d *Driver) Link(oldPath, newPath string) error {
	return unix.Linkat(d.basefd, relPath(oldPath), d.basefd, relPath(newPath), 0)
}

func (d *Driver) Symlink(target, linkPath string, uid, gid uint32) error {
	linkPath = relPath(linkPath)
	if err := unix.Symlinkat(target, d.basefd, linkPath); err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Fstatat(d.basefd, linkPath, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		logger.Errorf("grootfs: symlink %q: stat new link: %v", linkPath, err)
		return unix.EIO
	}
	rec := record{}.withUID(uid).withGID(gid)
	if err := d.writeSidecarRecord(uint64(st.Dev), st.Ino, rec); err != nil {
		logger.Errorf("grootfs: symlink %q: write sidecar: %v", linkPath, err)
		return unix.EIO
	}
	return nil
}

func (d *Driver) Readlink(p string) (string, error) {
	p = relPath(p)
	const maxPathLen = 4096
	buf := make([]byte, maxPathLen)
	n, err := unix.Readlinkat(d.basefd, p, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

////////////////////////////////////////////////////////////////////////
// readdir / statfs / access / utimens
////////////////////////////////////////////////////////////////////////

func (d *Driver) ReadDir(p string) ([]Dirent, error) {
	p = relPath(p)
	fd, err := unix.Openat(d.basefd, p, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), p)
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]Dirent, 0, len(names))
	for _, name := range names {
		if isSidecarName(name) {
			continue
		}
		var st unix.Stat_t
		typ := uint8(unix.DT_UNKNOWN)
		if unix.Fstatat(d.basefd, path.Join(p, name), &st, unix.AT_SYMLINK_NOFOLLOW) == nil {
			typ = modeToDirentType(st.Mode)
		}
		entries = append(entries, Dirent{Name: name, Type: typ})
	}
	return entries, nil
}

func modeToDirentType(mode uint32) uint8 {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return unix.DT_DIR
	case unix.S_IFLNK:
		return unix.DT_LNK
	case unix.S_IFREG:
		return unix.DT_REG
	default:
		return unix.DT_UNKNOWN
	}
}

func (d *Driver) Statfs(p string) (*Statfs, error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(d.basefd, &st); err != nil {
		return nil, err
	}
	return &Statfs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   int64(st.Bsize),
		NameLen: int64(st.Namelen),
	}, nil
}

// Access always succeeds, including for W_OK probes: tools such as rm
// probe write access before unlinking, and groot's whole premise is that
// the faking user can always write.
func (d *Driver) Access(p string, mode uint32) error {
	return nil
}

func (d *Driver) Utimens(p string, atime, mtime unix.Timespec) error {
	times := [2]unix.Timespec{atime, mtime}
	return unix.UtimesNanoAt(d.basefd, relPath(p), times[:], unix.AT_SYMLINK_NOFOLLOW)
}

////////////////////////////////////////////////////////////////////////
// xattr
////////////////////////////////////////////////////////////////////////

func (d *Driver) Setxattr(p, name string, value []byte, flags int) error {
	return xattr.SetWithFlags(procPath(d.basefd, relPath(p)), userXattrPrefix+name, value, flags)
}

func (d *Driver) Getxattr(p, name string) ([]byte, error) {
	v, err := xattr.Get(procPath(d.basefd, relPath(p)), userXattrPrefix+name)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Listxattr probes the required size with a size-0 call, then re-reads
// with a correctly-sized buffer, to avoid replicating the ERANGE-growth
// arithmetic the original implementation used.
func (d *Driver) Listxattr(p string) ([]string, error) {
	full := procPath(d.basefd, relPath(p))
	raw, err := xattr.List(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for _, n := range raw {
		if strings.HasPrefix(n, userXattrPrefix) {
			names = append(names, strings.TrimPrefix(n, userXattrPrefix))
		}
	}
	return names, nil
}

func (d *Driver) Removexattr(p, name string) error {
	return xattr.Remove(procPath(d.basefd, relPath(p)), userXattrPrefix+name)
}
