package fuseproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/alexlarsson/groot/internal/grootfs"
	"github.com/alexlarsson/groot/internal/logger"
)

// maxWrite is the largest single read/write FUSE will ever ask the
// session to service; it bounds the request buffer.
const maxWrite = 128 * 1024

// node is one entry of the session's path-by-inode-id table. FUSE
// requires a stable numeric id per lookup; grootfs itself is path-based,
// so the session is what bridges the two: it hands out ids on LOOKUP and
// retires them on FORGET.
type node struct {
	path        string
	lookupCount uint64
}

// Session services one mounted wrap directory's FUSE traffic: it reads
// requests off fd, dispatches them against fs, and writes replies back.
type Session struct {
	fd int
	fs grootfs.FileSystem

	mu      sync.Mutex
	nodes   map[uint64]*node
	byPath  map[string]uint64
	nextID  uint64
	handles map[uint64]grootfs.Handle
	nextFH  uint64
	dirs    map[uint64][]grootfs.Dirent

	exiting bool
	wg      sync.WaitGroup
}

// NewSession builds a session bound to an already-mounted FUSE device
// descriptor and the FileSystem it should dispatch requests to.
func NewSession(fd int, fs grootfs.FileSystem) *Session {
	s := &Session{
		fd:      fd,
		fs:      fs,
		nodes:   map[uint64]*node{rootNodeID: {path: "."}},
		byPath:  map[string]uint64{".": rootNodeID},
		nextID:  rootNodeID + 1,
		handles: make(map[uint64]grootfs.Handle),
		dirs:    make(map[uint64][]grootfs.Dirent),
	}
	return s
}

// Serve runs the read/dispatch/reply loop until the device is closed
// (the wrap is unmounted) or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	buf := make([]byte, maxWrite+4096)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.exiting = true
		s.mu.Unlock()
		unix.Close(s.fd)
	}()

	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.wg.Wait()
			if err == unix.ENODEV || err == unix.EBADF {
				return nil
			}
			return fmt.Errorf("fuseproto: read: %w", err)
		}
		if n < inHeaderSize {
			continue
		}
		req := make([]byte, n)
		copy(req, buf[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(req)
		}()
	}
}

func (s *Session) dispatch(req []byte) {
	var hdr InHeader
	if err := binary.Read(bytes.NewReader(req[:inHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return
	}
	body := req[inHeaderSize:]

	reply, status := s.handle(Opcode(hdr.Opcode), &hdr, body)
	s.writeReply(hdr.Unique, status, reply)
}

func (s *Session) writeReply(unique uint64, status int32, payload []byte) {
	out := OutHeader{
		Length: uint32(outHeaderSize + len(payload)),
		Status: status,
		Unique: unique,
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, out)
	buf.Write(payload)

	s.mu.Lock()
	exiting := s.exiting
	s.mu.Unlock()
	if exiting {
		return
	}
	if _, err := unix.Write(s.fd, buf.Bytes()); err != nil && err != unix.ENOENT {
		logger.Errorf("fuseproto: write reply: %v", err)
	}
}

// pathFor resolves a request's NodeId to the path grootfs should operate
// on.
func (s *Session) pathFor(id uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.path, true
}

// idFor returns the stable id for path, minting one (and incrementing
// its lookup count) if this is the first time the session has seen it.
func (s *Session) idFor(path string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPath[path]; ok {
		s.nodes[id].lookupCount++
		return id
	}
	id := s.nextID
	s.nextID++
	s.nodes[id] = &node{path: path, lookupCount: 1}
	s.byPath[path] = id
	return id
}

func (s *Session) forget(id uint64, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nd, ok := s.nodes[id]
	if !ok {
		return
	}
	if n >= nd.lookupCount {
		delete(s.nodes, id)
		delete(s.byPath, nd.path)
		return
	}
	nd.lookupCount -= n
}

func childPath(parent, name string) string {
	if parent == "." {
		return name
	}
	return parent + "/" + name
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func readStruct(b []byte, v any) bool {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v) == nil
}

func encodeStruct(v any) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func toKernelAttr(a *grootfs.Attr) kernelAttr {
	return kernelAttr{
		Ino:       a.Ino,
		Size:      uint64(a.Size),
		Blocks:    uint64((a.Size + 511) / 512),
		Atime:     uint64(a.Atime.Sec),
		Mtime:     uint64(a.Mtime.Sec),
		Ctime:     uint64(a.Ctime.Sec),
		Atimensec: uint32(a.Atime.Nsec),
		Mtimensec: uint32(a.Mtime.Nsec),
		Ctimensec: uint32(a.Ctime.Nsec),
		Mode:      a.Mode,
		Nlink:     a.Nlink,
		UID:       a.UID,
		GID:       a.GID,
		Rdev:      uint32(a.Rdev),
	}
}

// handle dispatches one decoded request to the bound FileSystem,
// returning the reply payload (without the OutHeader) and its status.
func (s *Session) handle(op Opcode, hdr *InHeader, body []byte) ([]byte, int32) {
	switch op {
	case opInit:
		var in initIn
		readStruct(body, &in)
		out := initOut{
			Major:        kernelVersion,
			Minor:        kernelMinorVersion,
			MaxReadahead: in.MaxReadahead,
			MaxWrite:     maxWrite,
		}
		return encodeStruct(out), 0

	case opDestroy:
		return nil, 0

	case opLookup:
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		name := cString(body)
		p := childPath(parent, name)
		attr, err := s.fs.GetAttr(p)
		if err != nil {
			return nil, errno(err)
		}
		id := s.idFor(p)
		return encodeStruct(entryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: toKernelAttr(attr)}), 0

	case opForget:
		var in struct{ Nlookup uint64 }
		readStruct(body, &in)
		s.forget(hdr.NodeID, in.Nlookup)
		return nil, 0

	case opGetattr:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		attr, err := s.fs.GetAttr(p)
		if err != nil {
			return nil, errno(err)
		}
		return encodeStruct(attrOut{AttrValid: 1, Attr: toKernelAttr(attr)}), 0

	case opSetattr:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in setAttrIn
		readStruct(body, &in)
		if in.Valid&fattrMode != 0 {
			if err := s.fs.Chmod(p, in.Mode); err != nil {
				return nil, errno(err)
			}
		}
		if in.Valid&(fattrUID|fattrGID) != 0 {
			uid, gid := uint32(0xffffffff), uint32(0xffffffff)
			if in.Valid&fattrUID != 0 {
				uid = in.UID
			}
			if in.Valid&fattrGID != 0 {
				gid = in.GID
			}
			if err := s.fs.Chown(p, uid, gid); err != nil {
				return nil, errno(err)
			}
		}
		if in.Valid&fattrSize != 0 {
			h, err := s.fs.Open(p, unix.O_WRONLY)
			if err != nil {
				return nil, errno(err)
			}
			err = h.Truncate(int64(in.Size))
			h.Release()
			if err != nil {
				return nil, errno(err)
			}
		}
		if in.Valid&(fattrAtime|fattrMtime) != 0 {
			at := unix.Timespec{Sec: int64(in.Atime), Nsec: int64(in.Atimensec)}
			mt := unix.Timespec{Sec: int64(in.Mtime), Nsec: int64(in.Mtimensec)}
			if err := s.fs.Utimens(p, at, mt); err != nil {
				return nil, errno(err)
			}
		}
		attr, err := s.fs.GetAttr(p)
		if err != nil {
			return nil, errno(err)
		}
		return encodeStruct(attrOut{AttrValid: 1, Attr: toKernelAttr(attr)}), 0

	case opReadlink:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		target, err := s.fs.Readlink(p)
		if err != nil {
			return nil, errno(err)
		}
		return []byte(target), 0

	case opSymlink:
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		parts := bytes.SplitN(body, []byte{0}, 2)
		if len(parts) != 2 {
			return nil, -int32(unix.EINVAL)
		}
		name, target := string(parts[0]), cString(parts[1])
		p := childPath(parent, name)
		if err := s.fs.Symlink(target, p, hdr.UID, hdr.GID); err != nil {
			return nil, errno(err)
		}
		attr, err := s.fs.GetAttr(p)
		if err != nil {
			return nil, errno(err)
		}
		id := s.idFor(p)
		return encodeStruct(entryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: toKernelAttr(attr)}), 0

	case opMknod:
		return nil, -int32(unix.EROFS)

	case opMkdir:
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in mkdirIn
		readStruct(body[:8], &in)
		name := cString(body[8:])
		p := childPath(parent, name)
		if err := s.fs.Mkdir(p, in.Mode&^in.Umask, hdr.UID, hdr.GID); err != nil {
			return nil, errno(err)
		}
		attr, err := s.fs.GetAttr(p)
		if err != nil {
			return nil, errno(err)
		}
		id := s.idFor(p)
		return encodeStruct(entryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: toKernelAttr(attr)}), 0

	case opUnlink:
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		p := childPath(parent, cString(body))
		if err := s.fs.Unlink(p); err != nil {
			return nil, errno(err)
		}
		return nil, 0

	case opRmdir:
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		p := childPath(parent, cString(body))
		if err := s.fs.Rmdir(p); err != nil {
			return nil, errno(err)
		}
		return nil, 0

	case opRename:
		oldParent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in renameIn
		readStruct(body[:8], &in)
		rest := body[8:]
		parts := bytes.SplitN(rest, []byte{0}, 2)
		if len(parts) != 2 {
			return nil, -int32(unix.EINVAL)
		}
		oldName := string(parts[0])
		newName := cString(parts[1])
		newParent, ok := s.pathFor(in.Newdir)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		oldPath := childPath(oldParent, oldName)
		newPath := childPath(newParent, newName)
		if err := s.fs.Rename(oldPath, newPath); err != nil {
			return nil, errno(err)
		}
		s.renamed(oldPath, newPath)
		return nil, 0

	case opLink:
		var in linkIn
		readStruct(body[:8], &in)
		name := cString(body[8:])
		oldPath, ok := s.pathFor(in.OldNodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		newPath := childPath(parent, name)
		if err := s.fs.Link(oldPath, newPath); err != nil {
			return nil, errno(err)
		}
		attr, err := s.fs.GetAttr(newPath)
		if err != nil {
			return nil, errno(err)
		}
		id := s.idFor(newPath)
		return encodeStruct(entryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: toKernelAttr(attr)}), 0

	case opOpen, opOpendir:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in openIn
		readStruct(body, &in)
		if op == opOpendir {
			entries, err := s.fs.ReadDir(p)
			if err != nil {
				return nil, errno(err)
			}
			fh := s.newFH(nil)
			s.mu.Lock()
			s.dirs[fh] = entries
			s.mu.Unlock()
			return encodeStruct(openOut{Fh: fh}), 0
		}
		h, err := s.fs.Open(p, int(in.Flags))
		if err != nil {
			return nil, errno(err)
		}
		fh := s.newFH(h)
		return encodeStruct(openOut{Fh: fh}), 0

	case opCreate:
		parent, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in createIn
		readStruct(body[:16], &in)
		name := cString(body[16:])
		p := childPath(parent, name)
		h, err := s.fs.Create(p, int(in.Flags), in.Mode&^in.Umask, hdr.UID, hdr.GID)
		if err != nil {
			return nil, errno(err)
		}
		attr, err := s.fs.GetAttr(p)
		if err != nil {
			h.Release()
			return nil, errno(err)
		}
		id := s.idFor(p)
		fh := s.newFH(h)
		return encodeStruct(createOut{
			Entry: entryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: toKernelAttr(attr)},
			Open:  openOut{Fh: fh},
		}), 0

	case opRead:
		var in readIn
		readStruct(body, &in)
		h, ok := s.handleFor(in.Fh)
		if !ok {
			return nil, -int32(unix.EBADF)
		}
		buf := make([]byte, in.Size)
		n, err := h.Read(buf, int64(in.Offset))
		if err != nil && n == 0 {
			return nil, errno(err)
		}
		return buf[:n], 0

	case opWrite:
		var in writeIn
		readStruct(body[:writeInSize], &in)
		data := body[writeInSize:]
		if uint32(len(data)) > in.Size {
			data = data[:in.Size]
		}
		h, ok := s.handleFor(in.Fh)
		if !ok {
			return nil, -int32(unix.EBADF)
		}
		n, err := h.Write(data, int64(in.Offset))
		if err != nil {
			return nil, errno(err)
		}
		return encodeStruct(writeOut{Size: uint32(n)}), 0

	case opRelease, opReleasedir:
		var in releaseIn
		readStruct(body, &in)
		s.mu.Lock()
		delete(s.dirs, in.Fh)
		h := s.handles[in.Fh]
		delete(s.handles, in.Fh)
		s.mu.Unlock()
		if h != nil {
			h.Release()
		}
		return nil, 0

	case opFlush:
		return nil, 0

	case opFsync, opFsyncdir:
		var in fsyncIn
		readStruct(body, &in)
		h, ok := s.handleFor(in.Fh)
		if !ok {
			return nil, 0
		}
		if err := h.Fsync(); err != nil {
			return nil, errno(err)
		}
		return nil, 0

	case opReaddir:
		var in readIn
		readStruct(body, &in)
		s.mu.Lock()
		entries := s.dirs[in.Fh]
		s.mu.Unlock()
		return packDirents(entries, int64(in.Offset), int(in.Size)), 0

	case opStatfs:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			p = "."
		}
		st, err := s.fs.Statfs(p)
		if err != nil {
			return nil, errno(err)
		}
		return encodeStruct(statfsOut{St: kstatfs{
			Blocks:  st.Blocks,
			Bfree:   st.Bfree,
			Bavail:  st.Bavail,
			Files:   st.Files,
			Ffree:   st.Ffree,
			Bsize:   uint32(st.Bsize),
			NameLen: uint32(st.NameLen),
		}}), 0

	case opAccess:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in accessIn
		readStruct(body, &in)
		if err := s.fs.Access(p, in.Mask); err != nil {
			return nil, errno(err)
		}
		return nil, 0

	case opSetxattr:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in setXattrIn
		readStruct(body[:8], &in)
		rest := bytes.SplitN(body[8:], []byte{0}, 2)
		if len(rest) != 2 {
			return nil, -int32(unix.EINVAL)
		}
		name := string(rest[0])
		value := rest[1]
		if uint32(len(value)) > in.Size {
			value = value[:in.Size]
		}
		if err := s.fs.Setxattr(p, name, value, int(in.Flags)); err != nil {
			return nil, errno(err)
		}
		return nil, 0

	case opGetxattr:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in getXattrIn
		readStruct(body[:8], &in)
		name := cString(body[8:])
		v, err := s.fs.Getxattr(p, name)
		if err != nil {
			return nil, errno(err)
		}
		if in.Size == 0 {
			return encodeStruct(getXattrOut{Size: uint32(len(v))}), 0
		}
		if uint32(len(v)) > in.Size {
			return nil, -int32(unix.ERANGE)
		}
		return v, 0

	case opListxattr:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		var in getXattrIn
		readStruct(body[:8], &in)
		names, err := s.fs.Listxattr(p)
		if err != nil {
			return nil, errno(err)
		}
		var joined bytes.Buffer
		for _, n := range names {
			joined.WriteString(n)
			joined.WriteByte(0)
		}
		if in.Size == 0 {
			return encodeStruct(getXattrOut{Size: uint32(joined.Len())}), 0
		}
		if uint32(joined.Len()) > in.Size {
			return nil, -int32(unix.ERANGE)
		}
		return joined.Bytes(), 0

	case opRemovexattr:
		p, ok := s.pathFor(hdr.NodeID)
		if !ok {
			return nil, -int32(unix.ENOENT)
		}
		if err := s.fs.Removexattr(p, cString(body)); err != nil {
			return nil, errno(err)
		}
		return nil, 0

	default:
		return nil, -int32(unix.ENOSYS)
	}
}

const writeInSize = 40

func (s *Session) renamed(oldPath, newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPath[oldPath]; ok {
		delete(s.byPath, oldPath)
		s.byPath[newPath] = id
		s.nodes[id].path = newPath
	}
}

func (s *Session) newFH(h grootfs.Handle) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFH++
	fh := s.nextFH
	if h != nil {
		s.handles[fh] = h
	}
	return fh
}

func (s *Session) handleFor(fh uint64) (grootfs.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[fh]
	return h, ok
}

// packDirents renders buffered entries starting at offset into the
// kernel's self-describing fuse_dirent stream, capped at size bytes —
// the same offset/continuation discipline the directory-handle model
// this was grounded on uses for its own listings.
func packDirents(entries []grootfs.Dirent, offset int64, size int) []byte {
	var out bytes.Buffer
	for i := int(offset); i < len(entries); i++ {
		e := entries[i]
		rec := kernelDirent{
			Ino:     e.Ino,
			Off:     uint64(i + 1),
			NameLen: uint32(len(e.Name)),
			Type:    uint32(e.Type),
		}
		entryBytes := encodeStruct(rec)
		entryBytes = append(entryBytes, []byte(e.Name)...)
		padded := align8(len(entryBytes))
		for len(entryBytes) < padded {
			entryBytes = append(entryBytes, 0)
		}
		if out.Len()+len(entryBytes) > size {
			break
		}
		out.Write(entryBytes)
	}
	return out.Bytes()
}
