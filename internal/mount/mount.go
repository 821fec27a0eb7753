// Package mount builds the FUSE mount-option string groot uses to mount
// grootfs at a wrap directory, and opens /dev/fuse for that mount.
package mount

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// fuseRootMode is the dirmode value the kernel expects for a freshly
// mounted FUSE root: a directory with no permission bits of its own
// (grootfs always overrides permissions via getattr). Rendered with its
// conventional leading zeros, not computed, so the mount option string
// matches byte-for-byte what external tooling expects to grep.
const fuseRootMode = "0040000"

// BuildFUSEOptions renders the mount(2) data argument for a FUSE mount
// backed by fd, exactly as described in the external interfaces: field
// order matters to tooling that greps /proc/self/mountinfo for it.
func BuildFUSEOptions(fd int) string {
	return fmt.Sprintf("fd=%d,rootmode=%s,user_id=0,group_id=0,allow_other", fd, fuseRootMode)
}

// OpenDevice opens the kernel's FUSE control device, returning the
// descriptor to pass as fd to both BuildFUSEOptions and the subsequent
// mount(2) call.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/fuse", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("mount: open /dev/fuse: %w", err)
	}
	return fd, nil
}

// Mount performs the actual mount(2) syscall binding a FUSE device
// handle to target, using the fstype and flags the external interface
// specifies.
func Mount(target string, fd int) error {
	data := BuildFUSEOptions(fd)
	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV)
	return unix.Mount("groot", target, "fuse.fuse-grootfs", flags, data)
}

// Unmount performs a lazy unmount, tolerating a target that is already
// unmounted (e.g. the Mount Helper's session already exited).
func Unmount(target string) error {
	err := unix.Unmount(target, unix.MNT_DETACH)
	if err == unix.EINVAL {
		return nil
	}
	return err
}
