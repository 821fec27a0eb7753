// Package rendezvous implements the detached-helper-with-a-rendezvous-pipe
// builder the design notes call for: a typed endpoint wrapping a
// re-exec'd helper process and a socketpair used for synchronisation and,
// where needed, SCM_RIGHTS file-descriptor passing.
//
// Helpers are re-invoked copies of groot's own binary (via
// github.com/moby/sys/reexec, the same "re-exec myself under a different
// argv[0]" mechanism moby-moby's dependency graph uses for comparable
// setup helpers). A textbook double-fork detaches a helper by forking
// twice with no intervening exec, so the grandchild reparents to PID 1 and
// is never the coordinator's child; Go cannot safely perform a bare
// fork(2) once the runtime has started goroutines, so groot gets there
// with two safe fork+exec hops instead of one bare fork. Spawn starts
// generation 1 (Setsid'd, a direct child of the coordinator); generation
// 1's entry point calls Daemonize before doing any real work, which
// re-execs the same helper into generation 2 — carrying the rendezvous
// socket and any extra fds forward — and then exits immediately. The
// coordinator's Wait on generation 1 therefore returns almost at once
// regardless of how long generation 2 goes on to run, which is what lets
// Wait be called synchronously even for a helper, like the Mount Helper,
// that serves requests for the life of the mount.
package rendezvous

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
)

// reexecGenEnv marks a process as generation 2 of the double-fork, so its
// copy of the registered entry point knows to skip re-daemonizing and get
// on with the helper's actual job.
const reexecGenEnv = "_GROOT_REEXEC_GEN"

// extraFDCountEnv carries the number of ExtraFiles generation 1 was
// started with (beyond the rendezvous socket at fd 3) across the second
// fork+exec hop, so Daemonize knows how many fds to carry forward without
// the helper having to tell it explicitly.
const extraFDCountEnv = "_GROOT_EXTRA_FDS"

// Register records a detached-helper entry point under name, to be
// invoked via Spawn. It must be called from an init function or from
// main before Init runs, mirroring reexec.Register's own contract.
func Register(name string, fn func()) {
	reexec.Register(name, fn)
}

// Init must be called first thing in main. If the process was re-exec'd
// as a registered helper, it runs that helper's entry point and never
// returns to the caller.
func Init() bool {
	return reexec.Init()
}

// Endpoint is the coordinator's handle to one detached helper: a
// one-shot rendezvous channel plus the means to wait for generation 1 of
// the helper to daemonize away (see Wait and Daemonize).
type Endpoint struct {
	cmd   *exec.Cmd
	local *os.File
}

// Spawn starts a registered helper and connects a socketpair to it; the
// helper's copy of the remote half arrives as the first entry of its
// ExtraFiles (fd 3).
func Spawn(name string, extra ...*os.File) (*Endpoint, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: socketpair: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), "rendezvous-local")
	remote := os.NewFile(uintptr(fds[1]), "rendezvous-remote")
	defer remote.Close()

	cmd := reexec.Command(name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{remote}, extra...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", extraFDCountEnv, len(extra)))
	// Generation 1 gets its own session (new session, no controlling
	// terminal) so that whatever it daemonizes into in Daemonize is
	// likewise detached; see the package doc for the rest of the
	// two-hop handshake.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		local.Close()
		return nil, fmt.Errorf("rendezvous: start %s: %w", name, err)
	}

	return &Endpoint{cmd: cmd, local: local}, nil
}

// Daemonize must be the first call a registered helper entry point makes.
// On generation 1 (the process Spawn just started) it re-execs the same
// helper a second time, forwarding the rendezvous socket and any extra
// fds generation 1 itself was started with, then exits immediately — so
// the coordinator's Wait returns almost at once and the real, possibly
// long-running, helper work happens in generation 2, a grandchild the
// coordinator never has to reap. It returns true on generation 2, where
// the caller should proceed with its actual work; it never returns on
// generation 1.
func Daemonize(name string) bool {
	if os.Getenv(reexecGenEnv) == "2" {
		return true
	}

	n, _ := strconv.Atoi(os.Getenv(extraFDCountEnv))
	files := make([]*os.File, 0, 1+n)
	files = append(files, os.NewFile(3, "rendezvous-remote"))
	for i := 0; i < n; i++ {
		files = append(files, os.NewFile(uintptr(4+i), "inherited"))
	}

	cmd := reexec.Command(name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	cmd.Env = append(os.Environ(), reexecGenEnv+"=2")

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "rendezvous: daemonize %s: %v\n", name, err)
		os.Exit(1)
	}
	os.Exit(0)
	panic("unreachable")
}

// Socket returns the coordinator's raw end of the rendezvous socket, for
// helpers (like the Mount Helper) that need a header written ahead of
// the usual Wake/AwaitAck/SendFD sequence.
func (e *Endpoint) Socket() *os.File {
	return e.local
}

// Writer returns a buffered writer over the coordinator's end of the
// socket, for sending a helper its setup payload (e.g. privmap.Send)
// ahead of the Wake byte.
func (e *Endpoint) Writer() *bufio.Writer {
	return bufio.NewWriter(e.local)
}

// Wake sends the single rendezvous byte that tells the helper its
// prerequisites are satisfied (e.g. the coordinator has entered the new
// namespace).
func (e *Endpoint) Wake() error {
	_, err := e.local.Write([]byte{1})
	return err
}

// AwaitAck blocks for the helper's one-byte acknowledgement. A short
// read (including EOF, meaning the helper died) is reported as an error;
// callers treat this as fatal per the fail-fast propagation policy.
func (e *Endpoint) AwaitAck() error {
	buf := make([]byte, 1)
	n, err := e.local.Read(buf)
	if err != nil {
		return fmt.Errorf("rendezvous: short read waiting for ack: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("rendezvous: short read waiting for ack")
	}
	return nil
}

// SendFD passes fd to the helper via SCM_RIGHTS ancillary data, then
// closes the local copy: ownership is transferred, never duplicated.
func (e *Endpoint) SendFD(fd int) error {
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(int(e.local.Fd()), nil, rights, nil, 0); err != nil {
		return fmt.Errorf("rendezvous: sendmsg: %w", err)
	}
	return unix.Close(fd)
}

// Wait blocks until generation 1 of the helper exits and reaps it.
// Daemonize makes generation 1 exit right after it re-execs generation 2,
// so Wait returns quickly regardless of how long generation 2 itself
// runs for — callers must still invoke it synchronously before the
// coordinator exits or execs, not as a fire-and-forget goroutine, since a
// goroutine racing unix.Exec can lose and leave generation 1 a zombie.
func (e *Endpoint) Wait() error {
	return e.cmd.Wait()
}

// Close releases the local socket end without waiting for the helper.
func (e *Endpoint) Close() error {
	return e.local.Close()
}

// HelperSocket returns the helper side's rendezvous socket: fd 3, the
// first entry of ExtraFiles. Any extra files passed to Spawn (the Mount
// Helper's wrap basefds) follow it from fd 4.
func HelperSocket() *os.File {
	return os.NewFile(3, "rendezvous-remote")
}

// RecvFD blocks for one SCM_RIGHTS file descriptor on the helper's
// rendezvous socket, as sent by Endpoint.SendFD.
func RecvFD(sock *os.File) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)
	_, oobn, _, _, err := unix.Recvmsg(int(sock.Fd()), buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("rendezvous: recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("rendezvous: parse cmsg: %w", err)
	}
	if len(msgs) == 0 {
		return -1, fmt.Errorf("rendezvous: no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("rendezvous: parse rights: %w", err)
	}
	if len(fds) == 0 {
		return -1, fmt.Errorf("rendezvous: no fd received")
	}
	return fds[0], nil
}

// WaitByte blocks for a single rendezvous byte sent by the coordinator
// (e.g. Endpoint.Wake), as read from the helper side of the socket.
func WaitByte(sock *os.File) error {
	buf := make([]byte, 1)
	n, err := sock.Read(buf)
	if err != nil {
		return fmt.Errorf("rendezvous: short read: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("rendezvous: short read")
	}
	return nil
}

// Ack sends the helper's one-byte acknowledgement back to the
// coordinator.
func Ack(sock *os.File) error {
	_, err := sock.Write([]byte{1})
	return err
}

