// Package mounthelper implements the Mount Helper: a detached process
// that owns every grootfs FUSE session for one invocation of groot. It
// runs outside the user namespace the coordinator unshares into, so a
// wrap directory stays servable even if the coordinator's namespace (and
// the command running inside it) exits first. It daemonizes via
// rendezvous.Daemonize before serving anything, so it is never the
// coordinator's direct child: the coordinator's Wait returns once the
// daemonizing hop is done, long before the sessions below it are, which
// is what makes it safe for the coordinator to reap it synchronously
// ahead of its own exec into the target command.
package mounthelper

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alexlarsson/groot/internal/fuseproto"
	"github.com/alexlarsson/groot/internal/grootfs"
	"github.com/alexlarsson/groot/internal/logger"
	"github.com/alexlarsson/groot/internal/rendezvous"
)

// HelperName is the reexec registration name for this helper.
const HelperName = "groot-mount-helper"

func init() {
	rendezvous.Register(HelperName, runHelper)
}

// firstWrapFD is the first ExtraFiles index after the rendezvous socket
// itself (fd 3): basefds for each requested wrap follow at fd 4, 5, ...
const firstWrapFD = 4

// runHelper reads the header the coordinator sends ahead of the
// rendezvous byte, waits to be woken, receives one FUSE device fd per
// already-open wrap basefd, and serves each wrap until told to stop.
func runHelper() {
	if !rendezvous.Daemonize(HelperName) {
		return // unreachable: Daemonize exits generation 1 directly
	}

	sock := rendezvous.HelperSocket()

	hdr, err := readHeader(sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "groot-mount-helper: %v\n", err)
		os.Exit(1)
	}

	if err := rendezvous.WaitByte(sock); err != nil {
		fmt.Fprintf(os.Stderr, "groot-mount-helper: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ignoreSIGPIPEAndHandleShutdown(cancel)

	var wg sync.WaitGroup
	for i := 0; i < hdr.wrapCount; i++ {
		basefd := firstWrapFD + i
		devFD, err := rendezvous.RecvFD(sock)
		if err != nil {
			fmt.Fprintf(os.Stderr, "groot-mount-helper: recv fuse fd for wrap %d: %v\n", i, err)
			continue
		}
		driver := grootfs.NewDriver(basefd, hdr.maxUID, hdr.maxGID)
		session := fuseproto.NewSession(devFD, driver)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := session.Serve(ctx); err != nil {
				logger.Warnf("groot-mount-helper: wrap %d session ended: %v", i, err)
			}
		}(i)
	}

	if err := rendezvous.Ack(sock); err != nil {
		fmt.Fprintf(os.Stderr, "groot-mount-helper: ack: %v\n", err)
		os.Exit(1)
	}

	wg.Wait()
	os.Exit(0)
}

// ignoreSIGPIPEAndHandleShutdown arranges for SIGHUP/SIGINT/SIGTERM to
// cancel every running session (which stops Serve's read loop and lets
// the process exit once the kernel tears the mount down), and for
// SIGPIPE — expected once the coordinator's rendezvous socket closes —
// to be ignored rather than killing the helper.
func ignoreSIGPIPEAndHandleShutdown(cancel context.CancelFunc) {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
}

// header is the fixed-format preamble the coordinator sends before
// waking the helper: the uid/gid ceilings every driver needs and the
// number of wrap basefds it already passed via ExtraFiles.
type header struct {
	maxUID, maxGID uint32
	wrapCount      int
}

func readHeader(sock *os.File) (header, error) {
	buf := make([]byte, 12)
	if _, err := readFull(sock, buf); err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}
	return header{
		maxUID:    be32(buf[0:4]),
		maxGID:    be32(buf[4:8]),
		wrapCount: int(be32(buf[8:12])),
	}, nil
}

// WriteHeader is the coordinator-side counterpart to readHeader, sent
// over e's socket before the rendezvous byte.
func WriteHeader(w *os.File, maxUID, maxGID uint32, wrapCount int) error {
	buf := make([]byte, 12)
	putBE32(buf[0:4], maxUID)
	putBE32(buf[4:8], maxGID)
	putBE32(buf[8:12], uint32(wrapCount))
	_, err := w.Write(buf)
	return err
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected EOF")
		}
	}
	return total, nil
}
