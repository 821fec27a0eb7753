// Package privmap implements the Privilege-Map Helper: a short-lived
// detached process that writes a target process's sub-uid/sub-gid
// mappings into its user namespace by invoking the host's setuid
// newuidmap/newgidmap binaries on its behalf, since the coordinator
// itself cannot write its own mapping once it has unshared into the
// namespace it is trying to configure. It daemonizes via
// rendezvous.Daemonize before doing any of this, so the coordinator's
// Wait on it returns as soon as the daemonizing hop is done rather than
// staying blocked on a process tree the coordinator never needed to own.
package privmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/alexlarsson/groot/internal/rendezvous"
	"github.com/alexlarsson/groot/internal/subid"
)

// HelperName is the reexec registration name for this helper.
const HelperName = "groot-privmap-helper"

func init() {
	rendezvous.Register(HelperName, runHelper)
}

// Request is what the coordinator sends the helper: the target pid plus
// both id-mapping tables, length-prefixed so the helper never has to
// guess a table's extent.
type Request struct {
	PID  int
	UIDs subid.Table
	GIDs subid.Table
}

// Send writes req to the coordinator's end of the rendezvous socket. It
// does not itself wake the helper; call Endpoint.Wake once the
// coordinator has entered the new namespace.
func Send(e *rendezvous.Endpoint, req Request) error {
	w := e.Writer()
	if err := binary.Write(w, binary.BigEndian, uint64(req.PID)); err != nil {
		return err
	}
	if err := writeTable(w, req.UIDs); err != nil {
		return err
	}
	if err := writeTable(w, req.GIDs); err != nil {
		return err
	}
	return w.Flush()
}

func writeTable(w *bufio.Writer, t subid.Table) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(t))); err != nil {
		return err
	}
	for _, triple := range t {
		if err := binary.Write(w, binary.BigEndian, triple.NSStart); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, triple.HostStart); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, triple.Length); err != nil {
			return err
		}
	}
	return nil
}

func readTable(r *bufio.Reader) (subid.Table, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	t := make(subid.Table, n)
	for i := range t {
		if err := binary.Read(r, binary.BigEndian, &t[i].NSStart); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &t[i].HostStart); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &t[i].Length); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// runHelper is the registered entry point: it reads the request, blocks
// for the rendezvous byte, runs newuidmap/newgidmap, and acknowledges.
func runHelper() {
	if !rendezvous.Daemonize(HelperName) {
		return // unreachable: Daemonize exits generation 1 directly
	}

	sock := rendezvous.HelperSocket()
	r := bufio.NewReader(sock)

	var pid64 uint64
	if err := binary.Read(r, binary.BigEndian, &pid64); err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: read pid: %v\n", err)
		os.Exit(1)
	}
	uids, err := readTable(r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: read uid table: %v\n", err)
		os.Exit(1)
	}
	gids, err := readTable(r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: read gid table: %v\n", err)
		os.Exit(1)
	}

	// The wake byte may already sit in r's buffer behind the request, so
	// it is read through r rather than from sock directly.
	if _, err := r.ReadByte(); err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: wait for wake byte: %v\n", err)
		os.Exit(1)
	}

	pid := strconv.FormatUint(pid64, 10)
	if err := runIDMapTool("newuidmap", pid, uids); err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: newuidmap: %v\n", err)
		os.Exit(1)
	}
	if err := runIDMapTool("newgidmap", pid, gids); err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: newgidmap: %v\n", err)
		os.Exit(1)
	}

	if err := rendezvous.Ack(sock); err != nil {
		fmt.Fprintf(os.Stderr, "groot-privmap-helper: ack: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runIDMapTool(tool, pid string, t subid.Table) error {
	path, err := exec.LookPath(tool)
	if err != nil {
		return fmt.Errorf("%s not found on PATH: %w", tool, err)
	}
	args := append([]string{pid}, t.Args()...)
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
