// Package groot implements the Entry Coordinator: the sequence that
// turns one invocation of the groot binary into a target command running
// with a private mount namespace, a private user namespace mapped from
// the caller's sub-uid/sub-gid allocation, and zero or more wrap
// directories backed by a grootfs FUSE session.
package groot

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"

	"github.com/alexlarsson/groot/internal/logger"
	"github.com/alexlarsson/groot/internal/mount"
	"github.com/alexlarsson/groot/internal/mounthelper"
	"github.com/alexlarsson/groot/internal/perms"
	"github.com/alexlarsson/groot/internal/privmap"
	"github.com/alexlarsson/groot/internal/rendezvous"
	"github.com/alexlarsson/groot/internal/subid"
)

const (
	subuidPath = "/etc/subuid"
	subgidPath = "/etc/subgid"
)

// Options collects the command-line and environment inputs the
// coordinator needs. Parsing them is cmd/groot's job; Run takes the
// already-resolved result.
type Options struct {
	Wraps []string
	Login string
	Argv  []string
}

// Run executes the coordinator sequence. On success it execve's Argv[0]
// and never returns; on failure it returns an error describing the first
// step that failed, which the caller reports and exits 1 for.
func Run(opts Options) error {
	if len(opts.Argv) == 0 {
		return fmt.Errorf("groot: no command given")
	}

	login := opts.Login
	if login == "" {
		var err error
		login, err = perms.MyLoginName()
		if err != nil {
			return fmt.Errorf("resolve login name: %w", err)
		}
	}

	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		return fmt.Errorf("resolve uid/gid: %w", err)
	}

	uidTable, err := subid.BuildTable(subuidPath, login, uid)
	if err != nil {
		return fmt.Errorf("build uid table: %w", err)
	}
	gidTable, err := subid.BuildTable(subgidPath, login, gid)
	if err != nil {
		return fmt.Errorf("build gid table: %w", err)
	}

	var mountHelper *rendezvous.Endpoint
	var wraps []string
	if len(opts.Wraps) > 0 {
		mountHelper, wraps, err = spawnMountHelper(opts.Wraps, uidTable.MaxNamespaceID(), gidTable.MaxNamespaceID())
		if err != nil {
			return err
		}
	}

	pid := os.Getpid()
	privmapHelper, err := rendezvous.Spawn(privmap.HelperName)
	if err != nil {
		return fmt.Errorf("spawn privilege-map helper: %w", err)
	}
	if err := privmap.Send(privmapHelper, privmap.Request{PID: pid, UIDs: uidTable, GIDs: gidTable}); err != nil {
		return fmt.Errorf("send privilege-map request: %w", err)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	if err := unix.Unshare(unix.CLONE_NEWNS | unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("unshare mount/user namespaces: %w", err)
	}

	if err := privmapHelper.Wake(); err != nil {
		return fmt.Errorf("wake privilege-map helper: %w", err)
	}
	if err := privmapHelper.AwaitAck(); err != nil {
		return fmt.Errorf("failed to set up uid/gid mappings: %w", err)
	}
	_ = privmapHelper.Close()
	if err := privmapHelper.Wait(); err != nil {
		logger.Warnf("groot: privilege-map helper exited with error: %v", err)
	}

	if mountHelper != nil {
		if err := mountHelper.Wake(); err != nil {
			return fmt.Errorf("wake mount helper: %w", err)
		}
		for _, wrap := range wraps {
			fd, err := mount.OpenDevice()
			if err != nil {
				return fmt.Errorf("open fuse device for %s: %w", wrap, err)
			}
			if err := mount.Mount(wrap, fd); err != nil {
				return fmt.Errorf("mount %s: %w", wrap, err)
			}
			if err := mountHelper.SendFD(fd); err != nil {
				return fmt.Errorf("hand off fuse fd for %s: %w", wrap, err)
			}
		}
		if err := mountHelper.AwaitAck(); err != nil {
			return fmt.Errorf("mount helper did not attach sessions: %w", err)
		}
		_ = mountHelper.Close()
		// mountHelper daemonizes (see internal/mounthelper's package doc):
		// Wait here reaps generation 1, which exits as soon as it has
		// re-exec'd the long-running generation 2 that actually serves the
		// FUSE sessions, so this returns promptly rather than blocking for
		// the lifetime of the mount.
		if err := mountHelper.Wait(); err != nil {
			logger.Warnf("groot: mount helper setup process exited with error: %v", err)
		}
	}

	if err := raiseAmbientCapabilities(); err != nil {
		logger.Warnf("groot: could not raise ambient capabilities: %v", err)
	}

	binary, err := exec.LookPath(opts.Argv[0])
	if err != nil {
		return fmt.Errorf("look up %s: %w", opts.Argv[0], err)
	}
	if err := unix.Exec(binary, opts.Argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", opts.Argv[0], err)
	}
	return nil // unreachable: Exec only returns on error
}

// spawnMountHelper opens every requested wrap directory as a basefd
// before the helper detaches, so a bad -w argument is reported
// synchronously from the coordinator rather than silently inside the
// background helper. It returns the wraps it could open, in order; those
// are the only ones the coordinator then mounts.
func spawnMountHelper(wraps []string, maxUID, maxGID uint32) (*rendezvous.Endpoint, []string, error) {
	var basefds []*os.File
	var valid []string
	for _, wrap := range wraps {
		f, err := os.Open(wrap)
		if err != nil {
			logger.Warnf("groot: skipping wrap %s: %v", wrap, err)
			continue
		}
		basefds = append(basefds, f)
		valid = append(valid, wrap)
	}
	if len(valid) == 0 {
		return nil, nil, fmt.Errorf("no usable -w directories")
	}

	ep, err := rendezvous.Spawn(mounthelper.HelperName, basefds...)
	for _, f := range basefds {
		f.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("spawn mount helper: %w", err)
	}
	if err := mounthelper.WriteHeader(ep.Socket(), maxUID, maxGID, len(valid)); err != nil {
		return nil, nil, fmt.Errorf("send mount helper header: %w", err)
	}
	return ep, valid, nil
}

// raiseAmbientCapabilities loads the coordinator's own capability sets
// and copies everything permitted into the inheritable and ambient sets,
// so the exec'd command keeps what groot itself was allowed rather than
// dropping to an empty set the moment PR_SET_NO_NEW_PRIVS takes effect.
func raiseAmbientCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}

	for _, c := range capability.List() {
		if !caps.Get(capability.PERMITTED, c) {
			continue
		}
		caps.Set(capability.INHERITABLE, c)
		caps.Set(capability.AMBIENT, c)
	}

	if err := caps.Apply(capability.CAPS | capability.AMBS); err != nil {
		return fmt.Errorf("apply capabilities: %w", err)
	}
	return nil
}
