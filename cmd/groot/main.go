// Command groot runs another command inside a private mount and user
// namespace, optionally wrapping one or more directories with grootfs so
// the command sees itself as able to chmod/chown within them without
// actually needing those rights on the real filesystem. mknod inside a
// wrap is refused.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/alexlarsson/groot/internal/groot"
	"github.com/alexlarsson/groot/internal/logger"
	"github.com/alexlarsson/groot/internal/rendezvous"
)

const usage = `usage: groot [-h] [-w DIR]... [-d] COMMAND [ARG...]

  -w DIR       wrap DIR with grootfs (may be repeated)
  -d           enable debug logging
  -h, --help   show this help and exit

Environment:
  GROOT_WRAPFS     colon-separated list of directories to wrap, appended
                     to any -w flags
  GROOT_USER       login name to resolve sub-uid/sub-gid allocations for,
                     overriding the caller's own
  GROOT_DISABLED   if set, groot execs COMMAND directly without entering
                     any namespace
  GROOT_LOG_FORMAT  "text" or "json" (default "text")
  GROOT_LOG_FILE    path to log to instead of stderr, rotated with
                     lumberjack
`

func main() {
	// Re-exec'd helper invocations must dispatch before any flag parsing
	// happens, since argv[0] for those invocations is the helper's
	// registered name, not "groot".
	if rendezvous.Init() {
		return
	}

	opts, debug, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts == nil {
		fmt.Print(usage)
		return
	}

	if err := configureLogging(debug); err != nil {
		fmt.Fprintf(os.Stderr, "groot: %v\n", err)
		os.Exit(1)
	}

	if os.Getenv("GROOT_DISABLED") != "" {
		execDirect(opts.Argv)
		return
	}

	if err := groot.Run(*opts); err != nil {
		fmt.Fprintf(os.Stderr, "groot: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs hand-rolls groot's three-flag surface rather than reaching
// for a flags package: there is no subcommand tree, no config file, and
// no flag that needs a usage-generated default, so a parser loop is
// both simpler and clearer than bringing in machinery built for larger
// CLIs. It also returns whether -d was given, since that selects the
// logger's severity once configureLogging runs.
func parseArgs(args []string) (*groot.Options, bool, error) {
	opts := &groot.Options{}
	debug := false

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help":
			return nil, false, nil
		case arg == "-d":
			debug = true
		case arg == "-w":
			i++
			if i >= len(args) {
				return nil, false, fmt.Errorf("groot: -w requires an argument")
			}
			opts.Wraps = append(opts.Wraps, args[i])
		case strings.HasPrefix(arg, "-w"):
			opts.Wraps = append(opts.Wraps, strings.TrimPrefix(arg, "-w"))
		case arg == "--":
			i++
			goto done
		case strings.HasPrefix(arg, "-"):
			return nil, false, fmt.Errorf("groot: unknown flag %q", arg)
		default:
			goto done
		}
	}
done:
	opts.Argv = args[i:]
	if len(opts.Argv) == 0 {
		return nil, false, fmt.Errorf("groot: no command given")
	}

	if env := os.Getenv("GROOT_WRAPFS"); env != "" {
		opts.Wraps = append(opts.Wraps, strings.Split(env, ":")...)
	}
	opts.Login = os.Getenv("GROOT_USER")

	return opts, debug, nil
}

// configureLogging wires GROOT_LOG_FORMAT/GROOT_LOG_FILE and -d into
// internal/logger, per the logging interface SPEC_FULL.md describes:
// -d raises severity to DEBUG (INFO otherwise), GROOT_LOG_FORMAT picks
// the wire format (default "text"), and GROOT_LOG_FILE, if set, routes
// output to a rotated file instead of stderr.
func configureLogging(debug bool) error {
	level := logger.INFO
	if debug {
		level = logger.DEBUG
	}

	format := os.Getenv("GROOT_LOG_FORMAT")
	if format == "" {
		format = "text"
	}

	if path := os.Getenv("GROOT_LOG_FILE"); path != "" {
		return logger.InitLogFile(
			logger.LogConfig{LogRotateConfig: logger.DefaultLogRotateConfig()},
			logger.LoggingConfig{FilePath: path, Severity: level, Format: format},
		)
	}

	logger.SetLogFormat(format)
	logger.SetLogLevel(level)
	return nil
}

func execDirect(argv []string) {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "groot: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "groot: exec %s: %v\n", argv[0], err)
		os.Exit(1)
	}
}
