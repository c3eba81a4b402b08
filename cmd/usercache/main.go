package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/odvcencio/usercache/pkg/config"
	"github.com/odvcencio/usercache/pkg/logging"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// app carries what every subcommand needs.
type app struct {
	cfg        *config.Config
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func (a *app) logger(component string) *logging.Logger {
	return a.cfg.LoggerTo(a.stderr, component)
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"put-message", "append a message: -key K -data D [-plugin P]", runPutMessage},
	{"put-doc", "write a read-write document: -key K -data D [-plugin P]", runPutDocument},
	{"get", "print the current document: -key K", runGet},
	{"get-updated", "print the document only if it changed since last read: -key K", runGetUpdated},
	{"export", "print all documents as a JSON array", runExport},
	{"import", "import a JSON array of entries: [-file F] (stdin by default)", runImport},
	{"clear-messages", "delete entries in a time range: -field write_ts|read_ts -after A -before B", runClearMessages},
	{"clear", "delete every entry: -yes", runClear},
	{"count", "print the number of stored entries", runCount},
	{"sync", "run one sync round, or keep syncing with -watch", runSync},
	{"serve", "run the sync server", runServe},
	{"version", "print version information", runVersion},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses global flags, dispatches a subcommand and returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("usercache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default ~/.usercache/config.yaml)")
	dbPath := fs.String("db", "", "cache database path (overrides config and USERCACHE_DB_PATH)")
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return exitUsage
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return exitUsage
	}

	name := rest[0]
	if name == "help" || name == "--help" || name == "-h" {
		printUsage(stdout, fs)
		return 0
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "Error: unknown command %q\n", name)
		printUsage(stderr, fs)
		return exitUsage
	}

	a := &app{configPath: *configPath, stdin: stdin, stdout: stdout, stderr: stderr}
	if cmd.name != "version" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCodeForError(err)
		}
		if p := strings.TrimSpace(*dbPath); p != "" {
			cfg.Store.Path = p
		}
		a.cfg = cfg
	}

	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return exitCodeForError(err)
	}
	return 0
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: usercache [-config FILE] [-db PATH] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-15s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "global flags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func runVersion(_ context.Context, a *app, _ []string) error {
	fmt.Fprintf(a.stdout, "usercache %s (commit %s, built %s)\n", version, commit, buildDate)
	return nil
}
