// pkgcache registers, indexes and materializes compressed packages.
//
// Usage:
//
//	pkgcache [--config FILE] <command> [flags] [args]
//
// Commands:
//
//	add          register origin archives as top-level packages
//	list         print registered packages
//	index        index every package that is not done
//	materialize  extract a package, or one file of it, and print the path
//	clean        run one eviction pass over the cache root
//	serve        run eviction and periodic indexing, and expose metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/meigma/pkgcache"
	"github.com/meigma/pkgcache/config"
	"github.com/meigma/pkgcache/registry/sqlstore"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{"add", "register origin archives as top-level packages", runAdd},
	{"list", "print registered packages", runList},
	{"index", "index every package that is not done", runIndex},
	{"materialize", "extract a package, or one file of it, and print the path", runMaterialize},
	{"clean", "run one eviction pass over the cache root", runClean},
	{"serve", "run eviction and periodic indexing, and expose metrics", runServe},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var configPath string
	flagSet := pflag.NewFlagSet("pkgcache", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default $"+config.EnvConfig+")")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(stderr, flagSet) }
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return pflag.ErrHelp
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == rest[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: cfg.NewLogger(stderr), stdout: stdout, stderr: stderr}
	defer a.close()
	return cmd.run(ctx, a, rest[1:])
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: pkgcache [--config FILE] <command> [flags] [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

// app holds the resources shared by commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	store *sqlstore.Store
}

func (a *app) registry() (*sqlstore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if a.cfg.Registry.Driver == sqlstore.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(a.cfg.Registry.DSN), 0o750); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}
	store, err := sqlstore.Open(a.cfg.Registry.Driver, a.cfg.Registry.DSN)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// engine opens the registry and builds an engine. A non-nil reg receives
// the engine metrics.
func (a *app) engine(reg prometheus.Registerer) (*pkgcache.Engine, error) {
	store, err := a.registry()
	if err != nil {
		return nil, err
	}
	opts := a.cfg.EngineOptions(a.logger)
	if reg != nil {
		opts = append(opts, pkgcache.WithMetricsRegisterer(reg))
	}
	return pkgcache.NewEngine(a.cfg.Root, store, opts...)
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close registry", slog.Any("error", err))
	}
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pkgcache "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
