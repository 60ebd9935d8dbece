package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/pkgcache"
	"github.com/meigma/pkgcache/internal/layout"
	"github.com/meigma/pkgcache/internal/metrics"
)

func runAdd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("add", a.stderr)
	version := fs.String("version", "", "package version")
	pinned := fs.Bool("pinned", false, "never evict the package's materialization")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("add: no archives given")
	}

	e, err := a.engine(nil)
	if err != nil {
		return err
	}
	resolver := layout.NewResolver(a.cfg.Folders)
	for _, arg := range fs.Args() {
		path, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		kind, _ := e.Dispatcher().Classify(path)
		pkg := &pkgcache.Package{
			Name:      filepath.Base(path),
			Location:  resolver.Relativize(path),
			Kind:      kind,
			Version:   *version,
			SizeBytes: info.Size(),
			Pinned:    *pinned,
		}
		if err := e.Registry().Create(ctx, pkg); err != nil {
			return fmt.Errorf("add %s: %w", arg, err)
		}
		fmt.Fprintf(a.stdout, "%d\t%s\n", pkg.ID, pkg.Location)
	}
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list", a.stderr)
	all := fs.Bool("all", false, "include sub-packages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := a.engine(nil)
	if err != nil {
		return err
	}
	pkgs, err := e.Registry().Query(ctx, func(p *pkgcache.Package) bool {
		return *all || p.TopLevel()
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tSTATE\tCACHED\tNAME\tVERSION")
	for _, p := range pkgs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%t\t%s\t%s\n",
			p.ID, p.ParentID, p.State, e.IsMaterialized(p, nil), p.Name, p.Version)
	}
	return tw.Flush()
}

func runIndex(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("index", a.stderr)
	verbose := fs.BoolP("verbose", "v", false, "print progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := a.engine(nil)
	if err != nil {
		return err
	}
	opts := a.cfg.IndexerOptions()
	if *verbose {
		opts = append(opts, pkgcache.WithProgress(func(p pkgcache.IndexProgress) {
			if p.Stage == pkgcache.StageHashing && p.Files != p.Total {
				return
			}
			fmt.Fprintf(a.stderr, "%d %s: %s\n", p.PackageID, p.Name, p.Stage)
		}))
	}
	stats, err := pkgcache.NewIndexer(e, opts...).Run(ctx)
	fmt.Fprintf(a.stdout, "indexed %d, failed %d\n", stats.Indexed, stats.Failed)
	e.Wait()
	return err
}

func runMaterialize(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("materialize", a.stderr)
	fileOnly := fs.Bool("file-only", false, "extract only the requested file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("materialize: usage: materialize <package-id> [path]")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("materialize: invalid package id %q", fs.Arg(0))
	}

	e, err := a.engine(nil)
	if err != nil {
		return err
	}
	pkg, err := e.Registry().Find(ctx, id)
	if err != nil {
		return err
	}
	var file *pkgcache.PackageFile
	if fs.NArg() == 2 {
		file = findFile(ctx, e, id, fs.Arg(1))
	}
	path, err := e.EnsureMaterialized(ctx, pkg, file, *fileOnly)
	e.Wait()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, path)
	return nil
}

// findFile returns the registered record for rel, or an unregistered one.
func findFile(ctx context.Context, e *pkgcache.Engine, id int64, rel string) *pkgcache.PackageFile {
	want := layout.CleanRel(rel)
	if files, err := e.Registry().Files(ctx, id); err == nil {
		for _, f := range files {
			if f.Path == want {
				return f
			}
		}
	}
	return &pkgcache.PackageFile{PackageID: id, Path: rel}
}

func runClean(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("clean", a.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := a.engine(nil)
	if err != nil {
		return err
	}
	ev := e.Evictor()
	if ev == nil {
		return errors.New("clean: cache.max_bytes is not set")
	}
	res, err := ev.CheckAndClean(ctx)
	ev.Wait()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "cache %d bytes, freed %d bytes in %d entries, skipped %d\n",
		res.TotalBytes, res.FreedBytes, len(res.Removed), res.Skipped)
	return nil
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("serve", a.stderr)
	indexEvery := fs.Duration("index-interval", 0, "index pending packages at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e, err := a.engine(reg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(reg))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("metrics listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if ev := e.Evictor(); ev != nil {
		g.Go(func() error {
			return ignoreCanceled(ev.Run(gctx))
		})
	}
	if *indexEvery > 0 {
		ix := pkgcache.NewIndexer(e, a.cfg.IndexerOptions()...)
		g.Go(func() error {
			ticker := time.NewTicker(*indexEvery)
			defer ticker.Stop()
			for {
				stats, err := ix.Run(gctx)
				if err != nil && pkgcache.KindOf(err) != pkgcache.KindCanceled {
					a.logger.Warn("index run failed", slog.Any("error", err))
				} else if stats.Indexed+stats.Failed > 0 {
					a.logger.Info("index run",
						slog.Int("indexed", stats.Indexed),
						slog.Int("failed", stats.Failed))
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	err = g.Wait()
	e.Wait()
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
