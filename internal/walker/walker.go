package walker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"verifytree/internal/manifest"
	"verifytree/internal/reconcile"
	"verifytree/internal/results"
)

// ErrDirectoryMissing is returned when the requested root does not exist or
// is not a directory. It is the only condition that aborts a run.
var ErrDirectoryMissing = errors.New("directory missing")

// Plan is the outcome of a pre-scan: the directories to reconcile, in
// depth-first top-down order, plus totals used for progress reporting.
type Plan struct {
	Root   string
	Dirs   []string
	Files  int
	Bytes  int64
	Errors []error
}

// Options configures a tree walk.
type Options struct {
	Policy reconcile.Policy
	// Recursive descends into subdirectories; false reconciles only the root.
	Recursive bool
	// Workers bounds how many directories are reconciled at once. Values
	// below 1 mean 1, which reproduces a strictly sequential walk.
	Workers int
	Exclude []string
}

// Summary is the whole-tree result of a walk.
type Summary struct {
	Total results.Results
	// LiveFiles is the number of files the reconciler found on disk.
	LiveFiles int
	// Scanned is the file count of the plan, taken before reconciliation.
	Scanned   int
	Persisted int
	// Consistent is false when Total.FilesSeen != Scanned + Total.FilesDeleted,
	// meaning a planned directory was skipped or a file counted twice.
	Consistent bool
}

// Walker drives a Reconciler over a directory tree.
type Walker struct {
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
}

func (w *Walker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w.Logger
}

// CheckRoot verifies that root exists and is a directory.
func CheckRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", ErrDirectoryMissing, root)
		}
		return fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryMissing, root)
	}
	return nil
}

// Scan walks root and collects every directory along with file and byte
// totals, skipping sidecars and excluded names. With recursive=false only
// root itself is planned.
func Scan(root string, recursive bool, exclusions []string) (*Plan, error) {
	if err := CheckRoot(root); err != nil {
		return nil, err
	}

	plan := &Plan{Root: root}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// If error is on the root path, return it (don't continue walking)
			if path == root {
				return err
			}
			// Skip permission errors and continue walking
			plan.Errors = append(plan.Errors, err)
			return nil
		}

		if d.IsDir() {
			if path != root {
				if !recursive || reconcile.Excluded(d.Name(), true, exclusions) {
					return filepath.SkipDir
				}
			}
			plan.Dirs = append(plan.Dirs, path)
			return nil
		}

		if shouldSkipFile(d, exclusions) {
			return nil
		}

		info, err := d.Info()
		if d.Type()&fs.ModeSymlink != 0 {
			// Dangling links and links to directories are not tracked.
			info, err = os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		}
		if err != nil {
			plan.Errors = append(plan.Errors, err)
			return nil
		}
		plan.Files++
		plan.Bytes += info.Size()
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return plan, nil
}

func shouldSkipFile(d fs.DirEntry, exclusions []string) bool {
	if manifest.IsSidecar(d.Name()) {
		return true
	}
	if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
		return true
	}
	return reconcile.Excluded(d.Name(), false, exclusions)
}

// Walk reconciles every planned directory exactly once and folds the
// per-directory Results into a tree-wide total. Per-file and per-directory
// problems are counted, never returned; the returned error is either
// ErrDirectoryMissing or a context error.
func (w *Walker) Walk(ctx context.Context, plan *Plan, opts Options) (*Summary, error) {
	if err := CheckRoot(plan.Root); err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		summary = &Summary{Scanned: plan.Files}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, dir := range plan.Dirs {
		if gctx.Err() != nil {
			break
		}
		dir := dir
		g.Go(func() error {
			report, err := w.Reconciler.ReconcileDir(gctx, dir, opts.Policy)
			if err != nil {
				return fmt.Errorf("%s: %w", dir, err)
			}

			mu.Lock()
			summary.Total = summary.Total.Add(report.Results)
			summary.LiveFiles += report.LiveFiles
			if report.Persisted {
				summary.Persisted++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := summary.Total
	summary.Consistent = total.FilesSeen == summary.Scanned+total.FilesDeleted
	if !summary.Consistent {
		w.logger().Error("file accounting mismatch",
			"seen", total.FilesSeen,
			"scanned", summary.Scanned,
			"live", summary.LiveFiles,
			"deleted", total.FilesDeleted)
	}

	return summary, nil
}

// Run scans root and walks the resulting plan.
func (w *Walker) Run(ctx context.Context, root string, opts Options) (*Summary, error) {
	plan, err := Scan(root, opts.Recursive, opts.Exclude)
	if err != nil {
		return nil, err
	}
	for _, err := range plan.Errors {
		w.logger().Warn("scan error", "error", err)
	}
	return w.Walk(ctx, plan, opts)
}
