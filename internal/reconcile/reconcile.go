// Package reconcile compares a directory's recorded manifest with the live
// filesystem, classifies every difference and decides whether the manifest
// must be rewritten.
package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"verifytree/internal/manifest"
	"verifytree/internal/results"
)

// Policy selects how recorded entries are refreshed. It is a plain value and
// is never modified during a run.
type Policy struct {
	// UpdateOnChange re-hashes files whose mtime moved and stores the result.
	UpdateOnChange bool
	// ForceUpdateOnMismatch re-baselines size and checksum errors.
	ForceUpdateOnMismatch bool
	// FreshenOnly only fills in entries with no recorded hash.
	FreshenOnly bool
}

// FileHasher computes a content digest. Failures to read should wrap
// hash.ErrDiskRead; context errors abort the reconciliation.
type FileHasher interface {
	HashFile(ctx context.Context, path string) (string, error)
}

// Progress receives per-directory and per-file notifications.
type Progress interface {
	StartDirectory(dir string)
	FinishDirectory(dir string)
	Increment()
}

// Reconciler holds the collaborators used while reconciling directories.
// It carries no per-run state and may be shared between goroutines as long
// as its Hasher and Progress are.
type Reconciler struct {
	Hasher   FileHasher
	Exclude  []string
	Logger   *slog.Logger
	Progress Progress
}

// Outcome is the result of reconciling one manifest.
type Outcome struct {
	Manifest *manifest.Manifest
	Results  results.Results
	Persist  bool
}

// Report is what ReconcileDir hands back to the walker.
type Report struct {
	Results results.Results
	// LiveFiles is the number of files found on disk, sidecar excluded.
	LiveFiles int
	Persisted bool
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

// ReconcileDir lists dir, loads its sidecar, reconciles and saves the sidecar
// when needed. Listing, loading and saving failures are counted as DirsError
// and logged; only context cancellation is returned as an error.
func (r *Reconciler) ReconcileDir(ctx context.Context, dir string, policy Policy) (Report, error) {
	log := r.logger().With("dir", dir)

	if r.Progress != nil {
		r.Progress.StartDirectory(dir)
		defer r.Progress.FinishDirectory(dir)
	}

	listing, err := List(dir, r.Exclude)
	if err != nil {
		log.Error("cannot list directory", "error", err)
		res := results.ForDir(dir)
		res.DirsError++
		return Report{Results: res}, nil
	}

	m, found, err := manifest.Load(dir)
	if err != nil {
		log.Error("cannot load manifest, leaving it untouched", "error", err)
		res := results.ForDir(dir)
		res.DirsError++
		return Report{Results: res}, nil
	}
	if !found {
		log.Debug("no manifest, starting a new one")
	}

	out, err := r.Reconcile(ctx, m, listing, policy)
	if err != nil {
		return Report{}, err
	}

	report := Report{Results: out.Results, LiveFiles: len(listing.Files)}
	if !out.Persist {
		return report, nil
	}

	if err := manifest.Save(dir, out.Manifest); err != nil {
		log.Error("cannot save manifest", "error", err)
		report.Results.DirsError++
		return report, nil
	}
	log.Debug("manifest updated")
	report.Persisted = true
	return report, nil
}

// Reconcile classifies every difference between m and listing, mutating m in
// place according to policy. Outcome.Persist reports whether m now differs
// from what should be on disk. The only error is a cancelled ctx.
func (r *Reconciler) Reconcile(ctx context.Context, m *manifest.Manifest, listing *Listing, policy Policy) (Outcome, error) {
	log := r.logger().With("dir", listing.Dir)
	res := results.ForDir(listing.Dir)
	persist := false

	// Subdirectories.
	if m.Variant() == manifest.Legacy {
		res.DirsNew = len(listing.Subdirs)
		m.SetDirs(listing.Subdirs)
		persist = true
	} else {
		live := make(map[string]struct{}, len(listing.Subdirs))
		for _, name := range listing.Subdirs {
			live[name] = struct{}{}
			if !m.HasDir(name) {
				res.DirsNew++
				log.Info("new directory", "name", name)
			}
		}
		for _, name := range m.Dirs() {
			if _, ok := live[name]; !ok {
				res.DirsMissing++
				log.Warn("missing directory", "name", name)
			}
		}
		if res.DirsNew > 0 || res.DirsMissing > 0 {
			m.SetDirs(listing.Subdirs)
			persist = true
		}
	}

	// Deleted files.
	known := make([]string, 0, len(m.Files))
	for name := range m.Files {
		known = append(known, name)
	}
	sort.Strings(known)
	for _, name := range known {
		if _, ok := listing.Files[name]; ok && !manifest.IsSidecar(name) {
			continue
		}
		delete(m.Files, name)
		res.FilesSeen++
		res.FilesDeleted++
		persist = true
		log.Info("deleted file", "name", name)
	}

	// New and known files.
	for _, name := range listing.Names() {
		if manifest.IsSidecar(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		stat := listing.Files[name]
		path := filepath.Join(listing.Dir, name)
		res.FilesSeen++

		entry, ok := m.Files[name]
		if !ok {
			log.Info("new file", "name", name)
			res.FilesNew++
			fresh, err := r.compute(ctx, path, stat, &res)
			if err != nil {
				return Outcome{}, err
			}
			m.Files[name] = fresh
			persist = true
		} else {
			rewrite, err := r.validate(ctx, log, m, name, path, entry, stat, policy, &res)
			if err != nil {
				return Outcome{}, err
			}
			persist = persist || rewrite
		}

		if r.Progress != nil {
			r.Progress.Increment()
		}
	}

	return Outcome{Manifest: m, Results: res, Persist: persist}, nil
}

// validate checks one file present both on disk and in the manifest.
func (r *Reconciler) validate(ctx context.Context, log *slog.Logger, m *manifest.Manifest, name, path string, entry manifest.Entry, stat FileStat, policy Policy, res *results.Results) (bool, error) {
	if policy.FreshenOnly {
		if entry.Hash != "" {
			return false, nil
		}
		return r.backfill(ctx, log, m, name, path, entry, stat, res)
	}

	if stat.ModTime != entry.MTime {
		res.FilesChanged++
		log.Info("file changed", "name", name, "recorded_mtime", entry.MTime, "mtime", stat.ModTime)
		if !policy.UpdateOnChange {
			return false, nil
		}
		fresh, err := r.compute(ctx, path, stat, res)
		if err != nil {
			return false, err
		}
		m.Files[name] = fresh
		return true, nil
	}

	if stat.Size != entry.Size {
		res.FilesSizeError++
		log.Warn("size changed without timestamp change", "name", name, "recorded_size", entry.Size, "size", stat.Size)
		if !policy.ForceUpdateOnMismatch {
			return false, nil
		}
		fresh, err := r.compute(ctx, path, stat, res)
		if err != nil {
			return false, err
		}
		m.Files[name] = fresh
		return true, nil
	}

	if entry.Hash == "" {
		// Never computed, usually after an earlier read failure.
		return r.backfill(ctx, log, m, name, path, entry, stat, res)
	}

	sum, err := r.Hasher.HashFile(ctx, path)
	if err != nil {
		if isCancel(err) {
			return false, err
		}
		res.FilesDiskError++
		log.Warn("cannot read file", "name", name, "error", err)
		m.Files[name] = manifest.Entry{Size: stat.Size, MTime: stat.ModTime}
		return true, nil
	}

	if sum != entry.Hash {
		res.FilesChecksumError++
		log.Warn("checksum mismatch", "name", name, "recorded", entry.Hash, "hash", sum)
		if !policy.ForceUpdateOnMismatch {
			return false, nil
		}
		m.Files[name] = manifest.Entry{Size: stat.Size, MTime: stat.ModTime, Hash: sum}
		return true, nil
	}

	res.FilesValidated++
	return false, nil
}

// backfill computes the missing hash of a recorded entry. A file that is
// still unreadable leaves the entry as it was.
func (r *Reconciler) backfill(ctx context.Context, log *slog.Logger, m *manifest.Manifest, name, path string, entry manifest.Entry, stat FileStat, res *results.Results) (bool, error) {
	fresh, err := r.compute(ctx, path, stat, res)
	if err != nil {
		return false, err
	}
	if fresh == entry {
		return false, nil
	}
	if fresh.Hash != "" {
		log.Info("backfilling checksum", "name", name)
		res.FilesNew++
	}
	m.Files[name] = fresh
	return true, nil
}

// compute builds a fresh entry for path. A read failure is counted as a disk
// error and yields an entry with an empty hash.
func (r *Reconciler) compute(ctx context.Context, path string, stat FileStat, res *results.Results) (manifest.Entry, error) {
	entry := manifest.Entry{Size: stat.Size, MTime: stat.ModTime}

	sum, err := r.Hasher.HashFile(ctx, path)
	if err != nil {
		if isCancel(err) {
			return entry, err
		}
		res.FilesDiskError++
		r.logger().Warn("cannot read file", "path", path, "error", err)
		return entry, nil
	}

	entry.Hash = sum
	return entry, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
