package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifytree/internal/hash"
	"verifytree/internal/manifest"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, dir, name, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// overwriteInPlace replaces a file's bytes and restores its mtime, the way
// bit-rot looks from the outside.
func overwriteInPlace(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), info.Size(), "replacement must preserve length")

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(content), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
}

func newReconciler() *Reconciler {
	return &Reconciler{Hasher: hash.New(4096)}
}

func run(t *testing.T, r *Reconciler, dir string, policy Policy) Report {
	t.Helper()
	report, err := r.ReconcileDir(context.Background(), dir, policy)
	require.NoError(t, err)
	return report
}

func loadManifest(t *testing.T, dir string) *manifest.Manifest {
	t.Helper()
	m, found, err := manifest.Load(dir)
	require.NoError(t, err)
	require.True(t, found)
	return m
}

func populate(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, dir, "a.txt", "alpha", baseTime)
	writeFile(t, dir, "b.txt", "bravo", baseTime)
	writeFile(t, dir, "c.txt", "charlie", baseTime)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
}

func TestReconcileDir_FirstRun(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)

	report := run(t, newReconciler(), dir, Policy{})

	assert.True(t, report.Persisted)
	assert.Equal(t, 3, report.LiveFiles)
	assert.Equal(t, 3, report.Results.FilesNew)
	assert.Equal(t, 3, report.Results.FilesSeen)
	assert.Equal(t, 1, report.Results.DirsNew)
	assert.Equal(t, 1, report.Results.DirsSeen)

	m := loadManifest(t, dir)
	assert.Equal(t, manifest.Current, m.Variant())
	assert.Equal(t, []string{"sub"}, m.Dirs())
	require.Len(t, m.Files, 3)
	assert.Equal(t, uint64(5), m.Files["a.txt"].Size)
	assert.Equal(t, baseTime.Unix(), m.Files["a.txt"].MTime)
	assert.NotEmpty(t, m.Files["a.txt"].Hash)
	assert.NotContains(t, m.Files, manifest.FileName)
}

func TestReconcileDir_Idempotent(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	before, err := os.ReadFile(manifest.Path(dir))
	require.NoError(t, err)
	beforeInfo, err := os.Stat(manifest.Path(dir))
	require.NoError(t, err)

	report := run(t, r, dir, Policy{})

	res := report.Results
	assert.False(t, report.Persisted)
	assert.Equal(t, 3, res.FilesValidated)
	assert.Zero(t, res.FilesNew)
	assert.Zero(t, res.FilesDeleted)
	assert.Zero(t, res.FilesChanged)
	assert.Zero(t, res.Errors())
	assert.Zero(t, res.DirsNew)
	assert.Zero(t, res.DirsMissing)

	after, err := os.ReadFile(manifest.Path(dir))
	require.NoError(t, err)
	afterInfo, err := os.Stat(manifest.Path(dir))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, os.SameFile(beforeInfo, afterInfo), "manifest must not be replaced")
}

func TestReconcileDir_NewFile(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	writeFile(t, dir, "d.txt", "delta", baseTime)
	report := run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesNew)
	assert.Equal(t, 3, report.Results.FilesValidated)
	assert.True(t, report.Persisted)

	report = run(t, r, dir, Policy{})
	assert.Zero(t, report.Results.FilesNew)
	assert.Equal(t, 4, report.Results.FilesValidated)
	assert.False(t, report.Persisted)
}

func TestReconcileDir_DeletedFile(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	require.NoError(t, os.Remove(filepath.Join(dir, "b.txt")))
	report := run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesDeleted)
	assert.Equal(t, 2, report.Results.FilesValidated)
	assert.Equal(t, 3, report.Results.FilesSeen)
	assert.Equal(t, 2, report.LiveFiles)
	assert.True(t, report.Persisted)
	assert.NotContains(t, loadManifest(t, dir).Files, "b.txt")

	report = run(t, r, dir, Policy{})
	assert.Zero(t, report.Results.FilesDeleted)
	assert.False(t, report.Persisted)
}

func TestReconcileDir_SilentCorruption(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})
	recorded := loadManifest(t, dir).Files["c.txt"].Hash

	overwriteInPlace(t, dir, "c.txt", "CHARLIE")

	for i := 0; i < 2; i++ {
		report := run(t, r, dir, Policy{UpdateOnChange: true})
		assert.Equal(t, 1, report.Results.FilesChecksumError, "run %d", i)
		assert.Equal(t, 2, report.Results.FilesValidated, "run %d", i)
		assert.False(t, report.Persisted, "run %d", i)
		assert.Equal(t, recorded, loadManifest(t, dir).Files["c.txt"].Hash)
	}

	report := run(t, r, dir, Policy{ForceUpdateOnMismatch: true})
	assert.Equal(t, 1, report.Results.FilesChecksumError)
	assert.True(t, report.Persisted)
	assert.NotEqual(t, recorded, loadManifest(t, dir).Files["c.txt"].Hash)

	report = run(t, r, dir, Policy{})
	assert.Zero(t, report.Results.FilesChecksumError)
	assert.Equal(t, 3, report.Results.FilesValidated)
}

func TestReconcileDir_TimestampChange(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	later := baseTime.Add(time.Hour)
	writeFile(t, dir, "a.txt", "alpha, longer now", later)

	report := run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesChanged)
	assert.Zero(t, report.Results.FilesSizeError, "mtime check must take precedence over size")
	assert.False(t, report.Persisted)
	assert.Equal(t, baseTime.Unix(), loadManifest(t, dir).Files["a.txt"].MTime)

	// Still stale on the next run without -u.
	report = run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesChanged)

	report = run(t, r, dir, Policy{UpdateOnChange: true})
	assert.Equal(t, 1, report.Results.FilesChanged)
	assert.True(t, report.Persisted)
	entry := loadManifest(t, dir).Files["a.txt"]
	assert.Equal(t, later.Unix(), entry.MTime)
	assert.Equal(t, uint64(len("alpha, longer now")), entry.Size)

	report = run(t, r, dir, Policy{})
	assert.Zero(t, report.Results.FilesChanged)
	assert.Equal(t, 3, report.Results.FilesValidated)
}

func TestReconcileDir_SizeError(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	writeFile(t, dir, "b.txt", "bravo!!", baseTime)

	report := run(t, r, dir, Policy{UpdateOnChange: true})
	assert.Equal(t, 1, report.Results.FilesSizeError)
	assert.Zero(t, report.Results.FilesChanged)
	assert.False(t, report.Persisted)

	report = run(t, r, dir, Policy{ForceUpdateOnMismatch: true})
	assert.Equal(t, 1, report.Results.FilesSizeError)
	assert.True(t, report.Persisted)
	assert.Equal(t, uint64(7), loadManifest(t, dir).Files["b.txt"].Size)

	report = run(t, r, dir, Policy{})
	assert.Zero(t, report.Results.FilesSizeError)
	assert.Equal(t, 3, report.Results.FilesValidated)
}

func TestReconcileDir_Subdirectories(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	require.NoError(t, os.Remove(filepath.Join(dir, "sub")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "other"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "third"), 0755))

	report := run(t, r, dir, Policy{})
	assert.Equal(t, 2, report.Results.DirsNew)
	assert.Equal(t, 1, report.Results.DirsMissing)
	assert.True(t, report.Persisted)
	assert.Equal(t, []string{"other", "third"}, loadManifest(t, dir).Dirs())
}

func TestReconcileDir_LegacyManifest(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	// Strip the dirs key to simulate an old sidecar.
	m := loadManifest(t, dir)
	legacy := manifest.New()
	for name, entry := range m.Files {
		legacy.Files[name] = entry
	}
	require.NoError(t, manifest.Save(dir, legacy))

	report := run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.DirsNew)
	assert.Equal(t, 3, report.Results.FilesValidated)
	assert.True(t, report.Persisted)
	assert.Equal(t, manifest.Current, loadManifest(t, dir).Variant())

	// Legacy with no subdirectories at all still upgrades.
	empty := t.TempDir()
	require.NoError(t, manifest.Save(empty, manifest.New()))
	report = run(t, r, empty, Policy{})
	assert.Zero(t, report.Results.DirsNew)
	assert.True(t, report.Persisted)
}

func TestReconcileDir_Freshen(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()
	run(t, r, dir, Policy{})

	m := loadManifest(t, dir)
	hashed := m.Files["a.txt"]
	pending := m.Files["b.txt"]
	pending.Hash = ""
	m.Files["b.txt"] = pending
	require.NoError(t, manifest.Save(dir, m))

	// Corrupt a.txt: freshen must not notice, since it never revalidates.
	overwriteInPlace(t, dir, "a.txt", "ALPHA")

	report := run(t, r, dir, Policy{FreshenOnly: true})
	assert.Equal(t, 1, report.Results.FilesNew)
	assert.Zero(t, report.Results.FilesValidated)
	assert.Zero(t, report.Results.FilesChecksumError)
	assert.True(t, report.Persisted)

	after := loadManifest(t, dir)
	assert.NotEmpty(t, after.Files["b.txt"].Hash)
	assert.Equal(t, hashed, after.Files["a.txt"])

	report = run(t, r, dir, Policy{FreshenOnly: true})
	assert.Zero(t, report.Results.FilesNew)
	assert.False(t, report.Persisted)
}

func TestReconcileDir_ExcludedNamesIgnored(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	writeFile(t, dir, "scratch.tmp", "x", baseTime)
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))

	r := newReconciler()
	r.Exclude = []string{"*.tmp", ".git/"}
	report := run(t, r, dir, Policy{})

	assert.Equal(t, 3, report.Results.FilesNew)
	m := loadManifest(t, dir)
	assert.NotContains(t, m.Files, "scratch.tmp")
	assert.Equal(t, []string{"sub"}, m.Dirs())
}

func TestReconcileDir_CorruptManifestLeftAlone(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	garbage := []byte("files: [oops")
	require.NoError(t, os.WriteFile(manifest.Path(dir), garbage, 0644))

	report := run(t, newReconciler(), dir, Policy{})
	assert.Equal(t, 1, report.Results.DirsError)
	assert.False(t, report.Persisted)

	data, err := os.ReadFile(manifest.Path(dir))
	require.NoError(t, err)
	assert.Equal(t, garbage, data)
}

func TestReconcileDir_MissingDirectory(t *testing.T) {
	report := run(t, newReconciler(), filepath.Join(t.TempDir(), "gone"), Policy{})
	assert.Equal(t, 1, report.Results.DirsError)
	assert.Equal(t, 1, report.Results.DirsSeen)
}

// flakyHasher fails for selected names and delegates otherwise.
type flakyHasher struct {
	inner FileHasher
	fail  map[string]bool
	calls int
}

func (f *flakyHasher) HashFile(ctx context.Context, path string) (string, error) {
	f.calls++
	if f.fail[filepath.Base(path)] {
		return "", fmt.Errorf("%w: %s: permission denied", hash.ErrDiskRead, path)
	}
	return f.inner.HashFile(ctx, path)
}

func TestReconcile_DiskErrorOnNewFile(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	hasher := &flakyHasher{inner: hash.New(0), fail: map[string]bool{"b.txt": true}}
	r := &Reconciler{Hasher: hasher}

	report := run(t, r, dir, Policy{})
	assert.Equal(t, 3, report.Results.FilesNew)
	assert.Equal(t, 1, report.Results.FilesDiskError)
	assert.True(t, report.Persisted)

	m := loadManifest(t, dir)
	assert.Empty(t, m.Files["b.txt"].Hash)
	assert.Equal(t, uint64(5), m.Files["b.txt"].Size)
	assert.NotEmpty(t, m.Files["a.txt"].Hash)

	// Once readable again, freshen backfills it.
	hasher.fail = nil
	report = run(t, r, dir, Policy{FreshenOnly: true})
	assert.Equal(t, 1, report.Results.FilesNew)
	assert.Zero(t, report.Results.FilesDiskError)
	assert.NotEmpty(t, loadManifest(t, dir).Files["b.txt"].Hash)
}

func TestReconcile_DiskErrorOnKnownFile(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	hasher := &flakyHasher{inner: hash.New(0)}
	r := &Reconciler{Hasher: hasher}
	run(t, r, dir, Policy{})
	recorded := loadManifest(t, dir).Files["c.txt"]

	hasher.fail = map[string]bool{"c.txt": true}
	report := run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesDiskError)
	assert.Equal(t, 2, report.Results.FilesValidated)
	assert.Zero(t, report.Results.FilesChecksumError)
	assert.True(t, report.Persisted)

	stored := loadManifest(t, dir).Files["c.txt"]
	assert.Empty(t, stored.Hash)
	assert.Equal(t, recorded.Size, stored.Size)
	assert.Equal(t, recorded.MTime, stored.MTime)

	// Still unreadable: counted again, nothing to rewrite.
	report = run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesDiskError)
	assert.Zero(t, report.Results.FilesChecksumError)
	assert.False(t, report.Persisted)

	// Readable again: a plain validate backfills the same digest.
	hasher.fail = nil
	report = run(t, r, dir, Policy{})
	assert.Equal(t, 1, report.Results.FilesNew)
	assert.Zero(t, report.Results.FilesDiskError)
	assert.Zero(t, report.Results.FilesChecksumError)
	assert.True(t, report.Persisted)
	assert.Equal(t, recorded, loadManifest(t, dir).Files["c.txt"])
}

func TestReconcile_EmptyHashIsBackfilled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pending", "hello", baseTime)
	r := newReconciler()

	sum, err := hash.New(0).HashFile(context.Background(), filepath.Join(dir, "pending"))
	require.NoError(t, err)

	m := manifest.New()
	m.SetDirs(nil)
	m.Files["pending"] = manifest.Entry{Size: 5, MTime: baseTime.Unix()}

	listing := &Listing{
		Dir:   dir,
		Files: map[string]FileStat{"pending": {Size: 5, ModTime: baseTime.Unix()}},
	}

	out, err := r.Reconcile(context.Background(), m, listing, Policy{})
	require.NoError(t, err)
	assert.True(t, out.Persist)
	assert.Equal(t, 1, out.Results.FilesNew)
	assert.Zero(t, out.Results.FilesChecksumError)
	assert.Zero(t, out.Results.FilesValidated)
	assert.Equal(t, sum, m.Files["pending"].Hash)
}

func TestReconcile_InMemory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep", "same", baseTime)
	r := newReconciler()

	sum, err := hash.New(0).HashFile(context.Background(), filepath.Join(dir, "keep"))
	require.NoError(t, err)

	m := manifest.New()
	m.SetDirs([]string{"old"})
	m.Files["keep"] = manifest.Entry{Size: 4, MTime: baseTime.Unix(), Hash: sum}
	m.Files["gone"] = manifest.Entry{Size: 1, MTime: 1, Hash: "x"}

	listing := &Listing{
		Dir:     dir,
		Files:   map[string]FileStat{"keep": {Size: 4, ModTime: baseTime.Unix()}, manifest.FileName: {Size: 10}},
		Subdirs: []string{},
	}

	out, err := r.Reconcile(context.Background(), m, listing, Policy{})
	require.NoError(t, err)
	assert.True(t, out.Persist)
	assert.Same(t, m, out.Manifest)
	assert.Equal(t, 1, out.Results.FilesValidated)
	assert.Equal(t, 1, out.Results.FilesDeleted)
	assert.Equal(t, 1, out.Results.DirsMissing)
	assert.Equal(t, 2, out.Results.FilesSeen)
	assert.NotContains(t, m.Files, "gone")
	assert.NotContains(t, m.Files, manifest.FileName)
	assert.Empty(t, m.Dirs())
}

func TestReconcile_Cancelled(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	r := newReconciler()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ReconcileDir(ctx, dir, Policy{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, statErr := os.Stat(manifest.Path(dir))
	assert.True(t, os.IsNotExist(statErr), "cancelled reconciliation must not write a manifest")
}

type countingProgress struct {
	started, finished []string
	files             int
}

func (p *countingProgress) StartDirectory(dir string)  { p.started = append(p.started, dir) }
func (p *countingProgress) FinishDirectory(dir string) { p.finished = append(p.finished, dir) }
func (p *countingProgress) Increment()                 { p.files++ }

func TestReconcileDir_ReportsProgress(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir)
	p := &countingProgress{}
	r := newReconciler()
	r.Progress = p

	run(t, r, dir, Policy{})

	assert.Equal(t, []string{dir}, p.started)
	assert.Equal(t, []string{dir}, p.finished)
	assert.Equal(t, 3, p.files)
}
