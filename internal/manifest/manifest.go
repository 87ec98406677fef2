// Package manifest reads and writes the per-directory checksum sidecar.
//
// Each directory tracked by verifytree carries one sidecar file named
// FileName. It records the subdirectories seen at the last scan and, for
// every regular file, its size, modification time and content digest.
//
// Sidecars written by early versions have no subdirectory list at all. Those
// load as Legacy manifests; anything with a "dirs" key, even an empty one,
// loads as Current.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the sidecar name inside every tracked directory.
const FileName = ".verifytree_checksum"

// tempPrefix names in-flight sidecar writes.
const tempPrefix = FileName + ".tmp-"

// IsSidecar reports whether a directory entry belongs to verifytree itself:
// the sidecar or a temp file left by an interrupted Save.
func IsSidecar(name string) bool {
	return name == FileName || strings.HasPrefix(name, tempPrefix)
}

// ErrCorrupt is returned when a sidecar exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt manifest")

// Entry is the recorded state of one file. An empty Hash means the digest
// has not been computed or could not be read.
type Entry struct {
	Size  uint64 `yaml:"size"`
	MTime int64  `yaml:"mtime"`
	Hash  string `yaml:"hash"`
}

// Variant distinguishes sidecars with and without a subdirectory list.
type Variant int

const (
	Legacy Variant = iota
	Current
)

func (v Variant) String() string {
	if v == Current {
		return "current"
	}
	return "legacy"
}

// Manifest is the in-memory form of a sidecar.
type Manifest struct {
	dirs  map[string]struct{} // nil for Legacy
	Files map[string]Entry
}

// New returns an empty Legacy manifest, the state of a never-scanned directory.
func New() *Manifest {
	return &Manifest{Files: make(map[string]Entry)}
}

// Variant reports whether a subdirectory list has been recorded.
func (m *Manifest) Variant() Variant {
	if m.dirs == nil {
		return Legacy
	}
	return Current
}

// HasDir reports whether name is in the recorded subdirectory set.
func (m *Manifest) HasDir(name string) bool {
	_, ok := m.dirs[name]
	return ok
}

// Dirs returns the recorded subdirectory names, sorted. Nil for Legacy.
func (m *Manifest) Dirs() []string {
	if m.dirs == nil {
		return nil
	}
	names := make([]string, 0, len(m.dirs))
	for name := range m.dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDirs replaces the subdirectory set and makes the manifest Current.
func (m *Manifest) SetDirs(names []string) {
	m.dirs = make(map[string]struct{}, len(names))
	for _, name := range names {
		m.dirs[name] = struct{}{}
	}
}

// Equal compares variant, subdirectories and every file entry.
func (m *Manifest) Equal(other *Manifest) bool {
	if m.Variant() != other.Variant() || len(m.dirs) != len(other.dirs) || len(m.Files) != len(other.Files) {
		return false
	}
	for name := range m.dirs {
		if !other.HasDir(name) {
			return false
		}
	}
	for name, entry := range m.Files {
		if o, ok := other.Files[name]; !ok || o != entry {
			return false
		}
	}
	return true
}

// document is the on-disk YAML shape.
type document struct {
	Dirs  *[]string        `yaml:"dirs,omitempty"`
	Files map[string]Entry `yaml:"files"`
}

// Path returns the sidecar path for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Marshal encodes m as YAML.
func Marshal(m *Manifest) ([]byte, error) {
	doc := document{Files: m.Files}
	if doc.Files == nil {
		doc.Files = map[string]Entry{}
	}
	if m.dirs != nil {
		dirs := m.Dirs()
		doc.Dirs = &dirs
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a sidecar document.
func Unmarshal(data []byte) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	m := New()
	if doc.Dirs != nil {
		m.SetDirs(*doc.Dirs)
	}
	for name, entry := range doc.Files {
		if IsSidecar(name) {
			continue
		}
		m.Files[name] = entry
	}
	return m, nil
}

// Load reads the sidecar in dir. A missing sidecar yields an empty Legacy
// manifest and found=false.
func Load(dir string) (m *Manifest, found bool, err error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return New(), false, nil
		}
		return nil, false, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err = Unmarshal(data)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", Path(dir), err)
	}
	return m, true, nil
}

// Save writes m over the sidecar in dir via a temp file and rename, so an
// interrupted run never leaves a truncated manifest behind.
func Save(dir string, m *Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to chmod manifest: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err := os.Rename(tmpPath, Path(dir)); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
