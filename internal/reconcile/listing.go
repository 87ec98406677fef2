package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"verifytree/internal/manifest"
)

// FileStat is the live size and second-resolution modification time of a file.
type FileStat struct {
	Size    uint64
	ModTime int64
}

// Listing is a snapshot of one directory's immediate contents.
type Listing struct {
	Dir     string
	Files   map[string]FileStat
	Subdirs []string
}

// List reads dir and returns its regular files and subdirectories, minus the
// sidecar and anything matching the exclude patterns. Symlinks are followed
// for files; a symlink to a directory is neither tracked nor descended into.
// Devices, pipes and sockets are skipped.
func List(dir string, exclude []string) (*Listing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	listing := &Listing{
		Dir:     dir,
		Files:   make(map[string]FileStat, len(entries)),
		Subdirs: make([]string, 0),
	}

	for _, entry := range entries {
		name := entry.Name()
		if manifest.IsSidecar(name) {
			continue
		}

		if entry.IsDir() {
			if !Excluded(name, true, exclude) {
				listing.Subdirs = append(listing.Subdirs, name)
			}
			continue
		}
		if Excluded(name, false, exclude) {
			continue
		}

		var info os.FileInfo
		switch {
		case entry.Type().IsRegular():
			info, err = entry.Info()
		case entry.Type()&os.ModeSymlink != 0:
			info, err = os.Stat(filepath.Join(dir, name))
			if err == nil && !info.Mode().IsRegular() {
				continue
			}
		default:
			continue
		}
		if err != nil {
			// Vanished between ReadDir and stat, or a dangling link.
			continue
		}

		listing.Files[name] = StatOf(info)
	}

	sort.Strings(listing.Subdirs)
	return listing, nil
}

// StatOf extracts the tracked fields from info.
func StatOf(info os.FileInfo) FileStat {
	size := info.Size()
	if size < 0 {
		size = 0
	}
	return FileStat{Size: uint64(size), ModTime: info.ModTime().Unix()}
}

// Excluded reports whether a directory entry name matches any pattern.
// Patterns ending in "/" only match directories; all others match file
// names. Matching uses filepath.Match against the bare name.
func Excluded(name string, isDir bool, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			if !isDir {
				continue
			}
			dirPattern := strings.TrimSuffix(pattern, "/")
			if matched, _ := filepath.Match(dirPattern, name); matched || name == dirPattern {
				return true
			}
			continue
		}
		if isDir {
			continue
		}
		if matched, err := filepath.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// Names returns the listing's file names, sorted.
func (l *Listing) Names() []string {
	names := make([]string, 0, len(l.Files))
	for name := range l.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
