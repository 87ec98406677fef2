// Package results holds the additive per-directory and whole-tree counters
// produced by a verification run.
package results

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Results counts what reconciliation saw in one or more directories.
type Results struct {
	FilesSeen          int
	FilesNew           int
	FilesDeleted       int
	FilesChanged       int
	FilesValidated     int
	FilesChecksumError int
	FilesSizeError     int
	FilesDiskError     int

	DirsSeen    int
	DirsNew     int
	DirsMissing int
	DirsError   int

	// Paths lists the directories that contributed to these counts.
	Paths []string
}

// ForDir returns an empty Results attributed to a single directory.
func ForDir(path string) Results {
	return Results{DirsSeen: 1, Paths: []string{path}}
}

// Add returns the field-wise sum of r and o. Paths are concatenated, r first.
func (r Results) Add(o Results) Results {
	paths := make([]string, 0, len(r.Paths)+len(o.Paths))
	paths = append(paths, r.Paths...)
	paths = append(paths, o.Paths...)

	return Results{
		FilesSeen:          r.FilesSeen + o.FilesSeen,
		FilesNew:           r.FilesNew + o.FilesNew,
		FilesDeleted:       r.FilesDeleted + o.FilesDeleted,
		FilesChanged:       r.FilesChanged + o.FilesChanged,
		FilesValidated:     r.FilesValidated + o.FilesValidated,
		FilesChecksumError: r.FilesChecksumError + o.FilesChecksumError,
		FilesSizeError:     r.FilesSizeError + o.FilesSizeError,
		FilesDiskError:     r.FilesDiskError + o.FilesDiskError,
		DirsSeen:           r.DirsSeen + o.DirsSeen,
		DirsNew:            r.DirsNew + o.DirsNew,
		DirsMissing:        r.DirsMissing + o.DirsMissing,
		DirsError:          r.DirsError + o.DirsError,
		Paths:              paths,
	}
}

// Errors is the number of integrity problems: checksum, size and disk errors.
func (r Results) Errors() int {
	return r.FilesChecksumError + r.FilesSizeError + r.FilesDiskError + r.DirsError
}

// HasErrors reports whether any integrity problem was counted.
func (r Results) HasErrors() bool {
	return r.Errors() > 0
}

// Counters returns the numeric fields in summary order.
func (r Results) Counters() []Counter {
	return []Counter{
		{"Files", "Total", r.FilesSeen},
		{"Files", "New", r.FilesNew},
		{"Files", "Deleted", r.FilesDeleted},
		{"Files", "Changed", r.FilesChanged},
		{"Files", "Validated", r.FilesValidated},
		{"Files", "Checksum error", r.FilesChecksumError},
		{"Files", "Size error", r.FilesSizeError},
		{"Files", "Disk error", r.FilesDiskError},
		{"Dirs", "Total", r.DirsSeen},
		{"Dirs", "New", r.DirsNew},
		{"Dirs", "Missing", r.DirsMissing},
		{"Dirs", "Error", r.DirsError},
	}
}

// Counter is one labelled summary value.
type Counter struct {
	Group string
	Name  string
	Value int
}

// WriteTable prints the summary as an aligned two-column table.
func (r Results) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	group := ""
	for _, c := range r.Counters() {
		if c.Group != group {
			group = c.Group
			fmt.Fprintf(tw, "%s\t\t\n", group)
		}
		fmt.Fprintf(tw, "  %s\t%d\t\n", c.Name, c.Value)
	}
	return tw.Flush()
}

func (r Results) String() string {
	return fmt.Sprintf("files: %d seen, %d new, %d deleted, %d changed, %d validated, %d checksum errors, %d size errors, %d disk errors; dirs: %d seen, %d new, %d missing, %d errors",
		r.FilesSeen, r.FilesNew, r.FilesDeleted, r.FilesChanged, r.FilesValidated,
		r.FilesChecksumError, r.FilesSizeError, r.FilesDiskError,
		r.DirsSeen, r.DirsNew, r.DirsMissing, r.DirsError)
}
