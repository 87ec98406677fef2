// Package digest folds the recorded manifests of a tree into a single Merkle
// root, so two baselines can be compared without rehashing any file content.
//
// Only manifest data is read. Leaves are sorted by slash-separated relative
// path; each leaf serializes as "path\x00size\x00hash".
package digest

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	mt "github.com/txaty/go-merkletree"

	"verifytree/internal/hash"
	"verifytree/internal/manifest"
	"verifytree/internal/walker"
)

// Leaf is one recorded file.
type Leaf struct {
	Path string
	Size uint64
	Hash string
}

// Serialize implements the go-merkletree DataBlock interface.
func (l Leaf) Serialize() ([]byte, error) {
	buf := make([]byte, 0, len(l.Path)+len(l.Hash)+22)
	buf = append(buf, l.Path...)
	buf = append(buf, 0)
	buf = strconv.AppendUint(buf, l.Size, 10)
	buf = append(buf, 0)
	buf = append(buf, l.Hash...)
	return buf, nil
}

// Tree is the digest of a directory tree's manifests.
type Tree struct {
	Root      string
	Leaves    []Leaf
	Manifests int
	// Untracked lists directories with no sidecar.
	Untracked []string
	// Pending counts leaves recorded with an empty hash.
	Pending int
}

// Collect loads every manifest below root and returns their entries as
// sorted leaves. A corrupt sidecar aborts, since the digest would be wrong.
func Collect(root string, recursive bool, exclusions []string) (*Tree, error) {
	plan, err := walker.Scan(root, recursive, exclusions)
	if err != nil {
		return nil, err
	}

	t := &Tree{}
	for _, dir := range plan.Dirs {
		m, found, err := manifest.Load(dir)
		if err != nil {
			return nil, err
		}
		if !found {
			t.Untracked = append(t.Untracked, dir)
			continue
		}
		t.Manifests++

		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to get relative path: %w", err)
		}
		for name, entry := range m.Files {
			if entry.Hash == "" {
				t.Pending++
			}
			t.Leaves = append(t.Leaves, Leaf{
				Path: filepath.ToSlash(filepath.Join(rel, name)),
				Size: entry.Size,
				Hash: entry.Hash,
			})
		}
	}

	t.Root, err = Root(t.Leaves)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Root sorts leaves by path and returns the hex Merkle root. Zero or one
// leaf is hashed directly, since go-merkletree needs at least two blocks.
func Root(leaves []Leaf) (string, error) {
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].Path < leaves[j].Path
	})

	switch len(leaves) {
	case 0:
		sum, err := hash.XXHashFunc([]byte("empty-tree"))
		if err != nil {
			return "", fmt.Errorf("failed to create empty tree hash: %w", err)
		}
		return hex.EncodeToString(sum), nil
	case 1:
		data, err := leaves[0].Serialize()
		if err != nil {
			return "", err
		}
		sum, err := hash.XXHashFunc(data)
		if err != nil {
			return "", fmt.Errorf("failed to hash leaf: %w", err)
		}
		return hex.EncodeToString(sum), nil
	}

	blocks := make([]mt.DataBlock, len(leaves))
	for i := range leaves {
		blocks[i] = leaves[i]
	}

	tree, err := mt.New(&mt.Config{
		HashFunc: hash.XXHashFunc,
		Mode:     mt.ModeTreeBuild,
	}, blocks)
	if err != nil {
		return "", fmt.Errorf("failed to build merkle tree: %w", err)
	}
	return hex.EncodeToString(tree.Root), nil
}
