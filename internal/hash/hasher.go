package hash

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultBlockSize is the read size used when none is configured (1 MiB).
const DefaultBlockSize = 1024 * 1024

// ErrDiskRead marks a file that could not be opened or read while hashing.
var ErrDiskRead = errors.New("disk read error")

// Hasher streams files through xxHash64 in fixed-size blocks.
// It is safe for concurrent use; each call borrows its own buffer.
type Hasher struct {
	blockSize int
	buffers   sync.Pool
}

// New returns a Hasher reading blockSize bytes at a time.
// A non-positive blockSize selects DefaultBlockSize.
func New(blockSize int) *Hasher {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	h := &Hasher{blockSize: blockSize}
	h.buffers.New = func() interface{} {
		buf := make([]byte, blockSize)
		return &buf
	}
	return h
}

// BlockSize reports the configured read size.
func (h *Hasher) BlockSize() int {
	return h.blockSize
}

// HashFile computes the xxHash64 digest of a file as 16 hex digits.
// Open and read failures wrap ErrDiskRead. Cancellation is checked between
// blocks and returns the context error unwrapped.
func (h *Hasher) HashFile(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDiskRead, path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	bufPtr := h.buffers.Get().(*[]byte)
	defer h.buffers.Put(bufPtr)
	buf := *bufPtr

	d := xxhash.New()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := io.ReadFull(file, buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrDiskRead, path, err)
		}
	}

	return hex.EncodeToString(d.Sum(nil)), nil
}

// HashFile hashes path with a default Hasher.
func HashFile(ctx context.Context, path string) (string, error) {
	return New(DefaultBlockSize).HashFile(ctx, path)
}

// XXHashFunc is a custom hash function adapter for go-merkletree
// It converts []byte input to xxHash []byte output
func XXHashFunc(data []byte) ([]byte, error) {
	sum := xxhash.Sum64(data)

	// Convert uint64 to []byte in big-endian format
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	return buf, nil
}
