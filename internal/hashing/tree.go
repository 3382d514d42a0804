package hashing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// MinBlockSize is the smallest leaf granularity of a hash tree.
	MinBlockSize int64 = 64 * 1024
	// maxLeaves bounds the number of leaves kept per tree; larger files get
	// proportionally larger blocks.
	maxLeaves = 512
)

var (
	ErrTreeMismatch = errors.New("leaves do not match root")
	ErrShortRead    = errors.New("file shorter than expected")
)

// Tree holds the leaf hashes of a file. Each leaf covers BlockSize bytes
// except the last, which covers the remainder.
type Tree struct {
	Root      Value
	FileSize  int64
	BlockSize int64
	Leaves    []Value
}

// BlockSizeFor returns the block size used when hashing a file of the given
// size: the smallest power-of-two multiple of MinBlockSize keeping the leaf
// count within maxLeaves.
func BlockSizeFor(fileSize int64) int64 {
	bs := MinBlockSize
	for fileSize > bs*maxLeaves {
		bs *= 2
	}
	return bs
}

func LeafHash(data []byte) Value {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	var v Value
	copy(v[:], h.Sum(nil))
	return v
}

func nodeHash(left, right Value) Value {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var v Value
	copy(v[:], h.Sum(nil))
	return v
}

// RootOf folds leaves pairwise into a root. An odd node is promoted unchanged.
func RootOf(leaves []Value) Value {
	if len(leaves) == 0 {
		return LeafHash(nil)
	}
	level := append([]Value(nil), leaves...)
	for len(level) > 1 {
		next := make([]Value, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// NewTree validates leaves against root.
func NewTree(root Value, fileSize, blockSize int64, leaves []Value) (*Tree, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	if want := blockCount(fileSize, blockSize); len(leaves) != want {
		return nil, fmt.Errorf("got %d leaves, want %d: %w", len(leaves), want, ErrTreeMismatch)
	}
	if RootOf(leaves) != root {
		return nil, ErrTreeMismatch
	}
	return &Tree{Root: root, FileSize: fileSize, BlockSize: blockSize, Leaves: leaves}, nil
}

// Build hashes fileSize bytes from r.
func Build(r io.Reader, fileSize, blockSize int64) (*Tree, error) {
	if blockSize <= 0 {
		blockSize = BlockSizeFor(fileSize)
	}
	leaves := make([]Value, 0, blockCount(fileSize, blockSize))
	buf := make([]byte, blockSize)
	for remaining := fileSize; remaining > 0; {
		n := blockSize
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, ErrShortRead
			}
			return nil, fmt.Errorf("failed to read block: %w", err)
		}
		leaves = append(leaves, LeafHash(buf[:n]))
		remaining -= n
	}
	if fileSize == 0 {
		leaves = append(leaves, LeafHash(nil))
	}
	return &Tree{Root: RootOf(leaves), FileSize: fileSize, BlockSize: blockSize, Leaves: leaves}, nil
}

func (t *Tree) BlockCount() int {
	return len(t.Leaves)
}

// BlockRange returns the byte range covered by leaf i.
func (t *Tree) BlockRange(i int) (start, size int64) {
	start = int64(i) * t.BlockSize
	size = t.BlockSize
	if start+size > t.FileSize {
		size = t.FileSize - start
	}
	return start, size
}

func (t *Tree) VerifyBlock(i int, data []byte) bool {
	if i < 0 || i >= len(t.Leaves) {
		return false
	}
	return LeafHash(data) == t.Leaves[i]
}

func blockCount(fileSize, blockSize int64) int {
	if fileSize == 0 {
		return 1
	}
	return int((fileSize + blockSize - 1) / blockSize)
}
