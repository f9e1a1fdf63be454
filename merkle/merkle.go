// Package merkle builds binary hash trees over ordered chunk digests and
// produces per-chunk inclusion proofs.
//
// Internal nodes are blake3(left || right) with the left node's bytes
// always preceding the right's. A level with an odd number of nodes
// carries its last node up unchanged.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// MaxDepth bounds the tree height. 20 levels support up to ~1M chunks.
const MaxDepth = 20

var (
	ErrTreeDepthExceeded = errors.New("merkle tree depth exceeded")
	ErrNoLeaves          = errors.New("merkle tree has no leaves")
	ErrIndexOutOfRange   = errors.New("leaf index out of range")
)

// HashNode computes an internal tree node from its two children.
func HashNode(left, right []byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write(left)
	_, _ = hasher.Write(right)
	return hasher.Sum(nil)
}

// Tree is an immutable Merkle tree over a session's chunk digests.
type Tree struct {
	// levels[0] are the leaves, levels[len-1] is the single root.
	levels [][][]byte
}

// Build constructs the tree over digests in index order.
func Build(digests [][]byte) (*Tree, error) {
	if len(digests) == 0 {
		return nil, ErrNoLeaves
	}

	leaves := make([][]byte, len(digests))
	for i, d := range digests {
		leaves[i] = append([]byte(nil), d...)
	}

	levels := [][][]byte{leaves}
	for len(levels[len(levels)-1]) > 1 {
		if len(levels) > MaxDepth {
			return nil, fmt.Errorf("%w: %d leaves need more than %d levels", ErrTreeDepthExceeded, len(digests), MaxDepth)
		}
		cur := levels[len(levels)-1]
		next := make([][]byte, 0, (len(cur)+1)/2)
		for i := 0; i+1 < len(cur); i += 2 {
			next = append(next, HashNode(cur[i], cur[i+1]))
		}
		if len(cur)%2 == 1 {
			// odd node is carried up unchanged
			next = append(next, cur[len(cur)-1])
		}
		levels = append(levels, next)
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	return append([]byte(nil), root...)
}

// NumLeaves returns the number of leaves the tree was built over.
func (t *Tree) NumLeaves() int {
	return len(t.levels[0])
}

// Proof is an inclusion proof for a single leaf. NumLeaves is required to
// replay the carry-up of odd nodes: levels where the proven node is carried
// up unchanged contribute no sibling.
type Proof struct {
	Siblings  [][]byte
	NumLeaves uint64
}

// Proof returns the ordered sibling hashes sufficient to recompute the
// root from the leaf at index.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return Proof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(t.levels[0]))
	}

	proof := Proof{NumLeaves: uint64(len(t.levels[0]))}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof.Siblings = append(proof.Siblings, append([]byte(nil), level[sibling]...))
		}
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a single leaf digest and its proof.
// It is a pure function with no side effects.
func Verify(index int, digest []byte, proof Proof, root []byte) bool {
	if index < 0 || uint64(index) >= proof.NumLeaves || proof.NumLeaves == 0 {
		return false
	}

	node := digest
	pos, width := index, int(proof.NumLeaves)
	siblings := proof.Siblings
	for width > 1 {
		sibling := pos ^ 1
		if sibling < width {
			if len(siblings) == 0 {
				return false
			}
			if pos%2 == 0 {
				node = HashNode(node, siblings[0])
			} else {
				node = HashNode(siblings[0], node)
			}
			siblings = siblings[1:]
		}
		pos /= 2
		width = (width + 1) / 2
	}
	return len(siblings) == 0 && bytes.Equal(node, root)
}
