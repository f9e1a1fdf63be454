package merkle_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/lucidnet/anchorage/merkle"
)

func digests(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		var leaf [8]byte
		binary.BigEndian.PutUint64(leaf[:], uint64(i))
		sum := blake3.Sum256(leaf[:])
		out[i] = sum[:]
	}
	return out
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()
	leaves := digests(17)

	a, err := merkle.Build(leaves)
	require.NoError(t, err)
	b, err := merkle.Build(leaves)
	require.NoError(t, err)
	require.Equal(t, a.Root(), b.Root())

	// A different leaf set must not collide.
	leaves[3][0] ^= 0x01
	c, err := merkle.Build(leaves)
	require.NoError(t, err)
	require.NotEqual(t, a.Root(), c.Root())
}

func TestBuildRequiresLeaves(t *testing.T) {
	t.Parallel()
	_, err := merkle.Build(nil)
	require.ErrorIs(t, err, merkle.ErrNoLeaves)
}

func TestSingleLeafTree(t *testing.T) {
	t.Parallel()
	leaves := digests(1)
	tree, err := merkle.Build(leaves)
	require.NoError(t, err)
	require.Equal(t, leaves[0], tree.Root())

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.Empty(t, proof.Siblings)
	require.True(t, merkle.Verify(0, leaves[0], proof, tree.Root()))
}

func TestAllProofsVerify(t *testing.T) {
	t.Parallel()
	// Odd and even widths exercise the carry-up rule at several levels.
	for _, n := range []int{1, 2, 3, 5, 8, 13, 64, 100} {
		n := n
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			t.Parallel()
			leaves := digests(n)
			tree, err := merkle.Build(leaves)
			require.NoError(t, err)

			for i := 0; i < n; i++ {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				require.True(t, merkle.Verify(i, leaves[i], proof, tree.Root()), "leaf %d", i)
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()
	leaves := digests(13)
	tree, err := merkle.Build(leaves)
	require.NoError(t, err)
	root := tree.Root()

	proof, err := tree.Proof(5)
	require.NoError(t, err)

	t.Run("flipped digest bit", func(t *testing.T) {
		bad := append([]byte(nil), leaves[5]...)
		bad[7] ^= 0x01
		require.False(t, merkle.Verify(5, bad, proof, root))
	})
	t.Run("flipped proof bit", func(t *testing.T) {
		badProof := merkle.Proof{NumLeaves: proof.NumLeaves}
		for _, s := range proof.Siblings {
			badProof.Siblings = append(badProof.Siblings, append([]byte(nil), s...))
		}
		badProof.Siblings[1][0] ^= 0x01
		require.False(t, merkle.Verify(5, leaves[5], badProof, root))
	})
	t.Run("wrong index", func(t *testing.T) {
		require.False(t, merkle.Verify(6, leaves[5], proof, root))
	})
	t.Run("wrong root", func(t *testing.T) {
		badRoot := append([]byte(nil), root...)
		badRoot[0] ^= 0x01
		require.False(t, merkle.Verify(5, leaves[5], proof, badRoot))
	})
	t.Run("truncated proof", func(t *testing.T) {
		short := merkle.Proof{NumLeaves: proof.NumLeaves, Siblings: proof.Siblings[:len(proof.Siblings)-1]}
		require.False(t, merkle.Verify(5, leaves[5], short, root))
	})
}

func TestProofIndexOutOfRange(t *testing.T) {
	t.Parallel()
	tree, err := merkle.Build(digests(4))
	require.NoError(t, err)

	_, err = tree.Proof(4)
	require.ErrorIs(t, err, merkle.ErrIndexOutOfRange)
	_, err = tree.Proof(-1)
	require.ErrorIs(t, err, merkle.ErrIndexOutOfRange)
}

func TestDepthBound(t *testing.T) {
	// More than 2^20 leaves exceed the supported depth. Leaves share the
	// same backing digest to keep the allocation cheap.
	leaf := digests(1)[0]
	leaves := make([][]byte, (1<<20)+1)
	for i := range leaves {
		leaves[i] = leaf
	}
	_, err := merkle.Build(leaves)
	require.ErrorIs(t, err, merkle.ErrTreeDepthExceeded)

	tree, err := merkle.Build(leaves[:1<<20])
	require.NoError(t, err)
	require.Equal(t, 1<<20, tree.NumLeaves())
}
