package chunker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucidnet/anchorage/chunker"
)

func drain(t *testing.T, c *chunker.Chunker) []*chunker.Chunk {
	t.Helper()
	var chunks []*chunker.Chunk
	for {
		chunk, err := c.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestChunkStream(t *testing.T) {
	t.Parallel()
	// 40 MiB with 8-16 MiB chunks must cut into 3 to 5 chunks.
	data := make([]byte, 40<<20)
	_, err := rand.New(rand.NewSource(7)).Read(data)
	require.NoError(t, err)

	c, err := chunker.New(bytes.NewReader(data), chunker.DefaultConfig())
	require.NoError(t, err)
	chunks := drain(t, c)

	require.GreaterOrEqual(t, len(chunks), 3)
	require.LessOrEqual(t, len(chunks), 5)

	total := 0
	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Index)
		require.LessOrEqual(t, chunk.PlainSize, 16<<20)
		total += chunk.PlainSize
	}
	require.Equal(t, len(data), total)
}

func TestFinalChunkMayBeShort(t *testing.T) {
	t.Parallel()
	cfg := chunker.Config{MinChunkSize: 64, MaxChunkSize: 128}
	data := make([]byte, 300)

	c, err := chunker.New(bytes.NewReader(data), cfg)
	require.NoError(t, err)
	chunks := drain(t, c)

	require.Len(t, chunks, 3)
	require.Equal(t, 128, chunks[0].PlainSize)
	require.Equal(t, 128, chunks[1].PlainSize)
	require.Equal(t, 44, chunks[2].PlainSize)
}

func TestChunkerRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cfg := chunker.Config{MinChunkSize: 128, MaxChunkSize: 64}
	_, err := chunker.New(bytes.NewReader(nil), cfg)
	require.ErrorIs(t, err, chunker.ErrBadChunkConfig)
}

func TestChunkerPropagatesReadErrors(t *testing.T) {
	t.Parallel()
	readErr := errors.New("stream broke")
	c, err := chunker.New(io.MultiReader(bytes.NewReader(make([]byte, 32)), &failingReader{err: readErr}), chunker.Config{MinChunkSize: 64, MaxChunkSize: 128})
	require.NoError(t, err)

	_, err = c.Next(context.Background())
	require.ErrorIs(t, err, readErr)
}

func TestCompressionRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := chunker.Config{MinChunkSize: 64, MaxChunkSize: 1 << 20, CompressionLevel: 3}
	data := bytes.Repeat([]byte("anchorage"), 4096)

	c, err := chunker.New(bytes.NewReader(data), cfg)
	require.NoError(t, err)
	chunks := drain(t, c)
	require.Len(t, chunks, 1)
	require.Less(t, chunks[0].CompressedSize, chunks[0].PlainSize)

	plain, err := chunker.Decompress(chunks[0].Data, cfg)
	require.NoError(t, err)
	require.Equal(t, data, plain)
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}
