// Package chunker splits a raw session byte stream into size-bounded,
// optionally zstd-compressed chunks.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultMinChunkSize = 8 << 20  // 8 MiB
	defaultMaxChunkSize = 16 << 20 // 16 MiB
)

var (
	ErrBadChunkConfig = errors.New("chunk size minimum exceeds maximum")

	chunksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchorage",
		Subsystem: "chunker",
		Name:      "chunks_total",
		Help:      "Number of chunks emitted",
	})
)

type Config struct {
	MinChunkSize     int `long:"chunk-min"         description:"Minimum plaintext chunk size in bytes"`
	MaxChunkSize     int `long:"chunk-max"         description:"Maximum plaintext chunk size in bytes"`
	CompressionLevel int `long:"chunk-compression" description:"Zstd compression level (0 disables compression)"`
}

func DefaultConfig() Config {
	return Config{
		MinChunkSize: defaultMinChunkSize,
		MaxChunkSize: defaultMaxChunkSize,
	}
}

// Chunk is a single plaintext chunk cut from a session stream.
// Data holds the compressed bytes when compression is enabled;
// PlainDigest is always taken over the uncompressed bytes.
type Chunk struct {
	Index          int
	Data           []byte
	PlainSize      int
	CompressedSize int
	PlainDigest    []byte
}

// Chunker lazily cuts a stream into chunks. It is not restartable;
// a fresh Chunker is required per stream.
type Chunker struct {
	cfg   Config
	r     io.Reader
	enc   *zstd.Encoder
	index int
	done  bool
}

func New(r io.Reader, cfg Config) (*Chunker, error) {
	if cfg.MinChunkSize > cfg.MaxChunkSize {
		return nil, fmt.Errorf("%w: min %d > max %d", ErrBadChunkConfig, cfg.MinChunkSize, cfg.MaxChunkSize)
	}
	c := &Chunker{cfg: cfg, r: r}
	if cfg.CompressionLevel > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.CompressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// Next returns the next chunk from the stream, or io.EOF after the final
// chunk. The final chunk may be smaller than the configured minimum.
// Errors from the underlying reader are propagated, not swallowed.
func (c *Chunker) Next(ctx context.Context) (*Chunk, error) {
	if c.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, c.cfg.MaxChunkSize)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case err != nil:
		return nil, fmt.Errorf("reading session stream: %w", err)
	}

	digest := sha256.Sum256(buf[:n])
	chunk := &Chunk{
		Index:       c.index,
		Data:        buf[:n],
		PlainSize:   n,
		PlainDigest: digest[:],
	}
	if c.enc != nil {
		chunk.Data = c.enc.EncodeAll(buf[:n], nil)
	}
	chunk.CompressedSize = len(chunk.Data)
	c.index++
	chunksMetric.Inc()
	return chunk, nil
}

// Decompress reverses chunk compression. It is the identity when
// compression is disabled.
func Decompress(data []byte, cfg Config) ([]byte, error) {
	if cfg.CompressionLevel == 0 {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	return out, nil
}
