package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucidnet/anchorage/chunker"
	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/merkle"
	"github.com/lucidnet/anchorage/seal"
	"github.com/lucidnet/anchorage/types"
)

//go:generate mockgen -package mocks -destination mocks/orchestrator.go . AnchorClient

// AnchorClient submits finished manifests for on-chain anchoring.
// Implementations must be idempotent per session id.
type AnchorClient interface {
	Anchor(ctx context.Context, manifest *types.SessionManifest) (*types.AnchorReceipt, error)
}

var (
	errChunk   = errors.New("chunk read failure")
	errStorage = errors.New("chunk storage failure")
	errAnchor  = errors.New("anchor submission failure")

	chunkBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchorage",
		Subsystem: "session",
		Name:      "chunk_bytes_total",
		Help:      "Total ciphertext bytes written",
	})
	sessionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorage",
		Subsystem: "session",
		Name:      "sessions_total",
		Help:      "Sessions finished by terminal status",
	}, []string{"status"})
)

const defaultEncryptWorkers = 4

type Config struct {
	Chunker        chunker.Config `group:"Chunker" namespace:"chunker"`
	EncryptWorkers int            `long:"encrypt-workers" description:"Concurrent chunk encryptions per session"`
	ChunkRetries   int            `long:"chunk-retries"   description:"Write retries per chunk before the session fails"`
}

func DefaultConfig() Config {
	return Config{
		Chunker:        chunker.DefaultConfig(),
		EncryptWorkers: defaultEncryptWorkers,
		ChunkRetries:   3,
	}
}

// Orchestrator drives one session at a time through the pipeline. It owns
// no cross-session mutable state; a single instance is safe for
// concurrent Run calls on distinct sessions.
type Orchestrator struct {
	cfg      Config
	store    *Store
	datadir  string
	secret   []byte
	anchorer AnchorClient

	anchoringHook func(types.SessionID)
	producerGate  func(context.Context) error
}

func NewOrchestrator(cfg Config, store *Store, datadir string, serverSecret []byte, anchorer AnchorClient) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		datadir:  datadir,
		secret:   serverSecret,
		anchorer: anchorer,
	}
}

// OnAnchoring registers fn to run right before a session's anchor
// transaction is dispatched. Past this point cancellation is refused.
func (o *Orchestrator) OnAnchoring(fn func(types.SessionID)) {
	o.anchoringHook = fn
}

// SetProducerGate registers fn as the leader gate: it runs before a
// session's anchor call and may block until this node is the canonical
// producer for the current slot. Sessions stay cancelable while gated.
func (o *Orchestrator) SetProducerGate(fn func(context.Context) error) {
	o.producerGate = fn
}

// Run processes a session stream end to end and returns the anchor
// receipt. On failure the session transitions to failed with the failing
// stage recorded; chunk artifacts already written are retained.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, stream io.Reader) (*types.AnchorReceipt, error) {
	logger := logging.FromContext(ctx).Named("pipeline").With(zap.Stringer("session", sess.ID))
	ctx = logging.NewContext(ctx, logger)

	receipt, err := o.run(ctx, sess, stream)
	if err != nil {
		sess.Status = StatusFailed
		sess.FailureKind = classifyFailure(err)
		sess.FailureCause = err.Error()
		sess.EndedAt = time.Now()
		if putErr := o.store.PutSession(sess); putErr != nil {
			logger.Error("failed to record session failure", zap.Error(putErr))
		}
		sessionsMetric.WithLabelValues(string(StatusFailed)).Inc()
		logger.Error("session failed", zap.String("stage", string(sess.FailureKind)), zap.Error(err))
		return nil, err
	}
	sessionsMetric.WithLabelValues(string(StatusAnchored)).Inc()
	return receipt, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *Session, stream io.Reader) (*types.AnchorReceipt, error) {
	logger := logging.FromContext(ctx)

	key, err := seal.DeriveKey(o.secret, sess.ID[:])
	if err != nil {
		return nil, err
	}
	nonces, err := o.store.NonceCounter(sess.ID)
	if err != nil {
		return nil, err
	}
	sealer, err := seal.New(key, nonces)
	if err != nil {
		return nil, err
	}

	chunks, err := chunker.New(stream, o.cfg.Chunker)
	if err != nil {
		return nil, err
	}

	if err := o.transition(sess, StatusChunking); err != nil {
		return nil, err
	}

	// Chunks are read sequentially but encrypted and written with bounded
	// parallelism. Completion order is arbitrary; digests are resequenced
	// by index before the tree is built.
	var (
		mu        sync.Mutex
		completed []*Chunk
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.EncryptWorkers)

	count := 0
readLoop:
	for {
		chunk, err := chunks.Next(egCtx)
		switch {
		case errors.Is(err, io.EOF):
			break readLoop
		case err != nil:
			_ = eg.Wait()
			return nil, fmt.Errorf("%w: %w", errChunk, err)
		}
		count++
		eg.Go(func() error {
			done, err := o.sealChunk(egCtx, sess, sealer, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, done)
			mu.Unlock()
			return nil
		})
	}
	if err := o.transition(sess, StatusEncrypting); err != nil {
		_ = eg.Wait()
		return nil, err
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].Index < completed[j].Index })
	sess.ChunkCount = count

	if err := o.transition(sess, StatusMerkleBuilding); err != nil {
		return nil, err
	}
	digests := make([][]byte, len(completed))
	for i, c := range completed {
		if c.Index != i {
			return nil, fmt.Errorf("%w: chunk index %d at position %d", merkle.ErrIndexOutOfRange, c.Index, i)
		}
		digests[i] = c.CipherDigest
	}
	tree, err := merkle.Build(digests)
	if err != nil {
		return nil, err
	}
	sess.MerkleRoot = tree.Root()

	manifest := &types.SessionManifest{
		SessionID:    sess.ID,
		ChunkDigests: digests,
		ChunkCount:   uint32(len(digests)),
		MerkleRoot:   sess.MerkleRoot,
		CreatedAt:    time.Now(),
		Producer:     sess.Owner,
	}
	manifestHash, err := manifest.Hash()
	if err != nil {
		return nil, err
	}
	sess.ManifestHash = manifestHash
	if err := o.store.PutManifest(manifest); err != nil {
		return nil, err
	}
	logger.Info("manifest assembled",
		zap.Int("chunks", len(digests)),
		zap.Binary("root", sess.MerkleRoot))

	if err := o.transition(sess, StatusAnchoring); err != nil {
		return nil, err
	}
	if o.producerGate != nil {
		if err := o.producerGate(ctx); err != nil {
			return nil, fmt.Errorf("%w: production slot: %w", errAnchor, err)
		}
	}
	if o.anchoringHook != nil {
		o.anchoringHook(sess.ID)
	}
	receipt, err := o.anchorer.Anchor(ctx, manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errAnchor, err)
	}

	sess.Status = StatusAnchored
	sess.AnchorTx = receipt.TxHash
	sess.EndedAt = time.Now()
	if err := o.store.PutSession(sess); err != nil {
		return nil, err
	}
	logger.Info("session anchored", zap.String("tx", receipt.TxHash), zap.Uint64("block", receipt.BlockNumber))
	return receipt, nil
}

// sealChunk encrypts one chunk, writes the ciphertext with bounded
// retries and records the chunk metadata.
func (o *Orchestrator) sealChunk(ctx context.Context, sess *Session, sealer *seal.Sealer, chunk *chunker.Chunk) (*Chunk, error) {
	ciphertext, nonce, err := sealer.Seal(chunk.Data)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(ciphertext)

	location := filepath.Join(o.datadir, sess.ID.String(), fmt.Sprintf("%06d.chunk", chunk.Index))
	if err := o.writeChunk(ctx, location, ciphertext); err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", errStorage, chunk.Index, err)
	}
	chunkBytesMetric.Add(float64(len(ciphertext)))

	record := &Chunk{
		SessionID:      sess.ID,
		Index:          chunk.Index,
		PlainSize:      chunk.PlainSize,
		CompressedSize: chunk.CompressedSize,
		PlainDigest:    chunk.PlainDigest,
		CipherDigest:   digest[:],
		Nonce:          nonce,
		Location:       location,
	}
	if err := o.store.PutChunk(sess.ID, record); err != nil {
		return nil, fmt.Errorf("%w: %w", errStorage, err)
	}
	return record, nil
}

func (o *Orchestrator) writeChunk(ctx context.Context, location string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(location), 0o700); err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= o.cfg.ChunkRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = os.WriteFile(location, data, 0o600); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (o *Orchestrator) transition(sess *Session, status Status) error {
	sess.Status = status
	return o.store.PutSession(sess)
}
