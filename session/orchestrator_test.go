package session_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/lucidnet/anchorage/chunker"
	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/merkle"
	"github.com/lucidnet/anchorage/session"
	"github.com/lucidnet/anchorage/session/mocks"
	"github.com/lucidnet/anchorage/types"
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Chunker = chunker.Config{MinChunkSize: 1 << 10, MaxChunkSize: 4 << 10}
	return cfg
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func newTestSession(owner string) *session.Session {
	return &session.Session{
		ID:        types.SessionID(uuid.New()),
		Owner:     owner,
		StartedAt: time.Now(),
		Status:    session.StatusCreated,
	}
}

func testStream(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, err)
	return data
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	anchorer := mocks.NewMockAnchorClient(gomock.NewController(t))
	var anchored *types.SessionManifest
	anchorer.EXPECT().
		Anchor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m *types.SessionManifest) (*types.AnchorReceipt, error) {
			anchored = m
			return &types.AnchorReceipt{SessionID: m.SessionID, TxHash: "0xabc", BlockNumber: 7, Confirmed: true}, nil
		})

	orch := session.NewOrchestrator(testConfig(), store, t.TempDir(), []byte("server secret"), anchorer)
	sess := newTestSession("owner-1")
	data := testStream(t, 10<<10)

	receipt, err := orch.Run(testContext(t), sess, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "0xabc", receipt.TxHash)

	require.Equal(t, session.StatusAnchored, sess.Status)
	require.Equal(t, "0xabc", sess.AnchorTx)
	require.True(t, sess.Terminal())

	// chunk record indices are gap-free and the tree matches their digests
	chunks, err := store.Chunks(sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ChunkCount, len(chunks))
	digests := make([][]byte, len(chunks))
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		digests[i] = c.CipherDigest

		ciphertext, err := os.ReadFile(c.Location)
		require.NoError(t, err)
		require.NotEmpty(t, ciphertext)
	}
	tree, err := merkle.Build(digests)
	require.NoError(t, err)
	require.Equal(t, tree.Root(), sess.MerkleRoot)

	require.NotNil(t, anchored)
	require.Equal(t, uint32(len(chunks)), anchored.ChunkCount)
	require.Equal(t, sess.MerkleRoot, anchored.MerkleRoot)

	stored, err := store.Manifest(sess.ID)
	require.NoError(t, err)
	require.Equal(t, anchored.MerkleRoot, stored.MerkleRoot)

	// persisted record agrees with the in-memory session
	persisted, err := store.Session(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusAnchored, persisted.Status)
}

func TestPipelineAnchorFailure(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	anchorer := mocks.NewMockAnchorClient(gomock.NewController(t))
	anchorer.EXPECT().Anchor(gomock.Any(), gomock.Any()).Return(nil, errors.New("rpc unreachable"))

	orch := session.NewOrchestrator(testConfig(), store, t.TempDir(), []byte("server secret"), anchorer)
	sess := newTestSession("owner-1")

	_, err = orch.Run(testContext(t), sess, bytes.NewReader(testStream(t, 5<<10)))
	require.Error(t, err)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.Equal(t, session.FailureAnchor, sess.FailureKind)
	require.Contains(t, sess.FailureCause, "rpc unreachable")

	// completed chunk artifacts are retained for forensic replay
	chunks, err := store.Chunks(sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		_, err := os.Stat(c.Location)
		require.NoError(t, err)
	}
}

func TestPipelineProducerGateBlocksDispatch(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	// no Anchor expectation: a dispatch past the gate fails the test
	anchorer := mocks.NewMockAnchorClient(gomock.NewController(t))

	orch := session.NewOrchestrator(testConfig(), store, t.TempDir(), []byte("server secret"), anchorer)
	orch.SetProducerGate(func(context.Context) error {
		return errors.New("not the canonical producer")
	})
	sess := newTestSession("owner-1")

	_, err = orch.Run(testContext(t), sess, bytes.NewReader(testStream(t, 5<<10)))
	require.Error(t, err)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.Equal(t, session.FailureAnchor, sess.FailureKind)
	require.Contains(t, sess.FailureCause, "canonical producer")
}

func TestPipelineProducerGateDefersDispatch(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	released := make(chan struct{})
	dispatched := make(chan struct{})
	anchorer := mocks.NewMockAnchorClient(gomock.NewController(t))
	anchorer.EXPECT().
		Anchor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m *types.SessionManifest) (*types.AnchorReceipt, error) {
			close(dispatched)
			return &types.AnchorReceipt{SessionID: m.SessionID, TxHash: "0x123", Confirmed: true}, nil
		})

	orch := session.NewOrchestrator(testConfig(), store, t.TempDir(), []byte("server secret"), anchorer)
	orch.SetProducerGate(func(ctx context.Context) error {
		select {
		case <-released:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	sess := newTestSession("owner-1")

	done := make(chan error, 1)
	ctx := testContext(t)
	go func() {
		_, err := orch.Run(ctx, sess, bytes.NewReader(testStream(t, 5<<10)))
		done <- err
	}()

	select {
	case <-dispatched:
		t.Fatal("anchor dispatched while gated")
	case <-time.After(50 * time.Millisecond):
	}

	close(released)
	require.NoError(t, <-done)
	<-dispatched
	require.Equal(t, session.StatusAnchored, sess.Status)
}

func TestPipelineBadChunkConfig(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.Chunker.MinChunkSize = 1 << 20
	cfg.Chunker.MaxChunkSize = 1 << 10
	orch := session.NewOrchestrator(cfg, store, t.TempDir(), []byte("server secret"), mocks.NewMockAnchorClient(gomock.NewController(t)))
	sess := newTestSession("owner-1")

	_, err = orch.Run(testContext(t), sess, bytes.NewReader(nil))
	require.ErrorIs(t, err, chunker.ErrBadChunkConfig)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.Equal(t, session.FailureChunking, sess.FailureKind)
}

func TestManagerRunsSessionsAndReportsStatus(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	anchorer := mocks.NewMockAnchorClient(gomock.NewController(t))
	anchorer.EXPECT().
		Anchor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m *types.SessionManifest) (*types.AnchorReceipt, error) {
			return &types.AnchorReceipt{SessionID: m.SessionID, TxHash: "0xdef", Confirmed: true}, nil
		}).
		Times(2)

	orch := session.NewOrchestrator(testConfig(), store, t.TempDir(), []byte("server secret"), anchorer)
	manager := session.NewManager(orch, store, 2)
	defer manager.Shutdown(context.Background())

	ctx := testContext(t)
	first, err := manager.Start(ctx, "owner-1", bytes.NewReader(testStream(t, 5<<10)))
	require.NoError(t, err)
	second, err := manager.Start(ctx, "owner-2", bytes.NewReader(testStream(t, 5<<10)))
	require.NoError(t, err)

	for _, sess := range []*session.Session{first, second} {
		receipt, err := manager.Wait(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, "0xdef", receipt.TxHash)

		status, err := manager.Status(sess.ID)
		require.NoError(t, err)
		require.Equal(t, session.StatusAnchored, status.Status)
	}

	_, err = manager.Status(types.SessionID(uuid.New()))
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestManagerCancelRefusedAfterAnchorDispatch(t *testing.T) {
	t.Parallel()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	dispatched := make(chan struct{})
	release := make(chan struct{})
	anchorer := mocks.NewMockAnchorClient(gomock.NewController(t))
	anchorer.EXPECT().
		Anchor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m *types.SessionManifest) (*types.AnchorReceipt, error) {
			close(dispatched)
			<-release
			return &types.AnchorReceipt{SessionID: m.SessionID, TxHash: "0xfff", Confirmed: true}, nil
		})

	orch := session.NewOrchestrator(testConfig(), store, t.TempDir(), []byte("server secret"), anchorer)
	manager := session.NewManager(orch, store, 1)
	defer manager.Shutdown(context.Background())

	ctx := testContext(t)
	sess, err := manager.Start(ctx, "owner-1", bytes.NewReader(testStream(t, 5<<10)))
	require.NoError(t, err)

	<-dispatched
	require.ErrorIs(t, manager.Cancel(sess.ID), session.ErrNotCancelable)
	close(release)

	receipt, err := manager.Wait(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "0xfff", receipt.TxHash)
}
