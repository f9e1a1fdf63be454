package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/lucidnet/anchorage/chain/mocks"
	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/merkle"
	"github.com/lucidnet/anchorage/payout"
	"github.com/lucidnet/anchorage/types"
)

func testClientConfig() Config {
	cfg := DefaultConfig()
	cfg.ContractAddress = "0x00000000000000000000000000000000DeaDBeef"
	cfg.Confirmations = 1
	cfg.ConfirmTimeout = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.BaseDelay = time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, backend Backend, emitter payout.Emitter) *Client {
	t.Helper()
	db, err := leveldb.OpenFile(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	client, err := NewClient(cfg, backend, key, db, emitter)
	require.NoError(t, err)
	return client
}

func testManifest(chunks int) *types.SessionManifest {
	digests := make([][]byte, chunks)
	for i := range digests {
		digest := make([]byte, 32)
		digest[0] = byte(i + 1)
		digests[i] = digest
	}
	tree, _ := merkle.Build(digests)
	return &types.SessionManifest{
		SessionID:    types.SessionID(uuid.New()),
		ChunkDigests: digests,
		ChunkCount:   uint32(chunks),
		MerkleRoot:   tree.Root(),
		CreatedAt:    time.Now(),
		Producer:     "owner-1",
	}
}

func testCtx(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

// expectSubmission wires the backend calls of one successful anchor
// submission and returns the receipt the chain will report.
func expectSubmission(backend *mocks.MockBackend) {
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(90_000), nil)
	backend.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	backend.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)
	backend.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		GasUsed:     88_000,
	}, nil)
	backend.EXPECT().BlockNumber(gomock.Any()).Return(uint64(42), nil)
}

func TestAnchorIsIdempotent(t *testing.T) {
	t.Parallel()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	expectSubmission(backend) // the chain is called exactly once

	client := newTestClient(t, testClientConfig(), backend, payout.Noop{})
	manifest := testManifest(3)

	first, err := client.Anchor(testCtx(t), manifest)
	require.NoError(t, err)
	require.True(t, first.Confirmed)
	require.Equal(t, uint64(42), first.BlockNumber)
	require.Equal(t, uint64(88_000), first.GasUsed)

	second, err := client.Anchor(testCtx(t), manifest)
	require.NoError(t, err)
	require.Equal(t, first, second)

	stored, ok := client.Receipt(manifest.SessionID)
	require.True(t, ok)
	require.Equal(t, first, stored)
}

func TestAnchorRetriesSubmission(t *testing.T) {
	t.Parallel()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(90_000), nil)
	backend.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	backend.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	gomock.InOrder(
		backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(errors.New("connection reset")),
		backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil),
	)
	backend.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
		GasUsed:     80_000,
	}, nil)
	backend.EXPECT().BlockNumber(gomock.Any()).Return(uint64(12), nil)

	client := newTestClient(t, testClientConfig(), backend, payout.Noop{})
	receipt, err := client.Anchor(testCtx(t), testManifest(2))
	require.NoError(t, err)
	require.True(t, receipt.Confirmed)
}

func TestAnchorCostCeiling(t *testing.T) {
	t.Parallel()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	cfg := testClientConfig()
	cfg.GasCeiling = 50_000
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(90_000), nil)

	client := newTestClient(t, cfg, backend, payout.Noop{})
	_, err := client.Anchor(testCtx(t), testManifest(2))
	require.ErrorIs(t, err, ErrCostCeiling)
}

func TestAnchorCircuitBreaker(t *testing.T) {
	t.Parallel()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	cfg := testClientConfig()
	cfg.FailureThreshold = 2
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(0), errors.New("rpc down")).Times(2)

	client := newTestClient(t, cfg, backend, payout.Noop{})
	ctx := testCtx(t)

	_, err := client.Anchor(ctx, testManifest(1))
	require.Error(t, err)
	_, err = client.Anchor(ctx, testManifest(1))
	require.Error(t, err)

	// breaker is open: fail fast, no backend interaction
	_, err = client.Anchor(ctx, testManifest(1))
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestAnchorRevertedTransaction(t *testing.T) {
	t.Parallel()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(90_000), nil)
	backend.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	backend.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)
	backend.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(42),
	}, nil)

	client := newTestClient(t, testClientConfig(), backend, payout.Noop{})
	_, err := client.Anchor(testCtx(t), testManifest(2))
	require.ErrorIs(t, err, ErrTxReverted)
}

type captureEmitter struct {
	events []*types.PayoutEvent
}

func (c *captureEmitter) Emit(_ context.Context, event *types.PayoutEvent) error {
	c.events = append(c.events, event)
	return nil
}

func TestAnchorEmitsPayoutEvent(t *testing.T) {
	t.Parallel()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	expectSubmission(backend)

	emitter := &captureEmitter{}
	client := newTestClient(t, testClientConfig(), backend, emitter)
	manifest := testManifest(2)

	_, err := client.Anchor(testCtx(t), manifest)
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)
	require.Equal(t, manifest.SessionID, emitter.events[0].SessionID)
	require.Equal(t, "owner-1", emitter.events[0].OwnerAddress)
}

func TestVerifyAgainstOnChainRoot(t *testing.T) {
	t.Parallel()
	contract, err := parseContractABI()
	require.NoError(t, err)

	digests := make([][]byte, 5)
	for i := range digests {
		digest := make([]byte, 32)
		digest[0] = byte(i + 1)
		digests[i] = digest
	}
	tree, err := merkle.Build(digests)
	require.NoError(t, err)

	var root [32]byte
	copy(root[:], tree.Root())
	response, err := contract.Methods["getSessionManifest"].Outputs.Pack(root, uint32(5), big.NewInt(time.Now().Unix()))
	require.NoError(t, err)

	backend := mocks.NewMockBackend(gomock.NewController(t))
	backend.EXPECT().CallContract(gomock.Any(), gomock.Any(), gomock.Any()).Return(response, nil).AnyTimes()

	client := newTestClient(t, testClientConfig(), backend, payout.Noop{})
	id := types.SessionID(uuid.New())

	proof, err := tree.Proof(2)
	require.NoError(t, err)

	ok, err := client.Verify(testCtx(t), id, 2, digests[2], proof)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("tampered digest", func(t *testing.T) {
		bad := append([]byte(nil), digests[2]...)
		bad[1] ^= 0x01
		ok, err := client.Verify(testCtx(t), id, 2, bad, proof)
		require.NoError(t, err)
		require.False(t, ok)
	})
	t.Run("chunk count mismatch", func(t *testing.T) {
		badProof := merkle.Proof{Siblings: proof.Siblings, NumLeaves: 6}
		ok, err := client.Verify(testCtx(t), id, 2, digests[2], badProof)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestParseAnchoredEvent(t *testing.T) {
	t.Parallel()
	contract, err := parseContractABI()
	require.NoError(t, err)
	event := contract.Events["SessionAnchored"]

	id := types.SessionID(uuid.New())
	var root [32]byte
	root[0] = 0xaa
	data, err := event.Inputs.NonIndexed().Pack(root, uint32(9))
	require.NoError(t, err)

	var idTopic common.Hash
	copy(idTopic[:16], id[:])
	log := &ethtypes.Log{Topics: []common.Hash{event.ID, idTopic}, Data: data}

	decoded, ok := parseAnchoredEvent(contract, []*ethtypes.Log{log})
	require.True(t, ok)
	require.Equal(t, id[:], decoded.SessionID[:])
	require.Equal(t, root, decoded.MerkleRoot)
	require.Equal(t, uint32(9), decoded.ChunkCount)

	_, ok = parseAnchoredEvent(contract, []*ethtypes.Log{{Topics: []common.Hash{{0x01}}}})
	require.False(t, ok)
	_, ok = parseAnchoredEvent(contract, nil)
	require.False(t, ok)
}

func TestAnchorRejectsMismatchedEvent(t *testing.T) {
	t.Parallel()
	contract, err := parseContractABI()
	require.NoError(t, err)
	event := contract.Events["SessionAnchored"]

	var wrongRoot [32]byte
	wrongRoot[0] = 0xff
	data, err := event.Inputs.NonIndexed().Pack(wrongRoot, uint32(2))
	require.NoError(t, err)

	backend := mocks.NewMockBackend(gomock.NewController(t))
	backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(90_000), nil)
	backend.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	backend.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)
	backend.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(3),
		Logs:        []*ethtypes.Log{{Topics: []common.Hash{event.ID, {}}, Data: data}},
	}, nil)

	client := newTestClient(t, testClientConfig(), backend, payout.Noop{})
	_, err = client.Anchor(testCtx(t), testManifest(2))
	require.ErrorContains(t, err, "doesn't match")
}

func TestVerifyUnanchoredSession(t *testing.T) {
	t.Parallel()
	contract, err := parseContractABI()
	require.NoError(t, err)
	response, err := contract.Methods["getSessionManifest"].Outputs.Pack([32]byte{}, uint32(0), big.NewInt(0))
	require.NoError(t, err)

	backend := mocks.NewMockBackend(gomock.NewController(t))
	backend.EXPECT().CallContract(gomock.Any(), gomock.Any(), gomock.Any()).Return(response, nil)

	client := newTestClient(t, testClientConfig(), backend, payout.Noop{})
	_, err = client.Verify(testCtx(t), types.SessionID(uuid.New()), 0, make([]byte, 32), merkle.Proof{NumLeaves: 1})
	require.ErrorIs(t, err, ErrNotAnchored)
}
