// Package chain submits session manifests to the on-chain anchoring
// contract and verifies chunk inclusion against the recorded roots.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/merkle"
	"github.com/lucidnet/anchorage/payout"
	"github.com/lucidnet/anchorage/types"
)

var (
	// ErrCostCeiling is returned when the estimated gas for a submission
	// exceeds the configured ceiling. The call is rejected locally, before
	// anything is sent.
	ErrCostCeiling = errors.New("estimated gas exceeds cost ceiling")

	// ErrTxReverted is returned when the anchor transaction was mined but
	// the contract reverted it.
	ErrTxReverted = errors.New("anchor transaction reverted")

	// ErrNotAnchored is returned by Verify when the contract has no
	// manifest recorded for the session.
	ErrNotAnchored = errors.New("session not anchored on chain")

	anchorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorage",
		Subsystem: "chain",
		Name:      "anchor_calls_total",
		Help:      "Anchor submissions by outcome",
	}, []string{"outcome"})
)

type Config struct {
	Endpoint         string        `long:"endpoint"          description:"Anchoring chain RPC endpoint"`
	ContractAddress  string        `long:"contract"          description:"Anchoring contract address"`
	ChainID          int64         `long:"chain-id"          description:"Chain id for transaction signing"`
	GasCeiling       uint64        `long:"gas-ceiling"       description:"Reject submissions whose gas estimate exceeds this"`
	Confirmations    uint64        `long:"confirmations"     description:"Blocks to wait before a receipt is confirmed"`
	ConfirmTimeout   time.Duration `long:"confirm-timeout"   description:"Upper bound on confirmation polling"`
	PollInterval     time.Duration `long:"poll-interval"     description:"Receipt polling interval"`
	MaxAttempts      uint64        `long:"max-attempts"      description:"Submission attempts before giving up"`
	BaseDelay        time.Duration `long:"base-delay"        description:"Initial retry backoff delay"`
	FailureThreshold int           `long:"failure-threshold" description:"Consecutive failures before the breaker opens"`
	BreakerCooldown  time.Duration `long:"breaker-cooldown"  description:"How long the breaker stays open"`
	ReceiptCacheSize int           `long:"receipt-cache"     description:"In-memory receipt cache entries"`
}

func DefaultConfig() Config {
	return Config{
		ChainID:          1,
		GasCeiling:       2_000_000,
		Confirmations:    3,
		ConfirmTimeout:   2 * time.Minute,
		PollInterval:     2 * time.Second,
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		FailureThreshold: 5,
		BreakerCooldown:  time.Minute,
		ReceiptCacheSize: 1024,
	}
}

type anchorCall struct {
	done    chan struct{}
	receipt *types.AnchorReceipt
	err     error
}

// Client anchors manifests against a single contract endpoint. Anchor is
// idempotent per session id: duplicates return the stored receipt and
// concurrent duplicates join the in-flight submission.
type Client struct {
	cfg      Config
	contract abi.ABI
	address  common.Address
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   ethtypes.Signer
	db       *leveldb.DB
	cache    *lru.Cache[types.SessionID, *types.AnchorReceipt]
	brk      *breaker
	payouts  payout.Emitter

	inflight *inflightCalls
}

func NewClient(cfg Config, backend Backend, key *ecdsa.PrivateKey, db *leveldb.DB, payouts payout.Emitter) (*Client, error) {
	contract, err := parseContractABI()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	cache, err := lru.New[types.SessionID, *types.AnchorReceipt](cfg.ReceiptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating receipt cache: %w", err)
	}
	if payouts == nil {
		payouts = payout.Noop{}
	}
	return &Client{
		cfg:      cfg,
		contract: contract,
		address:  common.HexToAddress(cfg.ContractAddress),
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   ethtypes.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		db:       db,
		cache:    cache,
		brk:      newBreaker(cfg.FailureThreshold, cfg.BreakerCooldown),
		payouts:  payouts,
		inflight: newInflightCalls(),
	}, nil
}

// Anchor records the manifest on chain and returns the confirmed receipt.
// An already anchored session returns its stored receipt without a second
// chain call.
func (c *Client) Anchor(ctx context.Context, manifest *types.SessionManifest) (*types.AnchorReceipt, error) {
	if receipt, ok := c.storedReceipt(manifest.SessionID); ok {
		anchorsMetric.WithLabelValues("cached").Inc()
		return receipt, nil
	}

	call, leader := c.inflight.join(manifest.SessionID)
	if !leader {
		select {
		case <-call.done:
			return call.receipt, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer c.inflight.finish(manifest.SessionID, call)

	// Re-check after winning the in-flight slot: a concurrent call may
	// have completed between the first lookup and join.
	if receipt, ok := c.storedReceipt(manifest.SessionID); ok {
		call.receipt = receipt
		anchorsMetric.WithLabelValues("cached").Inc()
		return receipt, nil
	}

	receipt, err := c.submit(ctx, manifest)
	call.receipt, call.err = receipt, err
	return receipt, err
}

func (c *Client) submit(ctx context.Context, manifest *types.SessionManifest) (*types.AnchorReceipt, error) {
	logger := logging.FromContext(ctx).Named("anchor").With(zap.Stringer("session", manifest.SessionID))

	if err := c.brk.allow(); err != nil {
		anchorsMetric.WithLabelValues("circuit_open").Inc()
		return nil, err
	}

	calldata, err := packAnchorCall(c.contract, manifest)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{From: c.from, To: &c.address, Data: calldata}

	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		c.brk.failure()
		anchorsMetric.WithLabelValues("estimate_failed").Inc()
		return nil, fmt.Errorf("estimating gas: %w", err)
	}
	if gas > c.cfg.GasCeiling {
		anchorsMetric.WithLabelValues("cost_ceiling").Inc()
		return nil, fmt.Errorf("%w: estimate %d, ceiling %d", ErrCostCeiling, gas, c.cfg.GasCeiling)
	}

	signed, err := c.buildTx(ctx, calldata, gas)
	if err != nil {
		c.brk.failure()
		return nil, err
	}

	backoff := retry.WithMaxRetries(c.cfg.MaxAttempts-1, retry.NewExponential(c.cfg.BaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			logger.Warn("submission attempt failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.brk.failure()
		anchorsMetric.WithLabelValues("send_failed").Inc()
		return nil, fmt.Errorf("submitting anchor transaction: %w", err)
	}
	logger.Info("anchor transaction sent", zap.String("tx", signed.Hash().Hex()), zap.Uint64("gas", gas))

	receipt, err := c.awaitConfirmation(ctx, manifest, signed.Hash())
	if err != nil {
		c.brk.failure()
		anchorsMetric.WithLabelValues("confirm_failed").Inc()
		return nil, err
	}
	c.brk.success()
	anchorsMetric.WithLabelValues("anchored").Inc()

	if err := c.putReceipt(receipt); err != nil {
		return nil, err
	}
	c.cache.Add(manifest.SessionID, receipt)

	if err := c.payouts.Emit(ctx, &types.PayoutEvent{
		SessionID:    manifest.SessionID,
		OwnerAddress: manifest.Producer,
	}); err != nil {
		logger.Warn("payout emission failed", zap.Error(err))
	}
	logger.Info("anchor confirmed", zap.Uint64("block", receipt.BlockNumber), zap.Uint64("gasUsed", receipt.GasUsed))
	return receipt, nil
}

func (c *Client) buildTx(ctx context.Context, calldata []byte, gas uint64) (*ethtypes.Transaction, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("fetching account nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching gas price: %w", err)
	}
	tx := ethtypes.NewTransaction(nonce, c.address, common.Big0, gas, gasPrice, calldata)
	signed, err := ethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("signing anchor transaction: %w", err)
	}
	return signed, nil
}

// awaitConfirmation polls for the transaction receipt until it has the
// configured number of block confirmations, bounded by ConfirmTimeout.
// A SessionAnchored event in the logs is checked against the manifest.
func (c *Client) awaitConfirmation(ctx context.Context, manifest *types.SessionManifest, txHash common.Hash) (*types.AnchorReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return nil, ErrTxReverted
			}
			if event, ok := parseAnchoredEvent(c.contract, receipt.Logs); ok && !bytes.Equal(event.MerkleRoot[:], manifest.MerkleRoot) {
				return nil, fmt.Errorf("anchored root %x doesn't match manifest root %x", event.MerkleRoot, manifest.MerkleRoot)
			}
			head, err := c.backend.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+c.cfg.Confirmations-1 {
				return &types.AnchorReceipt{
					SessionID:   manifest.SessionID,
					TxHash:      txHash.Hex(),
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
					Confirmed:   true,
				}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting confirmation of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Verify checks a chunk digest against the session's on-chain root. The
// chain supplies only the trusted root; recomputation is local.
func (c *Client) Verify(ctx context.Context, id types.SessionID, chunkIndex int, digest []byte, proof merkle.Proof) (bool, error) {
	var sessionID [16]byte
	copy(sessionID[:], id[:])
	calldata, err := c.contract.Pack("getSessionManifest", sessionID)
	if err != nil {
		return false, fmt.Errorf("encoding manifest query: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.address, Data: calldata}, nil)
	if err != nil {
		return false, fmt.Errorf("reading manifest from chain: %w", err)
	}
	manifest, err := unpackManifest(c.contract, raw)
	if err != nil {
		return false, err
	}
	if bytes.Equal(manifest.MerkleRoot[:], make([]byte, 32)) {
		return false, ErrNotAnchored
	}
	if uint64(manifest.ChunkCount) != proof.NumLeaves {
		return false, nil
	}
	return merkle.Verify(chunkIndex, digest, proof, manifest.MerkleRoot[:]), nil
}

// Receipt returns the stored receipt for an anchored session.
func (c *Client) Receipt(id types.SessionID) (*types.AnchorReceipt, bool) {
	return c.storedReceipt(id)
}

func (c *Client) storedReceipt(id types.SessionID) (*types.AnchorReceipt, bool) {
	if receipt, ok := c.cache.Get(id); ok {
		return receipt, true
	}
	receipt, err := c.loadReceipt(id)
	if err != nil {
		return nil, false
	}
	c.cache.Add(id, receipt)
	return receipt, true
}

type receiptRecord struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Confirmed   bool
}

func receiptKey(id types.SessionID) []byte {
	return append([]byte("r/"), id[:]...)
}

func (c *Client) putReceipt(receipt *types.AnchorReceipt) error {
	var buf bytes.Buffer
	rec := receiptRecord{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
		Confirmed:   receipt.Confirmed,
	}
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("encoding receipt: %w", err)
	}
	if err := c.db.Put(receiptKey(receipt.SessionID), buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("persisting receipt: %w", err)
	}
	return nil
}

func (c *Client) loadReceipt(id types.SessionID) (*types.AnchorReceipt, error) {
	raw, err := c.db.Get(receiptKey(id), nil)
	if err != nil {
		return nil, err
	}
	var rec receiptRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding receipt: %w", err)
	}
	return &types.AnchorReceipt{
		SessionID:   id,
		TxHash:      rec.TxHash,
		BlockNumber: rec.BlockNumber,
		GasUsed:     rec.GasUsed,
		Confirmed:   rec.Confirmed,
	}, nil
}

type inflightCalls struct {
	mu    sync.Mutex
	calls map[types.SessionID]*anchorCall
}

func newInflightCalls() *inflightCalls {
	return &inflightCalls{calls: make(map[types.SessionID]*anchorCall)}
}

// join returns the in-flight call for id, creating one if absent. The
// second return value is true when the caller owns the submission.
func (f *inflightCalls) join(id types.SessionID) (*anchorCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if call, ok := f.calls[id]; ok {
		return call, false
	}
	call := &anchorCall{done: make(chan struct{})}
	f.calls[id] = call
	return call, true
}

func (f *inflightCalls) finish(id types.SessionID, call *anchorCall) {
	f.mu.Lock()
	delete(f.calls, id)
	f.mu.Unlock()
	close(call.done)
}
