package poot

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
)

var (
	ErrBadSignature   = errors.New("work proof signature invalid")
	ErrUnknownNode    = errors.New("work proof from unknown node")
	ErrBadProofType   = errors.New("unknown work proof type")
	ErrSlotClosed     = errors.New("slot is outside its validity window")
	ErrDuplicateProof = errors.New("proof already accepted for this (node, slot, type)")
	ErrSlotOpen       = errors.New("slot is still open for submissions")

	submittedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchorage",
		Subsystem: "poot",
		Name:      "proofs_submitted_total",
		Help:      "Number of work proof submissions by outcome",
	}, []string{"type", "outcome"})
)

// KeyRegistry maps node ids to their ed25519 public keys. It stands in for
// the node registration directory maintained outside the consensus core.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]ed25519.PublicKey)}
}

func (r *KeyRegistry) Register(nodeID string, key ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[nodeID] = key
}

func (r *KeyRegistry) Verify(nodeID string, msg, sig []byte) error {
	r.mu.RLock()
	key, ok := r.keys[nodeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if !ed25519.Verify(key, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

type proofVerifier interface {
	Verify(nodeID string, msg, sig []byte) error
}

// Collector accepts work proofs for the currently open slot and serves
// them to the tally once the slot is provably closed. Duplicate
// (node, slot, type) submissions are rejected, first-accepted wins.
type Collector struct {
	cfg      Config
	genesis  time.Time
	db       *Store
	verifier proofVerifier

	// serializes the duplicate check with the insert
	submitMutex sync.Mutex

	now func() time.Time
}

type newCollectorOptionFunc func(*Collector)

// WithClock overrides the collector's time source.
func WithClock(now func() time.Time) newCollectorOptionFunc {
	return func(c *Collector) {
		c.now = now
	}
}

func NewCollector(
	genesis time.Time,
	db *Store,
	verifier proofVerifier,
	cfg Config,
	opts ...newCollectorOptionFunc,
) *Collector {
	c := &Collector{
		cfg:      cfg,
		genesis:  genesis,
		db:       db,
		verifier: verifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates and stores a work proof. A rejection is returned as a
// typed error; rejections are expected operation, not crashes.
func (c *Collector) Submit(ctx context.Context, proof *WorkProof) error {
	logger := logging.FromContext(ctx)

	if proof.Payload == nil || !proof.Payload.Type().Valid() {
		submittedMetric.WithLabelValues("invalid", "rejected").Inc()
		return ErrBadProofType
	}
	typ := proof.Payload.Type()

	if err := c.verifier.Verify(proof.NodeID, proof.SigningBytes(), proof.Signature); err != nil {
		logger.Debug("rejecting proof with invalid signature",
			zap.String("node", proof.NodeID), zap.Uint64("slot", proof.Slot))
		submittedMetric.WithLabelValues(string(typ), "rejected").Inc()
		return err
	}

	now := c.now()
	if c.cfg.SlotClosed(c.genesis, proof.Slot, now) {
		submittedMetric.WithLabelValues(string(typ), "rejected").Inc()
		return fmt.Errorf("%w: slot %d, now %s", ErrSlotClosed, proof.Slot, now.Format(time.RFC3339))
	}
	if proof.Slot > c.cfg.SlotAt(c.genesis, now) {
		submittedMetric.WithLabelValues(string(typ), "rejected").Inc()
		return fmt.Errorf("%w: slot %d has not started", ErrSlotClosed, proof.Slot)
	}
	proof.Submitted = now

	c.submitMutex.Lock()
	defer c.submitMutex.Unlock()

	exists, err := c.db.hasProof(proof.Slot, proof.NodeID, typ)
	if err != nil {
		return fmt.Errorf("checking for duplicate proof: %w", err)
	}
	if exists {
		submittedMetric.WithLabelValues(string(typ), "duplicate").Inc()
		return fmt.Errorf("%w: %s", ErrDuplicateProof, proof)
	}
	if err := c.db.putProof(proof); err != nil {
		return err
	}

	logger.Debug("accepted work proof", zap.String("proof", proof.String()))
	submittedMetric.WithLabelValues(string(typ), "accepted").Inc()
	return nil
}

// SlotProofs returns the accepted proofs of a closed slot. Proofs of open
// slots are withheld so the tally cannot observe a slot before it closes.
func (c *Collector) SlotProofs(ctx context.Context, slot uint64) ([]*WorkProof, error) {
	if !c.cfg.SlotClosed(c.genesis, slot, c.now()) {
		return nil, fmt.Errorf("%w: slot %d", ErrSlotOpen, slot)
	}
	return c.db.slotProofs(slot)
}

// Prune removes proofs older than the rolling leader window ending at slot.
func (c *Collector) Prune(ctx context.Context, slot uint64) error {
	if slot < c.cfg.LeaderWindowSlots {
		return nil
	}
	n, err := c.db.pruneProofsBefore(slot - c.cfg.LeaderWindowSlots)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.FromContext(ctx).Info("pruned expired work proofs", zap.Int("count", n))
	}
	return nil
}
