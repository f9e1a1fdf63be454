package poot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
)

// Credit weights per proof type. Each type's total contribution in an
// epoch is additionally capped by Config.MaxCreditPerType.
const (
	creditsPerGBStored         = 10
	creditsPerChunkStored      = 2
	creditsPerValidatedSession = 5
	uptimeSecondsPerCredit     = 3600
)

// Tally aggregates accepted work proofs into per-epoch credit standings.
// At most one tally computation runs per epoch at a time.
type Tally struct {
	cfg     Config
	genesis time.Time
	db      *Store

	mu      sync.Mutex
	running map[uint64]struct{}

	now func() time.Time
}

func NewTally(genesis time.Time, db *Store, cfg Config) *Tally {
	return &Tally{
		cfg:     cfg,
		genesis: genesis,
		db:      db,
		running: make(map[uint64]struct{}),
		now:     time.Now,
	}
}

var ErrTallyInProgress = fmt.Errorf("tally already running for this epoch")

type entityAccumulator struct {
	relay      uint64
	storage    uint64
	validation uint64
	uptime     uint64
	// slots with at least one valid uptime beacon, for liveness
	beaconSlots map[uint64]struct{}
}

// Compute tallies the epoch from the proofs of the rolling leader window
// ending at the epoch's last slot. The epoch's slots must all be closed.
func (t *Tally) Compute(ctx context.Context, epoch uint64) ([]WorkTally, error) {
	t.mu.Lock()
	if _, ok := t.running[epoch]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: epoch %d", ErrTallyInProgress, epoch)
	}
	t.running[epoch] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.running, epoch)
		t.mu.Unlock()
	}()

	_, last := t.cfg.EpochSlotRange(epoch)
	if !t.cfg.SlotClosed(t.genesis, last, t.now()) {
		return nil, fmt.Errorf("%w: epoch %d not finished", ErrSlotOpen, epoch)
	}

	windowFirst := uint64(0)
	if last+1 > t.cfg.LeaderWindowSlots {
		windowFirst = last + 1 - t.cfg.LeaderWindowSlots
	}
	windowSlots := last - windowFirst + 1

	proofs, err := t.db.rangeProofs(windowFirst, last)
	if err != nil {
		return nil, fmt.Errorf("loading proofs for epoch %d: %w", epoch, err)
	}

	entities := make(map[string]*entityAccumulator)
	for _, proof := range proofs {
		acc := entities[proof.EntityID()]
		if acc == nil {
			acc = &entityAccumulator{beaconSlots: make(map[uint64]struct{})}
			entities[proof.EntityID()] = acc
		}
		switch payload := proof.Payload.(type) {
		case RelayPayload:
			acc.relay += relayCredits(payload, t.cfg.BaseMBPerSession)
		case StoragePayload:
			acc.storage += storageCredits(payload, t.cfg.BaseMBPerSession)
		case ValidationPayload:
			acc.validation += uint64(payload.ValidatedSessions) * creditsPerValidatedSession
		case UptimePayload:
			acc.uptime += payload.UptimeSeconds / uptimeSecondsPerCredit
			acc.beaconSlots[proof.Slot] = struct{}{}
		}
	}

	tallies := make([]WorkTally, 0, len(entities))
	for entityID, acc := range entities {
		credit := capCredit(acc.relay, t.cfg.MaxCreditPerType) +
			capCredit(acc.storage, t.cfg.MaxCreditPerType) +
			capCredit(acc.validation, t.cfg.MaxCreditPerType) +
			capCredit(acc.uptime, t.cfg.MaxCreditPerType)
		liveness := float64(len(acc.beaconSlots)) / float64(windowSlots)
		tallies = append(tallies, WorkTally{
			Epoch:    epoch,
			EntityID: entityID,
			Credit:   credit,
			Liveness: liveness,
			Eligible: liveness >= t.cfg.MinLiveness,
		})
	}

	// Deterministic order: credit descending, ties by lowest entity id.
	// Entity id already folds the pool id in, which serves as the
	// documented secondary key for multi-pool ties.
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Credit != tallies[j].Credit {
			return tallies[i].Credit > tallies[j].Credit
		}
		return tallies[i].EntityID < tallies[j].EntityID
	})
	for i := range tallies {
		tallies[i].Rank = i + 1
	}

	if err := t.db.putTallies(epoch, tallies); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("computed work tally",
		zap.Uint64("epoch", epoch),
		zap.Int("entities", len(tallies)),
		zap.Int("proofs", len(proofs)))
	return tallies, nil
}

// Epoch returns the stored tally of an epoch in rank order.
func (t *Tally) Epoch(ctx context.Context, epoch uint64) ([]WorkTally, error) {
	tallies, err := t.db.epochTallies(epoch)
	if err != nil {
		return nil, err
	}
	sort.Slice(tallies, func(i, j int) bool { return tallies[i].Rank < tallies[j].Rank })
	return tallies, nil
}

func relayCredits(p RelayPayload, baseMBPerSession uint32) uint64 {
	bandwidthMB := p.BytesTransferred / (1 << 20)
	bandwidthCredits := (bandwidthMB + uint64(baseMBPerSession) - 1) / uint64(baseMBPerSession)
	if uint64(p.SessionsRelayed) > bandwidthCredits {
		return uint64(p.SessionsRelayed)
	}
	return bandwidthCredits
}

func storageCredits(p StoragePayload, baseMBPerSession uint32) uint64 {
	// Storage credit requires a minimum bandwidth floor for the slot.
	if p.BandwidthMB < baseMBPerSession {
		return 0
	}
	gb := p.SizeBytes / (1 << 30)
	return gb*creditsPerGBStored + uint64(p.ChunksStored)*creditsPerChunkStored
}

func capCredit(credit, max uint64) uint64 {
	if credit > max {
		return max
	}
	return credit
}
