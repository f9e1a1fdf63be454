package poot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
)

var (
	ErrNoTally      = errors.New("no tally available for scheduling")
	ErrNotScheduled = errors.New("slot has no schedule entry")
	ErrSlotResolved = errors.New("slot already resolved")
)

// Scheduler derives the per-slot leader schedule from epoch tallies and
// records slot resolutions. Schedule history is append-only.
type Scheduler struct {
	cfg     Config
	genesis time.Time
	db      *Store
	tally   *Tally

	mu  sync.Mutex
	now func() time.Time
}

func NewScheduler(genesis time.Time, db *Store, tally *Tally, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		genesis: genesis,
		db:      db,
		tally:   tally,
		now:     time.Now,
	}
}

// Plan creates the schedule entry for a slot from the most recent closed
// epoch's tally. It is deterministic: identical tallies and resolution
// history yield an identical primary and fallback ordering.
func (s *Scheduler) Plan(ctx context.Context, slot uint64) (*ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, err := s.db.scheduleEntry(slot); err == nil {
		return entry, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, err
	}

	tallies, err := s.sourceTallies(ctx, slot)
	if err != nil {
		return nil, err
	}

	cooling, err := s.coolingDown(slot)
	if err != nil {
		return nil, err
	}

	var primary string
	var fallbacks []string
	for _, t := range tallies {
		if !t.Eligible {
			continue
		}
		if primary == "" {
			if _, cooled := cooling[t.EntityID]; cooled {
				// skipped for primary, still a valid fallback
				fallbacks = append(fallbacks, t.EntityID)
				continue
			}
			primary = t.EntityID
			continue
		}
		fallbacks = append(fallbacks, t.EntityID)
	}
	if len(fallbacks) > s.cfg.Fallbacks {
		fallbacks = fallbacks[:s.cfg.Fallbacks]
	}

	entry := &ScheduleEntry{Slot: slot, Primary: primary, Fallbacks: fallbacks}
	if primary == "" {
		// terminal outcome, the slot is skipped
		entry.Winner = ""
		entry.Reason = ReasonNoLeader
		entry.Resolved = true
	}
	if err := s.db.putScheduleEntry(entry); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Debug("planned slot",
		zap.Uint64("slot", slot),
		zap.String("primary", primary),
		zap.Strings("fallbacks", fallbacks))
	return entry, nil
}

// sourceTallies returns the rank-ordered tally of the last epoch that
// closed before the slot's epoch.
func (s *Scheduler) sourceTallies(ctx context.Context, slot uint64) ([]WorkTally, error) {
	epoch := s.cfg.EpochOf(slot)
	if epoch == 0 {
		return nil, fmt.Errorf("%w: slot %d is in the genesis epoch", ErrNoTally, slot)
	}
	tallies, err := s.tally.Epoch(ctx, epoch-1)
	if err != nil {
		return nil, err
	}
	if len(tallies) == 0 {
		return nil, fmt.Errorf("%w: epoch %d", ErrNoTally, epoch-1)
	}
	return tallies, nil
}

// coolingDown returns the entities that led within the cooldown horizon
// preceding slot. Resolved entries contribute their winner, planned but
// unresolved entries their primary.
func (s *Scheduler) coolingDown(slot uint64) (map[string]struct{}, error) {
	cooling := make(map[string]struct{})
	first := uint64(0)
	if slot > s.cfg.CooldownSlots {
		first = slot - s.cfg.CooldownSlots
	}
	for prev := first; prev < slot; prev++ {
		entry, err := s.db.scheduleEntry(prev)
		switch {
		case errors.Is(err, leveldb.ErrNotFound):
			continue
		case err != nil:
			return nil, err
		}
		leader := entry.Primary
		if entry.Resolved {
			leader = entry.Winner
		}
		if leader != "" {
			cooling[leader] = struct{}{}
		}
	}
	return cooling, nil
}

// Resolve finalizes a slot once production has been observed (or has
// conclusively not happened). producer is empty when nobody produced.
func (s *Scheduler) Resolve(ctx context.Context, slot uint64, producer string, producedAt time.Time) (*ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.db.scheduleEntry(slot)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, fmt.Errorf("%w: slot %d", ErrNotScheduled, slot)
	case err != nil:
		return nil, err
	}
	if entry.Resolved {
		return nil, fmt.Errorf("%w: slot %d", ErrSlotResolved, slot)
	}

	deadline := s.cfg.SlotStart(s.genesis, slot).Add(s.cfg.SlotTimeout)
	switch {
	case producer == "":
		entry.Winner = ""
		entry.Reason = ReasonPrimaryAbsent
	case producer == entry.Primary:
		entry.Winner = producer
		entry.Reason = ReasonElected
	case producedAt.After(deadline):
		entry.Winner = producer
		entry.Reason = ReasonPrimaryTimeout
	default:
		entry.Winner = producer
		entry.Reason = ReasonPrimaryAbsent
	}
	entry.Resolved = true

	if err := s.db.putScheduleEntry(entry); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("resolved slot",
		zap.Uint64("slot", slot),
		zap.String("winner", entry.Winner),
		zap.String("reason", string(entry.Reason)))
	return entry, nil
}

// Entry returns the schedule entry for slot.
func (s *Scheduler) Entry(ctx context.Context, slot uint64) (*ScheduleEntry, error) {
	entry, err := s.db.scheduleEntry(slot)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: slot %d", ErrNotScheduled, slot)
	}
	return entry, err
}

// MayProduce reports whether nodeID is the canonical producer for slot at
// the given time. The primary may produce from slot start; fallback i is
// promoted after (i+1) slot timeouts have elapsed without production.
func (s *Scheduler) MayProduce(ctx context.Context, slot uint64, nodeID string, now time.Time) (bool, error) {
	entry, err := s.Entry(ctx, slot)
	if err != nil {
		return false, err
	}
	if entry.Resolved {
		return entry.Winner == nodeID, nil
	}
	if nodeID == entry.Primary {
		return true, nil
	}
	start := s.cfg.SlotStart(s.genesis, slot)
	for i, fallback := range entry.Fallbacks {
		if fallback != nodeID {
			continue
		}
		promotedAt := start.Add(time.Duration(i+1) * s.cfg.SlotTimeout)
		return !now.Before(promotedAt), nil
	}
	return false, nil
}
