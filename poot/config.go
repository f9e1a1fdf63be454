package poot

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	// defaultSlotDuration is fixed per deployment and never reconfigured
	// on a live network.
	defaultSlotDuration      = 120 * time.Second
	defaultEpochSlots        = 720 // one day of 120s slots
	defaultLeaderWindowSlots = 7 * 24 * 60 * 60 / 120
	defaultMinLiveness       = 0.2
	defaultBaseMBPerSession  = 5
	defaultMaxCreditPerType  = 100
	defaultCooldownSlots     = 16
	defaultSlotTimeout       = 5 * time.Second
	defaultFallbacks         = 3
)

type Config struct {
	SlotDuration      time.Duration `long:"slot-duration"       description:"Slot duration (fixed per deployment)"`
	EpochSlots        uint64        `long:"epoch-slots"         description:"Number of slots per epoch"`
	LeaderWindowSlots uint64        `long:"leader-window-slots" description:"Rolling window (in slots) for liveness scoring"`
	MinLiveness       float64       `long:"min-liveness"        description:"Minimum liveness score to be eligible to lead"`
	BaseMBPerSession  uint32        `long:"base-mb-per-session" description:"Bandwidth floor (MB) below which storage credit is zero"`
	MaxCreditPerType  uint64        `long:"max-credit-per-type" description:"Per-epoch credit cap for a single proof type"`
	CooldownSlots     uint64        `long:"cooldown-slots"      description:"Slots a recent leader is skipped for primary"`
	SlotTimeout       time.Duration `long:"slot-timeout"        description:"Time the primary has to produce before a fallback is promoted"`
	Fallbacks         int           `long:"fallbacks"           description:"Number of ordered fallback producers per slot"`
}

func DefaultConfig() Config {
	return Config{
		SlotDuration:      defaultSlotDuration,
		EpochSlots:        defaultEpochSlots,
		LeaderWindowSlots: defaultLeaderWindowSlots,
		MinLiveness:       defaultMinLiveness,
		BaseMBPerSession:  defaultBaseMBPerSession,
		MaxCreditPerType:  defaultMaxCreditPerType,
		CooldownSlots:     defaultCooldownSlots,
		SlotTimeout:       defaultSlotTimeout,
		Fallbacks:         defaultFallbacks,
	}
}

// SlotAt returns the slot containing the given point in time.
func (c *Config) SlotAt(genesis, when time.Time) uint64 {
	if !when.After(genesis) {
		return 0
	}
	return uint64(when.Sub(genesis) / c.SlotDuration)
}

func (c *Config) SlotStart(genesis time.Time, slot uint64) time.Time {
	return genesis.Add(time.Duration(slot) * c.SlotDuration)
}

func (c *Config) SlotEnd(genesis time.Time, slot uint64) time.Time {
	return c.SlotStart(genesis, slot+1)
}

// SlotClosed reports whether the slot's validity window has ended.
func (c *Config) SlotClosed(genesis time.Time, slot uint64, now time.Time) bool {
	return !now.Before(c.SlotEnd(genesis, slot))
}

// EpochOf returns the epoch containing slot.
func (c *Config) EpochOf(slot uint64) uint64 {
	return slot / c.EpochSlots
}

// EpochSlotRange returns the [first, last] slots of an epoch.
func (c *Config) EpochSlotRange(epoch uint64) (first, last uint64) {
	first = epoch * c.EpochSlots
	return first, first + c.EpochSlots - 1
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("slot-duration", c.SlotDuration)
	enc.AddUint64("epoch-slots", c.EpochSlots)
	enc.AddUint64("leader-window-slots", c.LeaderWindowSlots)
	enc.AddFloat64("min-liveness", c.MinLiveness)
	enc.AddUint64("cooldown-slots", c.CooldownSlots)
	enc.AddDuration("slot-timeout", c.SlotTimeout)
	return nil
}
