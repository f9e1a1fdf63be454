// Package poot implements the Proof-of-Operational-Time consensus core:
// per-slot collection of signed work proofs, per-epoch credit tallies and
// a deterministic, cooldown-respecting leader schedule.
package poot

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/minio/sha256-simd"
)

// ProofType identifies the kind of operational work a proof attests.
type ProofType string

const (
	RelayBandwidth      ProofType = "relay_bandwidth"
	StorageAvailability ProofType = "storage_availability"
	ValidationSignature ProofType = "validation_signature"
	UptimeBeacon        ProofType = "uptime_beacon"
)

var proofTypes = []ProofType{RelayBandwidth, StorageAvailability, ValidationSignature, UptimeBeacon}

func (t ProofType) Valid() bool {
	for _, known := range proofTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is the typed body of a work proof. Exactly one concrete type
// exists per ProofType and the tally handles all of them exhaustively.
type Payload interface {
	Type() ProofType
	appendSigningBytes(b []byte) []byte
}

// RelayPayload attests bytes relayed between nodes.
type RelayPayload struct {
	BytesTransferred uint64
	SessionsRelayed  uint32
}

func (RelayPayload) Type() ProofType { return RelayBandwidth }

func (p RelayPayload) appendSigningBytes(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, p.BytesTransferred)
	return binary.BigEndian.AppendUint32(b, p.SessionsRelayed)
}

// StoragePayload attests chunks stored and available, together with the
// bandwidth served for them during the slot.
type StoragePayload struct {
	ChunksStored uint32
	SizeBytes    uint64
	BandwidthMB  uint32
}

func (StoragePayload) Type() ProofType { return StorageAvailability }

func (p StoragePayload) appendSigningBytes(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, p.ChunksStored)
	b = binary.BigEndian.AppendUint64(b, p.SizeBytes)
	return binary.BigEndian.AppendUint32(b, p.BandwidthMB)
}

// ValidationPayload attests session validation signatures produced.
type ValidationPayload struct {
	ValidatedSessions uint32
}

func (ValidationPayload) Type() ProofType { return ValidationSignature }

func (p ValidationPayload) appendSigningBytes(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, p.ValidatedSessions)
}

// UptimePayload is a liveness beacon.
type UptimePayload struct {
	UptimeSeconds uint64
}

func (UptimePayload) Type() ProofType { return UptimeBeacon }

func (p UptimePayload) appendSigningBytes(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, p.UptimeSeconds)
}

// WorkProof is a node's attestation of operational work for one slot.
// A proof is credited to exactly one (node, slot, type) triple.
type WorkProof struct {
	NodeID    string
	PoolID    string
	Slot      uint64
	Payload   Payload
	Signature []byte
	Submitted time.Time
}

// SigningBytes returns the canonical digest a proof signature covers.
func (p *WorkProof) SigningBytes() []byte {
	b := make([]byte, 0, 64)
	b = append(b, []byte(p.NodeID)...)
	b = append(b, 0)
	b = append(b, []byte(p.PoolID)...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, p.Slot)
	b = append(b, []byte(p.Payload.Type())...)
	b = append(b, 0)
	b = p.Payload.appendSigningBytes(b)
	sum := sha256.Sum256(b)
	return sum[:]
}

// EntityID is the tally aggregation key: the pool when the node belongs
// to one, the node itself otherwise.
func (p *WorkProof) EntityID() string {
	if p.PoolID != "" {
		return p.PoolID
	}
	return p.NodeID
}

func (p *WorkProof) String() string {
	return fmt.Sprintf("%s@%d/%s", p.NodeID, p.Slot, p.Payload.Type())
}

// ResolutionReason records how a slot's leadership was decided.
type ResolutionReason string

const (
	ReasonElected        ResolutionReason = "elected"
	ReasonPrimaryTimeout ResolutionReason = "primary_timeout"
	ReasonPrimaryAbsent  ResolutionReason = "primary_absent"
	ReasonNoLeader       ResolutionReason = "no_leader"
)

// WorkTally is an entity's aggregated standing for one epoch. Tallies are
// recomputed and superseded per epoch, never mutated.
type WorkTally struct {
	Epoch    uint64
	EntityID string
	// Credit is the weighted, per-type-bounded credit sum.
	Credit uint64
	// Liveness is the fraction of window slots with a valid uptime beacon.
	Liveness float64
	Eligible bool
	Rank     int
}

// ScheduleEntry assigns a primary producer and ordered fallbacks to a slot.
// Entries are created ahead of time and finalized once the slot resolves.
type ScheduleEntry struct {
	Slot      uint64
	Primary   string
	Fallbacks []string
	Winner    string
	Reason    ResolutionReason
	Resolved  bool
}
