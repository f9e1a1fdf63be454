// Package types holds the data model shared between the session pipeline
// and the chain anchor client.
package types

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/sha256-simd"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

// SessionID is an opaque 128-bit session identifier.
type SessionID = uuid.UUID

// SessionManifest is the committed summary of an encrypted session: the
// unit submitted for anchoring. Built once per session, read-only after.
type SessionManifest struct {
	SessionID    SessionID
	ChunkDigests [][]byte
	ChunkCount   uint32
	MerkleRoot   []byte
	CreatedAt    time.Time
	Producer     string
}

// Hash returns the canonical manifest hash.
func (m *SessionManifest) Hash() ([]byte, error) {
	var buf bytes.Buffer
	rec := struct {
		SessionID    []byte
		ChunkDigests [][]byte
		ChunkCount   uint32
		MerkleRoot   []byte
		CreatedAt    int64
		Producer     string
	}{
		SessionID:    m.SessionID[:],
		ChunkDigests: m.ChunkDigests,
		ChunkCount:   m.ChunkCount,
		MerkleRoot:   m.MerkleRoot,
		CreatedAt:    m.CreatedAt.UnixNano(),
		Producer:     m.Producer,
	}
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return sum[:], nil
}

// AnchorReceipt records a successful anchoring of a session manifest.
// Immutable once created.
type AnchorReceipt struct {
	SessionID   SessionID
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Confirmed   bool
}

// PayoutEvent is handed to the external payout-routing service once a
// session is anchored. The core neither selects amounts nor addresses.
type PayoutEvent struct {
	SessionID    SessionID
	OwnerAddress string
	Amount       uint64
}
