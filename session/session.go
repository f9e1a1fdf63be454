// Package session orchestrates the anchoring pipeline for recorded
// sessions: chunking, encryption, Merkle tree construction, manifest
// assembly and anchor submission.
package session

import (
	"errors"
	"time"

	"github.com/lucidnet/anchorage/chunker"
	"github.com/lucidnet/anchorage/merkle"
	"github.com/lucidnet/anchorage/seal"
	"github.com/lucidnet/anchorage/types"
)

// Status is a session's pipeline state. anchored and failed are terminal.
type Status string

const (
	StatusCreated        Status = "created"
	StatusChunking       Status = "chunking"
	StatusEncrypting     Status = "encrypting"
	StatusMerkleBuilding Status = "merkle_building"
	StatusAnchoring      Status = "anchoring"
	StatusAnchored       Status = "anchored"
	StatusFailed         Status = "failed"
)

// FailureKind classifies the pipeline stage that caused a session to fail.
// Session status queries surface the most specific known reason.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureChunking   FailureKind = "chunking"
	FailureEncryption FailureKind = "encryption"
	FailureMerkle     FailureKind = "merkle"
	FailureStorage    FailureKind = "storage"
	FailureAnchor     FailureKind = "anchor"
	FailureInternal   FailureKind = "internal"
)

// classifyFailure maps a pipeline error to its failure kind.
func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, chunker.ErrBadChunkConfig), errors.Is(err, errChunk):
		return FailureChunking
	case errors.Is(err, seal.ErrNonceReuse), errors.Is(err, seal.ErrAuthentication):
		return FailureEncryption
	case errors.Is(err, merkle.ErrTreeDepthExceeded), errors.Is(err, merkle.ErrNoLeaves),
		errors.Is(err, merkle.ErrIndexOutOfRange):
		return FailureMerkle
	case errors.Is(err, errStorage):
		return FailureStorage
	case errors.Is(err, errAnchor):
		return FailureAnchor
	default:
		// key derivation, cancellation and other causes with no
		// pipeline stage of their own
		return FailureInternal
	}
}

// Session is the pipeline state of one recording.
type Session struct {
	ID           types.SessionID
	Owner        string
	StartedAt    time.Time
	EndedAt      time.Time
	Status       Status
	FailureKind  FailureKind
	FailureCause string
	ChunkCount   int
	ManifestHash []byte
	MerkleRoot   []byte
	AnchorTx     string
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	return s.Status == StatusAnchored || s.Status == StatusFailed
}

// Chunk is the metadata of one encrypted chunk. Immutable once created;
// the Merkle tree references chunk digests, never chunk bytes.
type Chunk struct {
	SessionID      types.SessionID
	Index          int
	PlainSize      int
	CompressedSize int
	PlainDigest    []byte
	CipherDigest   []byte
	Nonce          []byte
	Location       string
}
