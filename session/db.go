package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/lucidnet/anchorage/seal"
	"github.com/lucidnet/anchorage/types"
)

var ErrNotFound = leveldb.ErrNotFound

// Store persists session records, chunk metadata and manifests.
//
// Key layout:
//
//	s/<session id>              -> sessionRecord
//	c/<session id>/<index BE4>  -> chunkRecord (range-scannable per session)
//	m/<session id>              -> manifestRecord
type Store struct {
	db *leveldb.DB
}

func NewStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening session database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NonceCounter returns the durable nonce counter for a session, backed by
// the same database so counter persistence and chunk metadata share one
// write path.
func (s *Store) NonceCounter(sessionID types.SessionID) (*seal.CounterNonces, error) {
	return seal.NewCounterNonces(s.db, sessionID[:])
}

type sessionRecord struct {
	ID           []byte
	Owner        string
	StartedAt    int64
	EndedAt      int64
	Status       string
	FailureKind  string
	FailureCause string
	ChunkCount   uint32
	ManifestHash []byte
	MerkleRoot   []byte
	AnchorTx     string
}

func sessionKey(id types.SessionID) []byte {
	return append([]byte("s/"), id[:]...)
}

func (s *Store) PutSession(sess *Session) error {
	rec := sessionRecord{
		ID:           sess.ID[:],
		Owner:        sess.Owner,
		StartedAt:    sess.StartedAt.UnixNano(),
		Status:       string(sess.Status),
		FailureKind:  string(sess.FailureKind),
		FailureCause: sess.FailureCause,
		ChunkCount:   uint32(sess.ChunkCount),
		ManifestHash: sess.ManifestHash,
		MerkleRoot:   sess.MerkleRoot,
		AnchorTx:     sess.AnchorTx,
	}
	if !sess.EndedAt.IsZero() {
		rec.EndedAt = sess.EndedAt.UnixNano()
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("serializing session %s: %w", sess.ID, err)
	}
	if err := s.db.Put(sessionKey(sess.ID), buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) Session(id types.SessionID) (*Session, error) {
	data, err := s.db.Get(sessionKey(id), nil)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var rec sessionRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return nil, fmt.Errorf("deserializing session %s: %w", id, err)
	}
	sess := &Session{
		ID:           uuid.UUID(rec.ID),
		Owner:        rec.Owner,
		StartedAt:    time.Unix(0, rec.StartedAt),
		Status:       Status(rec.Status),
		FailureKind:  FailureKind(rec.FailureKind),
		FailureCause: rec.FailureCause,
		ChunkCount:   int(rec.ChunkCount),
		ManifestHash: rec.ManifestHash,
		MerkleRoot:   rec.MerkleRoot,
		AnchorTx:     rec.AnchorTx,
	}
	if rec.EndedAt != 0 {
		sess.EndedAt = time.Unix(0, rec.EndedAt)
	}
	return sess, nil
}

type chunkRecord struct {
	Index          uint32
	PlainSize      uint32
	CompressedSize uint32
	PlainDigest    []byte
	CipherDigest   []byte
	Nonce          []byte
	Location       string
}

func chunkKey(id types.SessionID, index int) []byte {
	key := append([]byte("c/"), id[:]...)
	key = append(key, '/')
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	return append(key, idx[:]...)
}

func (s *Store) PutChunk(id types.SessionID, c *Chunk) error {
	rec := chunkRecord{
		Index:          uint32(c.Index),
		PlainSize:      uint32(c.PlainSize),
		CompressedSize: uint32(c.CompressedSize),
		PlainDigest:    c.PlainDigest,
		CipherDigest:   c.CipherDigest,
		Nonce:          c.Nonce,
		Location:       c.Location,
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("serializing chunk %s/%d: %w", id, c.Index, err)
	}
	if err := s.db.Put(chunkKey(id, c.Index), buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing chunk %s/%d: %w", id, c.Index, err)
	}
	return nil
}

// Chunks returns a session's chunk metadata in index order.
func (s *Store) Chunks(id types.SessionID) ([]*Chunk, error) {
	prefix := append([]byte("c/"), id[:]...)
	prefix = append(prefix, '/')
	iter := s.db.NewIterator(ldbutil.BytesPrefix(prefix), nil)
	defer iter.Release()

	var chunks []*Chunk
	for iter.Next() {
		var rec chunkRecord
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &rec); err != nil {
			return nil, fmt.Errorf("deserializing chunk at %x: %w", iter.Key(), err)
		}
		chunks = append(chunks, &Chunk{
			SessionID:      id,
			Index:          int(rec.Index),
			PlainSize:      int(rec.PlainSize),
			CompressedSize: int(rec.CompressedSize),
			PlainDigest:    rec.PlainDigest,
			CipherDigest:   rec.CipherDigest,
			Nonce:          rec.Nonce,
			Location:       rec.Location,
		})
	}
	return chunks, iter.Error()
}

type manifestRecord struct {
	SessionID    []byte
	ChunkDigests [][]byte
	ChunkCount   uint32
	MerkleRoot   []byte
	CreatedAt    int64
	Producer     string
}

func (s *Store) PutManifest(m *types.SessionManifest) error {
	rec := manifestRecord{
		SessionID:    m.SessionID[:],
		ChunkDigests: m.ChunkDigests,
		ChunkCount:   m.ChunkCount,
		MerkleRoot:   m.MerkleRoot,
		CreatedAt:    m.CreatedAt.UnixNano(),
		Producer:     m.Producer,
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("serializing manifest %s: %w", m.SessionID, err)
	}
	key := append([]byte("m/"), m.SessionID[:]...)
	if err := s.db.Put(key, buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing manifest %s: %w", m.SessionID, err)
	}
	return nil
}

func (s *Store) Manifest(id types.SessionID) (*types.SessionManifest, error) {
	data, err := s.db.Get(append([]byte("m/"), id[:]...), nil)
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", id, err)
	}
	var rec manifestRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return nil, fmt.Errorf("deserializing manifest %s: %w", id, err)
	}
	return &types.SessionManifest{
		SessionID:    uuid.UUID(rec.SessionID),
		ChunkDigests: rec.ChunkDigests,
		ChunkCount:   rec.ChunkCount,
		MerkleRoot:   rec.MerkleRoot,
		CreatedAt:    time.Unix(0, rec.CreatedAt),
		Producer:     rec.Producer,
	}, nil
}

