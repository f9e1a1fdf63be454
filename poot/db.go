package poot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p/<slot BE8>/<node id>\x00<type>  -> proofRecord
//	t/<epoch BE8>/<entity id>         -> tallyRecord
//	s/<slot BE8>                      -> scheduleRecord (append-only history)
type Store struct {
	db *leveldb.DB
}

func NewStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening poot database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (d *Store) Close() error {
	return d.db.Close()
}

// proofRecord is the persisted form of a WorkProof. Exactly one payload
// pointer is set, matching Type.
type proofRecord struct {
	NodeID     string
	PoolID     string
	Slot       uint64
	Type       string
	Relay      *RelayPayload
	Storage    *StoragePayload
	Validation *ValidationPayload
	Uptime     *UptimePayload
	Signature  []byte
	Submitted  int64
}

func toRecord(p *WorkProof) proofRecord {
	rec := proofRecord{
		NodeID:    p.NodeID,
		PoolID:    p.PoolID,
		Slot:      p.Slot,
		Type:      string(p.Payload.Type()),
		Signature: p.Signature,
		Submitted: p.Submitted.UnixNano(),
	}
	switch payload := p.Payload.(type) {
	case RelayPayload:
		rec.Relay = &payload
	case StoragePayload:
		rec.Storage = &payload
	case ValidationPayload:
		rec.Validation = &payload
	case UptimePayload:
		rec.Uptime = &payload
	}
	return rec
}

func (rec *proofRecord) proof() (*WorkProof, error) {
	p := &WorkProof{
		NodeID:    rec.NodeID,
		PoolID:    rec.PoolID,
		Slot:      rec.Slot,
		Signature: rec.Signature,
		Submitted: time.Unix(0, rec.Submitted),
	}
	switch {
	case rec.Relay != nil:
		p.Payload = *rec.Relay
	case rec.Storage != nil:
		p.Payload = *rec.Storage
	case rec.Validation != nil:
		p.Payload = *rec.Validation
	case rec.Uptime != nil:
		p.Payload = *rec.Uptime
	default:
		return nil, fmt.Errorf("proof record %s/%d has no payload", rec.NodeID, rec.Slot)
	}
	return p, nil
}

func proofKey(slot uint64, nodeID string, typ ProofType) []byte {
	key := append([]byte("p/"), slotBytes(slot)...)
	key = append(key, '/')
	key = append(key, nodeID...)
	key = append(key, 0)
	return append(key, typ...)
}

func slotBytes(slot uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], slot)
	return b[:]
}

func (d *Store) hasProof(slot uint64, nodeID string, typ ProofType) (bool, error) {
	return d.db.Has(proofKey(slot, nodeID, typ), nil)
}

func (d *Store) putProof(p *WorkProof) error {
	var buf bytes.Buffer
	rec := toRecord(p)
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("serializing proof %s: %w", p, err)
	}
	key := proofKey(p.Slot, p.NodeID, p.Payload.Type())
	if err := d.db.Put(key, buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing proof %s: %w", p, err)
	}
	return nil
}

// slotProofs returns all accepted proofs of a single slot.
func (d *Store) slotProofs(slot uint64) ([]*WorkProof, error) {
	prefix := append([]byte("p/"), slotBytes(slot)...)
	return d.scanProofs(ldbutil.BytesPrefix(prefix))
}

// rangeProofs returns all accepted proofs with first <= slot <= last.
func (d *Store) rangeProofs(first, last uint64) ([]*WorkProof, error) {
	start := append([]byte("p/"), slotBytes(first)...)
	limit := append([]byte("p/"), slotBytes(last+1)...)
	return d.scanProofs(&ldbutil.Range{Start: start, Limit: limit})
}

func (d *Store) scanProofs(slice *ldbutil.Range) ([]*WorkProof, error) {
	iter := d.db.NewIterator(slice, nil)
	defer iter.Release()

	var proofs []*WorkProof
	for iter.Next() {
		var rec proofRecord
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &rec); err != nil {
			return nil, fmt.Errorf("deserializing proof at %x: %w", iter.Key(), err)
		}
		p, err := rec.proof()
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, iter.Error()
}

// pruneProofsBefore removes proofs older than the given slot. Expired
// proofs are outside every tally window and only consume space.
func (d *Store) pruneProofsBefore(slot uint64) (int, error) {
	limit := append([]byte("p/"), slotBytes(slot)...)
	iter := d.db.NewIterator(&ldbutil.Range{Start: []byte("p/"), Limit: limit}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("pruning proofs: %w", err)
	}
	return batch.Len(), nil
}

type tallyRecord struct {
	Epoch    uint64
	EntityID string
	Credit   uint64
	Liveness float64
	Eligible bool
	Rank     int32
}

func (d *Store) putTallies(epoch uint64, tallies []WorkTally) error {
	batch := new(leveldb.Batch)
	for _, t := range tallies {
		var buf bytes.Buffer
		rec := tallyRecord{
			Epoch:    t.Epoch,
			EntityID: t.EntityID,
			Credit:   t.Credit,
			Liveness: t.Liveness,
			Eligible: t.Eligible,
			Rank:     int32(t.Rank),
		}
		if _, err := xdr.Marshal(&buf, &rec); err != nil {
			return fmt.Errorf("serializing tally %s: %w", t.EntityID, err)
		}
		key := append([]byte("t/"), slotBytes(epoch)...)
		key = append(key, '/')
		key = append(key, t.EntityID...)
		batch.Put(key, buf.Bytes())
	}
	if err := d.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing tallies for epoch %d: %w", epoch, err)
	}
	return nil
}

func (d *Store) epochTallies(epoch uint64) ([]WorkTally, error) {
	prefix := append([]byte("t/"), slotBytes(epoch)...)
	iter := d.db.NewIterator(ldbutil.BytesPrefix(prefix), nil)
	defer iter.Release()

	var tallies []WorkTally
	for iter.Next() {
		var rec tallyRecord
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &rec); err != nil {
			return nil, fmt.Errorf("deserializing tally at %x: %w", iter.Key(), err)
		}
		tallies = append(tallies, WorkTally{
			Epoch:    rec.Epoch,
			EntityID: rec.EntityID,
			Credit:   rec.Credit,
			Liveness: rec.Liveness,
			Eligible: rec.Eligible,
			Rank:     int(rec.Rank),
		})
	}
	return tallies, iter.Error()
}

type scheduleRecord struct {
	Slot      uint64
	Primary   string
	Fallbacks []string
	Winner    string
	Reason    string
	Resolved  bool
}

func (d *Store) putScheduleEntry(e *ScheduleEntry) error {
	var buf bytes.Buffer
	rec := scheduleRecord{
		Slot:      e.Slot,
		Primary:   e.Primary,
		Fallbacks: e.Fallbacks,
		Winner:    e.Winner,
		Reason:    string(e.Reason),
		Resolved:  e.Resolved,
	}
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("serializing schedule entry %d: %w", e.Slot, err)
	}
	key := append([]byte("s/"), slotBytes(e.Slot)...)
	if err := d.db.Put(key, buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing schedule entry %d: %w", e.Slot, err)
	}
	return nil
}

func (d *Store) scheduleEntry(slot uint64) (*ScheduleEntry, error) {
	key := append([]byte("s/"), slotBytes(slot)...)
	data, err := d.db.Get(key, nil)
	if err != nil {
		return nil, err
	}
	var rec scheduleRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return nil, fmt.Errorf("deserializing schedule entry %d: %w", slot, err)
	}
	return &ScheduleEntry{
		Slot:      rec.Slot,
		Primary:   rec.Primary,
		Fallbacks: rec.Fallbacks,
		Winner:    rec.Winner,
		Reason:    ResolutionReason(rec.Reason),
		Resolved:  rec.Resolved,
	}, nil
}
