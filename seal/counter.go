package seal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// CounterNonces allocates strictly increasing counter nonces for one
// session key. The counter is persisted before a nonce is handed out, so
// a crash between allocation and use can skip nonces but never repeat one
// across restarts.
//
// A single CounterNonces instance must be the only writer for its key.
// Concurrent Next calls are serialized internally.
type CounterNonces struct {
	mu    sync.Mutex
	db    *leveldb.DB
	key   []byte
	next  uint64
	limit uint64
}

// NewCounterNonces opens (or resumes) the durable counter for sessionID
// in db. On resume the counter continues from the persisted value.
func NewCounterNonces(db *leveldb.DB, sessionID []byte) (*CounterNonces, error) {
	key := append([]byte("nonce/"), sessionID...)
	c := &CounterNonces{db: db, key: key, limit: ^uint64(0)}

	stored, err := db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading nonce counter: %w", err)
	default:
		c.next = binary.BigEndian.Uint64(stored)
	}
	return c, nil
}

func (c *CounterNonces) Next() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next == c.limit {
		return nil, ErrNonceReuse
	}
	counter := c.next

	// Persist the successor before releasing the nonce. If the write
	// fails the nonce is not released and may be reallocated safely.
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter+1)
	if err := c.db.Put(c.key, buf[:], &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("persisting nonce counter: %w", err)
	}
	c.next = counter + 1

	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], counter)
	return nonce, nil
}
