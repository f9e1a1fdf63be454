package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/types"
)

var (
	ErrSessionRunning  = errors.New("session already running")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotCancelable   = errors.New("session past the point of cancellation")
)

type inflight struct {
	cancel    context.CancelFunc
	anchoring bool

	done    chan struct{}
	receipt *types.AnchorReceipt
	err     error
}

// Manager runs session pipelines on a bounded worker pool. At most one
// pipeline runs per session id; duplicate submissions are rejected while
// the first is in flight.
type Manager struct {
	orch  *Orchestrator
	store *Store
	pool  *workerpool.WorkerPool

	mu      sync.Mutex
	running map[types.SessionID]*inflight
}

func NewManager(orch *Orchestrator, store *Store, workers int) *Manager {
	m := &Manager{
		orch:    orch,
		store:   store,
		pool:    workerpool.New(workers),
		running: make(map[types.SessionID]*inflight),
	}
	orch.OnAnchoring(m.markAnchoring)
	return m
}

// Start registers a new session for owner and schedules its pipeline over
// stream. The returned session carries the assigned id; progress is
// observable via Status and Wait.
func (m *Manager) Start(ctx context.Context, owner string, stream io.Reader) (*Session, error) {
	id := types.SessionID(uuid.New())
	sess := &Session{
		ID:        id,
		Owner:     owner,
		StartedAt: time.Now(),
		Status:    StatusCreated,
	}
	if err := m.store.PutSession(sess); err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logging.NewContext(runCtx, logging.FromContext(ctx))
	fl := &inflight{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, ok := m.running[id]; ok {
		m.mu.Unlock()
		cancel()
		return nil, ErrSessionRunning
	}
	m.running[id] = fl
	m.mu.Unlock()

	m.pool.Submit(func() {
		defer cancel()
		receipt, err := m.orch.Run(runCtx, sess, stream)

		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()

		fl.receipt = receipt
		fl.err = err
		close(fl.done)
	})
	return sess, nil
}

// markAnchoring flips the session into the non-cancelable phase. It is
// called by the orchestrator through the registered hook just before the
// anchor transaction is dispatched.
func (m *Manager) markAnchoring(id types.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fl, ok := m.running[id]; ok {
		fl.anchoring = true
	}
}

// Cancel aborts a running session. A session whose anchor transaction has
// already been dispatched cannot be retracted and returns ErrNotCancelable.
func (m *Manager) Cancel(id types.SessionID) error {
	m.mu.Lock()
	fl, ok := m.running[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if fl.anchoring {
		m.mu.Unlock()
		return ErrNotCancelable
	}
	fl.cancel()
	m.mu.Unlock()
	return nil
}

// Wait blocks until the session pipeline finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id types.SessionID) (*types.AnchorReceipt, error) {
	m.mu.Lock()
	fl, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		// Already finished (or never started); report from the store.
		sess, err := m.store.Session(id)
		if err != nil {
			return nil, ErrSessionNotFound
		}
		if sess.Status == StatusAnchored {
			return &types.AnchorReceipt{SessionID: id, TxHash: sess.AnchorTx, Confirmed: true}, nil
		}
		return nil, fmt.Errorf("session %s ended with status %s", id, sess.Status)
	}
	select {
	case <-fl.done:
		return fl.receipt, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the persisted session record.
func (m *Manager) Status(id types.SessionID) (*Session, error) {
	sess, err := m.store.Session(id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// Shutdown drains the pool, waiting for in-flight pipelines to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	logging.FromContext(ctx).Info("draining session pipelines", zap.Int("inflight", m.Inflight()))
	m.pool.StopWait()
	return nil
}

// Inflight reports the number of sessions currently running.
func (m *Manager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
