// Package server wires the session pipeline, the PoOT engine and the
// chain anchor client into a single node process.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucidnet/anchorage/chain"
	"github.com/lucidnet/anchorage/db"
	"github.com/lucidnet/anchorage/logging"
	"github.com/lucidnet/anchorage/payout"
	"github.com/lucidnet/anchorage/poot"
	"github.com/lucidnet/anchorage/session"
)

type Option func(*Server)

// WithBackend overrides the chain backend instead of dialing the
// configured RPC endpoint.
func WithBackend(backend chain.Backend) Option {
	return func(s *Server) {
		s.backend = backend
	}
}

// WithPayoutEmitter overrides the payout collaborator.
func WithPayoutEmitter(emitter payout.Emitter) Option {
	return func(s *Server) {
		s.payouts = emitter
	}
}

type Server struct {
	cfg    Config
	nodeID string

	backend chain.Backend
	payouts payout.Emitter

	sessions  *session.Store
	pootDB    *poot.Store
	chainDB   *leveldb.DB
	registry  *poot.KeyRegistry
	collector *poot.Collector
	tally     *poot.Tally
	scheduler *poot.Scheduler
	anchorer  *chain.Client
	manager   *session.Manager

	privateKey ed25519.PrivateKey
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	st, err := loadState(ctx, cfg.DataDir, os.Getenv(KeyEnvVar))
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if err := saveState(cfg.DataDir, st); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}
	s.privateKey = st.PrivKey
	s.nodeID = hex.EncodeToString(s.privateKey[ed25519.PrivateKeySize-ed25519.PublicKeySize:])

	s.sessions, err = session.NewStore(filepath.Join(cfg.DbDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	s.pootDB, err = poot.NewStore(filepath.Join(cfg.DbDir, "poot"))
	if err != nil {
		return nil, fmt.Errorf("opening poot store: %w", err)
	}
	// the receipt store used to live under the data directory
	if err := db.Migrate(ctx, filepath.Join(cfg.DbDir, "receipts"), filepath.Join(cfg.DataDir, "receipts")); err != nil {
		return nil, fmt.Errorf("migrating receipt store: %w", err)
	}
	s.chainDB, err = leveldb.OpenFile(filepath.Join(cfg.DbDir, "receipts"), nil)
	if err != nil {
		return nil, fmt.Errorf("opening receipt store: %w", err)
	}

	genesis := cfg.Genesis.Time()
	s.registry = poot.NewKeyRegistry()
	s.registry.Register(s.nodeID, s.privateKey.Public().(ed25519.PublicKey))
	s.collector = poot.NewCollector(genesis, s.pootDB, s.registry, cfg.Poot)
	s.tally = poot.NewTally(genesis, s.pootDB, cfg.Poot)
	s.scheduler = poot.NewScheduler(genesis, s.pootDB, s.tally, cfg.Poot)

	if s.backend == nil {
		s.backend, err = dialBackend(ctx, cfg.Chain.Endpoint)
		if err != nil {
			return nil, err
		}
	}
	if s.payouts == nil {
		if cfg.PayoutLog {
			s.payouts = payout.LogEmitter{}
		} else {
			s.payouts = payout.Noop{}
		}
	}

	chainKey, err := crypto.ToECDSA(st.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("loading chain signing key: %w", err)
	}
	s.anchorer, err = chain.NewClient(cfg.Chain, s.backend, chainKey, s.chainDB, s.payouts)
	if err != nil {
		return nil, fmt.Errorf("creating anchor client: %w", err)
	}

	orch := session.NewOrchestrator(cfg.Session, s.sessions, cfg.DataDir, st.ServerSecret, s.anchorer)
	orch.SetProducerGate(s.producerGate)
	s.manager = session.NewManager(orch, s.sessions, cfg.SessionWorkers)

	return s, nil
}

// producerGate holds anchor dispatches until this node is the canonical
// producer for the current slot, per the active schedule. Unscheduled
// slots (genesis epoch, no tally yet) anchor freely. Waiting re-checks
// after each slot timeout, which is when fallback promotion can change
// the answer.
func (s *Server) producerGate(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("gate")
	genesis := s.cfg.Genesis.Time()
	for {
		now := time.Now()
		slot := s.cfg.Poot.SlotAt(genesis, now)
		ok, err := s.scheduler.MayProduce(ctx, slot, s.nodeID, now)
		switch {
		case errors.Is(err, poot.ErrNotScheduled):
			return nil
		case err != nil:
			return err
		case ok:
			return nil
		}
		logger.Debug("awaiting production slot", zap.Uint64("slot", slot))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Poot.SlotTimeout):
		}
	}
}

func dialBackend(ctx context.Context, endpoint string) (chain.Backend, error) {
	if endpoint == "" {
		return nil, errors.New("chain endpoint not configured")
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing chain endpoint %s: %w", endpoint, err)
	}
	return client, nil
}

// NodeID returns the hex-encoded public identity of this node.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Sessions exposes the session manager for the operator surface.
func (s *Server) Sessions() *session.Manager {
	return s.manager
}

// Collector exposes the work proof submission interface.
func (s *Server) Collector() *poot.Collector {
	return s.collector
}

// Registry exposes the node key registry for proof verification.
func (s *Server) Registry() *poot.KeyRegistry {
	return s.registry
}

// Scheduler exposes the leader schedule.
func (s *Server) Scheduler() *poot.Scheduler {
	return s.scheduler
}

// Anchorer exposes the chain anchor client.
func (s *Server) Anchorer() *chain.Client {
	return s.anchorer
}

func (s *Server) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, s.sessions.Close())
	result = multierror.Append(result, s.pootDB.Close())
	result = multierror.Append(result, s.chainDB.Close())
	return result.ErrorOrNil()
}

// Start runs the node's background loops until ctx is cancelled: leader
// slot resolution, epoch tallying, proof pruning and the optional
// metrics listener.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)
	logger.Info("starting anchorage node",
		zap.String("node", s.nodeID),
		zap.Time("genesis", s.cfg.Genesis.Time()),
		zap.Object("poot", &s.cfg.Poot),
	)

	// listen before any loop goroutine starts so a bad port fails Start
	// with nothing left running
	var metricsServer *http.Server
	var metricsLis net.Listener
	if s.cfg.MetricsPort != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *s.cfg.MetricsPort))
		if err != nil {
			return fmt.Errorf("listening for metrics: %w", err)
		}
		metricsLis = lis
		metricsServer = &http.Server{Handler: promhttp.Handler(), ReadHeaderTimeout: time.Second * 5}
	}

	serverGroup.Go(func() error {
		return s.slotLoop(ctx)
	})
	serverGroup.Go(func() error {
		return s.epochLoop(ctx)
	})
	if metricsServer != nil {
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", metricsLis.Addr())
			err := metricsServer.Serve(metricsLis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to drain session pipelines: %s", err)
	}
	return serverGroup.Wait()
}

// slotLoop plans the schedule for each upcoming slot and resolves the
// previous one once it closes.
func (s *Server) slotLoop(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("slots")
	genesis := s.cfg.Genesis.Time()

	for {
		now := time.Now()
		if now.Before(genesis) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(genesis)):
			}
			continue
		}

		slot := s.cfg.Poot.SlotAt(genesis, now)
		if _, err := s.scheduler.Plan(ctx, slot); err != nil && !errors.Is(err, poot.ErrNoTally) {
			logger.Warn("planning slot failed", zap.Uint64("slot", slot), zap.Error(err))
		}

		// Resolve the previous slot with the locally observed producer.
		// Production by other nodes is reported through Resolve by the
		// consensus surface; absent that, the slot times out.
		if slot > 0 {
			s.resolveSlot(ctx, slot-1, logger)
		}

		next := s.cfg.Poot.SlotStart(genesis, slot+1)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
	}
}

func (s *Server) resolveSlot(ctx context.Context, slot uint64, logger *zap.Logger) {
	entry, err := s.scheduler.Entry(ctx, slot)
	if err != nil || entry.Resolved {
		return
	}
	producer := ""
	if entry.Primary == s.nodeID {
		producer = s.nodeID
	}
	resolved, err := s.scheduler.Resolve(ctx, slot, producer, time.Now())
	if err != nil {
		logger.Warn("resolving slot failed", zap.Uint64("slot", slot), zap.Error(err))
		return
	}
	logger.Debug("slot resolved",
		zap.Uint64("slot", slot),
		zap.String("winner", resolved.Winner),
		zap.String("reason", string(resolved.Reason)),
	)
}

// epochLoop computes the work tally once an epoch's slots close and
// prunes proofs that fell out of the leader window.
func (s *Server) epochLoop(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("epochs")
	genesis := s.cfg.Genesis.Time()

	var lastTallied uint64
	for {
		now := time.Now()
		if now.After(genesis) {
			epoch := s.cfg.Poot.EpochOf(s.cfg.Poot.SlotAt(genesis, now))
			if epoch > 0 && epoch-1 >= lastTallied {
				tallies, err := s.tally.Compute(ctx, epoch-1)
				switch {
				case errors.Is(err, poot.ErrTallyInProgress):
				case err != nil:
					logger.Warn("tally failed", zap.Uint64("epoch", epoch-1), zap.Error(err))
				default:
					lastTallied = epoch
					logger.Info("epoch tallied", zap.Uint64("epoch", epoch-1), zap.Int("entities", len(tallies)))
				}
			}

			slot := s.cfg.Poot.SlotAt(genesis, now)
			if err := s.collector.Prune(ctx, slot); err != nil {
				logger.Warn("pruning proofs failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Poot.SlotDuration):
		}
	}
}
