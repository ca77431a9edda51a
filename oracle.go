// Package paymentoracle wires the payment oracle together: the
// request store, the chain-A watcher, the M-of-N quorum coordinator,
// the chain-B settlement submitter and the expiry reaper. One process
// is one oracle operator; operators share nothing but the store and
// the destination contract.
package paymentoracle

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fiapo/payment-oracle/api"
	"github.com/fiapo/payment-oracle/chainwatch"
	"github.com/fiapo/payment-oracle/fees"
	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
	"github.com/fiapo/payment-oracle/quorum"
	"github.com/fiapo/payment-oracle/reaper"
	"github.com/fiapo/payment-oracle/settlement"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

// Config carries the oracle-level knobs. Component-level details
// (batch sizes, retry caps) keep their own defaults unless set here.
type Config struct {
	// Receiver is the oracle's receiving wallet on chain A.
	Receiver string
	// MinDepth is the chain-A confirmation depth required for a match.
	MinDepth uint64
	// QuorumThreshold is M in M-of-N.
	QuorumThreshold int
	// RequestTTL is the payment window, default 30 minutes.
	RequestTTL time.Duration

	PollInterval   time.Duration
	MaxBackoff     time.Duration
	SweepInterval  time.Duration
	SettleInterval time.Duration

	// Schedule overrides the default fee table when non-nil.
	Schedule []fees.Tier
}

// Params are the injectable collaborators. Tests substitute fakes for
// the chain clients; production wires SolanaReader and SubstrateClient.
type Params struct {
	Store  store.Store
	Reader chainwatch.Reader
	ChainB settlement.Client
	// Signer is this operator's confirmation signer. Nil for a
	// read-only deployment that serves the API without watching.
	Signer *quorum.Signer
	// Operators maps every registered operator id to its signing
	// address; N is its size.
	Operators map[string]common.Address
}

// Oracle is the composed service.
type Oracle struct {
	cfg Config

	store       store.Store
	watcher     *chainwatch.Watcher
	coordinator *quorum.Coordinator
	submitter   *settlement.Submitter
	reaper      *reaper.Reaper
	server      *api.Server

	log logger.Logger
	rec metrics.Recorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an oracle from its collaborators.
func New(cfg Config, p Params, opts ...Option) (*Oracle, error) {
	if p.Store == nil {
		return nil, &types.OracleError{Code: types.ErrConfigError, Message: "store is required"}
	}
	if cfg.Receiver == "" {
		return nil, &types.OracleError{Code: types.ErrConfigError, Message: "receiver address is required"}
	}
	if cfg.QuorumThreshold <= 0 {
		return nil, &types.OracleError{Code: types.ErrConfigError, Message: "quorum threshold must be positive"}
	}
	if cfg.QuorumThreshold > len(p.Operators) {
		return nil, &types.OracleError{
			Code:    types.ErrConfigError,
			Message: "quorum threshold exceeds registered operator count",
		}
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 30 * time.Minute
	}

	o := &Oracle{
		cfg:   cfg,
		store: p.Store,
		log:   logger.NoopLogger{},
		rec:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}

	o.coordinator = quorum.NewCoordinator(cfg.QuorumThreshold, o.log, o.rec)
	for id, addr := range p.Operators {
		o.coordinator.RegisterOperator(id, addr)
	}

	if p.Reader != nil {
		o.watcher = chainwatch.NewWatcher(p.Store, p.Reader, p.Signer, chainwatch.Config{
			Receiver:     cfg.Receiver,
			MinDepth:     cfg.MinDepth,
			PollInterval: cfg.PollInterval,
			MaxBackoff:   cfg.MaxBackoff,
		}, o.log, o.rec)
	}

	if p.ChainB != nil {
		o.submitter = settlement.NewSubmitter(p.Store, o.coordinator, p.ChainB, settlement.Config{
			SweepInterval: cfg.SettleInterval,
		}, o.log, o.rec)
	}

	o.reaper = reaper.New(p.Store, cfg.SweepInterval, o.log, o.rec)
	o.server = api.NewServer(p.Store, api.Config{
		Receiver: cfg.Receiver,
		TTL:      cfg.RequestTTL,
		Schedule: cfg.Schedule,
	}, o.log)

	return o, nil
}

// Server exposes the HTTP surface for the daemon to serve.
func (o *Oracle) Server() *api.Server { return o.server }

// Coordinator exposes the quorum evaluator, e.g. for operational
// tooling that inspects stuck requests.
func (o *Oracle) Coordinator() *quorum.Coordinator { return o.coordinator }

// Start launches the background loops. It returns immediately; Close
// stops everything and waits.
func (o *Oracle) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	if o.watcher != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.watcher.Run(ctx)
		}()

		// co-sign matches found by peer operators
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			interval := o.cfg.PollInterval
			if interval <= 0 {
				interval = 5 * time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := o.watcher.ConfirmMatched(ctx); err != nil && ctx.Err() == nil {
						o.log.Warn("co-sign pass failed", map[string]any{"error": err.Error()})
					}
				}
			}
		}()
	}

	if o.submitter != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.submitter.Run(ctx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reaper.Run(ctx)
	}()

	o.log.Info("payment oracle started", map[string]any{
		"receiver":  o.cfg.Receiver,
		"threshold": o.cfg.QuorumThreshold,
		"operators": o.coordinator.OperatorCount(),
	})
}

// Close stops the background loops and waits for them to drain.
func (o *Oracle) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}
