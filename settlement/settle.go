// Package settlement submits the idempotent settle call to chain B
// once quorum authorizes a payment. The destination contract
// deduplicates by payment id, so at-least-once submission with the same
// id is safe; the submitter never mints a new id on retry.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
	"github.com/fiapo/payment-oracle/quorum"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

// AlreadyProcessedError is the dispatch error name the contract raises
// when a payment id was already settled. A retry that hits it means an
// earlier attempt landed, so it resolves as success.
const AlreadyProcessedError = "AlreadyProcessed"

// Client is the chain-B contract entry point. A *types.ChainError
// return is a permanent contract-level rejection; any other error is a
// transient transport failure and will be retried with the same id. An
// AlreadyProcessed rejection may return the original transaction hash
// alongside the error.
type Client interface {
	Settle(ctx context.Context, id string, action types.DestinationAction, proof []types.Confirmation) (txHash string, err error)
}

// Config bounds the submitter loop.
type Config struct {
	// SweepInterval is the delay between scans of confirming requests.
	SweepInterval time.Duration
	// MaxAttempts caps transient retries per request before giving up
	// until the next sweep picks it up again.
	MaxAttempts int
	// RetryDelay is the base delay between transient retries, scaled
	// linearly by attempt number.
	RetryDelay time.Duration
}

func (c *Config) defaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Submitter drives Confirming requests to a terminal state once the
// quorum coordinator releases them.
type Submitter struct {
	store store.Store
	coord *quorum.Coordinator
	chain Client
	cfg   Config
	log   logger.Logger
	rec   metrics.Recorder
}

func NewSubmitter(st store.Store, coord *quorum.Coordinator, chain Client, cfg Config, log logger.Logger, rec metrics.Recorder) *Submitter {
	cfg.defaults()
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Submitter{store: st, coord: coord, chain: chain, cfg: cfg, log: log, rec: rec}
}

// Run sweeps until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("settlement sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Sweep submits every confirming request that has quorum.
func (s *Submitter) Sweep(ctx context.Context) error {
	confirming, err := s.store.ListByStatus(ctx, types.StatusConfirming)
	if err != nil {
		return err
	}

	for _, req := range confirming {
		decision := s.coord.Evaluate(req)
		if decision.Diverged {
			// operator intervention required; the reaper will expire
			// the request if nobody resolves it
			s.rec.IncCounter("settlement_blocked_divergence", map[string]string{"component": "settlement"})
			continue
		}
		if !decision.Quorum {
			continue
		}
		s.Submit(ctx, req)
	}
	return nil
}

// Submit performs one settle attempt cycle for a request that already
// has quorum. Transient failures retry in-place with the same payment
// id; contract rejections are terminal.
func (s *Submitter) Submit(ctx context.Context, req *types.PaymentRequest) {
	attempts := 0
	for {
		started := time.Now()
		txHash, err := s.chain.Settle(ctx, req.ID, req.Action, req.Confirmations)
		s.rec.ObserveLatency("chain_b_settle", time.Since(started), map[string]string{"component": "settlement"})

		if err == nil {
			s.confirm(ctx, req, txHash)
			return
		}

		var chainErr *types.ChainError
		if errors.As(err, &chainErr) {
			if chainErr.Name == AlreadyProcessedError {
				// an earlier retry landed on-chain before we saw the ack;
				// the reply may carry the original hash
				if txHash == "" {
					txHash = req.ChainBTxHash
				}
				s.log.Info("settlement already processed on chain B", map[string]any{"requestId": req.ID})
				s.confirm(ctx, req, txHash)
				return
			}
			s.fail(ctx, req, chainErr)
			return
		}

		attempts++
		s.rec.IncCounter("settlement_transient_error", map[string]string{"component": "settlement"})
		if attempts >= s.cfg.MaxAttempts {
			// leave the request Confirming; the next sweep retries it
			// with the same payment id
			if _, uerr := s.store.Transition(ctx, req.ID, types.StatusConfirming, types.StatusConfirming, store.Patch{
				RetryCount: store.IntPtr(req.RetryCount + attempts),
			}); uerr != nil && !types.IsConflict(uerr) {
				s.log.Error("recording retry count failed", map[string]any{
					"requestId": req.ID,
					"error":     uerr.Error(),
				})
			}
			s.log.Warn("settlement deferred after transient failures", map[string]any{
				"requestId": req.ID,
				"attempts":  attempts,
				"error":     err.Error(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempts) * s.cfg.RetryDelay):
		}
	}
}

func (s *Submitter) confirm(ctx context.Context, req *types.PaymentRequest, txHash string) {
	// never overwrite a recorded hash with an empty one
	patch := store.Patch{}
	if txHash != "" {
		patch.ChainBTxHash = store.StrPtr(txHash)
	}
	_, err := s.store.Transition(ctx, req.ID, types.StatusConfirming, types.StatusConfirmed, patch)
	if err != nil {
		if types.IsConflict(err) {
			return
		}
		s.log.Error("recording settlement failed", map[string]any{
			"requestId": req.ID,
			"error":     err.Error(),
		})
		return
	}
	s.rec.IncCounter("settlement_confirmed", map[string]string{"component": "settlement"})
	s.log.Info("payment settled", map[string]any{
		"requestId":    req.ID,
		"chainBTxHash": txHash,
	})
}

func (s *Submitter) fail(ctx context.Context, req *types.PaymentRequest, chainErr *types.ChainError) {
	_, err := s.store.Transition(ctx, req.ID, types.StatusConfirming, types.StatusFailed, store.Patch{
		LastError: chainErr,
	})
	if err != nil && !types.IsConflict(err) {
		s.log.Error("recording dispatch failure failed", map[string]any{
			"requestId": req.ID,
			"error":     err.Error(),
		})
		return
	}
	s.rec.IncCounter("settlement_failed", map[string]string{"component": "settlement"})
	s.log.Warn("settlement rejected by chain B", map[string]any{
		"requestId": req.ID,
		"section":   chainErr.Section,
		"name":      chainErr.Name,
	})
}
