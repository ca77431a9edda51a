package chainwatch

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
	"github.com/fiapo/payment-oracle/quorum"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

// Config bounds the watcher's polling loop.
type Config struct {
	// Receiver is the oracle's receiving address on chain A.
	Receiver string
	// MinDepth is the confirmation depth a transfer needs before it
	// can match a request. Deeper reorgs remain a residual risk.
	MinDepth uint64
	// PollInterval is the steady-state delay between polls.
	PollInterval time.Duration
	// MaxBackoff caps the exponential backoff applied on RPC failure.
	MaxBackoff time.Duration
	// BatchLimit bounds how many recent signatures one poll inspects.
	BatchLimit int
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.MinDepth == 0 {
		c.MinDepth = 1
	}
}

// Watcher polls chain A for payments matching open requests. On a
// match it CAS-transitions the request Pending -> Confirming and
// appends this operator's signed confirmation. Expiry is never the
// watcher's business: a request that outlives its window is left for
// the reaper, so a payment landing at the same instant can still win.
type Watcher struct {
	store  store.Store
	reader Reader
	signer *quorum.Signer
	cfg    Config
	log    logger.Logger
	rec    metrics.Recorder
	clock  func() time.Time

	// claimed caches tx signatures already bound to a request so a poll
	// skips them cheaply. The store's one-request-per-transaction CAS is
	// the arbiter; this cache only avoids doomed transition attempts.
	mu      sync.Mutex
	claimed map[string]bool
}

func NewWatcher(st store.Store, reader Reader, signer *quorum.Signer, cfg Config, log logger.Logger, rec metrics.Recorder) *Watcher {
	cfg.defaults()
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Watcher{
		store:   st,
		reader:  reader,
		signer:  signer,
		cfg:     cfg,
		log:     log,
		rec:     rec,
		clock:   time.Now,
		claimed: make(map[string]bool),
	}
}

// WithClock overrides the time source. Test hook.
func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.clock = now
	return w
}

// Run polls until ctx is cancelled. RPC failures back off
// exponentially with jitter, capped at MaxBackoff; a successful poll
// resets the backoff.
func (w *Watcher) Run(ctx context.Context) {
	failures := 0
	for {
		delay := w.cfg.PollInterval
		if err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay = backoff(w.cfg.PollInterval, w.cfg.MaxBackoff, failures)
			w.rec.IncCounter("watch_poll_error", map[string]string{"component": "chainwatch"})
			w.log.Warn("chain A poll failed, backing off", map[string]any{
				"error":   err.Error(),
				"backoff": delay.String(),
			})
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// PollOnce runs a single match pass over all pending requests.
func (w *Watcher) PollOnce(ctx context.Context) error {
	started := w.clock()
	pending, err := w.store.ListByStatus(ctx, types.StatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	transfers, err := w.reader.IncomingTransfers(ctx, w.cfg.Receiver, w.cfg.BatchLimit)
	if err != nil {
		return err
	}
	w.rec.ObserveLatency("chain_a_poll", w.clock().Sub(started), map[string]string{"component": "chainwatch"})
	if len(transfers) == 0 {
		return nil
	}

	if err := w.refreshClaims(ctx); err != nil {
		return err
	}

	// oldest request first so equal-amount requests match deterministically
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, req := range pending {
		w.matchRequest(ctx, req, transfers)
	}
	return nil
}

func (w *Watcher) matchRequest(ctx context.Context, req *types.PaymentRequest, transfers []Transfer) {
	for _, tr := range transfers {
		if !w.matches(req, tr) {
			continue
		}

		_, err := w.store.Transition(ctx, req.ID, types.StatusPending, types.StatusConfirming, store.Patch{
			ChainATxHash:       store.StrPtr(tr.Signature),
			PayerChainAAddress: store.StrPtr(tr.From),
		})
		if err != nil {
			if types.IsConflict(err) {
				// another operator or the reaper won the CAS
				continue
			}
			w.log.Error("match transition failed", map[string]any{
				"requestId": req.ID,
				"error":     err.Error(),
			})
			return
		}

		w.claim(tr.Signature)
		w.rec.IncCounter("payment_matched", map[string]string{"component": "chainwatch"})
		w.log.Info("payment matched", map[string]any{
			"requestId": req.ID,
			"signature": tr.Signature,
			"amount":    tr.Amount.String(),
		})

		w.confirm(ctx, req, tr)
		return
	}
}

// confirm appends this operator's signed confirmation. Peer operators
// append theirs from their own watchers.
func (w *Watcher) confirm(ctx context.Context, req *types.PaymentRequest, tr Transfer) {
	if w.signer == nil {
		return
	}
	conf, err := w.signer.Confirm(req.ID, tr.Signature, req.PrincipalAmount)
	if err != nil {
		w.log.Error("signing confirmation failed", map[string]any{
			"requestId": req.ID,
			"error":     err.Error(),
		})
		return
	}
	if _, err := w.store.AppendConfirmation(ctx, req.ID, conf); err != nil {
		w.log.Error("storing confirmation failed", map[string]any{
			"requestId": req.ID,
			"error":     err.Error(),
		})
		return
	}
	w.rec.IncCounter("confirmation_signed", map[string]string{"component": "chainwatch"})
}

// ConfirmMatched signs confirmations for requests other operators
// already matched. This keeps a lagging operator contributing to
// quorum even when it lost every match race.
func (w *Watcher) ConfirmMatched(ctx context.Context) error {
	if w.signer == nil {
		return nil
	}
	confirming, err := w.store.ListByStatus(ctx, types.StatusConfirming)
	if err != nil {
		return err
	}

	for _, req := range confirming {
		if req.ChainATxHash == "" || req.HasConfirmation(w.signer.OperatorID()) {
			continue
		}
		if !w.verifyMatch(ctx, req) {
			continue
		}
		w.confirm(ctx, req, Transfer{Signature: req.ChainATxHash})
	}
	return nil
}

// verifyMatch independently re-checks the recorded chain-A transaction
// before co-signing; an operator never signs on another operator's word.
func (w *Watcher) verifyMatch(ctx context.Context, req *types.PaymentRequest) bool {
	transfers, err := w.reader.IncomingTransfers(ctx, w.cfg.Receiver, w.cfg.BatchLimit)
	if err != nil {
		return false
	}
	for _, tr := range transfers {
		if tr.Signature == req.ChainATxHash && w.matchRule(req, tr) {
			return true
		}
	}
	return false
}

// matches guards new-match scanning: the transfer must satisfy the
// match rule and must not already be bound to another request.
func (w *Watcher) matches(req *types.PaymentRequest, tr Transfer) bool {
	w.mu.Lock()
	taken := w.claimed[tr.Signature]
	w.mu.Unlock()
	if taken {
		return false
	}
	return w.matchRule(req, tr)
}

// matchRule is the match predicate itself: exact amount (principal+fee,
// zero tolerance), destination equals the receiver, sufficient depth.
func (w *Watcher) matchRule(req *types.PaymentRequest, tr Transfer) bool {
	if tr.Depth < w.cfg.MinDepth {
		return false
	}
	if tr.To != w.cfg.Receiver {
		return false
	}
	return tr.Amount.Equal(req.TotalDue())
}

func (w *Watcher) claim(signature string) {
	w.mu.Lock()
	w.claimed[signature] = true
	w.mu.Unlock()
}

// refreshClaims seeds the claimed set from requests that already hold a
// chain-A transaction, so a restarted watcher cannot double-match.
func (w *Watcher) refreshClaims(ctx context.Context) error {
	for _, status := range []types.Status{types.StatusConfirming, types.StatusConfirmed} {
		reqs, err := w.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if req.ChainATxHash != "" {
				w.claim(req.ChainATxHash)
			}
		}
	}
	return nil
}

func backoff(base, max time.Duration, failures int) time.Duration {
	if failures > 16 {
		failures = 16
	}
	delay := time.Duration(math.Pow(2, float64(failures-1))) * base
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
	return delay + jitter - time.Duration(float64(delay)*0.15)
}
