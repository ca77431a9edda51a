// Package reaper expires stale payment requests. It is the only writer
// allowed to move Pending/Confirming to Expired, and it runs
// independently of the watchers so expiry makes progress even when a
// watcher is stuck. A CAS loss against a concurrent match is simply a
// payment that arrived in time.
package reaper

import (
	"context"
	"time"

	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

type Reaper struct {
	store    store.Store
	interval time.Duration
	log      logger.Logger
	rec      metrics.Recorder
	clock    func() time.Time
}

func New(st store.Store, interval time.Duration, log logger.Logger, rec metrics.Recorder) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Reaper{
		store:    st,
		interval: interval,
		log:      log,
		rec:      rec,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.clock = now
	return r
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("expiry sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Sweep expires every non-terminal request whose window has closed.
// Idempotent: terminal requests are never listed, and a lost CAS is a
// no-op.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.clock()
	for _, status := range []types.Status{types.StatusPending, types.StatusConfirming} {
		reqs, err := r.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if !req.ExpiredAt(now) {
				continue
			}
			_, err := r.store.Transition(ctx, req.ID, status, types.StatusExpired, store.Patch{})
			if err != nil {
				if types.IsConflict(err) {
					continue
				}
				return err
			}
			r.rec.IncCounter("request_expired", map[string]string{"component": "reaper"})
			r.log.Info("payment window closed", map[string]any{
				"requestId": req.ID,
				"status":    string(status),
			})
		}
	}
	return nil
}
