package store

import (
	"context"
	"sync"
	"time"

	"github.com/fiapo/payment-oracle/audit"
	"github.com/fiapo/payment-oracle/types"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and
// single-node deployments; the CAS semantics are identical to Postgres.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]*types.PaymentRequest
	// txClaims maps a bound chain-A transaction hash to the owning
	// request id, mirroring the partial unique index in Postgres.
	txClaims map[string]string
	trail    audit.Trail
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory(trail audit.Trail) *Memory {
	if trail == nil {
		trail = audit.NoopTrail{}
	}
	return &Memory{
		requests: make(map[string]*types.PaymentRequest),
		txClaims: make(map[string]string),
		trail:    trail,
		now:      time.Now,
	}
}

// WithClock overrides the audit timestamp source. Test hook.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Create(ctx context.Context, req *types.PaymentRequest) (*types.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.requests[req.ID]; ok {
		if existing.Status.Terminal() {
			return nil, errAlreadyExists(req.ID)
		}
		return existing.Clone(), nil
	}

	m.requests[req.ID] = req.Clone()

	if err := m.trail.Append(ctx, audit.Entry{
		RequestID: req.ID,
		To:        req.Status,
		At:        m.now(),
	}); err != nil {
		return nil, err
	}

	return req.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (*types.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return req.Clone(), nil
}

func (m *Memory) Transition(ctx context.Context, id string, from, to types.Status, patch Patch) (*types.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errNotFound(id)
	}
	if req.Status != from {
		return nil, errConflict(id, from, req.Status)
	}
	// from == to is a patch-only write (e.g. bumping retryCount); it is
	// allowed on non-terminal requests and is not a status move
	if from == to {
		if from.Terminal() {
			return nil, errForbiddenTransition(from, to)
		}
	} else if !from.CanTransitionTo(to) {
		return nil, errForbiddenTransition(from, to)
	}

	// one chain-A payment funds at most one request
	if patch.ChainATxHash != nil && *patch.ChainATxHash != "" {
		if owner, taken := m.txClaims[*patch.ChainATxHash]; taken && owner != id {
			return nil, errTxConsumed(*patch.ChainATxHash)
		}
		m.txClaims[*patch.ChainATxHash] = id
	}

	req.Status = to
	apply(req, patch)

	if err := m.trail.Append(ctx, audit.Entry{
		RequestID: id,
		From:      from,
		To:        to,
		Fields:    patch.fields(),
		At:        m.now(),
	}); err != nil {
		return nil, err
	}

	return req.Clone(), nil
}

func (m *Memory) AppendConfirmation(ctx context.Context, id string, c types.Confirmation) (*types.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errNotFound(id)
	}
	if req.Status.Terminal() {
		return nil, errConflict(id, types.StatusConfirming, req.Status)
	}

	// one entry per operator, first write wins
	if req.HasConfirmation(c.OperatorID) {
		return req.Clone(), nil
	}
	req.Confirmations = append(req.Confirmations, c)

	if err := m.trail.Append(ctx, audit.Entry{
		RequestID:  id,
		From:       req.Status,
		To:         req.Status,
		OperatorID: c.OperatorID,
		Fields:     map[string]string{"payloadHash": c.PayloadHash},
		At:         m.now(),
	}); err != nil {
		return nil, err
	}

	return req.Clone(), nil
}

func (m *Memory) ListByStatus(_ context.Context, status types.Status) ([]*types.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.PaymentRequest
	for _, req := range m.requests {
		if req.Status == status {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}
