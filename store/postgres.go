package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fiapo/payment-oracle/audit"
	"github.com/fiapo/payment-oracle/types"
)

// requestRow is the gorm persistence shape. Amounts are stored as
// numeric strings; the action, confirmation set and last error are
// stored as JSON blobs since the oracle never queries inside them.
type requestRow struct {
	ID string `gorm:"primaryKey;size:64"`

	PrincipalAmount string `gorm:"not null"`
	FeeAmount       string `gorm:"not null"`
	FeePercent      string `gorm:"not null"`
	FeeTier         int

	Method string `gorm:"size:32;not null"`
	Action []byte `gorm:"type:jsonb;not null"`

	PayerChainAAddress string `gorm:"size:64"`
	PayerChainBAddress string `gorm:"size:64"`
	RecipientAddress   string `gorm:"size:64;not null"`

	Status    string `gorm:"size:16;not null;index"`
	CreatedAt time.Time
	ExpiresAt time.Time

	// one chain-A payment funds at most one request; empty rows are
	// excluded so unmatched requests do not collide
	ChainATxHash string `gorm:"size:128;uniqueIndex:uidx_payment_requests_chain_a_tx,where:chain_a_tx_hash <> ''"`
	ChainBTxHash string `gorm:"size:128"`

	Confirmations []byte `gorm:"type:jsonb"`

	RetryCount int
	LastError  []byte `gorm:"type:jsonb"`

	UpdatedAt time.Time
}

func (requestRow) TableName() string { return "payment_requests" }

// Postgres is the gorm-backed Store. The CAS transition is a single
// status-conditioned UPDATE; RowsAffected==0 distinguishes a lost race
// from a missing row.
type Postgres struct {
	db    *gorm.DB
	trail audit.Trail
	now   func() time.Time
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *gorm.DB, trail audit.Trail) (*Postgres, error) {
	if trail == nil {
		trail = audit.NoopTrail{}
	}
	if err := db.AutoMigrate(&requestRow{}); err != nil {
		return nil, err
	}
	return &Postgres{db: db, trail: trail, now: time.Now}, nil
}

func (p *Postgres) Create(ctx context.Context, req *types.PaymentRequest) (*types.PaymentRequest, error) {
	row, err := toRow(req)
	if err != nil {
		return nil, err
	}

	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := p.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if existing.Status.Terminal() {
			return nil, errAlreadyExists(req.ID)
		}
		return existing, nil
	}

	if err := p.trail.Append(ctx, audit.Entry{
		RequestID: req.ID,
		To:        req.Status,
		At:        p.now(),
	}); err != nil {
		return nil, err
	}

	return req.Clone(), nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*types.PaymentRequest, error) {
	var row requestRow
	err := p.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (p *Postgres) Transition(ctx context.Context, id string, from, to types.Status, patch Patch) (*types.PaymentRequest, error) {
	if from == to {
		if from.Terminal() {
			return nil, errForbiddenTransition(from, to)
		}
	} else if !from.CanTransitionTo(to) {
		return nil, errForbiddenTransition(from, to)
	}

	updates := map[string]any{
		"status":     string(to),
		"updated_at": p.now(),
	}
	if patch.ChainATxHash != nil {
		updates["chain_a_tx_hash"] = *patch.ChainATxHash
	}
	if patch.ChainBTxHash != nil {
		updates["chain_b_tx_hash"] = *patch.ChainBTxHash
	}
	if patch.PayerChainAAddress != nil {
		updates["payer_chain_a_address"] = *patch.PayerChainAAddress
	}
	if patch.LastError != nil {
		blob, err := json.Marshal(patch.LastError)
		if err != nil {
			return nil, err
		}
		updates["last_error"] = blob
	}
	if patch.RetryCount != nil {
		updates["retry_count"] = *patch.RetryCount
	}

	res := p.db.WithContext(ctx).
		Model(&requestRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		if patch.ChainATxHash != nil && errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, errTxConsumed(*patch.ChainATxHash)
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errConflict(id, from, current.Status)
	}

	if err := p.trail.Append(ctx, audit.Entry{
		RequestID: id,
		From:      from,
		To:        to,
		Fields:    patch.fields(),
		At:        p.now(),
	}); err != nil {
		return nil, err
	}

	return p.Get(ctx, id)
}

func (p *Postgres) AppendConfirmation(ctx context.Context, id string, c types.Confirmation) (*types.PaymentRequest, error) {
	var out *types.PaymentRequest

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row requestRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errNotFound(id)
		}
		if err != nil {
			return err
		}

		req, err := fromRow(&row)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return errConflict(id, types.StatusConfirming, req.Status)
		}
		if req.HasConfirmation(c.OperatorID) {
			out = req
			return nil
		}

		req.Confirmations = append(req.Confirmations, c)
		blob, err := json.Marshal(req.Confirmations)
		if err != nil {
			return err
		}
		if err := tx.Model(&requestRow{}).Where("id = ?", id).
			Updates(map[string]any{"confirmations": blob, "updated_at": p.now()}).Error; err != nil {
			return err
		}

		out = req
		return p.trail.Append(ctx, audit.Entry{
			RequestID:  id,
			From:       req.Status,
			To:         req.Status,
			OperatorID: c.OperatorID,
			Fields:     map[string]string{"payloadHash": c.PayloadHash},
			At:         p.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListByStatus(ctx context.Context, status types.Status) ([]*types.PaymentRequest, error) {
	var rows []requestRow
	if err := p.db.WithContext(ctx).Where("status = ?", string(status)).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*types.PaymentRequest, 0, len(rows))
	for i := range rows {
		req, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func toRow(req *types.PaymentRequest) (*requestRow, error) {
	action, err := json.Marshal(req.Action)
	if err != nil {
		return nil, err
	}

	row := &requestRow{
		ID:                 req.ID,
		PrincipalAmount:    req.PrincipalAmount.String(),
		FeeAmount:          req.FeeAmount.String(),
		FeePercent:         req.FeePercent.String(),
		FeeTier:            req.FeeTier,
		Method:             string(req.Method),
		Action:             action,
		PayerChainAAddress: req.PayerChainAAddress,
		PayerChainBAddress: req.PayerChainBAddress,
		RecipientAddress:   req.RecipientAddress,
		Status:             string(req.Status),
		CreatedAt:          req.CreatedAt,
		ExpiresAt:          req.ExpiresAt,
		ChainATxHash:       req.ChainATxHash,
		ChainBTxHash:       req.ChainBTxHash,
		RetryCount:         req.RetryCount,
	}

	if len(req.Confirmations) > 0 {
		if row.Confirmations, err = json.Marshal(req.Confirmations); err != nil {
			return nil, err
		}
	}
	if req.LastError != nil {
		if row.LastError, err = json.Marshal(req.LastError); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func fromRow(row *requestRow) (*types.PaymentRequest, error) {
	principal, err := decimal.NewFromString(row.PrincipalAmount)
	if err != nil {
		return nil, err
	}
	feeAmount, err := decimal.NewFromString(row.FeeAmount)
	if err != nil {
		return nil, err
	}
	feePercent, err := decimal.NewFromString(row.FeePercent)
	if err != nil {
		return nil, err
	}

	req := &types.PaymentRequest{
		ID:                 row.ID,
		PrincipalAmount:    principal,
		FeeAmount:          feeAmount,
		FeePercent:         feePercent,
		FeeTier:            row.FeeTier,
		Method:             types.PaymentMethod(row.Method),
		PayerChainAAddress: row.PayerChainAAddress,
		PayerChainBAddress: row.PayerChainBAddress,
		RecipientAddress:   row.RecipientAddress,
		Status:             types.Status(row.Status),
		CreatedAt:          row.CreatedAt,
		ExpiresAt:          row.ExpiresAt,
		ChainATxHash:       row.ChainATxHash,
		ChainBTxHash:       row.ChainBTxHash,
		RetryCount:         row.RetryCount,
	}

	if err := json.Unmarshal(row.Action, &req.Action); err != nil {
		return nil, err
	}
	if len(row.Confirmations) > 0 {
		if err := json.Unmarshal(row.Confirmations, &req.Confirmations); err != nil {
			return nil, err
		}
	}
	if len(row.LastError) > 0 {
		if err := json.Unmarshal(row.LastError, &req.LastError); err != nil {
			return nil, err
		}
	}
	return req, nil
}
