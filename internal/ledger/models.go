// Package ledger is the durable system of record for orders and trades.
// Orders are updated only through conditional, sequence-guarded writes;
// trades are append-only. Watch exposes this process's accepted writes
// to the push feed; ChangeSignal extends the feed across processes for
// the reconciler.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tulipex/tulipcore/internal/market"
)

// OrderRow persists an order. Conflicted marks rows superseded by the
// leader region during reconciliation; the row itself is never deleted.
type OrderRow struct {
	ID              string          `gorm:"primaryKey;size:36"`
	ClientID        string          `gorm:"index;size:128"`
	IdempotencyHash string          `gorm:"uniqueIndex;size:64"`
	Symbol          string          `gorm:"index;size:32"`
	Side            string          `gorm:"size:4"`
	Quantity        decimal.Decimal `gorm:"type:numeric"`
	Price           decimal.Decimal `gorm:"type:numeric"`
	TimeInForce     string          `gorm:"size:3"`
	Status          string          `gorm:"index;size:20"`
	FilledQuantity  decimal.Decimal `gorm:"type:numeric"`
	SubmittedAt     time.Time
	AcceptedAt      time.Time `gorm:"index"`
	Region          string    `gorm:"index;size:32"`
	SimulationSeed  string    `gorm:"size:64"`
	LastAppliedSeq  uint64
	Conflicted      bool `gorm:"index"`
	UpdatedAt       time.Time
}

func (OrderRow) TableName() string { return "orders" }

// TradeRow persists a trade. Append-only. Sequence records the event
// that produced the trade, so a shard can recover the outbound events
// for a sequence it already applied.
type TradeRow struct {
	ID          string          `gorm:"primaryKey;size:36"`
	Symbol      string          `gorm:"index;size:32"`
	BuyOrderID  string          `gorm:"index;size:36"`
	SellOrderID string          `gorm:"index;size:36"`
	Price       decimal.Decimal `gorm:"type:numeric"`
	Quantity    decimal.Decimal `gorm:"type:numeric"`
	ExecutedAt  time.Time       `gorm:"index"`
	Region      string          `gorm:"index;size:32"`
	Sequence    uint64          `gorm:"index"`
	Conflicted  bool            `gorm:"index"`
	CreatedAt   time.Time
}

func (TradeRow) TableName() string { return "trades" }

// ShardCursor records the highest event sequence a shard has durably
// applied, making event application idempotent under redelivery.
type ShardCursor struct {
	GroupKey    string `gorm:"primaryKey;size:64"`
	LastApplied uint64
	UpdatedAt   time.Time
}

func (ShardCursor) TableName() string { return "shard_cursors" }

// ProcessedConflict marks a conflict the reconciler has already
// compensated, so a re-run never emits a second compensation.
type ProcessedConflict struct {
	Key       string `gorm:"primaryKey;size:100"` // orderID or orderID|tradeID
	Region    string `gorm:"size:32"`
	CreatedAt time.Time
}

func (ProcessedConflict) TableName() string { return "processed_conflicts" }

func orderToRow(o *market.Order) OrderRow {
	return OrderRow{
		ID:              o.ID.String(),
		ClientID:        o.ClientID,
		IdempotencyHash: o.IdempotencyHash,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Quantity:        o.Quantity,
		Price:           o.Price,
		TimeInForce:     o.TimeInForce,
		Status:          o.Status,
		FilledQuantity:  o.FilledQuantity,
		SubmittedAt:     o.SubmittedAt,
		AcceptedAt:      o.AcceptedAt,
		Region:          o.Region,
		SimulationSeed:  o.SimulationSeed,
		LastAppliedSeq:  o.ShardSequence,
	}
}

// ToOrder converts the row back into the domain model.
func (r OrderRow) ToOrder() market.Order {
	id, _ := uuid.Parse(r.ID)
	return market.Order{
		ID:              id,
		ClientID:        r.ClientID,
		IdempotencyHash: r.IdempotencyHash,
		Symbol:          r.Symbol,
		Side:            r.Side,
		Quantity:        r.Quantity,
		Price:           r.Price,
		TimeInForce:     r.TimeInForce,
		Status:          r.Status,
		FilledQuantity:  r.FilledQuantity,
		SubmittedAt:     r.SubmittedAt,
		AcceptedAt:      r.AcceptedAt,
		Region:          r.Region,
		ShardSequence:   r.LastAppliedSeq,
		SimulationSeed:  r.SimulationSeed,
	}
}

func tradeToRow(t *market.Trade) TradeRow {
	return TradeRow{
		ID:          t.ID.String(),
		Symbol:      t.Symbol,
		BuyOrderID:  t.BuyOrderID.String(),
		SellOrderID: t.SellOrderID.String(),
		Price:       t.Price,
		Quantity:    t.Quantity,
		ExecutedAt:  t.ExecutedAt,
		Region:      t.Region,
	}
}

// ToTrade converts the row back into the domain model.
func (r TradeRow) ToTrade() market.Trade {
	id, _ := uuid.Parse(r.ID)
	buyID, _ := uuid.Parse(r.BuyOrderID)
	sellID, _ := uuid.Parse(r.SellOrderID)
	return market.Trade{
		ID:          id,
		Symbol:      r.Symbol,
		BuyOrderID:  buyID,
		SellOrderID: sellID,
		Price:       r.Price,
		Quantity:    r.Quantity,
		ExecutedAt:  r.ExecutedAt,
		Region:      r.Region,
	}
}
