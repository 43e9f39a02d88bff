// Package events implements the per-symbol ordered, deduplicating event
// channel. Within one group key, consumers observe strictly increasing
// sequence numbers; across groups no ordering is implied. Delivery is
// at-least-once: everything downstream must tolerate redelivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tulipex/tulipcore/internal/market"
)

// Type discriminates event payloads.
type Type string

const (
	TypeOrderAccepted  Type = "OrderAccepted"
	TypeOrderCancelled Type = "OrderCancelled"
	TypeTradeExecuted  Type = "TradeExecuted"
	TypeReconciled     Type = "Reconciled"
)

// Event is immutable once published. Sequence is assigned by the channel
// per group key.
type Event struct {
	Sequence    uint64          `json:"sequence"`
	Type        Type            `json:"type"`
	Symbol      string          `json:"symbol"`
	DedupeKey   string          `json:"dedupeKey"`
	Region      string          `json:"region"`
	PublishedAt time.Time       `json:"publishedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// GroupKey names the ordered partition for a symbol.
func GroupKey(symbol string) string {
	return "market-" + symbol
}

// Envelope carries a delivered event and its acknowledgement. An event is
// redelivered until acknowledged.
type Envelope struct {
	Event Event
	ack   func(context.Context) error
}

// Ack marks the event as processed. The channel will not redeliver it to
// a consumer that restarts afterwards.
func (e Envelope) Ack(ctx context.Context) error {
	if e.ack == nil {
		return nil
	}
	return e.ack(ctx)
}

// Channel is the ordered event transport.
type Channel interface {
	// Publish appends the event to the group. A dedupe key seen within the
	// channel's dedupe window makes the call a no-op; the sequence of the
	// original event is returned either way (zero when unknown).
	Publish(ctx context.Context, groupKey string, ev Event) (uint64, error)

	// Consume streams events for the group starting after the last
	// acknowledged position. Exactly one active consumer per group is
	// expected; the channel does not arbitrate between competing consumers.
	Consume(ctx context.Context, groupKey string) (<-chan Envelope, error)

	Close() error
}

// DeadLetter parks events a shard could not interpret. Parked events are
// kept for operator inspection, never silently dropped.
type DeadLetter interface {
	Park(ctx context.Context, groupKey string, ev Event, reason string) error
}

// OrderAcceptedPayload carries the full accepted order.
type OrderAcceptedPayload struct {
	Order market.Order `json:"order"`
}

// OrderCancelledPayload requests cancellation of the remaining open
// quantity. Completed trades are never undone.
type OrderCancelledPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

// TradeExecutedPayload announces a durable trade.
type TradeExecutedPayload struct {
	Trade market.Trade `json:"trade"`
}

// Reconciled compensation actions.
const (
	CompensationCancel            = "compensating-cancel"
	CompensationBalanceAdjustment = "balance-adjustment"
)

// ReconciledPayload carries a compensation for a cross-region conflict.
type ReconciledPayload struct {
	OrderID             uuid.UUID       `json:"orderId"`
	TradeID             *uuid.UUID      `json:"tradeId,omitempty"`
	Action              string          `json:"action"`
	Quantity            decimal.Decimal `json:"quantity"`
	AuthoritativeRegion string          `json:"authoritativeRegion"`
	ConflictedRegion    string          `json:"conflictedRegion"`
}

// New builds an event with a marshaled payload.
func New(t Type, symbol, dedupeKey, region string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{
		Type:        t,
		Symbol:      symbol,
		DedupeKey:   dedupeKey,
		Region:      region,
		PublishedAt: time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// DecodePayload unmarshals the event payload into out.
func DecodePayload(ev Event, out interface{}) error {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return nil
}
