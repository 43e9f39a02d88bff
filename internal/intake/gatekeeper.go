// Package intake validates and idempotently admits orders. The
// conditional insert into the idempotency store is the only serialization
// point: the gatekeeper itself is stateless and may run with arbitrary
// parallelism.
package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	cerrors "github.com/tulipex/tulipcore/common/errors"
	"github.com/tulipex/tulipcore/internal/config"
	"github.com/tulipex/tulipcore/internal/events"
	"github.com/tulipex/tulipcore/internal/idempotency"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/market"
	"github.com/tulipex/tulipcore/pkg/metrics"
)

// DefaultClientID is assumed when a submission carries no client identity.
const DefaultClientID = "demo-ui"

// Outcome is the definitive answer every submit call gets: no request is
// left ambiguous about whether the order was created.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate-resubmit"
)

// SubmitRequest is one order submission attempt.
type SubmitRequest struct {
	ClientID       string
	IdempotencyKey string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	TimeInForce    string
}

// SubmitResult reports the admitted order. On a duplicate resubmission it
// carries the original order ID and no new side effects have occurred.
type SubmitResult struct {
	Order   market.Order
	Outcome Outcome
}

// Gatekeeper admits orders into the matching pipeline.
type Gatekeeper struct {
	idem    idempotency.Store
	store   *ledger.Store
	channel events.Channel
	region  config.Region
	symbol  string
	logger  *zap.Logger

	retryBase time.Duration
}

// New creates a Gatekeeper for the configured symbol.
func New(idem idempotency.Store, store *ledger.Store, channel events.Channel, region config.Region, symbol string, logger *zap.Logger) *Gatekeeper {
	return &Gatekeeper{
		idem:      idem,
		store:     store,
		channel:   channel,
		region:    region,
		symbol:    symbol,
		logger:    logger.Named("intake"),
		retryBase: 100 * time.Millisecond,
	}
}

// Submit validates and admits an order. Side effects are strictly
// ordered: conditional idempotency insert, durable order write, then the
// OrderAccepted publish. A publish retry is safe because the dedupe key
// is the compound idempotency hash; the conditional insert is never
// re-attempted.
func (g *Gatekeeper) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.ClientID == "" {
		req.ClientID = DefaultClientID
	}
	if req.TimeInForce == "" {
		req.TimeInForce = market.TimeInForceGTC
	}
	if req.Symbol == "" {
		req.Symbol = g.symbol
	}
	if req.IdempotencyKey == "" {
		return nil, cerrors.Validationf("idempotencyKey is required")
	}

	order := market.Order{
		ID:          uuid.New(),
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
		SubmittedAt: time.Now().UTC(),
		Status:      market.StatusPending,
		Region:      g.region.Name,
	}
	if err := order.Validate(); err != nil {
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		return nil, err
	}

	hash := market.CompoundKey(req.ClientID, req.IdempotencyKey)
	order.IdempotencyHash = hash
	order.SimulationSeed = hash

	rec, inserted, err := g.idem.PutIfAbsent(ctx, idempotency.Record{
		CompoundKey: hash,
		OrderID:     order.ID,
		CreatedAt:   order.SubmittedAt,
	})
	if err != nil {
		return nil, err
	}

	if !inserted {
		return g.resumeDuplicate(ctx, rec, order)
	}

	// AcceptedAt is assigned here, at the durable write, never taken from
	// the client: clock skew must not buy queue priority.
	order.AcceptedAt = time.Now().UTC()
	order.Status = market.StatusAccepted

	if err := g.persistAndPublish(ctx, &order); err != nil {
		return nil, err
	}

	metrics.OrdersSubmitted.WithLabelValues("created").Inc()
	g.logger.Info("OrderAccepted",
		zap.String("order_id", order.ID.String()),
		zap.String("client_id", order.ClientID),
		zap.String("side", order.Side),
		zap.String("qty", order.Quantity.String()),
		zap.String("price", order.Price.String()),
		zap.String("time_in_force", order.TimeInForce),
		zap.String("idempotency", hash),
		zap.String("market", order.Symbol),
		zap.String("region", g.region.Name))

	return &SubmitResult{Order: order, Outcome: OutcomeCreated}, nil
}

// resumeDuplicate handles a compound key that was already admitted. The
// common case returns the existing order untouched. If the original
// attempt crashed between the conditional insert and the durable order
// write, this retry finishes the job under the original order ID — still
// without a second conditional insert.
func (g *Gatekeeper) resumeDuplicate(ctx context.Context, rec idempotency.Record, order market.Order) (*SubmitResult, error) {
	existing, found, err := g.store.FindOrderByIdempotencyHash(ctx, rec.CompoundKey)
	if err != nil {
		return nil, err
	}
	if found {
		metrics.OrdersSubmitted.WithLabelValues("duplicate").Inc()
		g.logger.Info("OrderDuplicate",
			zap.String("order_id", existing.ID.String()),
			zap.String("client_id", existing.ClientID),
			zap.String("idempotency", rec.CompoundKey))
		return &SubmitResult{Order: existing, Outcome: OutcomeDuplicate}, nil
	}

	order.ID = rec.OrderID
	order.AcceptedAt = time.Now().UTC()
	order.Status = market.StatusAccepted
	if err := g.persistAndPublish(ctx, &order); err != nil {
		return nil, err
	}

	metrics.OrdersSubmitted.WithLabelValues("duplicate").Inc()
	g.logger.Info("OrderResumed",
		zap.String("order_id", order.ID.String()),
		zap.String("idempotency", rec.CompoundKey))
	return &SubmitResult{Order: order, Outcome: OutcomeDuplicate}, nil
}

func (g *Gatekeeper) persistAndPublish(ctx context.Context, order *market.Order) error {
	if err := g.retryTransient(ctx, func() error {
		return g.store.SaveOrder(ctx, order)
	}); err != nil {
		return err
	}

	ev, err := events.New(events.TypeOrderAccepted, order.Symbol, order.IdempotencyHash,
		g.region.Name, events.OrderAcceptedPayload{Order: *order})
	if err != nil {
		return err
	}
	return g.retryTransient(ctx, func() error {
		_, err := g.channel.Publish(ctx, events.GroupKey(order.Symbol), ev)
		return err
	})
}

// Cancel publishes an advisory cancel for an open order.
func (g *Gatekeeper) Cancel(ctx context.Context, orderID uuid.UUID) error {
	order, err := g.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.IsTerminal() {
		return cerrors.Conflictf("order %s already terminal (%s)", orderID, order.Status)
	}

	ev, err := events.New(events.TypeOrderCancelled, order.Symbol,
		"cancel-"+orderID.String(), g.region.Name,
		events.OrderCancelledPayload{OrderID: orderID, Reason: "client cancel"})
	if err != nil {
		return err
	}
	if err := g.retryTransient(ctx, func() error {
		_, err := g.channel.Publish(ctx, events.GroupKey(order.Symbol), ev)
		return err
	}); err != nil {
		return err
	}

	g.logger.Info("OrderCancelRequested", zap.String("order_id", orderID.String()))
	return nil
}

// retryTransient retries idempotent operations with backoff. Conditional
// writes never come through here.
func (g *Gatekeeper) retryTransient(ctx context.Context, fn func() error) error {
	backoff := g.retryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !cerrors.IsRetryable(err) || attempt >= 4 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
