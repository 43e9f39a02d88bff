package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cerrors "github.com/tulipex/tulipcore/common/errors"
	"github.com/tulipex/tulipcore/internal/config"
	"github.com/tulipex/tulipcore/internal/events"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/market"
	"github.com/tulipex/tulipcore/pkg/metrics"
)

// Matcher applies an incoming order against shard state. Book is the real
// implementation; SimulatedMatcher is the seeded stand-in backend.
type Matcher interface {
	Match(taker *market.Order, seq uint64, region string) ([]market.Trade, []*market.Order)
}

// Shard is the single consumer of one symbol's ordered event stream.
// All book mutation happens on the Run goroutine; processing one event
// at a time is the concurrency model.
type Shard struct {
	symbol   string
	groupKey string
	region   config.Region

	book    *Book
	matcher Matcher
	store   *ledger.Store
	channel events.Channel
	dead    events.DeadLetter
	logger  *zap.Logger

	retryBase   time.Duration
	lastApplied uint64
}

// ShardOption adjusts shard construction.
type ShardOption func(*Shard)

// WithMatcher swaps the matching backend, e.g. for deterministic
// simulation.
func WithMatcher(m Matcher) ShardOption {
	return func(s *Shard) { s.matcher = m }
}

// NewShard wires a matching shard for one symbol.
func NewShard(symbol string, region config.Region, store *ledger.Store, channel events.Channel, dead events.DeadLetter, logger *zap.Logger, opts ...ShardOption) *Shard {
	book := NewBook(symbol)
	s := &Shard{
		symbol:    symbol,
		groupKey:  events.GroupKey(symbol),
		region:    region,
		book:      book,
		matcher:   book,
		store:     store,
		channel:   channel,
		dead:      dead,
		logger:    logger.Named("matching").With(zap.String("symbol", symbol)),
		retryBase: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book exposes the shard's book for read-only snapshot use. The book's
// own lock makes depth reads off the Run goroutine safe.
func (s *Shard) Book() *Book { return s.book }

// Run rebuilds shard state from the ledger, then consumes the event
// stream until ctx is cancelled or the shard hits corrupted state.
func (s *Shard) Run(ctx context.Context) error {
	if err := s.rebuild(ctx); err != nil {
		return err
	}

	ch, err := s.channel.Consume(ctx, s.groupKey)
	if err != nil {
		return err
	}
	s.logger.Info("shard consuming",
		zap.String("group", s.groupKey),
		zap.Uint64("resume_after", s.lastApplied))

	for env := range ch {
		if err := s.process(ctx, env); err != nil {
			if cerrors.IsKind(err, cerrors.KindFatalCorruption) {
				s.logger.Error("halting shard on corrupted state", zap.Error(err))
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("event processing failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

// rebuild restores the book and cursor from the ledger after a restart.
func (s *Shard) rebuild(ctx context.Context) error {
	cursor, err := s.store.Cursor(ctx, s.groupKey)
	if err != nil {
		return err
	}
	s.lastApplied = cursor

	open, err := s.store.OpenOrders(ctx, s.symbol)
	if err != nil {
		return err
	}
	for i := range open {
		o := open[i]
		s.book.Rest(&o)
	}
	s.logger.Info("shard state rebuilt",
		zap.Uint64("cursor", cursor), zap.Int("resting_orders", len(open)))
	return nil
}

// process handles one delivered event. The event is acknowledged only
// after its effects are durable; anything transient is retried first, so
// redelivery is the expected failure path and must be a no-op the second
// time around.
func (s *Shard) process(ctx context.Context, env events.Envelope) error {
	ev := env.Event

	if ev.Sequence <= s.lastApplied {
		metrics.EventsRedelivered.WithLabelValues(s.symbol).Inc()
		s.logger.Debug("skipping already-applied event",
			zap.Uint64("sequence", ev.Sequence), zap.String("type", string(ev.Type)))
		if ev.Type == events.TypeOrderAccepted {
			// The first attempt may have crashed after the ledger commit
			// but before the publish, leaving its trades unannounced.
			if err := s.republishApplied(ctx, ev); err != nil {
				return err
			}
		}
		return env.Ack(ctx)
	}

	var outbound []events.Event
	var err error
	switch ev.Type {
	case events.TypeOrderAccepted:
		outbound, err = s.handleAccepted(ctx, ev)
	case events.TypeOrderCancelled:
		err = s.handleCancelled(ctx, ev)
	case events.TypeReconciled:
		err = s.handleReconciled(ctx, ev)
	case events.TypeTradeExecuted:
		// Engine output looping back on the shared channel; advance past it.
		err = s.advanceOnly(ctx, ev.Sequence)
	default:
		s.park(ctx, ev, "unknown event type")
		err = s.advanceOnly(ctx, ev.Sequence)
	}
	if err != nil {
		return err
	}

	for _, out := range outbound {
		if err := s.publishWithRetry(ctx, out); err != nil {
			return err
		}
	}

	s.lastApplied = ev.Sequence
	return env.Ack(ctx)
}

func (s *Shard) handleAccepted(ctx context.Context, ev events.Event) ([]events.Event, error) {
	var p events.OrderAcceptedPayload
	if err := events.DecodePayload(ev, &p); err != nil {
		s.park(ctx, ev, err.Error())
		return nil, s.advanceOnly(ctx, ev.Sequence)
	}
	order := p.Order
	if err := order.Validate(); err != nil {
		s.park(ctx, ev, err.Error())
		return nil, s.advanceOnly(ctx, ev.Sequence)
	}
	if _, resting := s.book.Get(order.ID); resting {
		// Redelivered past the ledger cursor check, e.g. first attempt
		// persisted but the ack was lost. The book already has it.
		metrics.EventsRedelivered.WithLabelValues(s.symbol).Inc()
		return nil, s.advanceOnly(ctx, ev.Sequence)
	}

	trades, touched := s.matcher.Match(&order, ev.Sequence, s.region.Name)

	changed := make([]market.Order, 0, len(touched))
	for _, o := range touched {
		changed = append(changed, *o)
	}
	applied, err := s.applyWithRetry(ctx, ev.Sequence, changed, trades)
	if err != nil {
		return nil, err
	}
	if !applied {
		metrics.EventsRedelivered.WithLabelValues(s.symbol).Inc()
		return nil, s.republishApplied(ctx, ev)
	}

	outbound := make([]events.Event, 0, len(trades)+1)
	for _, t := range trades {
		metrics.TradesExecuted.WithLabelValues(s.symbol).Inc()
		out, err := events.New(events.TypeTradeExecuted, s.symbol, "trade-"+t.ID.String(),
			s.region.Name, events.TradeExecutedPayload{Trade: t})
		if err != nil {
			return nil, err
		}
		outbound = append(outbound, out)
	}
	if order.Status == market.StatusCancelled {
		out, err := events.New(events.TypeOrderCancelled, s.symbol,
			"ioc-cancel-"+order.ID.String(), s.region.Name,
			events.OrderCancelledPayload{OrderID: order.ID, Reason: "IOC remainder"})
		if err != nil {
			return nil, err
		}
		outbound = append(outbound, out)
	}

	s.logger.Info("order applied",
		zap.String("order_id", order.ID.String()),
		zap.String("status", order.Status),
		zap.Int("trades", len(trades)),
		zap.Uint64("sequence", ev.Sequence))
	return outbound, nil
}

// republishApplied re-emits the outbound events recorded for an
// already-applied accepted-order sequence. The trades are durable, so
// redelivery must announce them again; dedupe keys make this a no-op
// when the original publish did go out.
func (s *Shard) republishApplied(ctx context.Context, ev events.Event) error {
	trades, err := s.store.TradesAt(ctx, s.symbol, ev.Sequence)
	if err != nil {
		return err
	}
	for _, row := range trades {
		t := row.ToTrade()
		out, err := events.New(events.TypeTradeExecuted, s.symbol, "trade-"+t.ID.String(),
			s.region.Name, events.TradeExecutedPayload{Trade: t})
		if err != nil {
			return err
		}
		if err := s.publishWithRetry(ctx, out); err != nil {
			return err
		}
	}

	var p events.OrderAcceptedPayload
	if err := events.DecodePayload(ev, &p); err != nil {
		return nil
	}
	stored, err := s.store.GetOrder(ctx, p.Order.ID)
	if err != nil {
		if cerrors.IsKind(err, cerrors.KindNotFound) {
			return nil
		}
		return err
	}
	if stored.Status == market.StatusCancelled && stored.TimeInForce == market.TimeInForceIOC {
		out, err := events.New(events.TypeOrderCancelled, s.symbol,
			"ioc-cancel-"+stored.ID.String(), s.region.Name,
			events.OrderCancelledPayload{OrderID: stored.ID, Reason: "IOC remainder"})
		if err != nil {
			return err
		}
		return s.publishWithRetry(ctx, out)
	}
	return nil
}

// handleCancelled applies an advisory cancel: only the remaining open
// quantity is affected, trades executed earlier in the sequence stand.
func (s *Shard) handleCancelled(ctx context.Context, ev events.Event) error {
	var p events.OrderCancelledPayload
	if err := events.DecodePayload(ev, &p); err != nil {
		s.park(ctx, ev, err.Error())
		return s.advanceOnly(ctx, ev.Sequence)
	}
	return s.cancelRemaining(ctx, p.OrderID, ev.Sequence)
}

func (s *Shard) handleReconciled(ctx context.Context, ev events.Event) error {
	var p events.ReconciledPayload
	if err := events.DecodePayload(ev, &p); err != nil {
		s.park(ctx, ev, err.Error())
		return s.advanceOnly(ctx, ev.Sequence)
	}
	switch p.Action {
	case events.CompensationCancel:
		return s.cancelRemaining(ctx, p.OrderID, ev.Sequence)
	default:
		// Balance adjustments belong to the balance ledger collaborator;
		// the matching shard only advances past them.
		return s.advanceOnly(ctx, ev.Sequence)
	}
}

func (s *Shard) cancelRemaining(ctx context.Context, orderID uuid.UUID, seq uint64) error {
	resting, ok := s.book.Remove(orderID)
	if !ok {
		// Already terminal or never rested here; the cancel is advisory.
		return s.advanceOnly(ctx, seq)
	}
	resting.Status = market.StatusCancelled
	_, err := s.applyWithRetry(ctx, seq, []market.Order{*resting}, nil)
	return err
}

// advanceOnly moves the durable cursor past an event with no state
// effects, so redelivery of it is recognized.
func (s *Shard) advanceOnly(ctx context.Context, seq uint64) error {
	_, err := s.applyWithRetry(ctx, seq, nil, nil)
	return err
}

// applyWithRetry persists through transient storage failures with
// backoff. The event is not acknowledged until this succeeds.
func (s *Shard) applyWithRetry(ctx context.Context, seq uint64, orders []market.Order, trades []market.Trade) (bool, error) {
	backoff := s.retryBase
	for {
		applied, err := s.store.ApplyMatch(ctx, s.groupKey, seq, orders, trades)
		if err == nil {
			return applied, nil
		}
		if !cerrors.IsRetryable(err) {
			return false, err
		}
		s.logger.Warn("ledger write failed, backing off",
			zap.Uint64("sequence", seq), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (s *Shard) publishWithRetry(ctx context.Context, ev events.Event) error {
	backoff := s.retryBase
	for {
		_, err := s.channel.Publish(ctx, s.groupKey, ev)
		if err == nil {
			return nil
		}
		if !cerrors.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (s *Shard) park(ctx context.Context, ev events.Event, reason string) {
	metrics.EventsDeadLettered.WithLabelValues(s.symbol).Inc()
	s.logger.Warn("dead-lettering malformed event",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("type", string(ev.Type)),
		zap.String("reason", reason))
	if err := s.dead.Park(ctx, s.groupKey, ev, reason); err != nil {
		s.logger.Error("dead letter store failed", zap.Error(err))
	}
}
