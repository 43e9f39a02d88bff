// Package reconcile converges divergent regional ledgers after a
// partition heals. The leader region's timeline is authoritative;
// conflicting follower rows are flagged and compensated, never deleted.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tulipex/tulipcore/internal/config"
	"github.com/tulipex/tulipcore/internal/events"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/market"
	"github.com/tulipex/tulipcore/pkg/metrics"
)

// PolicyScope selects whether leader-wins applies to whole orders or to
// individual fills when one order spans both regions.
type PolicyScope string

const (
	ScopeOrder PolicyScope = "order"
	ScopeTrade PolicyScope = "trade"
)

// Timeline is the slice of the ledger the reconciler needs. Both the
// leader's and the follower's stores satisfy it.
type Timeline interface {
	ScanOrdersSince(ctx context.Context, since time.Time) ([]ledger.OrderRow, error)
	FindOrderByIdempotencyHash(ctx context.Context, hash string) (market.Order, bool, error)
	TradesForOrder(ctx context.Context, orderID uuid.UUID) ([]ledger.TradeRow, error)
	MarkOrderConflicted(ctx context.Context, orderID uuid.UUID, includeTrades bool) error
	MarkTradeConflicted(ctx context.Context, tradeID uuid.UUID) error
	MarkConflictProcessed(ctx context.Context, key, region string) (bool, error)
}

// Reconciler runs in the leader region and inspects a follower region's
// ledger for writes with no causal record in the leader timeline. The
// follower's process writes that ledger, so the trigger must cross
// processes: a database-level change signal, with a periodic safety tick
// behind it.
type Reconciler struct {
	local        Timeline
	remote       Timeline
	channel      events.Channel
	region       config.Region
	remoteRegion string
	window       time.Duration
	interval     time.Duration
	scope        PolicyScope
	signal       <-chan struct{}
	logger       *zap.Logger
}

// New wires a reconciler. local must be the authoritative (leader)
// ledger; remote is the follower ledger being audited. signal carries
// cross-process change notifications for the remote ledger, typically
// ledger.Store.ChangeSignal; nil leaves the reconciler tick-driven.
func New(local, remote Timeline, channel events.Channel, region config.Region, remoteRegion string, window, interval time.Duration, scope PolicyScope, signal <-chan struct{}, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		local:        local,
		remote:       remote,
		channel:      channel,
		region:       region,
		remoteRegion: remoteRegion,
		window:       window,
		interval:     interval,
		scope:        scope,
		signal:       signal,
		logger:       logger.Named("reconcile"),
	}
}

// Run passes over the follower ledger on every remote change signal and
// on a periodic safety tick, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-r.signal:
			if !ok {
				// Receiving on a nil channel blocks forever, leaving the tick.
				r.signal = nil
				continue
			}
		case <-ticker.C:
		}
		if err := r.Pass(ctx); err != nil {
			r.logger.Error("reconciliation pass failed", zap.Error(err))
		}
	}
}

// Pass performs one reconciliation sweep. Re-running it is safe: already
// compensated conflicts are skipped via their processed-conflict marker.
func (r *Reconciler) Pass(ctx context.Context) error {
	since := time.Now().UTC().Add(-r.window)
	remoteOrders, err := r.remote.ScanOrdersSince(ctx, since)
	if err != nil {
		return err
	}

	for _, ro := range remoteOrders {
		conflicted, err := r.isConflicted(ctx, ro)
		if err != nil {
			return err
		}
		if !conflicted {
			continue
		}
		if err := r.compensate(ctx, ro); err != nil {
			return err
		}
	}
	return nil
}

// isConflicted checks the leader timeline for a causal record of the
// follower's order: the same logical submission admitted under the same
// order ID. Admitted independently under a different ID, or absent
// entirely, means the regions diverged.
func (r *Reconciler) isConflicted(ctx context.Context, ro ledger.OrderRow) (bool, error) {
	leaderOrder, found, err := r.local.FindOrderByIdempotencyHash(ctx, ro.IdempotencyHash)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return leaderOrder.ID.String() != ro.ID, nil
}

func (r *Reconciler) compensate(ctx context.Context, ro ledger.OrderRow) error {
	switch r.scope {
	case ScopeTrade:
		return r.compensateTrades(ctx, ro)
	default:
		return r.compensateOrder(ctx, ro)
	}
}

// compensateOrder resolves the whole conflicting order at once.
func (r *Reconciler) compensateOrder(ctx context.Context, ro ledger.OrderRow) error {
	first, err := r.remote.MarkConflictProcessed(ctx, ro.ID, r.remoteRegion)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := r.remote.MarkOrderConflicted(ctx, mustParse(ro.ID), true); err != nil {
		return err
	}

	payload := events.ReconciledPayload{
		OrderID:             mustParse(ro.ID),
		AuthoritativeRegion: r.region.Name,
		ConflictedRegion:    r.remoteRegion,
	}
	if ro.FilledQuantity.IsPositive() {
		// Fills already happened in the follower; the balance ledger
		// collaborator owes the adjustment, history stays intact.
		payload.Action = events.CompensationBalanceAdjustment
		payload.Quantity = ro.FilledQuantity
	} else {
		payload.Action = events.CompensationCancel
		payload.Quantity = ro.Quantity
	}

	return r.publish(ctx, ro, payload, "reconciled-"+ro.ID)
}

// compensateTrades resolves each conflicting fill individually, then
// cancels whatever is still open on the order.
func (r *Reconciler) compensateTrades(ctx context.Context, ro ledger.OrderRow) error {
	orderID := mustParse(ro.ID)
	trades, err := r.remote.TradesForOrder(ctx, orderID)
	if err != nil {
		return err
	}

	for _, t := range trades {
		marker := ro.ID + "|" + t.ID
		first, err := r.remote.MarkConflictProcessed(ctx, marker, r.remoteRegion)
		if err != nil {
			return err
		}
		if !first {
			continue
		}
		tradeID := mustParse(t.ID)
		if err := r.remote.MarkTradeConflicted(ctx, tradeID); err != nil {
			return err
		}
		payload := events.ReconciledPayload{
			OrderID:             orderID,
			TradeID:             &tradeID,
			Action:              events.CompensationBalanceAdjustment,
			Quantity:            t.Quantity,
			AuthoritativeRegion: r.region.Name,
			ConflictedRegion:    r.remoteRegion,
		}
		if err := r.publish(ctx, ro, payload, "reconciled-"+marker); err != nil {
			return err
		}
	}

	first, err := r.remote.MarkConflictProcessed(ctx, ro.ID, r.remoteRegion)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := r.remote.MarkOrderConflicted(ctx, orderID, false); err != nil {
		return err
	}
	remaining := ro.Quantity.Sub(ro.FilledQuantity)
	if !remaining.IsPositive() {
		// Fully filled orphan: the per-fill adjustments above cover
		// everything, there is nothing open left to cancel.
		return nil
	}
	return r.publish(ctx, ro, events.ReconciledPayload{
		OrderID:             orderID,
		Action:              events.CompensationCancel,
		Quantity:            remaining,
		AuthoritativeRegion: r.region.Name,
		ConflictedRegion:    r.remoteRegion,
	}, "reconciled-"+ro.ID)
}

func (r *Reconciler) publish(ctx context.Context, ro ledger.OrderRow, payload events.ReconciledPayload, dedupeKey string) error {
	ev, err := events.New(events.TypeReconciled, ro.Symbol, dedupeKey, r.region.Name, payload)
	if err != nil {
		return err
	}
	if _, err := r.channel.Publish(ctx, events.GroupKey(ro.Symbol), ev); err != nil {
		return err
	}

	metrics.ConflictsReconciled.WithLabelValues(r.remoteRegion).Inc()
	r.logger.Info("ConflictReconciled",
		zap.String("order_id", ro.ID),
		zap.String("action", payload.Action),
		zap.String("quantity", payload.Quantity.String()),
		zap.String("conflicted_region", r.remoteRegion))
	return nil
}

func mustParse(id string) uuid.UUID {
	parsed, _ := uuid.Parse(id)
	return parsed
}
