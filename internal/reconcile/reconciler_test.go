package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tulipex/tulipcore/internal/config"
	"github.com/tulipex/tulipcore/internal/events"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openStore(t *testing.T, name string) *ledger.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"), name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := ledger.NewWithDB(db, zap.NewNop())
	require.NoError(t, err)
	return store
}

func seedOrder(t *testing.T, store *ledger.Store, hash string, filled string) market.Order {
	t.Helper()
	o := market.Order{
		ID:              uuid.New(),
		ClientID:        "demo-ui",
		IdempotencyHash: hash,
		Symbol:          "tulip",
		Side:            market.SideBuy,
		Quantity:        d("5"),
		Price:           d("100"),
		TimeInForce:     market.TimeInForceGTC,
		Status:          market.StatusOpen,
		FilledQuantity:  d(filled),
		SubmittedAt:     time.Now().UTC(),
		AcceptedAt:      time.Now().UTC(),
		Region:          "follower",
	}
	require.NoError(t, store.SaveOrder(context.Background(), &o))
	return o
}

func newTestReconciler(t *testing.T, scope PolicyScope) (*Reconciler, *ledger.Store, *ledger.Store, *events.MemoryChannel) {
	t.Helper()
	leader := openStore(t, "leader")
	follower := openStore(t, "follower")
	ch := events.NewMemoryChannel(time.Minute)
	region := config.Region{Name: "us-east", Role: config.RoleLeader}
	r := New(leader, follower, ch, region, "us-west", time.Hour, time.Minute, scope, nil, zap.NewNop())
	return r, leader, follower, ch
}

func drainEvents(t *testing.T, ch *events.MemoryChannel, group string) []events.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := ch.Consume(ctx, group)
	require.NoError(t, err)

	var out []events.Event
	for {
		select {
		case env := <-stream:
			out = append(out, env.Event)
		case <-time.After(150 * time.Millisecond):
			return out
		}
	}
}

func TestOrphanedFollowerOrderIsCompensated(t *testing.T) {
	r, _, follower, ch := newTestReconciler(t, ScopeOrder)
	ctx := context.Background()

	// Admitted during the partition, unknown to the leader.
	orphan := seedOrder(t, follower, market.CompoundKey("demo-ui", "split-1"), "0")

	require.NoError(t, r.Pass(ctx))

	rows, err := follower.ScanOrdersSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Conflicted, "the divergent row is flagged, not deleted")

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeReconciled, evs[0].Type)

	var payload events.ReconciledPayload
	require.NoError(t, events.DecodePayload(evs[0], &payload))
	assert.Equal(t, orphan.ID, payload.OrderID)
	assert.Equal(t, events.CompensationCancel, payload.Action)
	assert.Equal(t, "us-east", payload.AuthoritativeRegion)
	assert.Equal(t, "us-west", payload.ConflictedRegion)
}

func TestFilledOrphanGetsBalanceAdjustment(t *testing.T) {
	r, _, follower, ch := newTestReconciler(t, ScopeOrder)
	ctx := context.Background()

	seedOrder(t, follower, market.CompoundKey("demo-ui", "split-2"), "3")

	require.NoError(t, r.Pass(ctx))

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	require.Len(t, evs, 1)
	var payload events.ReconciledPayload
	require.NoError(t, events.DecodePayload(evs[0], &payload))
	assert.Equal(t, events.CompensationBalanceAdjustment, payload.Action,
		"executed fills are adjusted, never erased")
	assert.True(t, payload.Quantity.Equal(d("3")))
}

func TestMatchingTimelinesNeedNoCompensation(t *testing.T) {
	r, leader, follower, ch := newTestReconciler(t, ScopeOrder)
	ctx := context.Background()

	hash := market.CompoundKey("demo-ui", "agreed")
	o := seedOrder(t, follower, hash, "0")
	same := o
	same.Region = "us-east"
	require.NoError(t, leader.SaveOrder(ctx, &same))

	require.NoError(t, r.Pass(ctx))

	rows, err := follower.ScanOrdersSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, rows[0].Conflicted)
	assert.Empty(t, drainEvents(t, ch, events.GroupKey("tulip")))
}

func TestSameSubmissionDifferentIDConflicts(t *testing.T) {
	r, leader, follower, ch := newTestReconciler(t, ScopeOrder)
	ctx := context.Background()

	// Both regions admitted the same logical submission independently and
	// assigned different order IDs. The leader's admission wins.
	hash := market.CompoundKey("demo-ui", "raced")
	seedOrder(t, follower, hash, "0")
	leaderCopy := market.Order{
		ID:              uuid.New(),
		ClientID:        "demo-ui",
		IdempotencyHash: hash,
		Symbol:          "tulip",
		Side:            market.SideBuy,
		Quantity:        d("5"),
		Price:           d("100"),
		TimeInForce:     market.TimeInForceGTC,
		Status:          market.StatusOpen,
		SubmittedAt:     time.Now().UTC(),
		AcceptedAt:      time.Now().UTC(),
		Region:          "us-east",
	}
	require.NoError(t, leader.SaveOrder(ctx, &leaderCopy))

	require.NoError(t, r.Pass(ctx))

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	assert.Len(t, evs, 1)
}

func TestRerunEmitsNoSecondCompensation(t *testing.T) {
	r, _, follower, ch := newTestReconciler(t, ScopeOrder)
	ctx := context.Background()

	seedOrder(t, follower, market.CompoundKey("demo-ui", "split-3"), "0")

	require.NoError(t, r.Pass(ctx))
	require.NoError(t, r.Pass(ctx))
	require.NoError(t, r.Pass(ctx))

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	assert.Len(t, evs, 1, "reconciliation is exactly-once per conflict")
}

func TestRemoteChangeSignalTriggersPass(t *testing.T) {
	leader := openStore(t, "leader")
	follower := openStore(t, "follower")
	ch := events.NewMemoryChannel(time.Minute)
	region := config.Region{Name: "us-east", Role: config.RoleLeader}

	// The safety tick is an hour out; only the signal can drive this pass.
	signal := make(chan struct{}, 1)
	r := New(leader, follower, ch, region, "us-west", time.Hour, time.Hour, ScopeOrder, signal, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	seedOrder(t, follower, market.CompoundKey("demo-ui", "signalled"), "0")
	signal <- struct{}{}

	require.Eventually(t, func() bool {
		rows, err := follower.ScanOrdersSince(ctx, time.Now().Add(-time.Hour))
		return err == nil && len(rows) == 1 && rows[0].Conflicted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTradeScopeCompensatesEachFill(t *testing.T) {
	r, _, follower, ch := newTestReconciler(t, ScopeTrade)
	ctx := context.Background()

	orphan := seedOrder(t, follower, market.CompoundKey("demo-ui", "split-4"), "4")
	for i, qty := range []string{"1", "3"} {
		trade := market.Trade{
			ID:          uuid.New(),
			Symbol:      "tulip",
			BuyOrderID:  orphan.ID,
			SellOrderID: uuid.New(),
			Price:       d("100"),
			Quantity:    d(qty),
			ExecutedAt:  time.Now().UTC(),
			Region:      "us-west",
		}
		_, err := follower.ApplyMatch(ctx, events.GroupKey("tulip"), uint64(i+1), nil, []market.Trade{trade})
		require.NoError(t, err)
	}

	require.NoError(t, r.Pass(ctx))
	require.NoError(t, r.Pass(ctx), "rerun stays silent")

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	// One adjustment per fill plus the final cancel of the remainder.
	require.Len(t, evs, 3)

	adjustments := 0
	cancels := 0
	for _, ev := range evs {
		var payload events.ReconciledPayload
		require.NoError(t, events.DecodePayload(ev, &payload))
		switch payload.Action {
		case events.CompensationBalanceAdjustment:
			adjustments++
			require.NotNil(t, payload.TradeID)
		case events.CompensationCancel:
			cancels++
			assert.True(t, payload.Quantity.Equal(d("1")), "cancel covers the unfilled remainder")
		}
	}
	assert.Equal(t, 2, adjustments)
	assert.Equal(t, 1, cancels)

	trades, err := follower.TradesForOrder(ctx, orphan.ID)
	require.NoError(t, err)
	for _, tr := range trades {
		assert.True(t, tr.Conflicted)
	}
}

func TestTradeScopeFullyFilledOrphanSkipsCancel(t *testing.T) {
	r, _, follower, ch := newTestReconciler(t, ScopeTrade)
	ctx := context.Background()

	orphan := seedOrder(t, follower, market.CompoundKey("demo-ui", "split-5"), "5")
	for i, qty := range []string{"2", "3"} {
		trade := market.Trade{
			ID:          uuid.New(),
			Symbol:      "tulip",
			BuyOrderID:  orphan.ID,
			SellOrderID: uuid.New(),
			Price:       d("100"),
			Quantity:    d(qty),
			ExecutedAt:  time.Now().UTC(),
			Region:      "us-west",
		}
		_, err := follower.ApplyMatch(ctx, events.GroupKey("tulip"), uint64(i+1), nil, []market.Trade{trade})
		require.NoError(t, err)
	}

	require.NoError(t, r.Pass(ctx))

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	require.Len(t, evs, 2, "nothing open remains, so no cancel follows the adjustments")
	for _, ev := range evs {
		var payload events.ReconciledPayload
		require.NoError(t, events.DecodePayload(ev, &payload))
		assert.Equal(t, events.CompensationBalanceAdjustment, payload.Action)
		assert.True(t, payload.Quantity.IsPositive())
	}

	rows, err := follower.ScanOrdersSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Conflicted, "the orphan is still flagged")
}
