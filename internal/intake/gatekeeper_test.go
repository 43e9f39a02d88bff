package intake

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

	cerrors "github.com/tulipex/tulipcore/common/errors"
	"github.com/tulipex/tulipcore/internal/config"
	"github.com/tulipex/tulipcore/internal/events"
	"github.com/tulipex/tulipcore/internal/idempotency"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGatekeeper(t *testing.T) (*Gatekeeper, *ledger.Store, *events.MemoryChannel) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := ledger.NewWithDB(db, zap.NewNop())
	require.NoError(t, err)

	ch := events.NewMemoryChannel(time.Minute)
	region := config.Region{Name: "local", Role: config.RoleLeader}
	return New(idempotency.NewMemoryStore(), store, ch, region, "tulip", zap.NewNop()), store, ch
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

func validRequest(key string) SubmitRequest {
	return SubmitRequest{
		IdempotencyKey: key,
		Side:           market.SideBuy,
		Quantity:       d("5"),
		Price:          d("100"),
	}
}

func TestSubmitCreatesOrderAndPublishesOnce(t *testing.T) {
	g, store, ch := newTestGatekeeper(t)
	ctx := context.Background()

	res, err := g.Submit(ctx, validRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, DefaultClientID, res.Order.ClientID, "missing client identity falls back to the demo client")
	assert.Equal(t, "tulip", res.Order.Symbol)
	assert.Equal(t, market.TimeInForceGTC, res.Order.TimeInForce)
	assert.Equal(t, market.StatusAccepted, res.Order.Status)
	assert.False(t, res.Order.AcceptedAt.IsZero())

	stored, err := store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, stored.ID)

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	require.Len(t, evs, 1, "exactly one OrderAccepted per admission")
	assert.Equal(t, events.TypeOrderAccepted, evs[0].Type)
	assert.Equal(t, res.Order.IdempotencyHash, evs[0].DedupeKey)
}

func TestDuplicateSubmitReturnsOriginalWithoutSideEffects(t *testing.T) {
	g, _, ch := newTestGatekeeper(t)
	ctx := context.Background()

	first, err := g.Submit(ctx, validRequest("k2"))
	require.NoError(t, err)

	// Same client, same key, different price: still the same logical
	// submission, so the original order wins untouched.
	retry := validRequest("k2")
	retry.Price = d("999")
	second, err := g.Submit(ctx, retry)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Order.Price.Equal(d("100")), "duplicate does not overwrite the original")

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	assert.Len(t, evs, 1, "no second event for the duplicate")
}

func TestDistinctKeysAreDistinctOrders(t *testing.T) {
	g, _, _ := newTestGatekeeper(t)
	ctx := context.Background()

	a, err := g.Submit(ctx, validRequest("k3"))
	require.NoError(t, err)
	b, err := g.Submit(ctx, validRequest("k4"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Order.ID, b.Order.ID)
}

func TestSameKeyDifferentClientIsDistinct(t *testing.T) {
	g, _, _ := newTestGatekeeper(t)
	ctx := context.Background()

	a := validRequest("shared")
	a.ClientID = "alice"
	b := validRequest("shared")
	b.ClientID = "bob"

	ra, err := g.Submit(ctx, a)
	require.NoError(t, err)
	rb, err := g.Submit(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, ra.Order.ID, rb.Order.ID, "idempotency keys are scoped per client")
}

func TestSubmitValidation(t *testing.T) {
	g, _, _ := newTestGatekeeper(t)
	ctx := context.Background()

	missingKey := validRequest("")
	_, err := g.Submit(ctx, missingKey)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))

	badSide := validRequest("k5")
	badSide.Side = "HOLD"
	_, err = g.Submit(ctx, badSide)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))

	zeroQty := validRequest("k6")
	zeroQty.Quantity = decimal.Zero
	_, err = g.Submit(ctx, zeroQty)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))

	negPrice := validRequest("k7")
	negPrice.Price = d("-1")
	_, err = g.Submit(ctx, negPrice)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))

	badTIF := validRequest("k8")
	badTIF.TimeInForce = "FOK"
	_, err = g.Submit(ctx, badTIF)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))
}

func TestResumeAfterCrashBetweenInsertAndPersist(t *testing.T) {
	g, store, ch := newTestGatekeeper(t)
	ctx := context.Background()

	// Simulate the crash window: the idempotency record exists but the
	// order was never durably written.
	req := validRequest("k9")
	hash := market.CompoundKey(DefaultClientID, req.IdempotencyKey)
	rec, inserted, err := g.idem.PutIfAbsent(ctx, idempotency.Record{
		CompoundKey: hash,
		OrderID:     uuid.New(),
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	res, err := g.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, rec.OrderID, res.Order.ID, "the retry finishes under the reserved order ID")

	stored, err := store.GetOrder(ctx, rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusAccepted, stored.Status)

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	assert.Len(t, evs, 1)
}

func TestCancelTerminalOrderConflicts(t *testing.T) {
	g, store, _ := newTestGatekeeper(t)
	ctx := context.Background()

	res, err := g.Submit(ctx, validRequest("k10"))
	require.NoError(t, err)

	filled := res.Order
	filled.Status = market.StatusFilled
	filled.FilledQuantity = filled.Quantity
	_, err = store.ApplyMatch(ctx, events.GroupKey("tulip"), 1, []market.Order{filled}, nil)
	require.NoError(t, err)

	err = g.Cancel(ctx, res.Order.ID)
	assert.True(t, cerrors.IsKind(err, cerrors.KindConflict))
}

func TestCancelOpenOrderPublishesAdvisory(t *testing.T) {
	g, _, ch := newTestGatekeeper(t)
	ctx := context.Background()

	res, err := g.Submit(ctx, validRequest("k11"))
	require.NoError(t, err)
	require.NoError(t, g.Cancel(ctx, res.Order.ID))

	evs := drainEvents(t, ch, events.GroupKey("tulip"))
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeOrderCancelled, evs[1].Type)
	assert.Equal(t, "cancel-"+res.Order.ID.String(), evs[1].DedupeKey)
}
