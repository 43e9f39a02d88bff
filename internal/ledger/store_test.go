package ledger

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
	"github.com/tulipex/tulipcore/internal/market"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := NewWithDB(db, zap.NewNop())
	require.NoError(t, err)
	return store
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleOrder(idemSuffix string) market.Order {
	return market.Order{
		ID:              uuid.New(),
		ClientID:        "demo-ui",
		IdempotencyHash: market.CompoundKey("demo-ui", "key-"+idemSuffix),
		Symbol:          "tulip",
		Side:            market.SideBuy,
		Quantity:        d("5"),
		Price:           d("100"),
		TimeInForce:     market.TimeInForceGTC,
		Status:          market.StatusAccepted,
		SubmittedAt:     time.Now().UTC(),
		AcceptedAt:      time.Now().UTC(),
		Region:          "local",
	}
}

func TestSaveOrderIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o := sampleOrder("a")
	require.NoError(t, store.SaveOrder(ctx, &o))
	require.NoError(t, store.SaveOrder(ctx, &o), "saving the same order again is a no-op")

	orders, err := store.ListOrders(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestFindOrderByIdempotencyHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o := sampleOrder("b")
	require.NoError(t, store.SaveOrder(ctx, &o))

	found, ok, err := store.FindOrderByIdempotencyHash(ctx, o.IdempotencyHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, o.ID, found.ID)

	_, ok, err = store.FindOrderByIdempotencyHash(ctx, "no-such-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrderNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetOrder(context.Background(), uuid.New())
	assert.True(t, cerrors.IsKind(err, cerrors.KindNotFound))
}

func TestApplyMatchIsIdempotentPerSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group := "market-tulip"

	o := sampleOrder("c")
	require.NoError(t, store.SaveOrder(ctx, &o))

	o.Status = market.StatusPartiallyFilled
	o.FilledQuantity = d("2")
	trade := market.Trade{
		ID:          uuid.New(),
		Symbol:      "tulip",
		BuyOrderID:  o.ID,
		SellOrderID: uuid.New(),
		Price:       d("100"),
		Quantity:    d("2"),
		ExecutedAt:  time.Now().UTC(),
		Region:      "local",
	}

	applied, err := store.ApplyMatch(ctx, group, 1, []market.Order{o}, []market.Trade{trade})
	require.NoError(t, err)
	assert.True(t, applied)

	// The redelivered sequence must change nothing.
	applied, err = store.ApplyMatch(ctx, group, 1, []market.Order{o}, []market.Trade{trade})
	require.NoError(t, err)
	assert.False(t, applied)

	trades, err := store.RecentTrades(ctx, "tulip", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	cur, err := store.Cursor(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cur)
}

func TestApplyMatchSkipsStaleOrderWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group := "market-tulip"

	o := sampleOrder("d")
	require.NoError(t, store.SaveOrder(ctx, &o))

	o.Status = market.StatusPartiallyFilled
	o.FilledQuantity = d("3")
	applied, err := store.ApplyMatch(ctx, group, 5, []market.Order{o}, nil)
	require.NoError(t, err)
	require.True(t, applied)

	// A later sequence carrying an older view of the order must not win.
	stale := o
	stale.Status = market.StatusOpen
	stale.FilledQuantity = d("0")
	row := orderToRow(&stale)
	row.LastAppliedSeq = 5
	err = store.db.Model(&OrderRow{}).
		Where("id = ? AND last_applied_seq < ?", row.ID, uint64(5)).
		Updates(map[string]interface{}{"status": row.Status}).Error
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("3")))
}

func TestWatchReceivesCommittedWrites(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := store.Watch(ctx)

	o := sampleOrder("e")
	require.NoError(t, store.SaveOrder(ctx, &o))

	select {
	case ev := <-feed:
		assert.Equal(t, ChangeOrder, ev.Kind)
		require.NotNil(t, ev.Order)
		assert.Equal(t, o.ID.String(), ev.Order.ID)
	case <-time.After(time.Second):
		t.Fatal("no change event received")
	}
}

func TestMarkConflictProcessedIsFirstWriterWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.MarkConflictProcessed(ctx, "order-1", "us-west")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.MarkConflictProcessed(ctx, "order-1", "us-west")
	require.NoError(t, err)
	assert.False(t, again, "a rerun sees the existing marker")
}

func TestMarkOrderConflictedFlagsWithoutDeleting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o := sampleOrder("f")
	require.NoError(t, store.SaveOrder(ctx, &o))
	trade := market.Trade{
		ID:          uuid.New(),
		Symbol:      "tulip",
		BuyOrderID:  o.ID,
		SellOrderID: uuid.New(),
		Price:       d("100"),
		Quantity:    d("1"),
		ExecutedAt:  time.Now().UTC(),
		Region:      "local",
	}
	_, err := store.ApplyMatch(ctx, "market-tulip", 1, nil, []market.Trade{trade})
	require.NoError(t, err)

	require.NoError(t, store.MarkOrderConflicted(ctx, o.ID, true))

	rows, err := store.ScanOrdersSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1, "conflicted rows stay in the ledger")
	assert.True(t, rows[0].Conflicted)

	trades, err := store.TradesForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Conflicted)
}

func TestOpenOrdersExcludesTerminalAndConflicted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	open := sampleOrder("g1")
	open.Status = market.StatusOpen
	require.NoError(t, store.SaveOrder(ctx, &open))

	filled := sampleOrder("g2")
	filled.Status = market.StatusFilled
	require.NoError(t, store.SaveOrder(ctx, &filled))

	conflicted := sampleOrder("g3")
	conflicted.Status = market.StatusOpen
	require.NoError(t, store.SaveOrder(ctx, &conflicted))
	require.NoError(t, store.MarkOrderConflicted(ctx, conflicted.ID, false))

	rows, err := store.OpenOrders(ctx, "tulip")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, open.ID, rows[0].ID)
	assert.Equal(t, market.StatusOpen, rows[0].Status)
}

func TestTradesAtRecallsAppliedSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o := sampleOrder("seq")
	require.NoError(t, store.SaveOrder(ctx, &o))

	trade := market.Trade{
		ID:          uuid.New(),
		Symbol:      "tulip",
		BuyOrderID:  o.ID,
		SellOrderID: uuid.New(),
		Price:       d("100"),
		Quantity:    d("2"),
		ExecutedAt:  time.Now().UTC(),
		Region:      "local",
	}
	_, err := store.ApplyMatch(ctx, "market-tulip", 7, nil, []market.Trade{trade})
	require.NoError(t, err)

	rows, err := store.TradesAt(ctx, "tulip", 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, trade.ID.String(), rows[0].ID)

	rows, err = store.TradesAt(ctx, "tulip", 6)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
