package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestChangeSignalSeesWritesThroughOtherHandles(t *testing.T) {
	// Two store instances over the same database, as two processes
	// sharing a ledger would be.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	open := func() *Store {
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		require.NoError(t, err)
		store, err := NewWithDB(db, zap.NewNop())
		require.NoError(t, err)
		return store
	}
	writer := open()
	watcher := open()
	watcher.signalPoll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := watcher.ChangeSignal(ctx)
	require.NoError(t, err)

	// Let the cursor take its baseline before the write lands.
	time.Sleep(60 * time.Millisecond)

	o := sampleOrder("cross-handle")
	require.NoError(t, writer.SaveOrder(ctx, &o))

	select {
	case _, ok := <-feed:
		require.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("no signal for a write made through a different store handle")
	}
}

func TestChangeSignalClosesOnCancel(t *testing.T) {
	store := openTestStore(t)
	store.signalPoll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := store.ChangeSignal(ctx)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
