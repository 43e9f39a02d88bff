package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	cerrors "github.com/tulipex/tulipcore/common/errors"
)

// changeChannel is the Postgres notification channel the store pings
// after every accepted write.
const changeChannel = "tulip_ledger_changes"

// ChangeSignal surfaces writes made by any process to this store's
// database. Watch only sees the current process's own writes; the
// reconciler audits a ledger that a different region's process writes
// to, so it needs this cross-process feed. Postgres databases get a
// LISTEN/NOTIFY push channel; other drivers fall back to a cursor over
// the orders table. The returned channel closes when ctx is done.
func (s *Store) ChangeSignal(ctx context.Context) (<-chan struct{}, error) {
	if s.driver == "postgres" {
		return s.listenSignal(ctx)
	}
	return s.pollSignal(ctx), nil
}

func (s *Store) listenSignal(ctx context.Context) (<-chan struct{}, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, cerrors.Transient("connect change listener", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		conn.Close(ctx)
		return nil, cerrors.Transient("listen for ledger changes", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer conn.Close(context.Background())
		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("ledger change listener lost", zap.Error(err))
				}
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

// pollSignal watches the order count and the newest updated_at, which
// together move on every insert and update. Sqlite has no server-side
// notification, so a cursor is the best it can do.
func (s *Store) pollSignal(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		last, _ := s.changeCursor(ctx)
		ticker := time.NewTicker(s.signalPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := s.changeCursor(ctx)
			if err != nil {
				s.logger.Warn("ledger change cursor read failed", zap.Error(err))
				continue
			}
			if cur.count == last.count && cur.newest.Equal(last.newest) {
				continue
			}
			last = cur
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

type changeCursor struct {
	count  int64
	newest time.Time
}

func (s *Store) changeCursor(ctx context.Context) (changeCursor, error) {
	var cur changeCursor
	if err := s.db.WithContext(ctx).Model(&OrderRow{}).Count(&cur.count).Error; err != nil {
		return cur, cerrors.Transient("count orders", err)
	}
	var rows []OrderRow
	err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return cur, cerrors.Transient("read newest order", err)
	}
	if len(rows) > 0 {
		cur.newest = rows[0].UpdatedAt
	}
	return cur, nil
}
