package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	cerrors "github.com/tulipex/tulipcore/common/errors"
	"github.com/tulipex/tulipcore/internal/market"
)

// ChangeKind discriminates change feed entries.
type ChangeKind string

const (
	ChangeOrder ChangeKind = "order"
	ChangeTrade ChangeKind = "trade"
)

// ChangeEvent is pushed on every accepted write.
type ChangeEvent struct {
	Kind  ChangeKind
	Order *OrderRow
	Trade *TradeRow
}

// Store wraps the gorm database with the ledger's conditional-write
// discipline and the change feed.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	driver     string
	dsn        string
	signalPoll time.Duration

	mu   sync.Mutex
	subs []chan ChangeEvent
}

// Open connects to the ledger database and migrates the schema.
// Driver is "postgres" or "sqlite".
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.AutoMigrate(&OrderRow{}, &TradeRow{}, &ShardCursor{}, &ProcessedConflict{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &Store{
		db:         db,
		logger:     logger.Named("ledger"),
		driver:     driver,
		dsn:        dsn,
		signalPoll: time.Second,
	}, nil
}

// DB exposes the underlying handle for collaborators that keep their own
// tables in the same database, e.g. the personas registry.
func (s *Store) DB() *gorm.DB { return s.db }

// NewWithDB wraps an already opened gorm DB (tests).
func NewWithDB(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&OrderRow{}, &TradeRow{}, &ShardCursor{}, &ProcessedConflict{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("ledger"), signalPoll: time.Second}, nil
}

// Watch subscribes to the change feed. The returned channel is closed
// when ctx is done. Slow subscribers drop events rather than block writes.
func (s *Store) Watch(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 256)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Store) publish(ev ChangeEvent) {
	s.mu.Lock()
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
			s.logger.Warn("change feed subscriber lagging, dropping event")
		}
	}
	s.mu.Unlock()

	if s.driver == "postgres" {
		// Ping listeners in other processes; see ChangeSignal.
		if err := s.db.Exec("NOTIFY " + changeChannel).Error; err != nil {
			s.logger.Warn("ledger change notify failed", zap.Error(err))
		}
	}
}

// SaveOrder persists a new order. A replay of the same order ID is a
// no-op, keeping intake retries safe.
func (s *Store) SaveOrder(ctx context.Context, o *market.Order) error {
	row := orderToRow(o)
	res := s.db.WithContext(ctx).
		Where(OrderRow{ID: row.ID}).
		FirstOrCreate(&row)
	if res.Error != nil {
		return cerrors.Transient("save order", res.Error)
	}
	if res.RowsAffected > 0 {
		s.publish(ChangeEvent{Kind: ChangeOrder, Order: &row})
	}
	return nil
}

// GetOrder returns the order or a not-found error.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (market.Order, error) {
	var row OrderRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Order{}, cerrors.NotFoundf("order %s not found", id)
	}
	if err != nil {
		return market.Order{}, cerrors.Transient("load order", err)
	}
	return row.ToOrder(), nil
}

// FindOrderByIdempotencyHash returns the order admitted under the hash.
func (s *Store) FindOrderByIdempotencyHash(ctx context.Context, hash string) (market.Order, bool, error) {
	var row OrderRow
	err := s.db.WithContext(ctx).First(&row, "idempotency_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Order{}, false, nil
	}
	if err != nil {
		return market.Order{}, false, cerrors.Transient("find order by idempotency hash", err)
	}
	return row.ToOrder(), true, nil
}

// ListOrders returns recent orders, newest acceptance first.
func (s *Store) ListOrders(ctx context.Context, limit int) ([]market.Order, error) {
	var rows []OrderRow
	err := s.db.WithContext(ctx).
		Order("accepted_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.Transient("list orders", err)
	}
	out := make([]market.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToOrder())
	}
	return out, nil
}

// OpenOrders returns the resting orders for a symbol, in acceptance
// order, for rebuilding a shard's book on restart.
func (s *Store) OpenOrders(ctx context.Context, symbol string) ([]market.Order, error) {
	var rows []OrderRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status IN ? AND conflicted = ?",
			symbol, []string{market.StatusOpen, market.StatusPartiallyFilled}, false).
		Order("accepted_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.Transient("load open orders", err)
	}
	out := make([]market.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToOrder())
	}
	return out, nil
}

// Cursor returns the last event sequence durably applied for the group.
func (s *Store) Cursor(ctx context.Context, groupKey string) (uint64, error) {
	var cur ShardCursor
	err := s.db.WithContext(ctx).First(&cur, "group_key = ?", groupKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, cerrors.Transient("load shard cursor", err)
	}
	return cur.LastApplied, nil
}

// ApplyMatch durably applies the outcome of one consumed event: updated
// orders, appended trades, and the advanced cursor, in one transaction.
// It returns false without writing anything when the sequence was already
// applied, which is how redelivered events become no-ops.
func (s *Store) ApplyMatch(ctx context.Context, groupKey string, seq uint64, orders []market.Order, trades []market.Trade) (bool, error) {
	var changedOrders []OrderRow
	var newTrades []TradeRow

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur ShardCursor
		if err := tx.Where(ShardCursor{GroupKey: groupKey}).FirstOrCreate(&cur).Error; err != nil {
			return err
		}
		if cur.LastApplied >= seq {
			return errAlreadyApplied
		}

		for i := range orders {
			o := orders[i]
			o.ShardSequence = seq
			row := orderToRow(&o)
			res := tx.Model(&OrderRow{}).
				Where("id = ? AND last_applied_seq < ?", row.ID, seq).
				Updates(map[string]interface{}{
					"status":           row.Status,
					"filled_quantity":  row.FilledQuantity,
					"last_applied_seq": seq,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				changedOrders = append(changedOrders, row)
			}
		}

		for i := range trades {
			row := tradeToRow(&trades[i])
			row.Sequence = seq
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			newTrades = append(newTrades, row)
		}

		return tx.Model(&ShardCursor{}).
			Where("group_key = ?", groupKey).
			Update("last_applied", seq).Error
	})
	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, cerrors.Transient("apply match", err)
	}

	for i := range changedOrders {
		s.publish(ChangeEvent{Kind: ChangeOrder, Order: &changedOrders[i]})
	}
	for i := range newTrades {
		s.publish(ChangeEvent{Kind: ChangeTrade, Trade: &newTrades[i]})
	}
	return true, nil
}

var errAlreadyApplied = errors.New("sequence already applied")

// ScanOrdersSince returns orders accepted in or after the window start,
// oldest first, for reconciliation range scans.
func (s *Store) ScanOrdersSince(ctx context.Context, since time.Time) ([]OrderRow, error) {
	var rows []OrderRow
	err := s.db.WithContext(ctx).
		Where("accepted_at >= ?", since).
		Order("accepted_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.Transient("scan orders", err)
	}
	return rows, nil
}

// TradesForOrder returns all trades referencing the order.
func (s *Store) TradesForOrder(ctx context.Context, orderID uuid.UUID) ([]TradeRow, error) {
	var rows []TradeRow
	id := orderID.String()
	err := s.db.WithContext(ctx).
		Where("buy_order_id = ? OR sell_order_id = ?", id, id).
		Order("executed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.Transient("load trades for order", err)
	}
	return rows, nil
}

// TradesAt returns the trades recorded under one applied event
// sequence, in execution order. Shards use it to rebuild the outbound
// events for a sequence that committed before its publish went out.
func (s *Store) TradesAt(ctx context.Context, symbol string, seq uint64) ([]TradeRow, error) {
	var rows []TradeRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND sequence = ?", symbol, seq).
		Order("executed_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.Transient("load trades for sequence", err)
	}
	return rows, nil
}

// RecentTrades returns the latest trades for a symbol, newest first.
func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]TradeRow, error) {
	var rows []TradeRow
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("executed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.Transient("load recent trades", err)
	}
	return rows, nil
}

// MarkOrderConflicted flags an order (and optionally its trades) as
// superseded by the authoritative region. Rows are flagged, never deleted.
func (s *Store) MarkOrderConflicted(ctx context.Context, orderID uuid.UUID, includeTrades bool) error {
	id := orderID.String()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&OrderRow{}).
			Where("id = ?", id).
			Update("conflicted", true).Error; err != nil {
			return err
		}
		if includeTrades {
			return tx.Model(&TradeRow{}).
				Where("buy_order_id = ? OR sell_order_id = ?", id, id).
				Update("conflicted", true).Error
		}
		return nil
	})
	if err != nil {
		return cerrors.Transient("mark conflicted", err)
	}
	return nil
}

// MarkTradeConflicted flags a single trade.
func (s *Store) MarkTradeConflicted(ctx context.Context, tradeID uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&TradeRow{}).
		Where("id = ?", tradeID.String()).
		Update("conflicted", true).Error
	if err != nil {
		return cerrors.Transient("mark trade conflicted", err)
	}
	return nil
}

// MarkConflictProcessed records the compensation marker. Returns false
// when the marker already existed, i.e. the conflict was compensated in
// an earlier pass.
func (s *Store) MarkConflictProcessed(ctx context.Context, key, region string) (bool, error) {
	row := ProcessedConflict{Key: key, Region: region}
	res := s.db.WithContext(ctx).
		Where(ProcessedConflict{Key: key}).
		FirstOrCreate(&row)
	if res.Error != nil {
		return false, cerrors.Transient("mark conflict processed", res.Error)
	}
	return res.RowsAffected > 0, nil
}
