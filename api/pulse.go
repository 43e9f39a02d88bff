package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tulipex/tulipcore/internal/market"
)

// pulsePoint is one minute of market activity.
type pulsePoint struct {
	Minute   string          `json:"minute"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	Trades   int             `json:"trades"`
	Volume   decimal.Decimal `json:"volume"`
}

// marketPulse aggregates recent activity into a per-minute series plus
// headline numbers. It reads committed ledger rows only, so conflicted
// history still counts toward what actually happened.
func (s *Server) marketPulse(c *gin.Context) {
	ctx := c.Request.Context()
	symbol := c.DefaultQuery("symbol", s.symbol)

	trades, err := s.store.RecentTrades(ctx, symbol, 500)
	if err != nil {
		writeError(c, err)
		return
	}
	orders, err := s.store.ListOrders(ctx, 200)
	if err != nil {
		writeError(c, err)
		return
	}

	buckets := make(map[string]*pulsePoint)
	var lastPrice decimal.Decimal
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		lastPrice = t.Price
		minute := t.ExecutedAt.UTC().Truncate(time.Minute).Format("15:04")
		pt, ok := buckets[minute]
		if !ok {
			pt = &pulsePoint{Minute: minute}
			buckets[minute] = pt
		}
		// Running average keeps the sum out of the struct.
		total := pt.AvgPrice.Mul(decimal.NewFromInt(int64(pt.Trades))).Add(t.Price)
		pt.Trades++
		pt.AvgPrice = total.Div(decimal.NewFromInt(int64(pt.Trades)))
		pt.Volume = pt.Volume.Add(t.Quantity)
	}

	points := make([]pulsePoint, 0, len(buckets))
	for _, pt := range buckets {
		points = append(points, *pt)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Minute < points[j].Minute })
	if len(points) > 60 {
		points = points[len(points)-60:]
	}

	buys, sells := 0, 0
	for _, o := range orders {
		switch o.Side {
		case market.SideBuy:
			buys++
		case market.SideSell:
			sells++
		}
	}
	buyShare := 0.0
	if buys+sells > 0 {
		buyShare = float64(buys) / float64(buys+sells)
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"lastPrice": lastPrice,
		"buys":      buys,
		"sells":     sells,
		"buyShare":  buyShare,
		"points":    points,
	})
}
