package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	cerrors "github.com/tulipex/tulipcore/common/errors"
	"github.com/tulipex/tulipcore/internal/intake"
	"github.com/tulipex/tulipcore/internal/market"
	"github.com/tulipex/tulipcore/pkg/metrics"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("tif", func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "", market.TimeInForceGTC, market.TimeInForceIOC:
				return true
			}
			return false
		})
	}
}

// submitOrderRequest is the order intake payload.
type submitOrderRequest struct {
	ClientID       string          `json:"clientId"`
	IdempotencyKey string          `json:"idempotencyKey" binding:"required"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side" binding:"required,oneof=BUY SELL"`
	Quantity       decimal.Decimal `json:"quantity" binding:"required"`
	Price          decimal.Decimal `json:"price" binding:"required"`
	TimeInForce    string          `json:"timeInForce" binding:"tif"`
}

type submitOrderResponse struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AcceptedAt   string `json:"acceptedAt"`
	ProcessingMs int64  `json:"processingMs"`
}

// submitOrder always gives a definitive answer: 201 created, 200
// duplicate-resubmit with the original order ID, or a 4xx rejection.
func (s *Server) submitOrder(c *gin.Context) {
	start := time.Now()

	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
		return
	}

	result, err := s.gatekeeper.Submit(c.Request.Context(), intake.SubmitRequest{
		ClientID:       req.ClientID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          req.Price,
		TimeInForce:    req.TimeInForce,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	elapsed := time.Since(start)
	metrics.SubmitLatency.Observe(elapsed.Seconds())

	resp := submitOrderResponse{
		OrderID:      result.Order.ID.String(),
		Status:       string(result.Outcome),
		Market:       result.Order.Symbol,
		AcceptedAt:   result.Order.AcceptedAt.UTC().Format(time.RFC3339Nano),
		ProcessingMs: elapsed.Milliseconds(),
	}
	if result.Outcome == intake.OutcomeCreated {
		c.JSON(http.StatusCreated, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type orderView struct {
	OrderID    string          `json:"orderId"`
	ClientID   string          `json:"clientId"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Filled     decimal.Decimal `json:"filledQuantity"`
	TIF        string          `json:"timeInForce"`
	Status     string          `json:"status"`
	AcceptedAt string          `json:"acceptedAt"`
	Region     string          `json:"region"`
}

func toOrderView(o market.Order) orderView {
	return orderView{
		OrderID:    o.ID.String(),
		ClientID:   o.ClientID,
		Side:       o.Side,
		Price:      o.Price,
		Quantity:   o.Quantity,
		Filled:     o.FilledQuantity,
		TIF:        o.TimeInForce,
		Status:     o.Status,
		AcceptedAt: o.AcceptedAt.UTC().Format(time.RFC3339Nano),
		Region:     o.Region,
	}
}

// listOrders returns recent orders, newest first. The limit is clamped
// to 50, defaulting to 20.
func (s *Server) listOrders(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
		if limit > 50 {
			limit = 50
		}
	}

	orders, err := s.store.ListOrders(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]orderView, 0, len(orders))
	for _, o := range orders {
		items = append(items, toOrderView(o))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId must be a UUID"})
		return
	}
	if err := s.gatekeeper.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": id.String(), "status": "cancel-requested"})
}

// queryBook returns the best bid/ask and a bounded number of depth
// levels from the live shard book.
func (s *Server) queryBook(c *gin.Context) {
	symbol := c.DefaultQuery("symbol", s.symbol)
	depth := 10
	if raw := c.Query("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a positive integer"})
			return
		}
		depth = parsed
	}
	if depth > s.depthCap {
		depth = s.depthCap
	}

	book, ok := s.books.Book(symbol)
	if !ok {
		writeError(c, cerrors.NotFoundf("no book for symbol %s", symbol))
		return
	}

	bids, asks := book.Depth(depth)
	resp := gin.H{"symbol": symbol, "bids": bids, "asks": asks}
	if best, ok := book.BestBid(); ok {
		resp["bestBid"] = best
	}
	if best, ok := book.BestAsk(); ok {
		resp["bestAsk"] = best
	}
	c.JSON(http.StatusOK, resp)
}
