// Package market holds the domain model shared by intake, matching,
// ledger and reconciliation.
package market

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	cerrors "github.com/tulipex/tulipcore/common/errors"
)

// Order sides and time-in-force options.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
)

// Order statuses. FILLED and CANCELLED are terminal; PARTIALLY_FILLED is
// re-enterable until the order is exhausted or cancelled.
const (
	StatusPending         = "PENDING"
	StatusAccepted        = "ACCEPTED"
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
)

// Order is owned by the matching shard once accepted. Only Status and
// FilledQuantity change after acceptance, and only the matching shard (or
// the reconciler, via compensations) mutates them.
type Order struct {
	ID              uuid.UUID       `json:"orderId"`
	ClientID        string          `json:"clientId"`
	IdempotencyHash string          `json:"idempotencyHash"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TimeInForce     string          `json:"timeInForce"`
	SubmittedAt     time.Time       `json:"submittedAt"`
	AcceptedAt      time.Time       `json:"acceptedAt"`
	Status          string          `json:"status"`
	FilledQuantity  decimal.Decimal `json:"filledQuantity"`
	Region          string          `json:"region"`
	ShardSequence   uint64          `json:"shardSequence"`
	// SimulationSeed seeds the deterministic replay matching mode. Derived
	// from the idempotency hash at acceptance time.
	SimulationSeed string `json:"simulationSeed,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// IsOpen reports whether the order may still rest on or cross the book.
func (o *Order) IsOpen() bool {
	switch o.Status {
	case StatusAccepted, StatusOpen, StatusPartiallyFilled:
		return true
	}
	return false
}

// Validate checks the fields a client controls. AcceptedAt and the
// idempotency hash are assigned server-side.
func (o *Order) Validate() error {
	if o.Side != SideBuy && o.Side != SideSell {
		return cerrors.Validationf("side must be BUY or SELL, got %q", o.Side)
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return cerrors.Validationf("quantity must be a positive number")
	}
	if o.Price.LessThanOrEqual(decimal.Zero) {
		return cerrors.Validationf("price must be a positive number")
	}
	if o.TimeInForce != TimeInForceGTC && o.TimeInForce != TimeInForceIOC {
		return cerrors.Validationf("timeInForce must be GTC or IOC, got %q", o.TimeInForce)
	}
	return nil
}

// Trade records one match. Created once at match time, never mutated,
// never deleted. The price is always the resting (maker) order's price.
type Trade struct {
	ID          uuid.UUID       `json:"tradeId"`
	Symbol      string          `json:"symbol"`
	BuyOrderID  uuid.UUID       `json:"buyOrderId"`
	SellOrderID uuid.UUID       `json:"sellOrderId"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedAt  time.Time       `json:"executedAt"`
	Region      string          `json:"region"`
}

// CompoundKey names one logical submission regardless of retries:
// hex sha256 of "clientID:idempotencyKey".
func CompoundKey(clientID, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(clientID + ":" + idempotencyKey))
	return hex.EncodeToString(sum[:])
}

// DeterministicTradeID derives a stable trade ID from the match inputs so
// that replaying an identical event sequence reproduces identical trades.
func DeterministicTradeID(takerID, makerID uuid.UUID, seq uint64, fillIndex int) uuid.UUID {
	seed := []byte(takerID.String() + ":" + makerID.String())
	seed = append(seed, byte(seq>>56), byte(seq>>48), byte(seq>>40), byte(seq>>32),
		byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq))
	seed = append(seed, byte(fillIndex))
	return uuid.NewSHA1(uuid.NameSpaceOID, seed)
}
