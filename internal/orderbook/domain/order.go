package orderbook

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotFound is returned when the cache has no record for an order id.
	ErrOrderNotFound = errors.New("orderbook: order not found")
	// ErrEmptyOrderID is returned when an order id is empty.
	ErrEmptyOrderID = errors.New("orderbook: empty order id")
	// ErrEmptyOwner is returned when an order has no owner.
	ErrEmptyOwner = errors.New("orderbook: empty owner")
	// ErrInvalidSide is returned for an unknown side.
	ErrInvalidSide = errors.New("orderbook: invalid side")
	// ErrInvalidStatus is returned for an unknown status.
	ErrInvalidStatus = errors.New("orderbook: invalid status")
	// ErrInvalidQuantity is returned when quantity is not positive for a live order.
	ErrInvalidQuantity = errors.New("orderbook: invalid quantity")
	// ErrInvalidPrice is returned when the unit price is not positive.
	ErrInvalidPrice = errors.New("orderbook: invalid unit price")
	// ErrInvalidTransition is returned when a write would move status backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("orderbook: invalid status transition")
	// ErrQuantityIncrease is returned when a write would raise the remaining quantity.
	ErrQuantityIncrease = errors.New("orderbook: quantity increase")
	// ErrSideChanged is returned when a write would move an order to the other side.
	ErrSideChanged = errors.New("orderbook: side changed")
	// ErrMissingIndexFilter is returned when a query names no indexed dimension.
	ErrMissingIndexFilter = errors.New("orderbook: query needs side, owner or status")
	// ErrConflict is returned when a compare-and-swap lost a race.
	ErrConflict = errors.New("orderbook: concurrent update")
	// ErrNotOwner is returned when a requester acts on another owner's order.
	ErrNotOwner = errors.New("orderbook: requester does not own order")
)

// Side is the book side of an order.
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

// Valid reports whether the side is known.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
)

// Statuses lists every status in lattice order.
var Statuses = []Status{StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled}

// Sides lists both sides.
var Sides = []Side{SideBid, SideAsk}

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status allows no further change.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// CanTransition reports whether from -> to respects the lattice. Same-status writes are allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusOpen:
		return to == StatusPartiallyFilled || to == StatusFilled || to == StatusCancelled
	case StatusPartiallyFilled:
		return to == StatusFilled || to == StatusCancelled
	}
	return false
}

// Order is the cached mirror of a ledger order.
type Order struct {
	OrderID    string          `json:"order_id"`
	Owner      string          `json:"owner"`
	Side       Side            `json:"side"`
	Pair       string          `json:"pair"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalValue decimal.Decimal `json:"total_value"`
	Status     Status          `json:"status"`

	ExternalTxPlaced    string `json:"external_tx_placed,omitempty"`
	ExternalTxFilled    string `json:"external_tx_filled,omitempty"`
	ExternalTxCancelled string `json:"external_tx_cancelled,omitempty"`

	CreatedAtLedger time.Time `json:"created_at_ledger"`
	UpdatedAtCache  time.Time `json:"updated_at_cache"`
}

// Validate checks the shape of a single record.
func (o Order) Validate() error {
	if o.OrderID == "" {
		return ErrEmptyOrderID
	}
	if o.Owner == "" {
		return ErrEmptyOwner
	}
	if !o.Side.Valid() {
		return ErrInvalidSide
	}
	if !o.Status.Valid() {
		return ErrInvalidStatus
	}
	if o.Quantity.IsNegative() {
		return ErrInvalidQuantity
	}
	if o.Quantity.IsZero() && o.Status != StatusFilled {
		return ErrInvalidQuantity
	}
	if !o.UnitPrice.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}

// ValidateAgainst checks that o is a legal successor of prior.
func (o Order) ValidateAgainst(prior Order) error {
	if o.Side != prior.Side {
		return ErrSideChanged
	}
	if !CanTransition(prior.Status, o.Status) {
		return ErrInvalidTransition
	}
	if o.Quantity.GreaterThan(prior.Quantity) {
		return ErrQuantityIncrease
	}
	return nil
}

// Recompute derives TotalValue from quantity and price.
func (o *Order) Recompute() {
	o.TotalValue = o.Quantity.Mul(o.UnitPrice)
}

// Dimension names a secondary index.
type Dimension string

const (
	DimensionSide   Dimension = "side"
	DimensionOwner  Dimension = "owner"
	DimensionStatus Dimension = "status"
)

// Filter selects cached orders. At least one of Side, Owner or Status must be set.
type Filter struct {
	Side        Side
	Owner       string
	Status      Status
	Pair        string
	MinPrice    *decimal.Decimal
	MaxPrice    *decimal.Decimal
	MinQuantity *decimal.Decimal
}

// Primary picks the index used for the lookup: owner, then status, then side.
func (f Filter) Primary() (Dimension, string, bool) {
	switch {
	case f.Owner != "":
		return DimensionOwner, f.Owner, true
	case f.Status != "":
		return DimensionStatus, string(f.Status), true
	case f.Side != "":
		return DimensionSide, string(f.Side), true
	}
	return "", "", false
}

// Matches applies every filter dimension to o.
func (f Filter) Matches(o Order) bool {
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.Owner != "" && o.Owner != f.Owner {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Pair != "" && o.Pair != f.Pair {
		return false
	}
	if f.MinPrice != nil && o.UnitPrice.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && o.UnitPrice.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.MinQuantity != nil && o.Quantity.LessThan(*f.MinQuantity) {
		return false
	}
	return true
}
