package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	orderbook "microgrid-ledger/internal/orderbook/domain"
)

var (
	// ErrOrderNotFound is returned when the ledger has no live order for the id.
	ErrOrderNotFound = errors.New("ledger: order not found")
	// ErrEmptyTxRef is returned when a transaction reference is empty.
	ErrEmptyTxRef = errors.New("ledger: empty tx ref")
)

// TxRef is the hash of a submitted ledger transaction.
type TxRef string

// String returns the hash.
func (r TxRef) String() string { return string(r) }

// LedgerOrder is the ledger's view of an order.
type LedgerOrder struct {
	OrderID   string
	Exists    bool
	Owner     string
	Side      orderbook.Side
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	CreatedAt time.Time
}

// MarketAggregates summarises the ledger order book.
type MarketAggregates struct {
	BidCount       int
	AskCount       int
	BestBid        decimal.Decimal
	BestAsk        decimal.Decimal
	TotalBidVolume decimal.Decimal
	TotalAskVolume decimal.Decimal
}

// SettlementParams are the ledger-sourced settlement parameters.
type SettlementParams struct {
	MinSettlementWh float64
	ConversionRatio decimal.Decimal
}

// TxState is the receipt state of a transaction.
type TxState string

const (
	TxPending TxState = "pending"
	TxSuccess TxState = "success"
	TxFailed  TxState = "failed"
)

// TxStatus is the outcome of a submitted transaction.
type TxStatus struct {
	State         TxState
	CreditedValue *decimal.Decimal
	BlockNumber   uint64
}

// Gateway is the asynchronous external ledger. Every call is a network round trip.
type Gateway interface {
	SubmitSettlement(ctx context.Context, deviceID string, netEnergyWh float64) (TxRef, error)
	PlaceOrder(ctx context.Context, owner string, side orderbook.Side, quantity, unitPrice decimal.Decimal) (TxRef, error)
	CancelOrder(ctx context.Context, orderID string, side orderbook.Side) (TxRef, error)
	GetOrder(ctx context.Context, orderID string, side orderbook.Side) (LedgerOrder, error)
	GetMarketAggregates(ctx context.Context) (MarketAggregates, error)
	SettlementParams(ctx context.Context) (SettlementParams, error)
	TransactionStatus(ctx context.Context, txRef TxRef) (TxStatus, error)
}
