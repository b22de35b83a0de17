package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"microgrid-ledger/internal/observability/metrics"
	orderbook "microgrid-ledger/internal/orderbook/domain"
)

// Instrumented bounds every call with a deadline and records gateway metrics.
type Instrumented struct {
	next    Gateway
	timeout time.Duration
}

// NewInstrumented wraps next. A non-positive timeout leaves deadlines to the caller.
func NewInstrumented(next Gateway, timeout time.Duration) (*Instrumented, error) {
	if next == nil {
		return nil, errors.New("ledger: nil gateway")
	}
	return &Instrumented{next: next, timeout: timeout}, nil
}

func (g *Instrumented) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(err, context.DeadlineExceeded)
	}
	metrics.ObserveLedgerCall(method, err, time.Since(start))
	return err
}

func (g *Instrumented) SubmitSettlement(ctx context.Context, deviceID string, netEnergyWh float64) (TxRef, error) {
	var ref TxRef
	err := g.call(ctx, "submit_settlement", func(ctx context.Context) error {
		var err error
		ref, err = g.next.SubmitSettlement(ctx, deviceID, netEnergyWh)
		return err
	})
	return ref, err
}

func (g *Instrumented) PlaceOrder(ctx context.Context, owner string, side orderbook.Side, quantity, unitPrice decimal.Decimal) (TxRef, error) {
	var ref TxRef
	err := g.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		ref, err = g.next.PlaceOrder(ctx, owner, side, quantity, unitPrice)
		return err
	})
	return ref, err
}

func (g *Instrumented) CancelOrder(ctx context.Context, orderID string, side orderbook.Side) (TxRef, error) {
	var ref TxRef
	err := g.call(ctx, "cancel_order", func(ctx context.Context) error {
		var err error
		ref, err = g.next.CancelOrder(ctx, orderID, side)
		return err
	})
	return ref, err
}

func (g *Instrumented) GetOrder(ctx context.Context, orderID string, side orderbook.Side) (LedgerOrder, error) {
	var order LedgerOrder
	err := g.call(ctx, "get_order", func(ctx context.Context) error {
		var err error
		order, err = g.next.GetOrder(ctx, orderID, side)
		return err
	})
	return order, err
}

func (g *Instrumented) GetMarketAggregates(ctx context.Context) (MarketAggregates, error) {
	var aggregates MarketAggregates
	err := g.call(ctx, "market_aggregates", func(ctx context.Context) error {
		var err error
		aggregates, err = g.next.GetMarketAggregates(ctx)
		return err
	})
	return aggregates, err
}

func (g *Instrumented) SettlementParams(ctx context.Context) (SettlementParams, error) {
	var params SettlementParams
	err := g.call(ctx, "settlement_params", func(ctx context.Context) error {
		var err error
		params, err = g.next.SettlementParams(ctx)
		return err
	})
	return params, err
}

func (g *Instrumented) TransactionStatus(ctx context.Context, txRef TxRef) (TxStatus, error) {
	var status TxStatus
	err := g.call(ctx, "transaction_status", func(ctx context.Context) error {
		var err error
		status, err = g.next.TransactionStatus(ctx, txRef)
		return err
	})
	return status, err
}
