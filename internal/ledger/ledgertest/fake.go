// Package ledgertest provides an in-memory ledger gateway for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"microgrid-ledger/internal/ledger"
	orderbook "microgrid-ledger/internal/orderbook/domain"
)

// Submission is a recorded SubmitSettlement call.
type Submission struct {
	DeviceID    string
	NetEnergyWh float64
	TxRef       ledger.TxRef
}

// Gateway is a scriptable fake. Zero-value error fields mean success.
type Gateway struct {
	mu sync.Mutex

	Orders     map[string]ledger.LedgerOrder
	Aggregates ledger.MarketAggregates
	Params     ledger.SettlementParams
	Statuses   map[ledger.TxRef]ledger.TxStatus

	SubmitErr   error
	OrderErr    error
	ParamsErr   error
	StatusErr   error
	PlaceErr    error
	CancelErr   error
	GetOrderHit func(orderID string)

	Submissions []Submission
	Cancelled   []string
	Placed      []ledger.TxRef
	seq         int
}

// New constructs a fake with the given settlement parameters.
func New(params ledger.SettlementParams) *Gateway {
	return &Gateway{
		Orders:   make(map[string]ledger.LedgerOrder),
		Statuses: make(map[ledger.TxRef]ledger.TxStatus),
		Params:   params,
	}
}

func (g *Gateway) nextRef(prefix string) ledger.TxRef {
	g.seq++
	return ledger.TxRef(fmt.Sprintf("0x%s%04d", prefix, g.seq))
}

func (g *Gateway) SubmitSettlement(ctx context.Context, deviceID string, netEnergyWh float64) (ledger.TxRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.SubmitErr != nil {
		return "", g.SubmitErr
	}
	ref := g.nextRef("5e")
	g.Submissions = append(g.Submissions, Submission{DeviceID: deviceID, NetEnergyWh: netEnergyWh, TxRef: ref})
	return ref, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, owner string, side orderbook.Side, quantity, unitPrice decimal.Decimal) (ledger.TxRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PlaceErr != nil {
		return "", g.PlaceErr
	}
	ref := g.nextRef("91")
	g.Placed = append(g.Placed, ref)
	return ref, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string, side orderbook.Side) (ledger.TxRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return "", g.CancelErr
	}
	delete(g.Orders, orderID)
	g.Cancelled = append(g.Cancelled, orderID)
	return g.nextRef("ca"), nil
}

func (g *Gateway) GetOrder(ctx context.Context, orderID string, side orderbook.Side) (ledger.LedgerOrder, error) {
	g.mu.Lock()
	hit := g.GetOrderHit
	err := g.OrderErr
	order, ok := g.Orders[orderID]
	g.mu.Unlock()
	if hit != nil {
		hit(orderID)
	}
	if err != nil {
		return ledger.LedgerOrder{}, err
	}
	if !ok {
		return ledger.LedgerOrder{OrderID: orderID, Side: side}, ledger.ErrOrderNotFound
	}
	return order, nil
}

func (g *Gateway) GetMarketAggregates(ctx context.Context) (ledger.MarketAggregates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Aggregates, nil
}

func (g *Gateway) SettlementParams(ctx context.Context) (ledger.SettlementParams, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ParamsErr != nil {
		return ledger.SettlementParams{}, g.ParamsErr
	}
	return g.Params, nil
}

func (g *Gateway) TransactionStatus(ctx context.Context, txRef ledger.TxRef) (ledger.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.StatusErr != nil {
		return ledger.TxStatus{}, g.StatusErr
	}
	status, ok := g.Statuses[txRef]
	if !ok {
		return ledger.TxStatus{State: ledger.TxPending}, nil
	}
	return status, nil
}

// SetOrder stores a live ledger order.
func (g *Gateway) SetOrder(order ledger.LedgerOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order.Exists = true
	g.Orders[order.OrderID] = order
}

// SetStatus scripts a receipt outcome.
func (g *Gateway) SetStatus(ref ledger.TxRef, status ledger.TxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Statuses[ref] = status
}

// SubmissionCount returns the number of SubmitSettlement calls that succeeded.
func (g *Gateway) SubmissionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Submissions)
}
