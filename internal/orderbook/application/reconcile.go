package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/audit"
	"microgrid-ledger/internal/ledger"
	"microgrid-ledger/internal/observability/metrics"
	orderbook "microgrid-ledger/internal/orderbook/domain"
)

// TradeExecuted signals that the ledger matched part or all of an order.
type TradeExecuted struct {
	OrderID         string          `json:"order_id"`
	Side            orderbook.Side  `json:"side"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	ExternalTxRef   string          `json:"external_tx_ref"`
}

// Reconcile outcomes reported to metrics.
const (
	ReconcileApplied = "applied"
	ReconcileNoop    = "noop"
	ReconcileMissing = "missing"
	ReconcileError   = "error"
)

// Reconciler corrects cached orders against ledger state after trades.
type Reconciler struct {
	cache    *Cache
	ledger   ledger.Gateway
	recorder audit.Recorder
	logger   *zap.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(cache *Cache, gateway ledger.Gateway, recorder audit.Recorder, logger *zap.Logger) (*Reconciler, error) {
	if cache == nil {
		return nil, errors.New("reconciler: nil cache")
	}
	if gateway == nil {
		return nil, errors.New("reconciler: nil ledger gateway")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cache: cache, ledger: gateway, recorder: recorder, logger: logger.Named("reconcile")}, nil
}

// Handle applies one trade signal. The signal's matched quantity is only logged: the new
// state is derived from what the ledger reports now, so replays converge.
func (r *Reconciler) Handle(ctx context.Context, trade TradeExecuted) error {
	if trade.OrderID == "" {
		return orderbook.ErrEmptyOrderID
	}
	if !trade.Side.Valid() {
		return orderbook.ErrInvalidSide
	}

	onLedger, err := r.ledger.GetOrder(ctx, trade.OrderID, trade.Side)
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound):
		onLedger = ledger.LedgerOrder{OrderID: trade.OrderID, Exists: false}
	case err != nil:
		metrics.IncReconcile(ReconcileError)
		return fmt.Errorf("reconciler: ledger order %s: %w", trade.OrderID, err)
	}

	var before orderbook.Order
	changed := false
	updated, err := r.cache.Update(ctx, trade.OrderID, func(current orderbook.Order) (*orderbook.Order, error) {
		before = current
		next, ok := reconcileOrder(current, onLedger, trade.ExternalTxRef)
		if !ok {
			changed = false
			return nil, nil
		}
		changed = true
		return &next, nil
	})
	switch {
	case errors.Is(err, orderbook.ErrOrderNotFound):
		metrics.IncReconcile(ReconcileMissing)
		r.logger.Info("trade for uncached order ignored",
			zap.String("order_id", trade.OrderID),
			zap.String("tx_ref", trade.ExternalTxRef),
		)
		return nil
	case err != nil:
		metrics.IncReconcile(ReconcileError)
		return fmt.Errorf("reconciler: update %s: %w", trade.OrderID, err)
	}

	if !changed {
		metrics.IncReconcile(ReconcileNoop)
		r.logger.Debug("order already reconciled", zap.String("order_id", trade.OrderID))
		return nil
	}

	metrics.IncReconcile(ReconcileApplied)
	audit.Emit(ctx, r.recorder, r.logger, audit.Event{
		Kind:    audit.KindOrderReconciled,
		OrderID: trade.OrderID,
		Order: &audit.OrderPayload{
			Side:          string(updated.Side),
			FromStatus:    string(before.Status),
			ToStatus:      string(updated.Status),
			FromQuantity:  before.Quantity,
			ToQuantity:    updated.Quantity,
			ExternalTxRef: trade.ExternalTxRef,
		},
		OccurredAt: updated.UpdatedAtCache,
	})
	r.logger.Info("order reconciled",
		zap.String("order_id", trade.OrderID),
		zap.String("status", string(updated.Status)),
		zap.String("quantity", updated.Quantity.String()),
		zap.String("matched", trade.MatchedQuantity.String()),
		zap.String("tx_ref", trade.ExternalTxRef),
	)
	return nil
}

// reconcileOrder derives the cached record implied by the ledger. ok is false when nothing changes.
func reconcileOrder(current orderbook.Order, onLedger ledger.LedgerOrder, txRef string) (orderbook.Order, bool) {
	if current.Status.IsTerminal() {
		return current, false
	}
	next := current
	switch {
	case !onLedger.Exists:
		next.Quantity = decimal.Zero
		next.Status = orderbook.StatusFilled
	case onLedger.Quantity.LessThan(current.Quantity):
		next.Quantity = onLedger.Quantity
		next.Status = orderbook.StatusPartiallyFilled
		if onLedger.Quantity.IsZero() {
			next.Status = orderbook.StatusFilled
		}
	default:
		return current, false
	}
	if next.ExternalTxFilled == "" {
		next.ExternalTxFilled = txRef
	}
	return next, true
}
