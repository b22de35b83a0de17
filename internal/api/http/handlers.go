package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"microgrid-ledger/internal/audit"
	orderapp "microgrid-ledger/internal/orderbook/application"
	orderbook "microgrid-ledger/internal/orderbook/domain"
	settlementapp "microgrid-ledger/internal/settlement/application"
	settlement "microgrid-ledger/internal/settlement/domain"
)

const timeLayout = time.RFC3339

// SettlementService is the settlement engine surface used by the HTTP layer.
type SettlementService interface {
	ManualSettlement(ctx context.Context, deviceID, requesterID string) (settlementapp.TriggerResult, error)
	ConfirmSettlement(ctx context.Context, c settlementapp.Confirmation) (bool, error)
	ConfirmByTxRef(ctx context.Context, txRef string, success bool, creditedValue *decimal.Decimal) (bool, error)
	History(ctx context.Context, q settlementapp.HistoryQuery) ([]settlementapp.HistoryEntry, error)
}

// OrderService is the order-book surface used by the HTTP layer.
type OrderService interface {
	Get(ctx context.Context, orderID string) (*orderbook.Order, error)
	Query(ctx context.Context, filter orderbook.Filter) ([]orderbook.Order, error)
	Cancel(ctx context.Context, orderID, requesterID string) (*orderbook.Order, error)
	MarketSnapshot(ctx context.Context) (orderapp.MarketSnapshot, error)
}

// AutoSettlementSwitch toggles the periodic settlement sweep.
type AutoSettlementSwitch interface {
	SetAutoSettlement(enabled bool)
	AutoSettlement() bool
}

// withOrigin tags the request context so audit events carry the client address.
func withOrigin(r *http.Request) context.Context {
	return audit.WithOrigin(r.Context(), audit.OriginFromRequest(r))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps domain errors onto status codes.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, settlementapp.ErrUnauthorized), errors.Is(err, orderbook.ErrNotOwner):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, settlementapp.ErrDeviceNotFound),
		errors.Is(err, settlement.ErrSettlementNotFound),
		errors.Is(err, orderbook.ErrOrderNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrSettlementInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, settlementapp.ErrNoTelemetry), errors.Is(err, settlementapp.ErrInvalidTelemetry):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case settlementapp.IsValidation(err), isOrderValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func isOrderValidation(err error) bool {
	for _, target := range []error{
		orderbook.ErrEmptyOrderID,
		orderbook.ErrEmptyOwner,
		orderbook.ErrInvalidSide,
		orderbook.ErrInvalidStatus,
		orderbook.ErrInvalidQuantity,
		orderbook.ErrInvalidPrice,
		orderbook.ErrInvalidTransition,
		orderbook.ErrMissingIndexFilter,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func parseLimit(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func parseDecimalQuery(r *http.Request, key string) (*decimal.Decimal, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return nil, errors.New(key + " must be a decimal")
	}
	return &parsed, nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
