package apihttp

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"microgrid-ledger/internal/auth"
	orderbook "microgrid-ledger/internal/orderbook/domain"
)

const ordersPrefix = "/api/v1/orders"

// OrdersHandler serves the cached order book.
type OrdersHandler struct {
	service OrderService
	logger  *zap.Logger
}

// NewOrdersHandler constructs an OrdersHandler.
func NewOrdersHandler(service OrderService, logger *zap.Logger) (*OrdersHandler, error) {
	if service == nil {
		return nil, errors.New("orders handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrdersHandler{service: service, logger: logger}, nil
}

// ServeHTTP routes /api/v1/orders, /api/v1/orders/stats, /api/v1/orders/{id} and /api/v1/orders/{id}/cancel.
func (h *OrdersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, ordersPrefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, ordersPrefix), "/")
	if path == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleQuery(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] == "stats" && r.Method == http.MethodGet:
		h.handleStats(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *OrdersHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := orderbook.Filter{
		Side:   orderbook.Side(strings.ToUpper(query.Get("side"))),
		Owner:  query.Get("owner"),
		Status: orderbook.Status(strings.ToUpper(query.Get("status"))),
		Pair:   query.Get("pair"),
	}
	if filter.Side != "" && !filter.Side.Valid() {
		http.Error(w, "side must be BID or ASK", http.StatusBadRequest)
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	var err error
	if filter.MinPrice, err = parseDecimalQuery(r, "min_price"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.MaxPrice, err = parseDecimalQuery(r, "max_price"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.MinQuantity, err = parseDecimalQuery(r, "min_quantity"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	orders, err := h.service.Query(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if orders == nil {
		orders = []orderbook.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *OrdersHandler) handleGet(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.service.Get(r.Context(), orderID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) handleCancel(w http.ResponseWriter, r *http.Request, orderID string) {
	requester := auth.SubjectFromContext(r.Context())
	order, err := h.service.Cancel(withOrigin(r), orderID, requester)
	if err != nil {
		h.logger.Info("order cancel rejected",
			zap.String("order_id", orderID),
			zap.String("requester_id", requester),
			zap.Error(err),
		)
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type statsResponse struct {
	BidCount       int            `json:"bid_count"`
	AskCount       int            `json:"ask_count"`
	BestBid        string         `json:"best_bid"`
	BestAsk        string         `json:"best_ask"`
	TotalBidVolume string         `json:"total_bid_volume"`
	TotalAskVolume string         `json:"total_ask_volume"`
	CachedBySide   map[string]int `json:"cached_by_side"`
	CachedByStatus map[string]int `json:"cached_by_status"`
}

func (h *OrdersHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.MarketSnapshot(r.Context())
	if err != nil {
		h.logger.Warn("market snapshot failed", zap.Error(err))
		respondError(w, err)
		return
	}
	resp := statsResponse{
		BidCount:       snapshot.Ledger.BidCount,
		AskCount:       snapshot.Ledger.AskCount,
		BestBid:        snapshot.Ledger.BestBid.String(),
		BestAsk:        snapshot.Ledger.BestAsk.String(),
		TotalBidVolume: snapshot.Ledger.TotalBidVolume.String(),
		TotalAskVolume: snapshot.Ledger.TotalAskVolume.String(),
		CachedBySide:   make(map[string]int, len(snapshot.BySide)),
		CachedByStatus: make(map[string]int, len(snapshot.ByStatus)),
	}
	for side, count := range snapshot.BySide {
		resp.CachedBySide[string(side)] = count
	}
	for status, count := range snapshot.ByStatus {
		resp.CachedByStatus[string(status)] = count
	}
	writeJSON(w, http.StatusOK, resp)
}
