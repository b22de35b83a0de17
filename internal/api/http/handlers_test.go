package apihttp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-ledger/internal/audit"
	"microgrid-ledger/internal/auth"
	"microgrid-ledger/internal/ledger"
	orderapp "microgrid-ledger/internal/orderbook/application"
	orderbook "microgrid-ledger/internal/orderbook/domain"
	settlementapp "microgrid-ledger/internal/settlement/application"
	settlement "microgrid-ledger/internal/settlement/domain"
)

type fakeSettlements struct {
	manualErr    error
	manualCalls  []string
	confirms     []settlementapp.Confirmation
	byTxRef      []string
	confirmErr   error
	history      []settlementapp.HistoryEntry
	historyQuery settlementapp.HistoryQuery
	origin       *audit.Origin
}

func (f *fakeSettlements) ManualSettlement(ctx context.Context, deviceID, requesterID string) (settlementapp.TriggerResult, error) {
	f.manualCalls = append(f.manualCalls, deviceID+"/"+requesterID)
	f.origin = audit.OriginFromContext(ctx)
	if f.manualErr != nil {
		return settlementapp.TriggerResult{DeviceID: deviceID}, f.manualErr
	}
	return settlementapp.TriggerResult{
		DeviceID:      deviceID,
		SettlementID:  "stl-001",
		ExternalTxRef: ledger.TxRef("0xabc"),
		NetEnergyWh:   450,
	}, nil
}

func (f *fakeSettlements) ConfirmSettlement(ctx context.Context, c settlementapp.Confirmation) (bool, error) {
	f.confirms = append(f.confirms, c)
	if f.confirmErr != nil {
		return false, f.confirmErr
	}
	return true, nil
}

func (f *fakeSettlements) ConfirmByTxRef(ctx context.Context, txRef string, success bool, creditedValue *decimal.Decimal) (bool, error) {
	f.byTxRef = append(f.byTxRef, txRef)
	if f.confirmErr != nil {
		return false, f.confirmErr
	}
	return len(f.byTxRef) == 1, nil
}

func (f *fakeSettlements) History(ctx context.Context, q settlementapp.HistoryQuery) ([]settlementapp.HistoryEntry, error) {
	f.historyQuery = q
	if q.Scope == settlementapp.ScopeAll && !q.IsAdmin {
		return nil, settlementapp.ErrUnauthorized
	}
	return f.history, nil
}

type fakeOrders struct {
	orders   map[string]orderbook.Order
	filter   orderbook.Filter
	snapshot orderapp.MarketSnapshot
}

func (f *fakeOrders) Get(ctx context.Context, orderID string) (*orderbook.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, orderbook.ErrOrderNotFound
	}
	return &order, nil
}

func (f *fakeOrders) Query(ctx context.Context, filter orderbook.Filter) ([]orderbook.Order, error) {
	f.filter = filter
	if _, _, ok := filter.Primary(); !ok {
		return nil, orderbook.ErrMissingIndexFilter
	}
	var out []orderbook.Order
	for _, order := range f.orders {
		if filter.Matches(order) {
			out = append(out, order)
		}
	}
	return out, nil
}

func (f *fakeOrders) Cancel(ctx context.Context, orderID, requesterID string) (*orderbook.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, orderbook.ErrOrderNotFound
	}
	if order.Owner != requesterID {
		return nil, orderbook.ErrNotOwner
	}
	order.Status = orderbook.StatusCancelled
	f.orders[orderID] = order
	return &order, nil
}

func (f *fakeOrders) MarketSnapshot(ctx context.Context) (orderapp.MarketSnapshot, error) {
	return f.snapshot, nil
}

type fakeToggle struct{ enabled bool }

func (f *fakeToggle) SetAutoSettlement(enabled bool) { f.enabled = enabled }
func (f *fakeToggle) AutoSettlement() bool           { return f.enabled }

func asUser(req *http.Request, role auth.Role, subject string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), role, subject))
}

func TestManualSettlementUsesTokenSubject(t *testing.T) {
	svc := &fakeSettlements{}
	handler, err := NewManualSettlementHandler(svc, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/manual", strings.NewReader(`{"device_id":"meter-a"}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleOperator, "alice"))

	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, []string{"meter-a/alice"}, svc.manualCalls)
	require.NotNil(t, svc.origin)
	assert.Equal(t, "203.0.113.7", svc.origin.IP)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "stl-001", body["settlement_id"])
	assert.Equal(t, "0xabc", body["external_tx_ref"])
}

func TestManualSettlementErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"not owner":    {settlementapp.ErrUnauthorized, http.StatusForbidden},
		"no device":    {settlementapp.ErrDeviceNotFound, http.StatusNotFound},
		"in flight":    {settlement.ErrSettlementInFlight, http.StatusConflict},
		"no telemetry": {settlementapp.ErrNoTelemetry, http.StatusUnprocessableEntity},
		"validation":   {settlement.ErrEmptyDeviceID, http.StatusBadRequest},
		"ledger down":  {assert.AnError, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			handler, err := NewManualSettlementHandler(&fakeSettlements{manualErr: tc.err}, nil)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/manual", strings.NewReader(`{"device_id":"meter-a"}`))
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, asUser(req, auth.RoleOperator, "bob"))
			assert.Equal(t, tc.want, resp.Code)
		})
	}
}

func TestManualSettlementRejectsBadInput(t *testing.T) {
	handler, err := NewManualSettlementHandler(&fakeSettlements{}, nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/manual", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/manual", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/manual", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func historyFixture() []settlementapp.HistoryEntry {
	credited := decimal.NewFromInt(225)
	confirmed := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	return []settlementapp.HistoryEntry{{
		Settlement: settlement.Settlement{
			ID:            "stl-001",
			DeviceID:      "meter-a",
			PeriodStart:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			PeriodEnd:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			RawExportWh:   500,
			RawImportWh:   50,
			NetEnergyWh:   450,
			CreditedValue: &credited,
			ExternalTxRef: "0xabc",
			Status:        settlement.StatusSuccess,
			Trigger:       settlement.TriggerPeriodic,
			CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			ConfirmedAt:   &confirmed,
		},
		OwnerID: "alice",
	}}
}

func TestSettlementsHistory(t *testing.T) {
	svc := &fakeSettlements{history: historyFixture()}
	handler := NewSettlementsHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements?device_id=meter-a&scope=own&limit=10", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleViewer, "alice"))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, settlementapp.HistoryQuery{
		DeviceID:    "meter-a",
		Scope:       settlementapp.ScopeOwn,
		RequesterID: "alice",
		Limit:       10,
	}, svc.historyQuery)

	var rows []settlementRow
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "stl-001", rows[0].ID)
	assert.Equal(t, "alice", rows[0].OwnerID)
	assert.Equal(t, "SUCCESS", rows[0].Status)
	require.NotNil(t, rows[0].CreditedValue)
	assert.True(t, rows[0].CreditedValue.Equal(decimal.NewFromInt(225)))
}

func TestSettlementsHistoryScopeAllNeedsAdmin(t *testing.T) {
	svc := &fakeSettlements{history: historyFixture()}
	handler := NewSettlementsHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements?scope=all", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleOperator, "alice"))
	assert.Equal(t, http.StatusForbidden, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/settlements?scope=all", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleAdmin, "root"))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, svc.historyQuery.IsAdmin)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/settlements?limit=-1", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleAdmin, "root"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestExportSettlementsCSV(t *testing.T) {
	handler := NewExportSettlementsCSVHandler(&fakeSettlements{history: historyFixture()})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exports/settlements.csv", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleViewer, "alice"))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/csv")
	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, []string{"stl-001", "meter-a", "alice"}, records[1][:3])
	assert.Equal(t, "450", records[1][5])
	assert.Equal(t, "225", records[1][6])
}

func TestConfirmSettlementByID(t *testing.T) {
	svc := &fakeSettlements{}
	handler := NewConfirmSettlementHandler(svc)

	body := `{"settlement_id":"stl-001","external_tx_ref":"0xabc","success":true,"credited_value":"225"}`
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/confirm", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"applied":true}`, resp.Body.String())
	require.Len(t, svc.confirms, 1)
	assert.Equal(t, "stl-001", svc.confirms[0].SettlementID)
	assert.True(t, svc.confirms[0].Success)
	require.NotNil(t, svc.confirms[0].CreditedValue)
	assert.Equal(t, "225", svc.confirms[0].CreditedValue.String())

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/confirm", strings.NewReader(`{"settlement_id":"stl-001"}`)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	svc.confirmErr = settlement.ErrSettlementNotFound
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/confirm", strings.NewReader(`{"settlement_id":"nope","success":false}`)))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	svc.confirmErr = settlement.ErrCreditedValueSign
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/settlements/confirm", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLedgerCallbackConfirmsByTxRef(t *testing.T) {
	svc := &fakeSettlements{}
	secret := []byte("relayer")
	handler := auth.NewCallbackMiddleware(secret, time.Minute).Wrap(NewLedgerCallbackHandler(svc))

	send := func(body string) *httptest.ResponseRecorder {
		stamp := strconv.FormatInt(time.Now().Unix(), 10)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/confirmations", strings.NewReader(body))
		req.Header.Set("X-Ledger-Timestamp", stamp)
		req.Header.Set("X-Ledger-Signature", auth.SignCallback(secret, stamp, []byte(body)))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp
	}

	body := `{"external_tx_ref":"0xabc","success":true}`
	resp := send(body)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"applied":true}`, resp.Body.String())

	resp = send(body)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"applied":false}`, resp.Body.String())
	assert.Equal(t, []string{"0xabc", "0xabc"}, svc.byTxRef)

	unsigned := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/confirmations", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, unsigned)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func sampleOrders() map[string]orderbook.Order {
	return map[string]orderbook.Order{
		"o1": {OrderID: "o1", Owner: "alice", Side: orderbook.SideBid, Pair: "ENERGY/TOKEN", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(2), Status: orderbook.StatusOpen},
		"o2": {OrderID: "o2", Owner: "bob", Side: orderbook.SideAsk, Pair: "ENERGY/TOKEN", Quantity: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(3), Status: orderbook.StatusOpen},
	}
}

func TestOrdersQueryAndGet(t *testing.T) {
	svc := &fakeOrders{orders: sampleOrders()}
	handler, err := NewOrdersHandler(svc, nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders?side=bid&min_price=1.5", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var orders []orderbook.Order
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].OrderID)
	assert.Equal(t, orderbook.SideBid, svc.filter.Side)
	require.NotNil(t, svc.filter.MinPrice)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders?side=sideways", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders?owner=bob&max_price=abc", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders/o2", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var order orderbook.Order
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &order))
	assert.Equal(t, "bob", order.Owner)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders/o9", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestOrdersCancelChecksOwner(t *testing.T) {
	svc := &fakeOrders{orders: sampleOrders()}
	handler, err := NewOrdersHandler(svc, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/o1/cancel", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleOperator, "bob"))
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, orderbook.StatusOpen, svc.orders["o1"].Status)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders/o1/cancel", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, asUser(req, auth.RoleOperator, "alice"))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, orderbook.StatusCancelled, svc.orders["o1"].Status)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/api/v1/orders/o1", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestOrdersStats(t *testing.T) {
	svc := &fakeOrders{
		orders: sampleOrders(),
		snapshot: orderapp.MarketSnapshot{
			Ledger: ledger.MarketAggregates{
				BidCount:       3,
				AskCount:       2,
				BestBid:        decimal.RequireFromString("1.25"),
				BestAsk:        decimal.RequireFromString("1.5"),
				TotalBidVolume: decimal.NewFromInt(40),
				TotalAskVolume: decimal.NewFromInt(25),
			},
			BySide:   map[orderbook.Side]int{orderbook.SideBid: 1, orderbook.SideAsk: 1},
			ByStatus: map[orderbook.Status]int{orderbook.StatusOpen: 2},
		},
	}
	handler, err := NewOrdersHandler(svc, nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders/stats", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.BidCount)
	assert.Equal(t, "1.25", stats.BestBid)
	assert.Equal(t, "25", stats.TotalAskVolume)
	assert.Equal(t, map[string]int{"BID": 1, "ASK": 1}, stats.CachedBySide)
	assert.Equal(t, map[string]int{"OPEN": 2}, stats.CachedByStatus)
}

func TestAutoSettlementToggle(t *testing.T) {
	toggle := &fakeToggle{}
	handler := NewAutoSettlementHandler(toggle, nil)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/admin/auto-settlement", strings.NewReader(`{"enabled":true}`)))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"enabled":true}`, resp.Body.String())
	assert.True(t, toggle.enabled)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/admin/auto-settlement", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.True(t, toggle.enabled)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/admin/auto-settlement", nil))
	assert.JSONEq(t, `{"enabled":true}`, resp.Body.String())

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPut, "/api/v1/admin/auto-settlement", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}
