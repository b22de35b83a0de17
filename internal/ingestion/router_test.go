package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-ledger/internal/eventing"
	orderapp "microgrid-ledger/internal/orderbook/application"
	orderbook "microgrid-ledger/internal/orderbook/domain"
	"microgrid-ledger/internal/settlement/domain"
)

type recordingHandlers struct {
	trades     []orderapp.TradeExecuted
	confirms   []SettlementConfirmed
	placements []orderapp.OrderPlaced
	tradeErr   error
	confirmErr error
}

func (r *recordingHandlers) Handle(ctx context.Context, trade orderapp.TradeExecuted) error {
	r.trades = append(r.trades, trade)
	return r.tradeErr
}

func (r *recordingHandlers) ConfirmByTxRef(ctx context.Context, txRef string, success bool, credited *decimal.Decimal) (bool, error) {
	r.confirms = append(r.confirms, SettlementConfirmed{ExternalTxRef: txRef, Success: success, CreditedValue: credited})
	return r.confirmErr == nil, r.confirmErr
}

func (r *recordingHandlers) ConfirmPlacement(ctx context.Context, placed orderapp.OrderPlaced) (*orderbook.Order, error) {
	r.placements = append(r.placements, placed)
	return &orderbook.Order{OrderID: placed.OrderID}, nil
}

func newTestRouter(t *testing.T, processed eventing.ProcessedStore) (*Router, *recordingHandlers) {
	t.Helper()
	handlers := &recordingHandlers{}
	router, err := NewRouter(handlers, handlers, handlers, processed, nil)
	require.NoError(t, err)
	return router, handlers
}

func envelope(t *testing.T, eventType, eventID string, payload any) []byte {
	t.Helper()
	env, err := eventing.BuildEnvelope(eventType, payload, eventing.Meta{EventID: eventID})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestRouterDispatchesByEventType(t *testing.T) {
	router, handlers := newTestRouter(t, nil)
	ctx := context.Background()

	trade := orderapp.TradeExecuted{OrderID: "o1", Side: orderbook.SideBid, MatchedQuantity: decimal.NewFromInt(6), ExternalTxRef: "0xfill"}
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.o1", envelope(t, EventTradeExecuted, "e1", trade)))
	require.Len(t, handlers.trades, 1)
	assert.Equal(t, "o1", handlers.trades[0].OrderID)
	assert.True(t, handlers.trades[0].MatchedQuantity.Equal(decimal.NewFromInt(6)))

	credited := decimal.RequireFromString("12.5")
	confirmed := SettlementConfirmed{ExternalTxRef: "0xabc", Success: true, CreditedValue: &credited}
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.settlements.meter-a", envelope(t, EventSettlementConfirmed, "e2", confirmed)))
	require.Len(t, handlers.confirms, 1)
	assert.True(t, handlers.confirms[0].CreditedValue.Equal(credited))

	placed := orderapp.OrderPlaced{OrderID: "9", Owner: "alice", Side: orderbook.SideAsk}
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.orders.placed.9", envelope(t, EventOrderPlaced, "e3", placed)))
	require.Len(t, handlers.placements, 1)
}

func TestRouterDropsMalformedMessages(t *testing.T) {
	router, handlers := newTestRouter(t, nil)
	ctx := context.Background()

	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.x", []byte("not json")))
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.x", envelope(t, "PriceTick", "e1", map[string]int{"p": 1})))
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.x", []byte(`{"event_type":"TradeExecuted","payload":"oops"}`)))
	assert.Empty(t, handlers.trades)
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	router, handlers := newTestRouter(t, nil)
	ctx := context.Background()

	handlers.confirmErr = settlement.ErrSettlementNotFound
	data := envelope(t, EventSettlementConfirmed, "e1", SettlementConfirmed{ExternalTxRef: "0xabc", Success: true})
	assert.Equal(t, Nak, router.Handle(ctx, "ledger.settlements.x", data))

	handlers.confirmErr = settlement.ErrMissingTxRef
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.settlements.x", data))

	handlers.tradeErr = errors.New("rpc timeout")
	trade := envelope(t, EventTradeExecuted, "e2", orderapp.TradeExecuted{OrderID: "o1", Side: orderbook.SideBid})
	assert.Equal(t, Nak, router.Handle(ctx, "ledger.trades.o1", trade))

	handlers.tradeErr = orderbook.ErrInvalidSide
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.o1", trade))
}

func TestRouterSkipsProcessedEnvelopes(t *testing.T) {
	router, handlers := newTestRouter(t, eventing.NewMemoryProcessedStore())
	ctx := context.Background()

	data := envelope(t, EventTradeExecuted, "dup-1", orderapp.TradeExecuted{OrderID: "o1", Side: orderbook.SideBid})
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.o1", data))
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.o1", data))
	assert.Len(t, handlers.trades, 1)

	handlers.tradeErr = errors.New("rpc timeout")
	failing := envelope(t, EventTradeExecuted, "dup-2", orderapp.TradeExecuted{OrderID: "o2", Side: orderbook.SideBid})
	assert.Equal(t, Nak, router.Handle(ctx, "ledger.trades.o2", failing))
	handlers.tradeErr = nil
	assert.Equal(t, Ack, router.Handle(ctx, "ledger.trades.o2", failing))
	assert.Len(t, handlers.trades, 3)
}

func TestDefaultSubjects(t *testing.T) {
	subjects := DefaultSubjects("", "")
	require.Len(t, subjects, 3)
	for _, subject := range subjects {
		assert.Equal(t, "LEDGER_SIGNALS", subject.StreamName)
		assert.NotEmpty(t, subject.ConsumerName)
	}
}
