package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/eventing"
	"microgrid-ledger/internal/observability/metrics"
	orderapp "microgrid-ledger/internal/orderbook/application"
	orderbook "microgrid-ledger/internal/orderbook/domain"
	settlementapp "microgrid-ledger/internal/settlement/application"
)

// Event types carried in envelopes.
const (
	EventTradeExecuted       = "TradeExecuted"
	EventSettlementConfirmed = "SettlementConfirmed"
	EventOrderPlaced         = "OrderPlaced"
)

// SettlementConfirmed is the ledger's confirmation of a settlement transaction.
type SettlementConfirmed struct {
	ExternalTxRef string           `json:"external_tx_ref"`
	Success       bool             `json:"success"`
	CreditedValue *decimal.Decimal `json:"credited_value,omitempty"`
}

// TradeReconciler corrects cached orders after trades.
type TradeReconciler interface {
	Handle(ctx context.Context, trade orderapp.TradeExecuted) error
}

// SettlementConfirmer applies settlement confirmations.
type SettlementConfirmer interface {
	ConfirmByTxRef(ctx context.Context, txRef string, success bool, creditedValue *decimal.Decimal) (bool, error)
}

// PlacementConfirmer caches confirmed placements.
type PlacementConfirmer interface {
	ConfirmPlacement(ctx context.Context, placed orderapp.OrderPlaced) (*orderbook.Order, error)
}

// Disposition tells the subscriber what to do with a message.
type Disposition int

const (
	// Ack removes the message from the stream.
	Ack Disposition = iota
	// Nak asks for redelivery.
	Nak
)

// Signal outcomes reported to metrics.
const (
	outcomeHandled   = "handled"
	outcomeRejected  = "rejected"
	outcomeMalformed = "malformed"
	outcomeRetry     = "retry"
)

// Router decodes envelopes and dispatches them to the domain handlers.
type Router struct {
	registry *eventing.Registry
	handlers map[string]eventing.Handler
	logger   *zap.Logger
}

// NewRouter wires the three signal kinds. processed may be nil.
func NewRouter(
	trades TradeReconciler,
	settlements SettlementConfirmer,
	placements PlacementConfirmer,
	processed eventing.ProcessedStore,
	logger *zap.Logger,
) (*Router, error) {
	if trades == nil || settlements == nil || placements == nil {
		return nil, errors.New("signal router: missing handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := eventing.NewRegistry()
	registry.Register(EventTradeExecuted, orderapp.TradeExecuted{})
	registry.Register(EventSettlementConfirmed, SettlementConfirmed{})
	registry.Register(EventOrderPlaced, orderapp.OrderPlaced{})

	handlers := map[string]eventing.Handler{
		EventTradeExecuted: func(ctx context.Context, event any) error {
			return trades.Handle(ctx, event.(orderapp.TradeExecuted))
		},
		EventSettlementConfirmed: func(ctx context.Context, event any) error {
			confirmed := event.(SettlementConfirmed)
			_, err := settlements.ConfirmByTxRef(ctx, confirmed.ExternalTxRef, confirmed.Success, confirmed.CreditedValue)
			return err
		},
		EventOrderPlaced: func(ctx context.Context, event any) error {
			_, err := placements.ConfirmPlacement(ctx, event.(orderapp.OrderPlaced))
			return err
		},
	}
	for eventType, handler := range handlers {
		handlers[eventType] = eventing.WrapHandler(consumerName(eventType), handler, processed)
	}

	return &Router{registry: registry, handlers: handlers, logger: logger.Named("signals")}, nil
}

// Handle processes one message and reports whether it should be acked.
func (r *Router) Handle(ctx context.Context, subject string, data []byte) Disposition {
	env, err := eventing.DecodeEnvelope(data)
	if err != nil {
		metrics.IncSignal("unknown", outcomeMalformed)
		r.logger.Warn("malformed signal dropped", zap.String("subject", subject), zap.Error(err))
		return Ack
	}
	payload, err := r.registry.DecodePayload(env)
	if err != nil {
		metrics.IncSignal(env.EventType, outcomeMalformed)
		r.logger.Warn("undecodable signal dropped",
			zap.String("subject", subject),
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return Ack
	}

	err = r.handlers[env.EventType](eventing.WithEnvelope(ctx, env), payload)
	switch {
	case err == nil:
		metrics.IncSignal(env.EventType, outcomeHandled)
		return Ack
	case permanent(err):
		metrics.IncSignal(env.EventType, outcomeRejected)
		r.logger.Warn("signal rejected",
			zap.String("subject", subject),
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return Ack
	default:
		metrics.IncSignal(env.EventType, outcomeRetry)
		r.logger.Error("signal handling failed",
			zap.String("subject", subject),
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return Nak
	}
}

// permanent reports whether redelivery cannot change the outcome. An unknown tx ref is
// retried: the confirmation can overtake the write that attaches the ref.
func permanent(err error) bool {
	if settlementapp.IsValidation(err) {
		return true
	}
	for _, target := range []error{
		orderbook.ErrEmptyOrderID,
		orderbook.ErrEmptyOwner,
		orderbook.ErrInvalidSide,
		orderbook.ErrInvalidStatus,
		orderbook.ErrInvalidQuantity,
		orderbook.ErrInvalidPrice,
		orderbook.ErrInvalidTransition,
		orderbook.ErrQuantityIncrease,
		orderbook.ErrSideChanged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func consumerName(eventType string) string {
	return fmt.Sprintf("ledger-%s", eventType)
}
