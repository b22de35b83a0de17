package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/audit"
	"microgrid-ledger/internal/ledger"
	orderbook "microgrid-ledger/internal/orderbook/domain"
)

// DefaultPair is used when a placement names no pair.
const DefaultPair = "ENERGY/TOKEN"

// OrderPlaced signals that a placement was mined and the ledger assigned an order id.
type OrderPlaced struct {
	OrderID       string          `json:"order_id"`
	Owner         string          `json:"owner"`
	Side          orderbook.Side  `json:"side"`
	Pair          string          `json:"pair"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	ExternalTxRef string          `json:"external_tx_ref"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarketSnapshot combines ledger aggregates with cache cardinalities.
type MarketSnapshot struct {
	Ledger   ledger.MarketAggregates
	BySide   map[orderbook.Side]int
	ByStatus map[orderbook.Status]int
}

// Service runs the order lifecycle around the cache.
type Service struct {
	cache    *Cache
	ledger   ledger.Gateway
	recorder audit.Recorder
	logger   *zap.Logger
}

// NewService constructs the order service.
func NewService(cache *Cache, gateway ledger.Gateway, recorder audit.Recorder, logger *zap.Logger) (*Service, error) {
	if cache == nil {
		return nil, errors.New("order service: nil cache")
	}
	if gateway == nil {
		return nil, errors.New("order service: nil ledger gateway")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: cache, ledger: gateway, recorder: recorder, logger: logger.Named("orders")}, nil
}

// Place submits an order to the ledger. The cached record appears once the placement is confirmed.
func (s *Service) Place(ctx context.Context, owner string, side orderbook.Side, quantity, unitPrice decimal.Decimal) (ledger.TxRef, error) {
	if owner == "" {
		return "", orderbook.ErrEmptyOwner
	}
	if !side.Valid() {
		return "", orderbook.ErrInvalidSide
	}
	if !quantity.IsPositive() {
		return "", orderbook.ErrInvalidQuantity
	}
	if !unitPrice.IsPositive() {
		return "", orderbook.ErrInvalidPrice
	}
	ref, err := s.ledger.PlaceOrder(ctx, owner, side, quantity, unitPrice)
	if err != nil {
		return "", fmt.Errorf("order service: place: %w", err)
	}
	s.logger.Info("order submitted",
		zap.String("owner", owner),
		zap.String("side", string(side)),
		zap.String("quantity", quantity.String()),
		zap.String("tx_ref", string(ref)),
	)
	return ref, nil
}

// ConfirmPlacement caches a mined order as OPEN. Replays of the same placement are absorbed.
func (s *Service) ConfirmPlacement(ctx context.Context, placed OrderPlaced) (*orderbook.Order, error) {
	if existing, err := s.cache.Get(ctx, placed.OrderID); err == nil {
		return existing, nil
	} else if !errors.Is(err, orderbook.ErrOrderNotFound) {
		return nil, err
	}

	pair := placed.Pair
	if pair == "" {
		pair = DefaultPair
	}
	stored, err := s.cache.Put(ctx, orderbook.Order{
		OrderID:          placed.OrderID,
		Owner:            placed.Owner,
		Side:             placed.Side,
		Pair:             pair,
		Quantity:         placed.Quantity,
		UnitPrice:        placed.UnitPrice,
		Status:           orderbook.StatusOpen,
		ExternalTxPlaced: placed.ExternalTxRef,
		CreatedAtLedger:  placed.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.recorder, s.logger, audit.Event{
		Kind:    audit.KindOrderPlaced,
		Actor:   placed.Owner,
		OrderID: placed.OrderID,
		Order: &audit.OrderPayload{
			Side:          string(placed.Side),
			ToStatus:      string(stored.Status),
			ToQuantity:    stored.Quantity,
			ExternalTxRef: placed.ExternalTxRef,
		},
		OccurredAt: stored.UpdatedAtCache,
	})
	return stored, nil
}

// Cancel cancels the requester's order on the ledger and marks it CANCELLED in the cache.
func (s *Service) Cancel(ctx context.Context, orderID, requesterID string) (*orderbook.Order, error) {
	current, err := s.cache.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || current.Owner != requesterID {
		return nil, orderbook.ErrNotOwner
	}
	if current.Status.IsTerminal() {
		return nil, orderbook.ErrInvalidTransition
	}

	ref, err := s.ledger.CancelOrder(ctx, orderID, current.Side)
	if err != nil {
		return nil, fmt.Errorf("order service: cancel %s: %w", orderID, err)
	}

	var before orderbook.Order
	updated, err := s.cache.Update(ctx, orderID, func(latest orderbook.Order) (*orderbook.Order, error) {
		before = latest
		if latest.Status.IsTerminal() {
			return nil, orderbook.ErrInvalidTransition
		}
		latest.Status = orderbook.StatusCancelled
		latest.ExternalTxCancelled = string(ref)
		return &latest, nil
	})
	if err != nil {
		s.logger.Warn("order cancelled on ledger but cache not updated",
			zap.String("order_id", orderID),
			zap.String("tx_ref", string(ref)),
			zap.Error(err),
		)
		return nil, err
	}

	audit.Emit(ctx, s.recorder, s.logger, audit.Event{
		Kind:    audit.KindOrderCancelled,
		Actor:   requesterID,
		OrderID: orderID,
		Order: &audit.OrderPayload{
			Side:          string(updated.Side),
			FromStatus:    string(before.Status),
			ToStatus:      string(updated.Status),
			FromQuantity:  before.Quantity,
			ToQuantity:    updated.Quantity,
			ExternalTxRef: string(ref),
		},
		OccurredAt: updated.UpdatedAtCache,
	})
	return updated, nil
}

// Get loads a cached order.
func (s *Service) Get(ctx context.Context, orderID string) (*orderbook.Order, error) {
	return s.cache.Get(ctx, orderID)
}

// Query lists cached orders.
func (s *Service) Query(ctx context.Context, filter orderbook.Filter) ([]orderbook.Order, error) {
	return s.cache.Query(ctx, filter)
}

// MarketSnapshot reads ledger aggregates and cache counts.
func (s *Service) MarketSnapshot(ctx context.Context) (MarketSnapshot, error) {
	aggregates, err := s.ledger.GetMarketAggregates(ctx)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("order service: market aggregates: %w", err)
	}
	bySide, err := s.cache.CountsBySide(ctx)
	if err != nil {
		return MarketSnapshot{}, err
	}
	byStatus, err := s.cache.CountsByStatus(ctx)
	if err != nil {
		return MarketSnapshot{}, err
	}
	return MarketSnapshot{Ledger: aggregates, BySide: bySide, ByStatus: byStatus}, nil
}
