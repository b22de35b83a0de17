package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind enumerates recorded state changes.
type Kind string

const (
	KindSettlementCreated   Kind = "settlement.created"
	KindSettlementSubmitted Kind = "settlement.submitted"
	KindSettlementConfirmed Kind = "settlement.confirmed"
	KindSettlementFailed    Kind = "settlement.failed"
	KindSettlementTimedOut  Kind = "settlement.timed_out"
	KindOrderPlaced         Kind = "order.placed"
	KindOrderReconciled     Kind = "order.reconciled"
	KindOrderCancelled      Kind = "order.cancelled"
)

// SettlementPayload describes the settlement side of an event.
type SettlementPayload struct {
	Trigger       string           `json:"trigger,omitempty"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	NetEnergyWh   float64          `json:"net_energy_wh"`
	CreditedValue *decimal.Decimal `json:"credited_value,omitempty"`
	ExternalTxRef string           `json:"external_tx_ref,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// OrderPayload describes the order side of an event.
type OrderPayload struct {
	Side          string          `json:"side"`
	FromStatus    string          `json:"from_status,omitempty"`
	ToStatus      string          `json:"to_status"`
	FromQuantity  decimal.Decimal `json:"from_quantity"`
	ToQuantity    decimal.Decimal `json:"to_quantity"`
	ExternalTxRef string          `json:"external_tx_ref,omitempty"`
}

// Event is one audit record.
type Event struct {
	ID           string             `json:"id"`
	Kind         Kind               `json:"kind"`
	Actor        string             `json:"actor,omitempty"`
	DeviceID     string             `json:"device_id,omitempty"`
	SettlementID string             `json:"settlement_id,omitempty"`
	OrderID      string             `json:"order_id,omitempty"`
	Settlement   *SettlementPayload `json:"settlement,omitempty"`
	Order        *OrderPayload      `json:"order,omitempty"`
	Origin       *Origin            `json:"origin,omitempty"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

// Recorder writes audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NewID generates an audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// Digest computes a SHA256 hex digest for a serialized payload.
func Digest(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Emit records an event and logs, rather than returns, a failure.
func Emit(ctx context.Context, recorder Recorder, logger *zap.Logger, event Event) {
	if recorder == nil {
		return
	}
	if event.ID == "" {
		event.ID = NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Origin == nil {
		event.Origin = OriginFromContext(ctx)
	}
	if err := recorder.Record(ctx, event); err != nil && logger != nil {
		logger.Warn("audit record failed",
			zap.String("kind", string(event.Kind)),
			zap.String("settlement_id", event.SettlementID),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
	}
}
