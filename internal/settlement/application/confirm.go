package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/audit"
	"microgrid-ledger/internal/observability/metrics"
	"microgrid-ledger/internal/settlement/domain"
)

// Confirmation is the ledger's verdict on a submitted settlement.
type Confirmation struct {
	SettlementID  string
	ExternalTxRef string
	Success       bool
	// CreditedValue is computed from the conversion ratio when nil.
	CreditedValue *decimal.Decimal
	Reason        string
}

// ConfirmSettlement moves a PENDING settlement to SUCCESS or FAILED. Replays and
// confirmations racing with the stale sweep are absorbed: the first transition wins and
// later calls report applied=false.
func (e *Engine) ConfirmSettlement(ctx context.Context, c Confirmation) (bool, error) {
	if c.SettlementID == "" {
		return false, settlement.ErrEmptySettlementID
	}
	record, err := e.repo.Get(ctx, c.SettlementID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, settlement.ErrSettlementNotFound
	}
	if record.Status.IsTerminal() {
		return false, nil
	}

	txRef := c.ExternalTxRef
	if txRef == "" {
		txRef = record.ExternalTxRef
	}
	transition := settlement.Transition{
		Status:        settlement.StatusFailed,
		ExternalTxRef: txRef,
		At:            e.clock.Now(),
	}
	kind := audit.KindSettlementFailed
	if c.Success {
		credited := c.CreditedValue
		if credited == nil {
			_, ratio := e.params(ctx, record.DeviceID)
			value := settlement.CreditedValueFor(record.NetEnergyWh, ratio)
			credited = &value
		}
		transition.Status = settlement.StatusSuccess
		transition.CreditedValue = credited
		kind = audit.KindSettlementConfirmed
	} else {
		transition.FailureReason = c.Reason
		if transition.FailureReason == "" {
			transition.FailureReason = settlement.ReasonLedgerFailed
		}
	}
	if err := transition.Validate(record.NetEnergyWh); err != nil {
		return false, err
	}

	applied, err := e.repo.Transition(ctx, record.ID, transition)
	if err != nil {
		return false, err
	}
	if !applied {
		e.logger.Debug("settlement already terminal", zap.String("settlement_id", record.ID))
		return false, nil
	}

	metrics.IncSettlementTransition(string(transition.Status))
	record.Apply(transition)
	e.emit(ctx, kind, record, txRef, transition.FailureReason)
	e.logger.Info("settlement confirmed",
		zap.String("settlement_id", record.ID),
		zap.String("device_id", record.DeviceID),
		zap.String("status", string(transition.Status)),
		zap.String("tx_ref", txRef),
	)
	return true, nil
}

// ConfirmByTxRef resolves the settlement submitted under txRef and confirms it.
func (e *Engine) ConfirmByTxRef(ctx context.Context, txRef string, success bool, creditedValue *decimal.Decimal) (bool, error) {
	if txRef == "" {
		return false, settlement.ErrMissingTxRef
	}
	record, err := e.repo.FindByExternalTxRef(ctx, txRef)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, settlement.ErrSettlementNotFound
	}
	return e.ConfirmSettlement(ctx, Confirmation{
		SettlementID:  record.ID,
		ExternalTxRef: txRef,
		Success:       success,
		CreditedValue: creditedValue,
	})
}

// FailStalePending fails settlements that stayed PENDING longer than the staleness window.
func (e *Engine) FailStalePending(ctx context.Context) (int, error) {
	if e.opts.StaleAfter <= 0 {
		return 0, nil
	}
	now := e.clock.Now()
	ids, err := e.repo.FailStalePending(ctx, now.Add(-e.opts.StaleAfter), settlement.ReasonTimeout, now)
	if err != nil {
		return 0, fmt.Errorf("settlement engine: stale sweep: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	metrics.AddSettlementTimeouts(len(ids))
	for _, id := range ids {
		if e.recorder == nil {
			break
		}
		record, err := e.repo.Get(ctx, id)
		if err != nil || record == nil {
			continue
		}
		e.emit(ctx, audit.KindSettlementTimedOut, record, "", settlement.ReasonTimeout)
	}
	e.logger.Warn("stale pending settlements failed", zap.Int("count", len(ids)))
	return len(ids), nil
}

// ManualSettlement triggers a settlement on behalf of the device owner.
func (e *Engine) ManualSettlement(ctx context.Context, deviceID, requesterID string) (TriggerResult, error) {
	if deviceID == "" {
		return TriggerResult{}, settlement.ErrEmptyDeviceID
	}
	if requesterID == "" {
		return TriggerResult{DeviceID: deviceID}, ErrUnauthorized
	}
	device, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		return TriggerResult{DeviceID: deviceID}, err
	}
	if device == nil {
		return TriggerResult{DeviceID: deviceID}, ErrDeviceNotFound
	}
	if device.OwnerID != requesterID {
		e.logger.Info("manual settlement denied",
			zap.String("device_id", deviceID),
			zap.String("requester_id", requesterID),
		)
		return TriggerResult{DeviceID: deviceID}, ErrUnauthorized
	}
	return e.TriggerDevice(ctx, deviceID, settlement.TriggerManual)
}

// IsValidation reports whether err is a caller error rather than an infrastructure failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		settlement.ErrEmptyDeviceID,
		settlement.ErrEmptySettlementID,
		settlement.ErrInvalidTrigger,
		settlement.ErrMissingTxRef,
		settlement.ErrMissingCreditedValue,
		settlement.ErrCreditedValueSign,
		settlement.ErrInvalidTransition,
		ErrInvalidScope,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
