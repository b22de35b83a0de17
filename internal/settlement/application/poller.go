package application

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"microgrid-ledger/internal/ledger"
)

const defaultPollBatch = 100

// ConfirmationPoller confirms submitted settlements from ledger receipts. It covers
// confirmations whose callback or event never arrived.
type ConfirmationPoller struct {
	engine *Engine
	batch  int
}

// NewConfirmationPoller constructs a poller over the engine's store and gateway.
func NewConfirmationPoller(engine *Engine, batch int) (*ConfirmationPoller, error) {
	if engine == nil {
		return nil, errors.New("confirmation poller: nil engine")
	}
	if batch <= 0 {
		batch = defaultPollBatch
	}
	return &ConfirmationPoller{engine: engine, batch: batch}, nil
}

// Poll checks every submitted PENDING settlement once and returns how many were confirmed.
// A lookup error for one settlement does not stop the others.
func (p *ConfirmationPoller) Poll(ctx context.Context) (int, error) {
	pending, err := p.engine.repo.ListPendingSubmitted(ctx, p.batch)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	var errs []error
	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		status, err := p.engine.ledger.TransactionStatus(ctx, ledger.TxRef(record.ExternalTxRef))
		if err != nil {
			p.engine.logger.Warn("receipt lookup failed",
				zap.String("settlement_id", record.ID),
				zap.String("tx_ref", record.ExternalTxRef),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if status.State == ledger.TxPending {
			continue
		}
		applied, err := p.engine.ConfirmSettlement(ctx, Confirmation{
			SettlementID:  record.ID,
			ExternalTxRef: record.ExternalTxRef,
			Success:       status.State == ledger.TxSuccess,
			CreditedValue: status.CreditedValue,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			confirmed++
		}
	}
	return confirmed, errors.Join(errs...)
}
