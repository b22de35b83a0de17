package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the confirmation state of a settlement.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Trigger is the reason a settlement was attempted.
type Trigger string

const (
	TriggerPeriodic Trigger = "PERIODIC"
	TriggerManual   Trigger = "MANUAL"
)

// Valid reports whether the trigger is known.
func (t Trigger) Valid() bool {
	return t == TriggerPeriodic || t == TriggerManual
}

// Failure reasons recorded on FAILED settlements.
const (
	ReasonTimeout       = "timeout"
	ReasonLedgerFailed  = "ledger reported failure"
	ReasonSubmitFailure = "submit"
)

// Settlement converts a device's net energy delta for one period into ledger value.
// Period is half-open: [PeriodStart, PeriodEnd).
type Settlement struct {
	ID       string
	DeviceID string

	PeriodStart time.Time
	PeriodEnd   time.Time

	ExportCounterStartWh float64
	ExportCounterEndWh   float64
	ImportCounterStartWh float64
	ImportCounterEndWh   float64

	RawExportWh float64
	RawImportWh float64
	NetEnergyWh float64

	CreditedValue *decimal.Decimal
	ExternalTxRef string

	Status        Status
	Trigger       Trigger
	FailureReason string

	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// CounterSnapshot is a pair of cumulative counters at one instant.
type CounterSnapshot struct {
	At       time.Time
	ExportWh float64
	ImportWh float64
}

// NewPending builds a PENDING settlement from two counter snapshots.
func NewPending(id, deviceID string, trigger Trigger, base, current CounterSnapshot, now time.Time) (*Settlement, error) {
	if id == "" {
		return nil, ErrEmptySettlementID
	}
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	if !trigger.Valid() {
		return nil, ErrInvalidTrigger
	}
	if base.At.IsZero() || current.At.IsZero() || !current.At.After(base.At) {
		return nil, ErrInvalidPeriod
	}
	rawExport := current.ExportWh - base.ExportWh
	rawImport := current.ImportWh - base.ImportWh
	if rawExport < 0 || rawImport < 0 {
		return nil, ErrNegativeValue
	}
	return &Settlement{
		ID:                   id,
		DeviceID:             deviceID,
		PeriodStart:          base.At.UTC(),
		PeriodEnd:            current.At.UTC(),
		ExportCounterStartWh: base.ExportWh,
		ExportCounterEndWh:   current.ExportWh,
		ImportCounterStartWh: base.ImportWh,
		ImportCounterEndWh:   current.ImportWh,
		RawExportWh:          rawExport,
		RawImportWh:          rawImport,
		NetEnergyWh:          rawExport - rawImport,
		Status:               StatusPending,
		Trigger:              trigger,
		CreatedAt:            now.UTC(),
	}, nil
}

// EndSnapshot returns the counters at PeriodEnd, the baseline for the next settlement.
func (s *Settlement) EndSnapshot() CounterSnapshot {
	return CounterSnapshot{At: s.PeriodEnd, ExportWh: s.ExportCounterEndWh, ImportWh: s.ImportCounterEndWh}
}

// Clone returns a detached copy.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	copy := *s
	if s.CreditedValue != nil {
		value := *s.CreditedValue
		copy.CreditedValue = &value
	}
	if s.ConfirmedAt != nil {
		at := *s.ConfirmedAt
		copy.ConfirmedAt = &at
	}
	return &copy
}

// Transition describes a terminal transition out of PENDING.
type Transition struct {
	Status        Status
	ExternalTxRef string
	CreditedValue *decimal.Decimal
	FailureReason string
	At            time.Time
}

// Validate checks a transition against the record it will be applied to.
func (t Transition) Validate(netEnergyWh float64) error {
	switch t.Status {
	case StatusSuccess:
		if t.ExternalTxRef == "" {
			return ErrMissingTxRef
		}
		if t.CreditedValue == nil {
			return ErrMissingCreditedValue
		}
		if !sameSign(*t.CreditedValue, netEnergyWh) {
			return ErrCreditedValueSign
		}
	case StatusFailed:
	default:
		return ErrInvalidTransition
	}
	return nil
}

// Apply writes the transition onto a PENDING record. Callers must check the status first.
func (s *Settlement) Apply(t Transition) {
	s.Status = t.Status
	if t.ExternalTxRef != "" {
		s.ExternalTxRef = t.ExternalTxRef
	}
	if t.Status == StatusSuccess {
		value := *t.CreditedValue
		s.CreditedValue = &value
		at := t.At.UTC()
		s.ConfirmedAt = &at
		s.FailureReason = ""
		return
	}
	s.FailureReason = t.FailureReason
}

// CreditedValueFor converts net energy to ledger value at the given ratio.
func CreditedValueFor(netEnergyWh float64, ratio decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(netEnergyWh).Mul(ratio)
}

func sameSign(value decimal.Decimal, net float64) bool {
	switch {
	case net > 0:
		return value.Sign() >= 0
	case net < 0:
		return value.Sign() <= 0
	default:
		return true
	}
}
