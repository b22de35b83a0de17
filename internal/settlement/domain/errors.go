package settlement

import "errors"

var (
	// ErrEmptyDeviceID is returned when device id is empty.
	ErrEmptyDeviceID = errors.New("settlement: empty device id")
	// ErrEmptySettlementID is returned when settlement id is empty.
	ErrEmptySettlementID = errors.New("settlement: empty settlement id")
	// ErrInvalidPeriod is returned when the period is empty or inverted.
	ErrInvalidPeriod = errors.New("settlement: invalid period")
	// ErrNegativeValue is returned when a raw counter delta is negative.
	ErrNegativeValue = errors.New("settlement: negative value")
	// ErrInvalidTrigger is returned for an unknown trigger kind.
	ErrInvalidTrigger = errors.New("settlement: invalid trigger")
	// ErrNilSettlement is returned when saving a nil record.
	ErrNilSettlement = errors.New("settlement: nil settlement")
	// ErrSettlementNotFound is returned when a settlement is not found.
	ErrSettlementNotFound = errors.New("settlement: not found")
	// ErrSettlementInFlight is returned when the device already has a pending settlement.
	ErrSettlementInFlight = errors.New("settlement: pending settlement in flight")
	// ErrMissingTxRef is returned when a success transition has no external tx ref.
	ErrMissingTxRef = errors.New("settlement: success requires external tx ref")
	// ErrMissingCreditedValue is returned when a success transition has no credited value.
	ErrMissingCreditedValue = errors.New("settlement: success requires credited value")
	// ErrInvalidTransition is returned when a transition target is not terminal.
	ErrInvalidTransition = errors.New("settlement: invalid transition")
	// ErrCreditedValueSign is returned when the credited value sign disagrees with net energy.
	ErrCreditedValueSign = errors.New("settlement: credited value sign mismatch")
)
