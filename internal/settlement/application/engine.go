package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"microgrid-ledger/internal/audit"
	"microgrid-ledger/internal/ledger"
	masterdata "microgrid-ledger/internal/masterdata/domain"
	"microgrid-ledger/internal/observability/metrics"
	"microgrid-ledger/internal/settlement/domain"
	telemetry "microgrid-ledger/internal/telemetry/domain"
)

var (
	// ErrDeviceNotFound is returned when a manual settlement names an unknown device.
	ErrDeviceNotFound = errors.New("settlement: device not found")
	// ErrUnauthorized is returned when the requester may not act on the device.
	ErrUnauthorized = errors.New("settlement: requester not authorized")
	// ErrNoTelemetry is returned when a device has no readings.
	ErrNoTelemetry = errors.New("settlement: no telemetry")
	// ErrInvalidTelemetry is returned when counters went backwards.
	ErrInvalidTelemetry = errors.New("settlement: counter regression")
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// DeviceDirectory lists devices and their owners.
type DeviceDirectory interface {
	Get(ctx context.Context, id string) (*masterdata.Device, error)
	ListActive(ctx context.Context) ([]masterdata.Device, error)
	ListByOwner(ctx context.Context, ownerID string) ([]masterdata.Device, error)
}

// ThresholdOverrides supplies per-device minimum settlement energy.
type ThresholdOverrides interface {
	MinWhFor(deviceID string) (float64, bool)
}

// SweepPolicy decides what a sweep does after a device fails.
type SweepPolicy string

const (
	SweepContinueOnError SweepPolicy = "continue"
	SweepAbortOnError    SweepPolicy = "abort"
)

// SkipReason explains why a trigger produced no settlement.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipBelowThreshold SkipReason = "below_threshold"
	SkipNoNewData      SkipReason = "no_new_data"
	SkipInFlight       SkipReason = "in_flight"
)

// Options tunes the engine.
type Options struct {
	// MinWh and ConversionRatio are used when the ledger cannot provide its own values.
	MinWh           float64
	ConversionRatio decimal.Decimal
	StaleAfter      time.Duration
	SweepPolicy     SweepPolicy
	Overrides       ThresholdOverrides
}

// TriggerResult is the outcome of one device trigger.
type TriggerResult struct {
	DeviceID      string
	SettlementID  string
	ExternalTxRef ledger.TxRef
	NetEnergyWh   float64
	Skipped       SkipReason
}

// DeviceError pairs a device with the error its trigger returned.
type DeviceError struct {
	DeviceID string
	Err      error
}

// SweepResult summarises a sweep over all active devices.
type SweepResult struct {
	Attempted int
	Submitted int
	Skipped   int
	Failures  []DeviceError
	Aborted   bool
}

// Err joins the per-device failures.
func (r SweepResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, failure := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", failure.DeviceID, failure.Err))
	}
	return errors.Join(errs...)
}

// Engine turns telemetry deltas into ledger settlements.
type Engine struct {
	repo      settlement.Repository
	telemetry telemetry.Store
	ledger    ledger.Gateway
	devices   DeviceDirectory
	recorder  audit.Recorder
	clock     Clock
	newID     func() string
	logger    *zap.Logger
	opts      Options
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithClock overrides the clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator overrides settlement id generation.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(recorder audit.Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs the engine.
func NewEngine(
	repo settlement.Repository,
	readings telemetry.Store,
	gateway ledger.Gateway,
	devices DeviceDirectory,
	opts Options,
	options ...EngineOption,
) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("settlement engine: nil repository")
	}
	if readings == nil {
		return nil, errors.New("settlement engine: nil telemetry store")
	}
	if gateway == nil {
		return nil, errors.New("settlement engine: nil ledger gateway")
	}
	if devices == nil {
		return nil, errors.New("settlement engine: nil device directory")
	}
	if opts.MinWh < 0 {
		return nil, errors.New("settlement engine: negative min wh")
	}
	if !opts.ConversionRatio.IsPositive() {
		return nil, errors.New("settlement engine: conversion ratio must be positive")
	}
	if opts.SweepPolicy == "" {
		opts.SweepPolicy = SweepContinueOnError
	}

	engine := &Engine{
		repo:      repo,
		telemetry: readings,
		ledger:    gateway,
		devices:   devices,
		clock:     SystemClock{},
		newID:     uuid.NewString,
		logger:    zap.NewNop(),
		opts:      opts,
	}
	for _, option := range options {
		option(engine)
	}
	engine.logger = engine.logger.Named("settlement")
	return engine, nil
}

// TriggerAllDevices runs TriggerDevice for every active device, one at a time.
func (e *Engine) TriggerAllDevices(ctx context.Context, trigger settlement.Trigger) (SweepResult, error) {
	var result SweepResult
	devices, err := e.devices.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("settlement engine: list devices: %w", err)
	}

	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			return result, err
		}
		result.Attempted++
		outcome, err := e.TriggerDevice(ctx, device.ID, trigger)
		switch {
		case errors.Is(err, settlement.ErrSettlementInFlight):
			result.Skipped++
		case err != nil:
			result.Failures = append(result.Failures, DeviceError{DeviceID: device.ID, Err: err})
			if e.opts.SweepPolicy == SweepAbortOnError {
				result.Aborted = true
				return result, result.Err()
			}
		case outcome.Skipped != SkipNone:
			result.Skipped++
		default:
			result.Submitted++
		}
	}

	if len(result.Failures) > 0 {
		e.logger.Warn("settlement sweep finished with failures",
			zap.String("trigger", string(trigger)),
			zap.Int("attempted", result.Attempted),
			zap.Int("failed", len(result.Failures)),
		)
	}
	return result, nil
}

// TriggerDevice settles the device's energy since its last successful settlement. It returns
// as soon as the ledger accepted the submission; confirmation arrives later.
func (e *Engine) TriggerDevice(ctx context.Context, deviceID string, trigger settlement.Trigger) (TriggerResult, error) {
	start := time.Now()
	result, err := e.triggerDevice(ctx, deviceID, trigger)
	outcome := metrics.ResultSuccess
	switch {
	case err != nil && !errors.Is(err, settlement.ErrSettlementInFlight):
		outcome = metrics.ResultError
	case result.Skipped != SkipNone:
		outcome = metrics.ResultSkipped
	}
	metrics.ObserveSettlementTrigger(string(trigger), outcome, time.Since(start))
	return result, err
}

func (e *Engine) triggerDevice(ctx context.Context, deviceID string, trigger settlement.Trigger) (TriggerResult, error) {
	result := TriggerResult{DeviceID: deviceID}
	if deviceID == "" {
		return result, settlement.ErrEmptyDeviceID
	}
	if !trigger.Valid() {
		return result, settlement.ErrInvalidTrigger
	}

	pending, err := e.repo.FindPending(ctx, deviceID)
	if err != nil {
		return result, err
	}
	if pending != nil {
		result.SettlementID = pending.ID
		result.Skipped = SkipInFlight
		return result, settlement.ErrSettlementInFlight
	}

	latest, err := e.telemetry.Latest(ctx, deviceID)
	if err != nil {
		return result, fmt.Errorf("settlement engine: latest reading %s: %w", deviceID, err)
	}
	if latest == nil {
		return result, ErrNoTelemetry
	}
	base, err := e.baseline(ctx, deviceID)
	if err != nil {
		return result, err
	}
	current := settlement.CounterSnapshot{At: latest.At, ExportWh: latest.ExportWh, ImportWh: latest.ImportWh}
	if !current.At.After(base.At) {
		result.Skipped = SkipNoNewData
		return result, nil
	}
	if current.ExportWh < base.ExportWh || current.ImportWh < base.ImportWh {
		return result, ErrInvalidTelemetry
	}

	net := (current.ExportWh - base.ExportWh) - (current.ImportWh - base.ImportWh)
	result.NetEnergyWh = net
	minWh, _ := e.params(ctx, deviceID)
	if math.Abs(net) < minWh {
		e.logger.Debug("settlement below threshold",
			zap.String("device_id", deviceID),
			zap.Float64("net_energy_wh", net),
			zap.Float64("min_wh", minWh),
		)
		result.Skipped = SkipBelowThreshold
		return result, nil
	}

	record, err := settlement.NewPending(e.newID(), deviceID, trigger, base, current, e.clock.Now())
	if err != nil {
		return result, err
	}
	if err := e.repo.Create(ctx, record); err != nil {
		if errors.Is(err, settlement.ErrSettlementInFlight) {
			result.Skipped = SkipInFlight
		}
		return result, err
	}
	result.SettlementID = record.ID
	e.emit(ctx, audit.KindSettlementCreated, record, "", "")

	ref, err := e.ledger.SubmitSettlement(ctx, deviceID, net)
	if err != nil {
		reason := fmt.Sprintf("%s: %v", settlement.ReasonSubmitFailure, err)
		if _, terr := e.repo.Transition(ctx, record.ID, settlement.Transition{
			Status:        settlement.StatusFailed,
			FailureReason: reason,
			At:            e.clock.Now(),
		}); terr != nil {
			e.logger.Error("settlement submit failure not recorded", zap.String("settlement_id", record.ID), zap.Error(terr))
		} else {
			metrics.IncSettlementTransition(string(settlement.StatusFailed))
			e.emit(ctx, audit.KindSettlementFailed, record, "", reason)
		}
		e.logger.Warn("settlement submit failed",
			zap.String("device_id", deviceID),
			zap.String("settlement_id", record.ID),
			zap.Error(err),
		)
		return result, fmt.Errorf("settlement engine: submit %s: %w", deviceID, err)
	}

	result.ExternalTxRef = ref
	attached, err := e.repo.AttachTxRef(ctx, record.ID, string(ref))
	if err != nil {
		return result, fmt.Errorf("settlement engine: attach tx ref: %w", err)
	}
	if !attached {
		e.logger.Info("settlement left pending before tx ref was attached",
			zap.String("settlement_id", record.ID),
			zap.String("tx_ref", string(ref)),
		)
	}
	e.emit(ctx, audit.KindSettlementSubmitted, record, string(ref), "")
	e.logger.Info("settlement submitted",
		zap.String("device_id", deviceID),
		zap.String("settlement_id", record.ID),
		zap.String("trigger", string(trigger)),
		zap.Float64("net_energy_wh", net),
		zap.String("tx_ref", string(ref)),
	)
	return result, nil
}

// baseline returns the end counters of the last SUCCESS settlement, or the earliest reading.
func (e *Engine) baseline(ctx context.Context, deviceID string) (settlement.CounterSnapshot, error) {
	last, err := e.repo.LastSuccessful(ctx, deviceID)
	if err != nil {
		return settlement.CounterSnapshot{}, err
	}
	if last != nil {
		return last.EndSnapshot(), nil
	}
	earliest, err := e.telemetry.Earliest(ctx, deviceID)
	if err != nil {
		return settlement.CounterSnapshot{}, fmt.Errorf("settlement engine: earliest reading %s: %w", deviceID, err)
	}
	if earliest == nil {
		return settlement.CounterSnapshot{}, ErrNoTelemetry
	}
	return settlement.CounterSnapshot{At: earliest.At, ExportWh: earliest.ExportWh, ImportWh: earliest.ImportWh}, nil
}

// params resolves the minimum energy and conversion ratio: per-device override, then the
// ledger's values, then the configured fallback.
func (e *Engine) params(ctx context.Context, deviceID string) (float64, decimal.Decimal) {
	minWh := e.opts.MinWh
	ratio := e.opts.ConversionRatio

	params, err := e.ledger.SettlementParams(ctx)
	if err != nil {
		e.logger.Warn("ledger settlement params unavailable, using configured values", zap.Error(err))
	} else {
		if params.MinSettlementWh > 0 {
			minWh = params.MinSettlementWh
		}
		if params.ConversionRatio.IsPositive() {
			ratio = params.ConversionRatio
		}
	}
	if e.opts.Overrides != nil && deviceID != "" {
		if override, ok := e.opts.Overrides.MinWhFor(deviceID); ok {
			minWh = override
		}
	}
	return minWh, ratio
}

func (e *Engine) emit(ctx context.Context, kind audit.Kind, record *settlement.Settlement, txRef, reason string) {
	if e.recorder == nil || record == nil {
		return
	}
	if txRef == "" {
		txRef = record.ExternalTxRef
	}
	audit.Emit(ctx, e.recorder, e.logger, audit.Event{
		Kind:         kind,
		DeviceID:     record.DeviceID,
		SettlementID: record.ID,
		Settlement: &audit.SettlementPayload{
			Trigger:       string(record.Trigger),
			PeriodStart:   record.PeriodStart,
			PeriodEnd:     record.PeriodEnd,
			NetEnergyWh:   record.NetEnergyWh,
			CreditedValue: record.CreditedValue,
			ExternalTxRef: txRef,
			Reason:        reason,
		},
		OccurredAt: e.clock.Now().UTC(),
	})
}
