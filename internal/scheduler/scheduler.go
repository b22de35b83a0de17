package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"microgrid-ledger/internal/observability/metrics"
	orderbook "microgrid-ledger/internal/orderbook/domain"
	settlementapp "microgrid-ledger/internal/settlement/application"
	"microgrid-ledger/internal/settlement/domain"
)

// Settlements is the part of the settlement engine driven by timers.
type Settlements interface {
	TriggerAllDevices(ctx context.Context, trigger settlement.Trigger) (settlementapp.SweepResult, error)
	FailStalePending(ctx context.Context) (int, error)
}

// Poller confirms submitted settlements from ledger receipts.
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// OrderCounts reports cache cardinalities.
type OrderCounts interface {
	CountsBySide(ctx context.Context) (map[orderbook.Side]int, error)
	CountsByStatus(ctx context.Context) (map[orderbook.Status]int, error)
}

// SignalPruner drops processed-signal markers older than a cutoff.
type SignalPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Config sets job cadences. Zero durations disable the job.
type Config struct {
	AutoSettlement     bool
	SettlementInterval time.Duration
	StaleSweepInterval time.Duration
	PollInterval       time.Duration
	GaugeInterval      time.Duration
	PruneInterval      time.Duration
	// SignalRetention is how long processed-signal markers are kept.
	SignalRetention time.Duration
}

// Option configures optional jobs.
type Option func(*Scheduler)

// WithSignalPruner enables the processed-signal retention job.
func WithSignalPruner(pruner SignalPruner) Option {
	return func(s *Scheduler) {
		s.pruner = pruner
	}
}

// Scheduler runs the periodic jobs. Each job skips a tick while its previous run is
// still going; different jobs may run concurrently.
type Scheduler struct {
	cron        *cron.Cron
	cfg         Config
	settlements Settlements
	poller      Poller
	orders      OrderCounts
	pruner      SignalPruner
	now         func() time.Time
	logger      *zap.Logger
	auto        atomic.Bool
	baseCtx     context.Context
	cancel      context.CancelFunc
}

// New constructs a scheduler. poller and orders may be nil.
func New(cfg Config, settlements Settlements, poller Poller, orders OrderCounts, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if settlements == nil {
		return nil, errors.New("scheduler: nil settlement engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cronLog := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		cfg:         cfg,
		settlements: settlements,
		poller:      poller,
		orders:      orders,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auto.Store(cfg.AutoSettlement)

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
		enabled  bool
	}{
		{"settlement_sweep", cfg.SettlementInterval, func(ctx context.Context) { _, _ = s.RunSettlementSweep(ctx) }, true},
		{"stale_sweep", cfg.StaleSweepInterval, func(ctx context.Context) { _, _ = s.RunStaleSweep(ctx) }, true},
		{"confirmation_poll", cfg.PollInterval, func(ctx context.Context) { _, _ = s.RunConfirmationPoll(ctx) }, poller != nil},
		{"orderbook_gauges", cfg.GaugeInterval, func(ctx context.Context) { _ = s.RunOrderBookGauges(ctx) }, orders != nil},
		{"signal_prune", cfg.PruneInterval, func(ctx context.Context) { _, _ = s.RunSignalPrune(ctx) }, s.pruner != nil && cfg.SignalRetention > 0},
	}
	for _, job := range jobs {
		if !job.enabled || job.interval <= 0 {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.interval), func() { run(s.context()) }); err != nil {
			return nil, fmt.Errorf("scheduler: add %s: %w", job.name, err)
		}
		logger.Info("job scheduled", zap.String("job", job.name), zap.Duration("every", job.interval))
	}
	return s, nil
}

// Start launches the cron loop. Jobs run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("scheduler started", zap.Bool("auto_settlement", s.AutoSettlement()))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info("scheduler stopped")
}

// SetAutoSettlement toggles the periodic settlement sweep at runtime.
func (s *Scheduler) SetAutoSettlement(enabled bool) {
	if s.auto.Swap(enabled) != enabled {
		s.logger.Info("auto settlement toggled", zap.Bool("enabled", enabled))
	}
}

// AutoSettlement reports whether the periodic sweep is enabled.
func (s *Scheduler) AutoSettlement() bool {
	return s.auto.Load()
}

// RunSettlementSweep triggers every active device when auto settlement is on. ran is false
// when the tick was a no-op.
func (s *Scheduler) RunSettlementSweep(ctx context.Context) (ran bool, err error) {
	if !s.auto.Load() {
		return false, nil
	}
	result, err := s.settlements.TriggerAllDevices(ctx, settlement.TriggerPeriodic)
	if err != nil {
		s.logger.Error("settlement sweep failed", zap.Error(err))
		return true, err
	}
	s.logger.Info("settlement sweep finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("submitted", result.Submitted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", len(result.Failures)),
	)
	return true, nil
}

// RunStaleSweep fails settlements stuck in PENDING.
func (s *Scheduler) RunStaleSweep(ctx context.Context) (int, error) {
	count, err := s.settlements.FailStalePending(ctx)
	if err != nil {
		s.logger.Error("stale sweep failed", zap.Error(err))
	}
	return count, err
}

// RunConfirmationPoll confirms settlements from ledger receipts.
func (s *Scheduler) RunConfirmationPoll(ctx context.Context) (int, error) {
	if s.poller == nil {
		return 0, nil
	}
	count, err := s.poller.Poll(ctx)
	if err != nil {
		s.logger.Warn("confirmation poll finished with errors", zap.Int("confirmed", count), zap.Error(err))
	} else if count > 0 {
		s.logger.Info("confirmation poll", zap.Int("confirmed", count))
	}
	return count, err
}

// RunOrderBookGauges publishes cache cardinalities.
func (s *Scheduler) RunOrderBookGauges(ctx context.Context) error {
	if s.orders == nil {
		return nil
	}
	bySide, err := s.orders.CountsBySide(ctx)
	if err != nil {
		s.logger.Warn("order gauge refresh failed", zap.Error(err))
		return err
	}
	byStatus, err := s.orders.CountsByStatus(ctx)
	if err != nil {
		s.logger.Warn("order gauge refresh failed", zap.Error(err))
		return err
	}
	sides := make(map[string]int, len(bySide))
	for side, count := range bySide {
		sides[string(side)] = count
	}
	statuses := make(map[string]int, len(byStatus))
	for status, count := range byStatus {
		statuses[string(status)] = count
	}
	metrics.SetOrderBookCounts(sides, statuses)
	return nil
}

// RunSignalPrune deletes processed-signal markers past the retention window.
func (s *Scheduler) RunSignalPrune(ctx context.Context) (int64, error) {
	if s.pruner == nil || s.cfg.SignalRetention <= 0 {
		return 0, nil
	}
	removed, err := s.pruner.Prune(ctx, s.now().Add(-s.cfg.SignalRetention))
	if err != nil {
		s.logger.Warn("signal prune failed", zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("signal markers pruned", zap.Int64("removed", removed))
	}
	return removed, nil
}

func (s *Scheduler) context() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
