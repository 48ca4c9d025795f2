package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

// CycleRunner is what the scheduler triggers. Orchestrator implements it.
type CycleRunner interface {
	RunTradingCycle(ctx context.Context) (*CycleReport, error)
}

// ErrorNotifier is told about cycles that could not run at all.
type ErrorNotifier interface {
	NotifyError(what string, err error)
}

// Scheduler fires trading cycles on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	runner   CycleRunner
	clock    *marketdata.Clock
	classes  []storage.AssetClass
	notifier ErrorNotifier
	logger   *logger.Logger

	schedule        string
	marketHoursOnly bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entry   cron.EntryID
	started bool
}

func NewScheduler(cfg *config.Config, runner CycleRunner, clock *marketdata.Clock, notifier ErrorNotifier, log *logger.Logger) *Scheduler {
	log = log.Component("scheduler")
	s := &Scheduler{
		runner:          runner,
		clock:           clock,
		classes:         universeClasses(cfg),
		notifier:        notifier,
		logger:          log,
		schedule:        cfg.Trading.Schedule,
		marketHoursOnly: cfg.Trading.MarketHoursOnly,
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	))
	return s
}

func universeClasses(cfg *config.Config) []storage.AssetClass {
	seen := make(map[storage.AssetClass]bool)
	var out []storage.AssetClass
	for _, inst := range cfg.Universe {
		c := storage.AssetClass(inst.AssetClass)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Start registers the cycle job and starts the cron loop. Calling it twice
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	entry, err := s.cron.AddFunc(s.schedule, func() { s.Tick(runCtx) })
	if err != nil {
		s.cancel()
		return fmt.Errorf("register schedule %q: %w", s.schedule, err)
	}
	s.entry = entry
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "schedule", s.schedule, "market_hours_only", s.marketHoursOnly)
	return nil
}

// Stop cancels the running cycle, if any, waits for it to return and
// unregisters the job so a later Start schedules it once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.started = false
	s.logger.Info("scheduler stopped")
}

// Tick runs one scheduled cycle. It reports whether a cycle actually ran.
func (s *Scheduler) Tick(ctx context.Context) (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled cycle", "panic", fmt.Sprint(r))
			if s.notifier != nil {
				s.notifier.NotifyError("scheduler panic", fmt.Errorf("%v", r))
			}
		}
	}()

	if s.marketHoursOnly && !s.clock.AnyOpen(s.classes) {
		s.logger.Info("markets closed, skipping cycle")
		return false
	}

	if _, err := s.runner.RunTradingCycle(ctx); err != nil {
		s.logger.Error("trading cycle failed", "error", err)
		if s.notifier != nil {
			s.notifier.NotifyError("trading cycle", err)
		}
	}
	return true
}

// cronLogger adapts our logger to cron.Logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
