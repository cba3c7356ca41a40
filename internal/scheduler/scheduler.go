package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hazz-dev/loginprobe/internal/checker"
	"github.com/hazz-dev/loginprobe/internal/config"
)

// Runner performs a single login check.
type Runner interface {
	Run(ctx context.Context, target config.Target) checker.Outcome
}

// Recorder receives every outcome. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveLoginDuration(target string, seconds float64)
	IncrementLoginSuccess(target string)
	IncrementLoginFailure(target string)
}

// OverlapPolicy decides what a tick does while the previous attempt for the
// same target is still running.
type OverlapPolicy int

const (
	// OverlapAllow starts a new attempt on every tick (start-to-start cadence).
	OverlapAllow OverlapPolicy = iota
	// OverlapSkip drops a tick while the target's previous attempt runs.
	OverlapSkip
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapAllow:
		return "allow"
	case OverlapSkip:
		return "skip"
	default:
		return fmt.Sprintf("OverlapPolicy(%d)", int(p))
	}
}

// ParseOverlapPolicy parses "allow" or "skip".
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch s {
	case "", "allow":
		return OverlapAllow, nil
	case "skip":
		return OverlapSkip, nil
	default:
		return 0, fmt.Errorf("unknown overlap policy %q (must be allow or skip)", s)
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock driving the tickers.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithOverlapPolicy sets the overlap policy. The default is OverlapAllow.
func WithOverlapPolicy(p OverlapPolicy) Option {
	return func(s *Scheduler) { s.overlap = p }
}

// Scheduler runs login checks for each target on its own ticker.
type Scheduler struct {
	targets  []config.Target
	runner   Runner
	recorder Recorder
	onResult func(checker.Outcome)
	logger   *slog.Logger
	clock    clockwork.Clock
	overlap  OverlapPolicy

	mu       sync.Mutex
	cancels  []context.CancelFunc
	loops    sync.WaitGroup
	attempts sync.WaitGroup
}

// New creates a new Scheduler. Pass nil logger to use slog.Default().
func New(targets []config.Target, runner Runner, recorder Recorder, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		targets:  targets,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnResult sets the callback invoked after each outcome is recorded.
// Canceled attempts are neither recorded nor passed to fn.
func (s *Scheduler) SetOnResult(fn func(checker.Outcome)) {
	s.onResult = fn
}

// target is the per-target scheduling state.
type target struct {
	cfg      config.Target
	interval time.Duration
	inFlight atomic.Int32
}

// Start spawns one ticker goroutine per target and runs the first check of
// each immediately. It is non-blocking. Cancelling ctx stops the tickers and
// cancels in-flight attempts; Stop only stops the tickers.
func (s *Scheduler) Start(ctx context.Context) {
	for _, cfg := range s.targets {
		t := &target{cfg: cfg, interval: cfg.CheckInterval.Duration}
		if t.interval <= 0 {
			t.interval = config.DefaultCheckInterval
		}

		tickCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()

		s.loops.Add(1)
		go s.runTarget(tickCtx, ctx, t)
	}
}

// Stop cancels every target's ticker. Attempts already running finish on
// their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

// Wait blocks until all ticker goroutines and in-flight attempts have exited.
func (s *Scheduler) Wait() {
	s.loops.Wait()
	s.attempts.Wait()
}

func (s *Scheduler) runTarget(tickCtx, attemptCtx context.Context, t *target) {
	defer s.loops.Done()

	s.logger.Info("scheduling checks for target",
		"target", t.cfg.Name,
		"check_interval", t.interval,
		"overlap", s.overlap.String(),
	)

	// Run immediately.
	s.dispatch(attemptCtx, t)

	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.Chan():
			s.dispatch(attemptCtx, t)
		}
	}
}

// dispatch starts an attempt in its own goroutine so a slow check never
// delays the target's next tick.
func (s *Scheduler) dispatch(ctx context.Context, t *target) {
	running := t.inFlight.Load()
	if running > 0 {
		if s.overlap == OverlapSkip {
			s.logger.Warn("skipping check, previous attempt still running", "target", t.cfg.Name)
			return
		}
		s.logger.Debug("previous attempt still running, starting overlapping attempt",
			"target", t.cfg.Name,
			"in_flight", running,
		)
	}

	t.inFlight.Add(1)
	s.attempts.Add(1)
	go func() {
		defer s.attempts.Done()
		out := s.attempt(ctx, t.cfg)
		t.inFlight.Add(-1)
		s.report(out)
	}()
}

func (s *Scheduler) report(out checker.Outcome) {
	// An attempt cut short by shutdown says nothing about the target.
	if out.Result == checker.ResultCanceled {
		s.logger.Info("check canceled, not recorded", "target", out.Target)
		return
	}

	s.record(out)

	s.logger.Info("check result",
		"target", out.Target,
		"result", out.Result,
		"duration", out.Duration,
		"reason", out.Reason(),
	)

	if s.onResult != nil {
		s.onResult(out)
	}
}

// attempt shields the scheduler from a Runner that panics.
func (s *Scheduler) attempt(ctx context.Context, t config.Target) (out checker.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("check runner panicked", "target", t.Name, "panic", rec)
			out = checker.Outcome{
				Target:    t.Name,
				Result:    checker.ResultFailure,
				Err:       &checker.CheckError{Kind: checker.KindUnexpected, Step: "run", Err: fmt.Errorf("panic: %v", rec)},
				CheckedAt: s.clock.Now(),
			}
		}
	}()
	return s.runner.Run(ctx, t)
}

// record forwards exactly one counter increment per outcome, plus the
// duration for successes.
func (s *Scheduler) record(out checker.Outcome) {
	if out.Succeeded() {
		s.recorder.ObserveLoginDuration(out.Target, out.Duration.Seconds())
		s.recorder.IncrementLoginSuccess(out.Target)
		return
	}
	s.recorder.IncrementLoginFailure(out.Target)
}
