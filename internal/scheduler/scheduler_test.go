package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazz-dev/loginprobe/internal/checker"
	"github.com/hazz-dev/loginprobe/internal/config"
	"github.com/hazz-dev/loginprobe/internal/scheduler"
)

// mockRunner returns a fixed outcome per target. Targets listed in block
// wait on the channel before returning.
type mockRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	block   map[string]chan struct{}
	panicOn string
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		calls: make(map[string]int),
		fail:  make(map[string]bool),
		block: make(map[string]chan struct{}),
	}
}

func (m *mockRunner) Run(ctx context.Context, t config.Target) checker.Outcome {
	m.mu.Lock()
	m.calls[t.Name]++
	fail := m.fail[t.Name]
	ch := m.block[t.Name]
	m.mu.Unlock()

	if t.Name == m.panicOn {
		panic("runner bug")
	}
	if ch != nil {
		<-ch
	}
	if fail {
		return checker.Outcome{
			Target: t.Name,
			Result: checker.ResultFailure,
			Err:    &checker.CheckError{Kind: checker.KindSelectorTimeout, Step: "assert_css"},
		}
	}
	return checker.Outcome{Target: t.Name, Result: checker.ResultSuccess, Duration: 250 * time.Millisecond}
}

func (m *mockRunner) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// mockRecorder counts recorder calls per target.
type mockRecorder struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
	durations map[string][]float64
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		successes: make(map[string]int),
		failures:  make(map[string]int),
		durations: make(map[string][]float64),
	}
}

func (r *mockRecorder) ObserveLoginDuration(target string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[target] = append(r.durations[target], seconds)
}

func (r *mockRecorder) IncrementLoginSuccess(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[target]++
}

func (r *mockRecorder) IncrementLoginFailure(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[target]++
}

func (r *mockRecorder) snapshot(target string) (succ, fail, durations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes[target], r.failures[target], len(r.durations[target])
}

func makeTarget(name string, interval time.Duration) config.Target {
	return config.Target{
		Name:          name,
		LoginURL:      "https://" + name + ".example/login",
		Selectors:     config.Selectors{SuccessByCSS: true, SuccessValue: "#ok"},
		CheckInterval: config.Duration{Duration: interval},
	}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func blockUntilTickers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func TestScheduler_ImmediateAttemptPerTarget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()
	runner.fail["siteB"] = true
	rec := newMockRecorder()

	targets := []config.Target{makeTarget("siteA", time.Hour), makeTarget("siteB", time.Hour)}
	sched := scheduler.New(targets, runner, rec, nil, scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	blockUntilTickers(t, clock, 2)

	require.Eventually(t, func() bool {
		sa, _, _ := rec.snapshot("siteA")
		_, fb, _ := rec.snapshot("siteB")
		return sa == 1 && fb == 1
	}, waitFor, tick)

	sched.Stop()
	sched.Wait()

	sa, fa, da := rec.snapshot("siteA")
	assert.Equal(t, [3]int{1, 0, 1}, [3]int{sa, fa, da}, "siteA: one success with one duration")
	sb, fb, db := rec.snapshot("siteB")
	assert.Equal(t, [3]int{0, 1, 0}, [3]int{sb, fb, db}, "siteB: one failure, no duration")
	assert.Equal(t, 1, runner.count("siteA"))
	assert.Equal(t, 1, runner.count("siteB"))
}

func TestScheduler_IndependentIntervals(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()
	rec := newMockRecorder()

	targets := []config.Target{
		makeTarget("fast", 100*time.Millisecond),
		makeTarget("slow", 100000*time.Millisecond),
	}
	sched := scheduler.New(targets, runner, rec, nil, scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	blockUntilTickers(t, clock, 2)

	require.Eventually(t, func() bool { return runner.count("fast") == 1 && runner.count("slow") == 1 }, waitFor, tick)

	for i := 0; i < 3; i++ {
		clock.Advance(100 * time.Millisecond)
		want := i + 2
		require.Eventually(t, func() bool { return runner.count("fast") >= want }, waitFor, tick)
	}
	clock.Advance(50 * time.Millisecond)

	sched.Stop()
	sched.Wait()

	assert.GreaterOrEqual(t, runner.count("fast"), 3)
	assert.Equal(t, 1, runner.count("slow"))

	succ, fail, _ := rec.snapshot("fast")
	assert.Equal(t, runner.count("fast"), succ+fail, "every attempt records exactly one counter")
}

func TestScheduler_DefaultInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()

	sched := scheduler.New([]config.Target{makeTarget("siteA", 0)}, runner, newMockRecorder(), nil, scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	blockUntilTickers(t, clock, 1)
	require.Eventually(t, func() bool { return runner.count("siteA") == 1 }, waitFor, tick)

	clock.Advance(299999 * time.Millisecond)
	assert.Never(t, func() bool { return runner.count("siteA") > 1 }, 50*time.Millisecond, tick)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return runner.count("siteA") == 2 }, waitFor, tick)

	sched.Stop()
	sched.Wait()
}

func TestScheduler_HungTargetDoesNotBlockOthers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()
	release := make(chan struct{})
	runner.block["stuck"] = release
	rec := newMockRecorder()

	targets := []config.Target{makeTarget("stuck", time.Hour), makeTarget("healthy", time.Second)}
	sched := scheduler.New(targets, runner, rec, nil, scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	blockUntilTickers(t, clock, 2)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		want := i + 2
		require.Eventually(t, func() bool {
			s, _, _ := rec.snapshot("healthy")
			return s >= want
		}, waitFor, tick)
	}

	s, f, _ := rec.snapshot("stuck")
	assert.Zero(t, s+f, "hung attempt must not have recorded yet")

	close(release)
	sched.Stop()
	sched.Wait()

	s, f, _ = rec.snapshot("stuck")
	assert.Equal(t, 1, s+f)
}

func TestScheduler_OverlapAllowStartsNewAttempt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()
	release := make(chan struct{})
	runner.block["siteA"] = release

	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Second)}, runner, newMockRecorder(), nil, scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	blockUntilTickers(t, clock, 1)
	require.Eventually(t, func() bool { return runner.count("siteA") == 1 }, waitFor, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runner.count("siteA") == 2 }, waitFor, tick)

	close(release)
	sched.Stop()
	sched.Wait()
}

func TestScheduler_OverlapSkipDropsTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()
	release := make(chan struct{})
	runner.block["siteA"] = release
	rec := newMockRecorder()

	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Second)}, runner, rec, nil,
		scheduler.WithClock(clock),
		scheduler.WithOverlapPolicy(scheduler.OverlapSkip),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	blockUntilTickers(t, clock, 1)
	require.Eventually(t, func() bool { return runner.count("siteA") == 1 }, waitFor, tick)

	clock.Advance(time.Second)
	assert.Never(t, func() bool { return runner.count("siteA") > 1 }, 50*time.Millisecond, tick)

	close(release)
	require.Eventually(t, func() bool {
		s, _, _ := rec.snapshot("siteA")
		return s == 1
	}, waitFor, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runner.count("siteA") == 2 }, waitFor, tick)

	sched.Stop()
	sched.Wait()
}

func TestScheduler_StopHaltsTicking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newMockRunner()

	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Second)}, runner, newMockRecorder(), nil, scheduler.WithClock(clock))
	sched.Start(context.Background())
	blockUntilTickers(t, clock, 1)
	require.Eventually(t, func() bool { return runner.count("siteA") == 1 }, waitFor, tick)

	sched.Stop()
	sched.Wait()

	clock.Advance(10 * time.Second)
	assert.Never(t, func() bool { return runner.count("siteA") > 1 }, 50*time.Millisecond, tick)
}

func TestScheduler_ContextCancellation(t *testing.T) {
	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Hour)}, newMockRunner(), newMockRecorder(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Error("Wait() did not return within 2s after context cancel")
	}
}

func TestScheduler_OnResultCallback(t *testing.T) {
	var calls atomic.Int32
	var last atomic.Value
	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Hour)}, newMockRunner(), newMockRecorder(), nil)
	sched.SetOnResult(func(out checker.Outcome) {
		calls.Add(1)
		last.Store(out)
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, waitFor, tick)
	cancel()
	sched.Wait()

	out := last.Load().(checker.Outcome)
	assert.Equal(t, "siteA", out.Target)
	assert.True(t, out.Succeeded())
}

func TestScheduler_RunnerPanicCountsAsFailure(t *testing.T) {
	runner := newMockRunner()
	runner.panicOn = "siteA"
	rec := newMockRecorder()

	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Hour)}, runner, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	require.Eventually(t, func() bool {
		_, f, _ := rec.snapshot("siteA")
		return f == 1
	}, waitFor, tick)
	cancel()
	sched.Wait()

	s, _, d := rec.snapshot("siteA")
	assert.Zero(t, s)
	assert.Zero(t, d)
}

// cancelAwareRunner blocks until ctx is done and reports the attempt as
// canceled, as checker.Runner does at shutdown.
type cancelAwareRunner struct {
	started chan struct{}
	once    sync.Once
}

func (r *cancelAwareRunner) Run(ctx context.Context, t config.Target) checker.Outcome {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return checker.Outcome{
		Target: t.Name,
		Result: checker.ResultCanceled,
		Err:    &checker.CheckError{Kind: checker.KindCanceled, Step: "navigate", Err: ctx.Err()},
	}
}

func TestScheduler_ShutdownDoesNotRecordCanceledAttempts(t *testing.T) {
	runner := &cancelAwareRunner{started: make(chan struct{})}
	rec := newMockRecorder()
	var results atomic.Int32

	sched := scheduler.New([]config.Target{makeTarget("siteA", time.Hour)}, runner, rec, nil)
	sched.SetOnResult(func(checker.Outcome) { results.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	select {
	case <-runner.started:
	case <-time.After(waitFor):
		t.Fatal("attempt never started")
	}
	cancel()
	sched.Wait()

	s, f, d := rec.snapshot("siteA")
	assert.Zero(t, s+f+d, "canceled attempt must not touch metrics")
	assert.Zero(t, results.Load())
}

func TestParseOverlapPolicy(t *testing.T) {
	p, err := scheduler.ParseOverlapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, scheduler.OverlapAllow, p)

	p, err = scheduler.ParseOverlapPolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, scheduler.OverlapSkip, p)
	assert.Equal(t, "skip", p.String())

	_, err = scheduler.ParseOverlapPolicy("queue")
	assert.Error(t, err)
}
