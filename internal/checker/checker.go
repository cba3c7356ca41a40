package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hazz-dev/loginprobe/internal/browser"
	"github.com/hazz-dev/loginprobe/internal/config"
)

// Timeouts bounds each state of a login check. Zero fields take the value
// from DefaultTimeouts.
type Timeouts struct {
	Launch      time.Duration
	PageReady   time.Duration
	Navigation  time.Duration
	Interaction time.Duration
	Selector    time.Duration
	Close       time.Duration
}

// DefaultTimeouts returns the per-state budgets used in production.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Launch:      30 * time.Second,
		PageReady:   30 * time.Second,
		Navigation:  30 * time.Second,
		Interaction: 30 * time.Second,
		Selector:    10 * time.Second,
		Close:       30 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Launch <= 0 {
		t.Launch = d.Launch
	}
	if t.PageReady <= 0 {
		t.PageReady = d.PageReady
	}
	if t.Navigation <= 0 {
		t.Navigation = d.Navigation
	}
	if t.Interaction <= 0 {
		t.Interaction = d.Interaction
	}
	if t.Selector <= 0 {
		t.Selector = d.Selector
	}
	if t.Close <= 0 {
		t.Close = d.Close
	}
	return t
}

// Options configure a Runner.
type Options struct {
	Launch   browser.LaunchOptions
	Timeouts Timeouts
	// ScreenshotDir receives "<target>-login.jpg" after navigation. Empty
	// disables screenshots.
	ScreenshotDir  string
	ViewportWidth  int
	ViewportHeight int
	// OnPanic, if set, receives any value recovered from a check step.
	OnPanic func(recovered any)
}

// Runner executes login checks. A Runner is safe for concurrent use; every
// Run owns its own browser session.
type Runner struct {
	driver browser.Driver
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a Runner. Pass nil logger to use the default logger.
func NewRunner(driver browser.Driver, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Timeouts = opts.Timeouts.withDefaults()
	if opts.ViewportWidth <= 0 || opts.ViewportHeight <= 0 {
		opts.ViewportWidth = browser.DefaultViewportWidth
		opts.ViewportHeight = browser.DefaultViewportHeight
	}
	return &Runner{driver: driver, opts: opts, logger: logger}
}

// Timeouts returns the effective per-state budgets.
func (r *Runner) Timeouts() Timeouts {
	return r.opts.Timeouts
}

// step is one state of the check. Steps run strictly in order; the first
// failure ends the attempt.
type step struct {
	name    string
	timeout time.Duration
	kind    Kind
	run     func(ctx context.Context) error
	// bestEffort steps log their failure and never end the attempt.
	bestEffort bool
}

// Run performs one login check against target. It never panics and always
// releases the browser session it acquired.
func (r *Runner) Run(ctx context.Context, target config.Target) (out Outcome) {
	a := &attempt{
		runner: r,
		target: target,
		logger: r.logger.With("target", target.Name),
	}
	out = Outcome{Target: target.Name, Result: ResultFailure, CheckedAt: time.Now()}

	defer func() {
		if rec := recover(); rec != nil {
			out = a.fail(out, "run", KindUnexpected, &panicError{value: rec, stack: debug.Stack()})
		}
		a.release()
	}()

	a.logger.Info("starting login check", "url", target.LoginURL)

	var navStart time.Time
	for _, st := range a.steps() {
		if ctx.Err() != nil {
			return a.abandon(out, st.name, ctx.Err())
		}
		if st.name == "navigate" {
			navStart = time.Now()
		}
		err := runStep(ctx, st.timeout, st.run)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return a.abandon(out, st.name, ctx.Err())
		}
		if st.bestEffort {
			var pe *panicError
			if errors.As(err, &pe) && a.runner.opts.OnPanic != nil {
				a.runner.opts.OnPanic(pe.value)
			}
			a.logger.Warn(st.name+" failed", "step", st.name, "error", err)
			continue
		}
		return a.fail(out, st.name, st.kind, err)
	}

	out.Result = ResultSuccess
	out.Duration = time.Since(navStart)
	a.logger.Info("login successful", "duration", out.Duration)
	return out
}

func (a *attempt) steps() []step {
	t := a.runner.opts.Timeouts
	assert := step{name: "assert_css", timeout: t.Selector, kind: KindSelectorTimeout, run: a.assertSelector}
	if a.target.Selectors.SuccessByURL {
		assert = step{name: "assert_url", timeout: t.Interaction, kind: KindURLAssertion, run: a.assertURL}
	}
	steps := []step{
		{name: "launch", timeout: t.Launch, kind: KindBrowserLaunch, run: a.launch},
		{name: "page_ready", timeout: t.PageReady, kind: KindBrowserLaunch, run: a.pageReady},
		{name: "navigate", timeout: t.Navigation, kind: KindNavigationTimeout, run: a.navigate},
	}
	if a.runner.opts.ScreenshotDir != "" {
		steps = append(steps, step{name: "screenshot", timeout: t.Interaction, run: a.screenshot, bestEffort: true})
	}
	return append(steps,
		step{name: "fill_and_submit", timeout: t.Interaction, kind: KindFormInteraction, run: a.fillAndSubmit},
		assert,
	)
}

// attempt holds the state of a single Run.
type attempt struct {
	runner *Runner
	target config.Target
	logger *slog.Logger

	mu       sync.Mutex
	session  browser.Session
	released bool
	page     browser.Page
}

func (a *attempt) launch(ctx context.Context) error {
	s, err := a.runner.driver.Launch(ctx, a.runner.opts.Launch)
	if err != nil {
		return err
	}
	if !a.adopt(s) {
		return errors.New("session launched after attempt was abandoned")
	}
	a.logger.Debug("browser launched")
	return nil
}

// adopt records s as the attempt's session. If the attempt has already been
// released, s is closed immediately and adopt reports false.
func (a *attempt) adopt(s browser.Session) bool {
	a.mu.Lock()
	released := a.released
	if !released {
		a.session = s
	}
	a.mu.Unlock()

	if released {
		a.closeSession(s)
	}
	return !released
}

func (a *attempt) pageReady(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	p, err := s.NewPage(ctx)
	if err != nil {
		return err
	}
	if err := p.SetViewport(ctx, a.runner.opts.ViewportWidth, a.runner.opts.ViewportHeight); err != nil {
		return err
	}
	a.page = p
	a.logger.Debug("new page created")
	return nil
}

func (a *attempt) navigate(ctx context.Context) error {
	a.logger.Debug("navigating to login page", "url", a.target.LoginURL)
	if err := a.page.Goto(ctx, a.target.LoginURL, browser.WaitDOMContentLoaded); err != nil {
		return err
	}
	a.logger.Debug("navigation complete", "current_url", a.page.URL())
	return nil
}

func (a *attempt) screenshot(ctx context.Context) error {
	path := ScreenshotPath(a.runner.opts.ScreenshotDir, a.target.Name)
	if err := a.page.Screenshot(ctx, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	a.logger.Debug("screenshot captured", "path", path)
	return nil
}

func (a *attempt) fillAndSubmit(ctx context.Context) error {
	sel := a.target.Selectors
	a.logger.Debug("typing credentials",
		"username_selector", sel.UsernameField,
		"password_selector", sel.PasswordField,
		"submit_selector", sel.SubmitButton,
	)
	if err := a.page.Type(ctx, sel.UsernameField, a.target.Credentials.Username); err != nil {
		return err
	}
	if err := a.page.Type(ctx, sel.PasswordField, a.target.Credentials.Password); err != nil {
		return err
	}
	if err := a.page.Click(ctx, sel.SubmitButton); err != nil {
		return err
	}
	return a.page.WaitForNavigation(ctx, browser.WaitNetworkIdle)
}

func (a *attempt) assertSelector(ctx context.Context) error {
	a.logger.Debug("waiting for success indicator", "selector", a.target.Selectors.SuccessValue)
	return a.page.WaitForSelector(ctx, a.target.Selectors.SuccessValue)
}

func (a *attempt) assertURL(ctx context.Context) error {
	expected := a.target.Selectors.SuccessValue
	actual := a.page.URL()
	a.logger.Debug("comparing final URL", "expected", expected, "actual", actual)
	if actual != expected {
		return &CheckError{Kind: KindURLAssertion, Expected: expected, Actual: actual}
	}
	return nil
}

// fail classifies err and logs the failed attempt.
func (a *attempt) fail(out Outcome, stepName string, kind Kind, err error) Outcome {
	var pe *panicError
	var ce *CheckError
	switch {
	case errors.As(err, &pe):
		ce = &CheckError{Kind: KindUnexpected, Step: stepName, Err: pe}
		a.logger.Error("panic during login check", "step", stepName, "panic", pe.value, "stack", string(pe.stack))
		if a.runner.opts.OnPanic != nil {
			a.runner.opts.OnPanic(pe.value)
		}
	case errors.As(err, &ce):
		if ce.Step == "" {
			ce.Step = stepName
		}
	default:
		ce = &CheckError{Kind: kind, Step: stepName, Err: err}
	}

	out.Result = ResultFailure
	out.Duration = 0
	out.Err = ce
	a.logger.Error("login check failed", "step", ce.Step, "reason", string(ce.Kind), "error", ce.Error())
	return out
}

// abandon ends an attempt whose parent context was cancelled. It is not a
// failure of the target and is reported as ResultCanceled.
func (a *attempt) abandon(out Outcome, stepName string, cause error) Outcome {
	out.Result = ResultCanceled
	out.Duration = 0
	out.Err = &CheckError{Kind: KindCanceled, Step: stepName, Err: cause}
	a.logger.Info("login check canceled", "step", stepName, "error", cause)
	return out
}

// release closes the session if one was acquired.
func (a *attempt) release() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.released = true
	a.mu.Unlock()

	if s != nil {
		a.closeSession(s)
	}
}

// closeSession closes s within the close budget. A close failure is logged
// and never alters the outcome.
func (a *attempt) closeSession(s browser.Session) {
	err := runStep(context.Background(), a.runner.opts.Timeouts.Close, func(context.Context) error {
		return s.Close()
	})
	if err != nil {
		a.logger.Error("failed to close browser", "reason", string(KindBrowserClose), "error", err)
		return
	}
	a.logger.Debug("browser closed")
}

// runStep runs fn with its own deadline. It returns when fn does or when the
// deadline passes, whichever is first; a panic in fn becomes a *panicError.
func runStep(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- &panicError{value: rec, stack: debug.Stack()}
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return fmt.Errorf("step exceeded %s: %w", timeout, stepCtx.Err())
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ScreenshotPath returns where the diagnostic screenshot for target is saved.
func ScreenshotPath(dir, target string) string {
	return filepath.Join(dir, unsafeFileChars.ReplaceAllString(target, "_")+"-login.jpg")
}
