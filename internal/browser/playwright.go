package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// ErrNotStarted is returned by Launch before Start has succeeded.
var ErrNotStarted = errors.New("playwright driver not started")

// PlaywrightDriver launches Chromium sessions through playwright-go. One
// playwright runtime is shared by every session.
type PlaywrightDriver struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	install bool
	logger  *slog.Logger
}

// NewPlaywrightDriver returns a driver that is not yet started. When install
// is true, Start downloads the playwright runtime and browsers first.
func NewPlaywrightDriver(install bool, logger *slog.Logger) *PlaywrightDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaywrightDriver{install: install, logger: logger}
}

// Start boots the playwright runtime. It is idempotent.
func (d *PlaywrightDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw != nil {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if d.install {
		d.logger.Info("installing playwright runtime")
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("installing playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("starting playwright: %w", err)
	}
	d.pw = pw
	return nil
}

// Stop shuts the playwright runtime down.
func (d *PlaywrightDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	if err != nil {
		return fmt.Errorf("stopping playwright: %w", err)
	}
	return nil
}

// Launch starts a new Chromium instance.
func (d *PlaywrightDriver) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	d.mu.Lock()
	pw := d.pw
	d.mu.Unlock()
	if pw == nil {
		return nil, ErrNotStarted
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
	}
	if opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecutablePath)
	}
	if ms := timeoutMillis(ctx); ms > 0 {
		launchOpts.Timeout = playwright.Float(ms)
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("launching chromium: %w", err)
	}
	return &playwrightSession{browser: b}, nil
}

type playwrightSession struct {
	browser playwright.Browser
}

func (s *playwrightSession) NewPage(ctx context.Context) (Page, error) {
	p, err := s.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	return &playwrightPage{page: p}, nil
}

func (s *playwrightSession) Close() error {
	if err := s.browser.Close(); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) SetViewport(ctx context.Context, width, height int) error {
	if err := p.page.SetViewportSize(width, height); err != nil {
		return fmt.Errorf("setting viewport: %w", err)
	}
	return nil
}

func (p *playwrightPage) Goto(ctx context.Context, url string, waitUntil WaitUntil) error {
	opts := playwright.PageGotoOptions{
		WaitUntil: waitUntilState(waitUntil),
		Timeout:   playwright.Float(timeoutMillis(ctx)),
	}
	if _, err := p.page.Goto(url, opts); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (p *playwrightPage) Screenshot(ctx context.Context, path string) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:    playwright.String(path),
		Type:    playwright.ScreenshotTypeJpeg,
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
	if err != nil {
		return fmt.Errorf("capturing screenshot: %w", err)
	}
	return nil
}

func (p *playwrightPage) Type(ctx context.Context, selector, text string) error {
	err := p.page.Locator(selector).PressSequentially(text, playwright.LocatorPressSequentiallyOptions{
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
	if err != nil {
		return fmt.Errorf("typing into %s: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	err := p.page.Click(selector, playwright.PageClickOptions{
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
	if err != nil {
		return fmt.Errorf("clicking %s: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) WaitForNavigation(ctx context.Context, waitUntil WaitUntil) error {
	err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   loadState(waitUntil),
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
	if err != nil {
		return fmt.Errorf("waiting for navigation: %w", err)
	}
	return nil
}

func (p *playwrightPage) WaitForSelector(ctx context.Context, selector string) error {
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(timeoutMillis(ctx)),
	})
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func waitUntilState(w WaitUntil) *playwright.WaitUntilState {
	if w == "" {
		w = WaitLoad
	}
	state := playwright.WaitUntilState(w)
	return &state
}

func loadState(w WaitUntil) *playwright.LoadState {
	if w == "" {
		w = WaitLoad
	}
	state := playwright.LoadState(w)
	return &state
}
