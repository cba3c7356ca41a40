package checker_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazz-dev/loginprobe/internal/browser"
)

// stubDriver is an in-memory browser.Driver.
type stubDriver struct {
	launchErr   error
	launchDelay time.Duration
	session     *stubSession
	launches    atomic.Int32
}

func (d *stubDriver) Launch(ctx context.Context, _ browser.LaunchOptions) (browser.Session, error) {
	d.launches.Add(1)
	if d.launchDelay > 0 {
		time.Sleep(d.launchDelay)
	}
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return d.session, nil
}

type stubSession struct {
	page       *stubPage
	newPageErr error
	closeErr   error
	closed     atomic.Int32
}

func (s *stubSession) NewPage(context.Context) (browser.Page, error) {
	if s.newPageErr != nil {
		return nil, s.newPageErr
	}
	return s.page, nil
}

func (s *stubSession) Close() error {
	s.closed.Add(1)
	return s.closeErr
}

// stubPage simulates a login form. Clicking submit moves the page to
// afterSubmitURL; the success selector renders only if selectorRenders.
type stubPage struct {
	afterSubmitURL  string
	selectorRenders bool

	// gotoHang makes Goto block until the channel is closed, ignoring ctx.
	gotoHang      chan struct{}
	typeErr       error
	navErr        error
	screenshotErr error
	panicOnClick  bool
	// screenshotDelay makes Screenshot sleep, ignoring ctx.
	screenshotDelay time.Duration

	mu          sync.Mutex
	url         string
	viewport    [2]int
	typed       map[string]string
	screenshots []string
}

func (p *stubPage) SetViewport(_ context.Context, w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = [2]int{w, h}
	return nil
}

func (p *stubPage) Goto(_ context.Context, url string, _ browser.WaitUntil) error {
	if p.gotoHang != nil {
		<-p.gotoHang
		return errors.New("navigation aborted")
	}
	// Give the navigation a measurable cost.
	time.Sleep(2 * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *stubPage) Screenshot(_ context.Context, path string) error {
	if p.screenshotDelay > 0 {
		time.Sleep(p.screenshotDelay)
	}
	if p.screenshotErr != nil {
		return p.screenshotErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots = append(p.screenshots, path)
	return nil
}

func (p *stubPage) Type(_ context.Context, selector, text string) error {
	if p.typeErr != nil {
		return p.typeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = make(map[string]string)
	}
	p.typed[selector] = text
	return nil
}

func (p *stubPage) Click(context.Context, string) error {
	if p.panicOnClick {
		panic("boom")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = p.afterSubmitURL
	return nil
}

func (p *stubPage) WaitForNavigation(context.Context, browser.WaitUntil) error {
	return p.navErr
}

func (p *stubPage) WaitForSelector(ctx context.Context, _ string) error {
	if p.selectorRenders {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *stubPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
