// Package browser defines the controllable browser surface used by login
// checks and its playwright-backed implementation.
//
// Every blocking operation takes a context; implementations derive their
// own timeout from the context deadline.
package browser

import (
	"context"
	"time"
)

// WaitUntil names the page lifecycle event a navigation waits for.
type WaitUntil string

const (
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// Viewport defaults match a typical laptop screen.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// LaunchOptions configure a new browser session.
type LaunchOptions struct {
	ExecutablePath string
	Headless       bool
	Args           []string
}

// Driver launches browser sessions. A Driver is safe for concurrent use;
// each session it returns is owned by a single caller.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// Session is one browser instance.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab within a Session.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	Goto(ctx context.Context, url string, waitUntil WaitUntil) error
	Screenshot(ctx context.Context, path string) error
	// Type sends text to the element one keystroke at a time.
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	WaitForNavigation(ctx context.Context, waitUntil WaitUntil) error
	WaitForSelector(ctx context.Context, selector string) error
	URL() string
}

// timeoutMillis converts the remaining time before ctx's deadline into the
// millisecond budget browser engines expect. Zero means no deadline.
func timeoutMillis(ctx context.Context) float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	return float64(remaining.Milliseconds())
}
