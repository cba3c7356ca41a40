package checker

import "fmt"

// Kind classifies why a login check failed.
type Kind string

const (
	KindBrowserLaunch     Kind = "browser_launch"
	KindNavigationTimeout Kind = "navigation_timeout"
	KindFormInteraction   Kind = "form_interaction"
	KindSelectorTimeout   Kind = "selector_timeout"
	KindURLAssertion      Kind = "url_assertion"
	// KindBrowserClose is only ever logged; it never changes an outcome.
	KindBrowserClose Kind = "browser_close"
	// KindUnexpected marks a recovered panic inside a check step.
	KindUnexpected Kind = "unexpected"
	// KindCanceled accompanies ResultCanceled.
	KindCanceled Kind = "canceled"
)

// CheckError is a classified check failure.
type CheckError struct {
	Kind Kind
	Step string
	// Expected and Actual are set for KindURLAssertion.
	Expected string
	Actual   string
	Err      error
}

func (e *CheckError) Error() string {
	if e.Kind == KindURLAssertion {
		return fmt.Sprintf("%s: expected URL to be %s, but got %s", e.Step, e.Expected, e.Actual)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// Is matches another *CheckError by Kind, so callers can write
// errors.Is(err, &CheckError{Kind: KindSelectorTimeout}).
func (e *CheckError) Is(target error) bool {
	t, ok := target.(*CheckError)
	return ok && t.Kind == e.Kind
}
