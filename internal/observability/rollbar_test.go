package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupRollbar_DisabledWithoutToken(t *testing.T) {
	lookup := func(string) (string, bool) { return "", false }

	r := SetupRollbar(nil, lookup)

	assert.False(t, r.Enabled())
	// Must be safe to call when disabled.
	r.ReportPanic("boom")
	r.Flush()
}
