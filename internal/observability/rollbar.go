package observability

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rollbar/rollbar-go"

	"github.com/hazz-dev/loginprobe/internal/version"
)

// Reporter forwards unexpected faults to Rollbar when it is enabled.
type Reporter struct {
	enabled bool
	logger  *slog.Logger
}

// SetupRollbar configures the Rollbar SDK if ROLLBAR_ACCESS_TOKEN is set.
// lookup is os.LookupEnv in production. The returned Reporter is always
// usable; Flush should be deferred to deliver pending items.
func SetupRollbar(logger *slog.Logger, lookup func(string) (string, bool)) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	env := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	token := env("ROLLBAR_ACCESS_TOKEN")
	if token == "" {
		rollbar.SetEnabled(false)
		logger.Info("rollbar disabled", "reason", "missing access token")
		return &Reporter{logger: logger}
	}

	rollbar.SetEnabled(true)
	rollbar.SetToken(token)

	environment := env("ROLLBAR_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}
	rollbar.SetEnvironment(environment)

	codeVersion := env("ROLLBAR_CODE_VERSION")
	if codeVersion == "" {
		codeVersion = version.Version
	}
	rollbar.SetCodeVersion(codeVersion)

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		rollbar.SetServerHost(hostname)
	}
	rollbar.SetCaptureIp(rollbar.CaptureIpAnonymize)

	logger.Info("rollbar enabled", "environment", environment)
	return &Reporter{enabled: true, logger: logger}
}

// Enabled reports whether faults are forwarded to Rollbar.
func (r *Reporter) Enabled() bool {
	return r.enabled
}

// ReportPanic sends a recovered panic value to Rollbar.
func (r *Reporter) ReportPanic(recovered any) {
	if !r.enabled {
		return
	}
	switch v := recovered.(type) {
	case error:
		rollbar.Critical(v)
	default:
		rollbar.Critical(fmt.Errorf("panic: %v", v))
	}
	r.logger.Debug("panic reported to rollbar")
}

// Flush blocks until queued items are delivered.
func (r *Reporter) Flush() {
	if r.enabled {
		rollbar.Wait()
	}
}
