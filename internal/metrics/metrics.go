// Package metrics records login-check outcomes as Prometheus series and
// renders them in the text exposition format.
package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// Metric names exposed on /metrics.
const (
	LoginDurationName = "app_login_duration_seconds"
	LoginSuccessName  = "app_login_success_total"
	LoginFailureName  = "app_login_failure_total"
)

// DurationBuckets are the histogram buckets for login duration, in seconds.
var DurationBuckets = []float64{0.1, 0.5, 1, 2, 5}

// Registry owns the Prometheus registry and the login metrics. Every method
// is safe for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	loginDuration *prometheus.HistogramVec
	loginSuccess  *prometheus.CounterVec
	loginFailure  *prometheus.CounterVec
}

// Option customises New.
type Option func(*options)

type options struct {
	runtimeCollectors bool
}

// WithoutRuntimeCollectors skips the Go runtime and process collectors.
func WithoutRuntimeCollectors() Option {
	return func(o *options) { o.runtimeCollectors = false }
}

// New creates a Registry with the login metrics registered.
func New(opts ...Option) *Registry {
	o := options{runtimeCollectors: true}
	for _, fn := range opts {
		fn(&o)
	}

	r := &Registry{
		reg: prometheus.NewRegistry(),
		loginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    LoginDurationName,
				Help:    "Duration of login attempt in seconds",
				Buckets: DurationBuckets,
			},
			[]string{"target"},
		),
		loginSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: LoginSuccessName,
				Help: "Total number of successful logins",
			},
			[]string{"target"},
		),
		loginFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: LoginFailureName,
				Help: "Total number of failed logins",
			},
			[]string{"target"},
		),
	}

	r.reg.MustRegister(r.loginDuration, r.loginSuccess, r.loginFailure)
	if o.runtimeCollectors {
		r.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// ObserveLoginDuration records the duration of a successful login.
func (r *Registry) ObserveLoginDuration(target string, seconds float64) {
	r.loginDuration.WithLabelValues(target).Observe(seconds)
}

// IncrementLoginSuccess counts a successful login.
func (r *Registry) IncrementLoginSuccess(target string) {
	r.loginSuccess.WithLabelValues(target).Inc()
}

// IncrementLoginFailure counts a failed login.
func (r *Registry) IncrementLoginFailure(target string) {
	r.loginFailure.WithLabelValues(target).Inc()
}

// ContentType is the media type of Snapshot output.
func ContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}

// Snapshot renders every registered series in the text exposition format.
func (r *Registry) Snapshot() (string, error) {
	return Render(r.reg)
}

// Render gathers g and encodes the result as exposition text.
func Render(g prometheus.Gatherer) (string, error) {
	families, err := g.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
