package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultPath          = "/etc/synthetic-monitor/config.json"
	DefaultCheckInterval = 300000 * time.Millisecond
	DefaultAddress       = ":3000"
	DefaultScreenshotDir = "."
)

// Environment variables consulted by ResolvePath and ApplyEnv.
const (
	EnvConfigFile        = "SYNTHETIC_MONITOR_CONFIG_FILE"
	EnvPort              = "PORT"
	EnvBrowserExecutable = "BROWSER_EXECUTABLE_PATH"
	EnvPuppeteerExec     = "PUPPETEER_EXECUTABLE_PATH"
	EnvLogLevel          = "LOG_LEVEL"
)

// DefaultBrowserArgs are passed to the browser when the config sets none.
var DefaultBrowserArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
}

// Duration is a time.Duration that unmarshals from either an integer number
// of milliseconds (3000) or a duration string ("3s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	d.Duration = dur
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Selectors locate the login form and describe how success is asserted.
// Exactly one of SuccessByCSS and SuccessByURL is set.
type Selectors struct {
	UsernameField string `yaml:"usernameField"`
	PasswordField string `yaml:"passwordField"`
	SubmitButton  string `yaml:"submitButton"`
	SuccessByCSS  bool   `yaml:"successByCss"`
	SuccessByURL  bool   `yaml:"successByUrl"`
	SuccessValue  string `yaml:"successValue"`
}

// SuccessMode names the assertion used for the target: "css" or "url".
func (s Selectors) SuccessMode() string {
	if s.SuccessByURL {
		return "url"
	}
	return "css"
}

// Credentials are typed into the login form.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Target describes a single monitored login flow.
type Target struct {
	Name          string      `yaml:"name"`
	LoginURL      string      `yaml:"loginUrl"`
	Selectors     Selectors   `yaml:"selectors"`
	Credentials   Credentials `yaml:"credentials"`
	CheckInterval Duration    `yaml:"checkInterval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// BrowserConfig holds browser launch settings.
type BrowserConfig struct {
	ExecutablePath string   `yaml:"executablePath"`
	Headless       bool     `yaml:"headless"`
	Args           []string `yaml:"args"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Config is the root application configuration.
type Config struct {
	Targets       []Target      `yaml:"targets"`
	Server        ServerConfig  `yaml:"server"`
	Browser       BrowserConfig `yaml:"browser"`
	ScreenshotDir string        `yaml:"screenshotDir"`
	Logging       LoggingConfig `yaml:"logging"`
}

// LoadError reports a configuration file that is missing, unparseable or
// invalid. It is fatal: nothing is scheduled when Load fails.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading config %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ResolvePath picks the config file path: the explicit flag value, then
// SYNTHETIC_MONITOR_CONFIG_FILE, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigFile)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, parses, and validates the config file at path. JSON documents
// are accepted as well as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("reading config: %w", err)}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse parses and validates a config document.
func Parse(data []byte) (*Config, error) {
	// Unmarshal into a raw intermediate so a missing checkInterval can be
	// told apart from an explicit zero.
	type rawTarget struct {
		Name          string      `yaml:"name"`
		LoginURL      string      `yaml:"loginUrl"`
		Selectors     Selectors   `yaml:"selectors"`
		Credentials   Credentials `yaml:"credentials"`
		CheckInterval *Duration   `yaml:"checkInterval"`
	}
	type rawBrowser struct {
		ExecutablePath string   `yaml:"executablePath"`
		Headless       *bool    `yaml:"headless"`
		Args           []string `yaml:"args"`
	}
	type rawConfig struct {
		Targets       []rawTarget   `yaml:"targets"`
		Server        ServerConfig  `yaml:"server"`
		Browser       rawBrowser    `yaml:"browser"`
		ScreenshotDir string        `yaml:"screenshotDir"`
		Logging       LoggingConfig `yaml:"logging"`
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults.
	if raw.Server.Address == "" {
		raw.Server.Address = DefaultAddress
	}
	if raw.Logging.Level == "" {
		raw.Logging.Level = "info"
	}
	if raw.Logging.Format == "" {
		raw.Logging.Format = "json"
	}
	if raw.ScreenshotDir == "" {
		raw.ScreenshotDir = DefaultScreenshotDir
	}

	if len(raw.Targets) == 0 {
		return nil, fmt.Errorf("at least one target must be configured")
	}

	cfg := &Config{
		Server: raw.Server,
		Browser: BrowserConfig{
			ExecutablePath: raw.Browser.ExecutablePath,
			Headless:       true,
			Args:           raw.Browser.Args,
		},
		ScreenshotDir: raw.ScreenshotDir,
		Logging:       raw.Logging,
	}
	if raw.Browser.Headless != nil {
		cfg.Browser.Headless = *raw.Browser.Headless
	}
	if len(cfg.Browser.Args) == 0 {
		cfg.Browser.Args = append([]string(nil), DefaultBrowserArgs...)
	}

	names := make(map[string]bool, len(raw.Targets))
	for i, rt := range raw.Targets {
		if rt.Name == "" {
			return nil, fmt.Errorf("target[%d]: name is required", i)
		}
		if names[rt.Name] {
			return nil, fmt.Errorf("duplicate target name %q", rt.Name)
		}
		names[rt.Name] = true

		if rt.LoginURL == "" {
			return nil, fmt.Errorf("target %q: loginUrl is required", rt.Name)
		}
		if err := validateSelectors(rt.Selectors); err != nil {
			return nil, fmt.Errorf("target %q: %w", rt.Name, err)
		}

		t := Target{
			Name:        rt.Name,
			LoginURL:    rt.LoginURL,
			Selectors:   rt.Selectors,
			Credentials: rt.Credentials,
		}

		// Apply interval default.
		switch {
		case rt.CheckInterval == nil:
			t.CheckInterval = Duration{DefaultCheckInterval}
		case rt.CheckInterval.Duration <= 0:
			return nil, fmt.Errorf("target %q: checkInterval must be positive, got %s", rt.Name, rt.CheckInterval.Duration)
		default:
			t.CheckInterval = *rt.CheckInterval
		}

		cfg.Targets = append(cfg.Targets, t)
	}

	return cfg, nil
}

func validateSelectors(s Selectors) error {
	if s.UsernameField == "" || s.PasswordField == "" || s.SubmitButton == "" {
		return fmt.Errorf("selectors: usernameField, passwordField and submitButton are required")
	}
	if s.SuccessByCSS == s.SuccessByURL {
		return fmt.Errorf("selectors: exactly one of successByCss and successByUrl must be true")
	}
	if s.SuccessValue == "" {
		return fmt.Errorf("selectors: successValue is required")
	}
	return nil
}

// ApplyEnv overlays environment-derived settings onto cfg. lookup is
// os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if port, ok := lookup(EnvPort); ok && strings.TrimSpace(port) != "" {
		cfg.Server.Address = ":" + strings.TrimSpace(port)
	}
	if p, ok := lookup(EnvBrowserExecutable); ok && strings.TrimSpace(p) != "" {
		cfg.Browser.ExecutablePath = strings.TrimSpace(p)
	} else if p, ok := lookup(EnvPuppeteerExec); ok && strings.TrimSpace(p) != "" {
		cfg.Browser.ExecutablePath = strings.TrimSpace(p)
	}
	if lvl, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(lvl) != "" {
		cfg.Logging.Level = strings.TrimSpace(lvl)
	}
}
