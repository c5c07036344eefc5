package configstore

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/hitch/internal/assets"
	"github.com/strongdm/hitch/internal/setup"
)

// Config represents the hitch daemon configuration.
type Config struct {
	Setup        SetupConfig
	Proxy        ProxyConfig
	Policy       PolicyConfig
	State        StateConfig
	Interceptors map[string]InterceptorConfig
}

// SetupConfig controls setup listener binding and expiry.
type SetupConfig struct {
	BindHost        string
	PortMin         uint16
	PortMax         uint16
	MaxBindAttempts int
	GracePeriod     time.Duration
}

// ProxyConfig describes the intercepting proxy clients are pointed at.
type ProxyConfig struct {
	Host   string
	CACert string
}

// PolicyConfig points at the Cedar activation policy. Empty Path permits all.
type PolicyConfig struct {
	Path string
}

// StateConfig locates per-session state such as python overrides.
type StateConfig struct {
	Dir string
}

// InterceptorConfig toggles one interceptor kind and sets its default options.
// A nil Enabled leaves the kind enabled.
type InterceptorConfig struct {
	Enabled *bool
	Options map[string]string
}

// New returns a Config populated with defaults.
func New() Config {
	def := setup.DefaultConfig()
	return Config{
		Setup: SetupConfig{
			BindHost:        def.BindHost,
			MaxBindAttempts: def.MaxBindAttempts,
			GracePeriod:     def.GracePeriod,
		},
		Proxy:        ProxyConfig{Host: "127.0.0.1"},
		Interceptors: make(map[string]InterceptorConfig),
	}
}

// SetupService converts the [setup] table for the setup package.
func (c Config) SetupService() setup.Config {
	return setup.Config{
		BindHost:        c.Setup.BindHost,
		PortMin:         c.Setup.PortMin,
		PortMax:         c.Setup.PortMax,
		MaxBindAttempts: c.Setup.MaxBindAttempts,
		GracePeriod:     c.Setup.GracePeriod,
	}
}

// InterceptorEnabled reports whether kind should be registered.
func (c Config) InterceptorEnabled(kind string) bool {
	ic, ok := c.Interceptors[kind]
	if !ok || ic.Enabled == nil {
		return true
	}
	return *ic.Enabled
}

// InterceptorOptions returns the configured default options for kind.
func (c Config) InterceptorOptions(kind string) map[string]string {
	ic, ok := c.Interceptors[kind]
	if !ok || len(ic.Options) == 0 {
		return nil
	}
	out := make(map[string]string, len(ic.Options))
	for k, v := range ic.Options {
		out[k] = v
	}
	return out
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if err := c.SetupService().Validate(); err != nil {
		return err
	}
	if host := strings.TrimSpace(c.Setup.BindHost); host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return fmt.Errorf("setup bind_host %q is not an IP address", host)
	}
	if strings.TrimSpace(c.Proxy.Host) == "" {
		return fmt.Errorf("proxy host required")
	}
	if err := assets.ValidateHost(c.Proxy.Host); err != nil {
		return fmt.Errorf("proxy host: %w", err)
	}
	if c.Proxy.CACert != "" {
		if _, err := os.Stat(c.Proxy.CACert); err != nil {
			return fmt.Errorf("proxy ca_cert: %w", err)
		}
	}
	return nil
}

// Environment overrides applied by ApplyEnv.
const (
	EnvProxyHost   = "HITCH_PROXY_HOST"
	EnvCACert      = "HITCH_CA_CERT"
	EnvGracePeriod = "HITCH_GRACE_PERIOD"
	EnvPolicy      = "HITCH_POLICY"
	EnvStateDir    = "HITCH_STATE_DIR"
)

// ApplyEnv overlays HITCH_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvProxyHost)); v != "" {
		c.Proxy.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCACert)); v != "" {
		c.Proxy.CACert = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvGracePeriod)); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGracePeriod, err)
		}
		c.Setup.GracePeriod = d
	}
	if v := strings.TrimSpace(os.Getenv(EnvPolicy)); v != "" {
		c.Policy.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStateDir)); v != "" {
		c.State.Dir = v
	}
	return nil
}

// ParseDuration accepts a Go duration ("90s", "10m") or integer seconds.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("duration required")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", raw)
		}
		return d, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if secs < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return time.Duration(secs) * time.Second, nil
}
