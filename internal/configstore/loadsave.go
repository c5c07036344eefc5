package configstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type fileConfig struct {
	Setup        *fileSetup                 `toml:"setup,omitempty"`
	Proxy        *fileProxy                 `toml:"proxy,omitempty"`
	Policy       *filePolicy                `toml:"policy,omitempty"`
	State        *fileState                 `toml:"state,omitempty"`
	Interceptors map[string]fileInterceptor `toml:"interceptors,omitempty"`
}

type fileSetup struct {
	BindHost        *string `toml:"bind_host,omitempty"`
	PortMin         *uint16 `toml:"port_min,omitempty"`
	PortMax         *uint16 `toml:"port_max,omitempty"`
	MaxBindAttempts *int    `toml:"max_bind_attempts,omitempty"`
	// GracePeriod is a duration string or integer seconds.
	GracePeriod any `toml:"grace_period,omitempty"`
}

type fileProxy struct {
	Host   *string `toml:"host,omitempty"`
	CACert *string `toml:"ca_cert,omitempty"`
}

type filePolicy struct {
	Path *string `toml:"path,omitempty"`
}

type fileState struct {
	Dir *string `toml:"dir,omitempty"`
}

type fileInterceptor struct {
	Enabled *bool             `toml:"enabled,omitempty"`
	Options map[string]string `toml:"options,omitempty"`
}

// Load reads the configuration at path. An empty path resolves the default
// location, where a missing file yields defaults; an explicit path must exist.
// The resolved path is returned alongside the config.
func Load(path string) (Config, string, error) {
	cfg := New()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		_, file, err := GetConfigPath()
		if err != nil {
			return cfg, "", err
		}
		path = file
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return cfg, path, nil
	}
	if err != nil {
		return cfg, path, fmt.Errorf("read config: %w", err)
	}
	if err := decodeConfig(data, path, &cfg); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

func decodeConfig(data []byte, path string, cfg *Config) error {
	var raw fileConfig
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return &ParseError{Path: path, Err: err}
	}

	if s := raw.Setup; s != nil {
		if s.BindHost != nil {
			cfg.Setup.BindHost = strings.TrimSpace(*s.BindHost)
		}
		if s.PortMin != nil {
			cfg.Setup.PortMin = *s.PortMin
		}
		if s.PortMax != nil {
			cfg.Setup.PortMax = *s.PortMax
		}
		if s.MaxBindAttempts != nil {
			cfg.Setup.MaxBindAttempts = *s.MaxBindAttempts
		}
		if s.GracePeriod != nil {
			d, err := durationValue(s.GracePeriod)
			if err != nil {
				return &ParseError{Path: path, Err: fmt.Errorf("setup.grace_period: %w", err)}
			}
			cfg.Setup.GracePeriod = d
		}
	}
	if p := raw.Proxy; p != nil {
		if p.Host != nil {
			cfg.Proxy.Host = strings.TrimSpace(*p.Host)
		}
		if p.CACert != nil {
			cfg.Proxy.CACert = expandHome(strings.TrimSpace(*p.CACert))
		}
	}
	if raw.Policy != nil && raw.Policy.Path != nil {
		cfg.Policy.Path = expandHome(strings.TrimSpace(*raw.Policy.Path))
	}
	if raw.State != nil && raw.State.Dir != nil {
		cfg.State.Dir = expandHome(strings.TrimSpace(*raw.State.Dir))
	}
	for kind, ic := range raw.Interceptors {
		cfg.Interceptors[kind] = InterceptorConfig{Enabled: ic.Enabled, Options: ic.Options}
	}
	return nil
}

func durationValue(v any) (time.Duration, error) {
	switch val := v.(type) {
	case string:
		return ParseDuration(val)
	case int64:
		if val < 0 {
			return 0, fmt.Errorf("duration %d must not be negative", val)
		}
		return time.Duration(val) * time.Second, nil
	default:
		return 0, fmt.Errorf("expected duration string or integer seconds, got %T", v)
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := resolveHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Save writes cfg to path as TOML, creating parent directories.
func Save(path string, cfg Config) error {
	setupTable := &fileSetup{
		BindHost:        &cfg.Setup.BindHost,
		MaxBindAttempts: &cfg.Setup.MaxBindAttempts,
		GracePeriod:     cfg.Setup.GracePeriod.String(),
	}
	if cfg.Setup.PortMin != 0 || cfg.Setup.PortMax != 0 {
		setupTable.PortMin = &cfg.Setup.PortMin
		setupTable.PortMax = &cfg.Setup.PortMax
	}
	out := fileConfig{
		Setup: setupTable,
		Proxy: &fileProxy{Host: &cfg.Proxy.Host},
	}
	if cfg.Proxy.CACert != "" {
		out.Proxy.CACert = &cfg.Proxy.CACert
	}
	if cfg.Policy.Path != "" {
		out.Policy = &filePolicy{Path: &cfg.Policy.Path}
	}
	if cfg.State.Dir != "" {
		out.State = &fileState{Dir: &cfg.State.Dir}
	}
	if len(cfg.Interceptors) > 0 {
		out.Interceptors = make(map[string]fileInterceptor, len(cfg.Interceptors))
		for kind, ic := range cfg.Interceptors {
			out.Interceptors[kind] = fileInterceptor{Enabled: ic.Enabled, Options: ic.Options}
		}
	}

	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
