// Package listen parses the control API listen address.
package listen

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18180
)

// Config is a normalized host/port pair for the control API.
type Config struct {
	Host string
	Port uint16
}

// Default returns the loopback control API address.
func Default() Config {
	return Config{Host: defaultHost, Port: defaultPort}
}

// Parse interprets a listen argument. Empty input keeps the default and
// host-only values inherit the default port. A bare port stays on loopback
// while ":port" binds every interface. Port 0 asks the kernel for a free port.
func Parse(raw string) (Config, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Default(), nil
	}

	var host, port string
	switch {
	case strings.HasPrefix(value, "[") && strings.Contains(value, "]:"):
		closing := strings.LastIndex(value, "]:")
		host = value[1:closing]
		port = value[closing+2:]
	case strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]"):
		host = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
	case strings.HasPrefix(value, ":"):
		port = value[1:]
	case isDigits(value):
		host = defaultHost
		port = value
	case strings.Contains(value, ":"):
		h, p, err := net.SplitHostPort(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid listen address %q: %w", value, err)
		}
		host, port = h, p
	default:
		host = value
	}

	cfg := Config{Host: strings.TrimSpace(host), Port: defaultPort}
	if port = strings.TrimSpace(port); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return Config{}, fmt.Errorf("invalid listen port %q", port)
		}
		cfg.Port = uint16(n)
	}
	return cfg, nil
}

// Address returns the bind string for net.Listen.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Loopback reports whether the address only accepts local connections.
func (c Config) Loopback() bool {
	if c.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(c.Host)
	return ip != nil && ip.IsLoopback()
}

// BaseURL renders the http base URL clients use to reach this address.
func (c Config) BaseURL() string {
	host := c.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(c.Port)))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
