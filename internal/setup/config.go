package setup

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrResourceExhausted is returned when no ephemeral port could be bound
// within the configured number of attempts.
var ErrResourceExhausted = errors.New("setup port unavailable")

const (
	DefaultBindHost        = "127.0.0.1"
	DefaultMaxBindAttempts = 10
	DefaultGracePeriod     = 10 * time.Minute
)

// Config controls how setup listeners are bound.
type Config struct {
	// BindHost is the interface setup listeners bind to.
	BindHost string
	// PortMin and PortMax bound the random port choice. Both zero lets the
	// kernel pick an ephemeral port.
	PortMin uint16
	PortMax uint16
	// MaxBindAttempts bounds retries on address-in-use and target collisions.
	MaxBindAttempts int
	// GracePeriod closes unconfirmed listeners after this long. Zero disables expiry.
	GracePeriod time.Duration
	// InUse reports ports still owned by live sessions whose listener is
	// already released. Such ports are skipped like an address in use.
	InUse func(port uint16) bool
}

// DefaultConfig returns the standard setup configuration.
func DefaultConfig() Config {
	return Config{
		BindHost:        DefaultBindHost,
		MaxBindAttempts: DefaultMaxBindAttempts,
		GracePeriod:     DefaultGracePeriod,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.PortMin > c.PortMax {
		return fmt.Errorf("setup port range %d-%d is inverted", c.PortMin, c.PortMax)
	}
	if (c.PortMin == 0) != (c.PortMax == 0) {
		return fmt.Errorf("setup port range requires both port_min and port_max")
	}
	if c.MaxBindAttempts < 0 {
		return fmt.Errorf("max bind attempts must not be negative")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BindHost) == "" {
		c.BindHost = DefaultBindHost
	}
	if c.MaxBindAttempts <= 0 {
		c.MaxBindAttempts = DefaultMaxBindAttempts
	}
	return c
}

func (c Config) pickPort() int {
	if c.PortMin == 0 || c.PortMax < c.PortMin {
		return 0
	}
	span := int(c.PortMax) - int(c.PortMin) + 1
	return int(c.PortMin) + rand.IntN(span)
}

// listenTCP is swapped in tests to simulate bind failures.
var listenTCP = func(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func bind(cfg Config, targetPort uint16) (net.Listener, uint16, error) {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxBindAttempts; attempt++ {
		addr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.pickPort()))
		ln, err := listenTCP(addr)
		if err != nil {
			if isAddrInUse(err) {
				lastErr = err
				continue
			}
			return nil, 0, fmt.Errorf("listen %s: %w", addr, err)
		}
		tcpAddr, ok := ln.Addr().(*net.TCPAddr)
		if !ok || tcpAddr.Port <= 0 || tcpAddr.Port > 65535 {
			_ = ln.Close()
			return nil, 0, fmt.Errorf("listen %s: unexpected address %v", addr, ln.Addr())
		}
		port := uint16(tcpAddr.Port)
		if port == targetPort {
			_ = ln.Close()
			lastErr = fmt.Errorf("port %d is the target proxy port", port)
			continue
		}
		if cfg.InUse != nil && cfg.InUse(port) {
			_ = ln.Close()
			lastErr = fmt.Errorf("port %d is held by a live session", port)
			continue
		}
		return ln, port, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return nil, 0, fmt.Errorf("%w after %d attempts: %v", ErrResourceExhausted, cfg.MaxBindAttempts, lastErr)
}
