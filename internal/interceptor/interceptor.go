// Package interceptor drives proxy adoption for each kind of client
// environment. Every Interceptor owns the sessions of its kind in the shared
// session registry and bootstraps them through one-shot setup listeners.
package interceptor

import (
	"context"
	"errors"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/strongdm/hitch/internal/policy"
	"github.com/strongdm/hitch/internal/session"
	"github.com/strongdm/hitch/internal/setup"
	hitchotel "github.com/strongdm/hitch/internal/telemetry/otel"
)

// Interceptor kinds.
const (
	KindTerminal = "existing-terminal"
	KindFish     = "existing-fish"
	KindDocker   = "docker-exec"
	KindPython   = "python"
)

var (
	// ErrNotActivable is returned when the environment prerequisites are missing.
	ErrNotActivable = errors.New("interceptor not activable")
	// ErrNotPermitted is returned when the activation policy denies the request.
	ErrNotPermitted = errors.New("activation not permitted")
	// ErrInvalidPort is returned for a zero target port.
	ErrInvalidPort = errors.New("invalid target port")
	// ErrInvalidOption is returned when an activation option fails validation.
	ErrInvalidOption = errors.New("invalid activation option")
	// ErrUnknownKind is returned when no interceptor is registered for a kind.
	ErrUnknownKind = errors.New("unknown interceptor kind")
)

// Descriptor is the static identity of an interceptor variant.
type Descriptor struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Options are per-activation settings such as proxy_host or container.
type Options map[string]string

// Option keys understood by the built-in variants.
const (
	OptProxyHost = "proxy_host"
	OptContainer = "container"
)

func (o Options) merge(over Options) Options {
	out := make(Options, len(o)+len(over))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Activation describes the session an Activate call created or found.
type Activation struct {
	Kind          string        `json:"kind"`
	TargetPort    uint16        `json:"target_port"`
	EphemeralPort uint16        `json:"ephemeral_port"`
	SessionID     string        `json:"session_id"`
	State         session.State `json:"state"`
	// Command is what a user runs in the target environment to fetch the payload.
	Command string `json:"command"`
	// Existing is set when Activate returned a session created earlier.
	Existing bool `json:"existing"`
}

// Interceptor is the capability contract every environment variant implements.
type Interceptor interface {
	Descriptor() Descriptor
	// IsActivable reports whether the environment prerequisites are present.
	// It is cheap and side-effect free.
	IsActivable() bool
	// Activate starts (or returns the existing) session for targetPort.
	Activate(ctx context.Context, targetPort uint16, opts Options) (Activation, error)
	IsActive(targetPort uint16) bool
	// Deactivate ends the session for targetPort. Unknown ports are a no-op.
	Deactivate(targetPort uint16)
	DeactivateAll()
}

// Authorizer decides whether an activation may proceed.
type Authorizer interface {
	Allow(req policy.Request) (bool, []string)
}

// Emitter publishes session events to observers.
type Emitter interface {
	EmitJSON(event string, payload any)
}

// ProxyConfig describes the proxy sessions are pointed at.
type ProxyConfig struct {
	// Host is the address clients use to reach the proxy. Defaults to 127.0.0.1.
	Host string
	// CACertPath is the proxy CA bundle referenced by payloads. Optional.
	CACertPath string
}

// Deps carries the collaborators shared by every interceptor.
type Deps struct {
	Sessions  *session.Registry
	Setup     setup.Config
	Proxy     ProxyConfig
	StateDir  string
	Policy    Authorizer
	Events    Emitter
	Telemetry *hitchotel.SessionInstruments
	Logger    zerolog.Logger
	// LookPath resolves prerequisite binaries. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

func (d Deps) withDefaults() Deps {
	if d.Sessions == nil {
		d.Sessions = session.NewRegistry()
	}
	if d.Setup.InUse == nil {
		d.Setup.InUse = d.Sessions.HoldsEphemeral
	}
	if d.Proxy.Host == "" {
		d.Proxy.Host = "127.0.0.1"
	}
	if d.Events == nil {
		d.Events = noopEmitter{}
	}
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	return d
}

type noopEmitter struct{}

func (noopEmitter) EmitJSON(string, any) {}
