package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strongdm/hitch/internal/assets"
	"github.com/strongdm/hitch/internal/policy"
	"github.com/strongdm/hitch/internal/session"
	"github.com/strongdm/hitch/internal/setup"
	hitchotel "github.com/strongdm/hitch/internal/telemetry/otel"
)

// Driver implements Interceptor for one built-in variant. Activate and
// Deactivate for the same Driver are serialized; confirmation only takes the
// registry lock.
type Driver struct {
	v        variant
	deps     Deps
	defaults Options
	logger   zerolog.Logger

	mu sync.Mutex
}

// New builds the interceptor for kind. defaults are merged under the options
// of every activation.
func New(kind string, deps Deps, defaults Options) (*Driver, error) {
	v, ok := variantFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	deps = deps.withDefaults()
	return &Driver{
		v:        v,
		deps:     deps,
		defaults: v.defaults.merge(defaults),
		logger:   deps.Logger.With().Str("kind", kind).Logger(),
	}, nil
}

func (d *Driver) Descriptor() Descriptor { return d.v.desc }

func (d *Driver) kind() string { return d.v.desc.Kind }

func (d *Driver) key(port uint16) session.Key {
	return session.Key{Kind: d.kind(), TargetPort: port}
}

// IsActivable reports whether any of the variant's required binaries resolve.
func (d *Driver) IsActivable() bool {
	if len(d.v.requires) == 0 {
		return true
	}
	for _, bin := range d.v.requires {
		if _, err := d.deps.LookPath(bin); err == nil {
			return true
		}
	}
	return false
}

func (d *Driver) IsActive(targetPort uint16) bool {
	return d.deps.Sessions.IsActive(d.key(targetPort))
}

// Activate creates a Pending session and a setup listener for targetPort, or
// returns the session that already exists for it.
func (d *Driver) Activate(ctx context.Context, targetPort uint16, opts Options) (Activation, error) {
	if targetPort == 0 {
		return Activation{}, ErrInvalidPort
	}
	handle, ctx := d.deps.Telemetry.StartActivation(ctx, d.kind(), targetPort)

	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.key(targetPort)
	if existing, ok := d.deps.Sessions.Lookup(key); ok {
		handle.Finish(hitchotel.OutcomeExisting, existing.EphemeralPort, nil)
		act := d.activation(existing)
		act.Existing = true
		return act, nil
	}

	if !d.IsActivable() {
		err := fmt.Errorf("%w: %s requires one of %s", ErrNotActivable, d.kind(), strings.Join(d.v.requires, ", "))
		handle.Finish(hitchotel.OutcomeError, 0, err)
		return Activation{}, err
	}

	merged := d.defaults.merge(opts)
	if err := validateOptions(merged); err != nil {
		handle.Finish(hitchotel.OutcomeError, 0, err)
		return Activation{}, err
	}
	if d.deps.Policy != nil {
		allowed, reasons := d.deps.Policy.Allow(policy.Request{Kind: d.kind(), Port: targetPort, Options: merged})
		if !allowed {
			err := fmt.Errorf("%w: %s on port %d", ErrNotPermitted, d.kind(), targetPort)
			d.logger.Info().Str("event", "policy.deny").Uint16("target_port", targetPort).Strs("policies", reasons).Send()
			handle.Finish(hitchotel.OutcomeDenied, 0, err)
			return Activation{}, err
		}
	}

	if err := ctx.Err(); err != nil {
		handle.Finish(hitchotel.OutcomeError, 0, err)
		return Activation{}, err
	}

	id := session.NewID()
	svc, created, inserted, err := d.listenAndInsert(session.Candidate{
		ID:      id,
		Key:     key,
		Options: merged,
	})
	if err != nil {
		handle.Finish(hitchotel.OutcomeError, 0, err)
		return Activation{}, fmt.Errorf("activate %s: %w", key, err)
	}
	if !inserted {
		handle.Finish(hitchotel.OutcomeExisting, created.EphemeralPort, nil)
		act := d.activation(created)
		act.Existing = true
		return act, nil
	}

	svc.Serve(d.confirmer(created), func() { d.expire(created, svc) })

	handle.Finish(hitchotel.OutcomePending, svc.Port(), nil)
	d.logger.Info().Str("event", "session.pending").
		Uint16("target_port", targetPort).
		Uint16("ephemeral_port", svc.Port()).
		Str("session", id).Send()
	act := d.activation(created)
	d.deps.Events.EmitJSON("session.pending", act)
	return act, nil
}

func validateOptions(opts Options) error {
	if host, ok := opts[OptProxyHost]; ok {
		if err := assets.ValidateHost(host); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidOption, OptProxyHost, err)
		}
	}
	if name, ok := opts[OptContainer]; ok && !containerName.MatchString(name) {
		return fmt.Errorf("%w: %s %q", ErrInvalidOption, OptContainer, name)
	}
	return nil
}

// containerName matches docker container names and IDs.
var containerName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// listenAndInsert binds a setup listener and stores c against it. A port that
// another session claimed between bind and insert is released and rebound.
func (d *Driver) listenAndInsert(c session.Candidate) (*setup.Service, session.Session, bool, error) {
	attempts := d.deps.Setup.MaxBindAttempts
	if attempts <= 0 {
		attempts = setup.DefaultMaxBindAttempts
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		svc, err := setup.Listen(d.deps.Setup, c.Key.TargetPort, d.logger)
		if err != nil {
			return nil, session.Session{}, false, err
		}
		c.EphemeralPort = svc.Port()
		c.Release = d.releaser(svc, c.ID)
		created, inserted, err := d.deps.Sessions.Insert(c)
		if errors.Is(err, session.ErrPortHeld) {
			_ = svc.Close()
			lastErr = err
			continue
		}
		if err != nil || !inserted {
			_ = svc.Close()
			return nil, created, false, err
		}
		return svc, created, true, nil
	}
	return nil, session.Session{}, false, fmt.Errorf("%w after %d attempts: %v", setup.ErrResourceExhausted, attempts, lastErr)
}

// Deactivate removes the session for targetPort, closing its listener and
// reverting side effects.
func (d *Driver) Deactivate(targetPort uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed, ok := d.deps.Sessions.Remove(d.key(targetPort))
	if !ok {
		return
	}
	d.terminated(removed, hitchotel.ReasonDeactivate)
}

// DeactivateAll removes every session of this kind.
func (d *Driver) DeactivateAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, removed := range d.deps.Sessions.RemoveKind(d.kind()) {
		d.terminated(removed, hitchotel.ReasonReset)
	}
}

func (d *Driver) terminated(s session.Session, reason string) {
	d.deps.Telemetry.Terminated(context.Background(), s.Kind, reason)
	d.logger.Info().Str("event", "session.terminated").
		Uint16("target_port", s.TargetPort).
		Str("session", s.ID).
		Str("reason", reason).Send()
	d.deps.Events.EmitJSON("session.terminated", map[string]any{
		"kind":        s.Kind,
		"target_port": s.TargetPort,
		"session_id":  s.ID,
		"reason":      reason,
	})
}

// releaser closes the listener and reverts side effects when the session is removed.
func (d *Driver) releaser(svc *setup.Service, id string) func() {
	return func() {
		_ = svc.Close()
		if d.v.revert != nil {
			d.v.revert(d, session.Session{ID: id, Kind: d.kind()})
		}
	}
}

// confirmer renders the payload and flips s to Active on the first setup hit.
func (d *Driver) confirmer(s session.Session) setup.ConfirmFunc {
	return func(ctx context.Context) (string, error) {
		payload, err := d.render(s)
		if err != nil {
			return "", err
		}
		if d.v.apply != nil {
			if err := d.v.apply(d, s); err != nil {
				if d.v.revert != nil {
					d.v.revert(d, s)
				}
				return "", fmt.Errorf("apply %s: %w", s.Key(), err)
			}
		}

		confirmed, err := d.deps.Sessions.Confirm(s.Key(), s.ID)
		if err != nil {
			// Deactivated or superseded while the request was in flight.
			if d.v.revert != nil {
				d.v.revert(d, s)
			}
			d.logger.Debug().Str("event", "session.confirm").Str("session", s.ID).Err(err).Send()
			return "", setup.ErrDeclined
		}

		d.deps.Telemetry.Confirmed(ctx, s.Kind, confirmed.ConfirmedAt.Sub(confirmed.CreatedAt))
		d.logger.Info().Str("event", "session.active").
			Uint16("target_port", s.TargetPort).
			Str("session", s.ID).Send()
		d.deps.Events.EmitJSON("session.active", d.activation(confirmed))
		return payload, nil
	}
}

func (d *Driver) render(s session.Session) (string, error) {
	host := s.Options[OptProxyHost]
	if host == "" {
		host = d.deps.Proxy.Host
	}
	data := assets.Data{
		Kind:       s.Kind,
		ProxyHost:  host,
		ProxyPort:  s.TargetPort,
		SetupPort:  s.EphemeralPort,
		CACertPath: d.deps.Proxy.CACertPath,
	}
	if d.v.prepare != nil {
		if err := d.v.prepare(d, s, &data); err != nil {
			return "", err
		}
	}
	return assets.Render(d.v.template, data)
}

// expire drops s if it is still Pending when its grace period elapses.
func (d *Driver) expire(s session.Session, svc *setup.Service) {
	removed, ok := d.deps.Sessions.RemoveIf(s.Key(), s.ID, session.Pending)
	if !ok {
		_ = svc.Close()
		return
	}
	d.deps.Telemetry.Terminated(context.Background(), s.Kind, hitchotel.ReasonExpired)
	d.logger.Info().Str("event", "session.expired").
		Uint16("target_port", s.TargetPort).
		Str("session", s.ID).
		Dur("age", time.Since(removed.CreatedAt)).Send()
	d.deps.Events.EmitJSON("session.expired", map[string]any{
		"kind":        s.Kind,
		"target_port": s.TargetPort,
		"session_id":  s.ID,
	})
}

func (d *Driver) activation(s session.Session) Activation {
	return Activation{
		Kind:          s.Kind,
		TargetPort:    s.TargetPort,
		EphemeralPort: s.EphemeralPort,
		SessionID:     s.ID,
		State:         s.State,
		Command:       d.v.command(d.setupURL(s.EphemeralPort), s.Options),
	}
}

func (d *Driver) setupURL(port uint16) string {
	host := d.deps.Setup.BindHost
	switch host {
	case "", "0.0.0.0", "::":
		host = setup.DefaultBindHost
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(port))) + setup.Path
}
