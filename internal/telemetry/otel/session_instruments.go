package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Activation outcomes recorded on hitch.session.activations.
const (
	OutcomePending  = "pending"
	OutcomeExisting = "existing"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

// Termination reasons recorded on hitch.session.terminations.
const (
	ReasonDeactivate = "deactivate"
	ReasonExpired    = "expired"
	ReasonReset      = "reset"
)

// SessionInstruments publishes metrics and traces for the session lifecycle.
// A nil *SessionInstruments is a valid no-op.
type SessionInstruments struct {
	meterEnabled bool

	activations   metric.Int64Counter
	confirmations metric.Int64Counter
	terminations  metric.Int64Counter
	live          metric.Int64UpDownCounter
	confirmDelay  metric.Float64Histogram

	tracer trace.Tracer
}

// ActivationHandle tracks one Activate call.
type ActivationHandle struct {
	inst  *SessionInstruments
	ctx   context.Context
	span  trace.Span
	attrs []attribute.KeyValue
}

func newSessionInstruments(p *Provider) *SessionInstruments {
	if p == nil {
		return nil
	}
	inst := &SessionInstruments{meterEnabled: p.meterProvider != nil}
	if p.meterProvider != nil {
		inst.activations, _ = p.meter.Int64Counter(
			"hitch.session.activations",
			metric.WithDescription("Activate calls by interceptor kind and outcome"),
		)
		inst.confirmations, _ = p.meter.Int64Counter(
			"hitch.session.confirmations",
			metric.WithDescription("Setup endpoint hits that activated a session"),
		)
		inst.terminations, _ = p.meter.Int64Counter(
			"hitch.session.terminations",
			metric.WithDescription("Sessions removed by deactivation, reset or expiry"),
		)
		inst.live, _ = p.meter.Int64UpDownCounter(
			"hitch.session.live",
			metric.WithDescription("Sessions currently pending or active"),
		)
		inst.confirmDelay, _ = p.meter.Float64Histogram(
			"hitch.session.confirm_delay",
			metric.WithDescription("Time from activation to confirmation"),
			metric.WithUnit("s"),
		)
	}
	if p.tracerProvider != nil {
		inst.tracer = p.tracer
	}
	return inst
}

// StartActivation opens a span for an Activate call.
func (i *SessionInstruments) StartActivation(parent context.Context, kind string, port uint16) (*ActivationHandle, context.Context) {
	if i == nil {
		return nil, parent
	}
	h := &ActivationHandle{
		inst: i,
		ctx:  parent,
		attrs: []attribute.KeyValue{
			attribute.String("hitch.kind", kind),
			attribute.Int("hitch.target_port", int(port)),
		},
	}
	if i.tracer != nil {
		ctx, span := i.tracer.Start(parent, "hitch.activate", trace.WithAttributes(h.attrs...))
		h.ctx = ctx
		h.span = span
	}
	return h, h.ctx
}

// Finish records the activation outcome. setupPort is zero when nothing was bound.
func (h *ActivationHandle) Finish(outcome string, setupPort uint16, err error) {
	if h == nil {
		return
	}
	attrs := append([]attribute.KeyValue{}, h.attrs...)
	attrs = append(attrs, attribute.String("outcome", outcome))

	if h.inst.meterEnabled {
		h.inst.activations.Add(h.ctx, 1, metric.WithAttributes(attrs...))
		if outcome == OutcomePending {
			h.inst.live.Add(h.ctx, 1, metric.WithAttributes(h.attrs[0]))
		}
	}
	if h.span != nil {
		if setupPort != 0 {
			attrs = append(attrs, attribute.Int("hitch.setup_port", int(setupPort)))
		}
		h.span.SetAttributes(attrs...)
		if err != nil {
			h.span.RecordError(err)
			h.span.SetStatus(codes.Error, err.Error())
		}
		h.span.End()
	}
}

// Confirmed records a successful setup hit created delay ago.
func (i *SessionInstruments) Confirmed(ctx context.Context, kind string, delay time.Duration) {
	if i == nil || !i.meterEnabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("hitch.kind", kind))
	i.confirmations.Add(ctx, 1, attrs)
	i.confirmDelay.Record(ctx, delay.Seconds(), attrs)
}

// Terminated records a session removal.
func (i *SessionInstruments) Terminated(ctx context.Context, kind, reason string) {
	if i == nil || !i.meterEnabled {
		return
	}
	kindAttr := attribute.String("hitch.kind", kind)
	i.terminations.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("reason", reason)))
	i.live.Add(ctx, -1, metric.WithAttributes(kindAttr))
}
