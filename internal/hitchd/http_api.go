package hitchd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/strongdm/hitch/internal/interceptor"
	"github.com/strongdm/hitch/internal/session"
	"github.com/strongdm/hitch/internal/setup"
)

// InterceptorInfo describes one registered interceptor for API listings.
type InterceptorInfo struct {
	interceptor.Descriptor
	Activable    bool     `json:"activable"`
	ActivePorts  []uint16 `json:"active_ports"`
	PendingPorts []uint16 `json:"pending_ports"`
}

// ActivateRequest is the body of POST /api/interceptors/{kind}/activate.
type ActivateRequest struct {
	Port    int               `json:"port"`
	Options map[string]string `json:"options,omitempty"`
}

// PortStatus is returned by GET /api/interceptors/{kind}/ports/{port}.
type PortStatus struct {
	Kind   string `json:"kind"`
	Port   uint16 `json:"port"`
	Active bool   `json:"active"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type controlAPI struct {
	set      *interceptor.Set
	sessions *session.Registry
	logger   zerolog.Logger
}

func newControlAPI(set *interceptor.Set, sessions *session.Registry, logger zerolog.Logger) *controlAPI {
	return &controlAPI{set: set, sessions: sessions, logger: logger}
}

func (api *controlAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/interceptors", api.handleList)
	mux.HandleFunc("POST /api/interceptors/{kind}/activate", api.handleActivate)
	mux.HandleFunc("GET /api/interceptors/{kind}/ports/{port}", api.handlePortStatus)
	mux.HandleFunc("DELETE /api/interceptors/{kind}/ports/{port}", api.handleDeactivate)
	mux.HandleFunc("GET /api/sessions", api.handleSessions)
	mux.HandleFunc("POST /api/deactivate-all", api.handleDeactivateAll)
}

func (api *controlAPI) handleList(w http.ResponseWriter, r *http.Request) {
	all := api.set.All()
	out := make([]InterceptorInfo, 0, len(all))
	for _, it := range all {
		desc := it.Descriptor()
		out = append(out, InterceptorInfo{
			Descriptor:   desc,
			Activable:    it.IsActivable(),
			ActivePorts:  nonNil(api.sessions.Ports(desc.Kind, session.Active)),
			PendingPorts: nonNil(api.sessions.Ports(desc.Kind, session.Pending)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *controlAPI) handleActivate(w http.ResponseWriter, r *http.Request) {
	it, ok := api.lookup(w, r)
	if !ok {
		return
	}
	var req ActivateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %d", interceptor.ErrInvalidPort, req.Port))
		return
	}

	act, err := it.Activate(r.Context(), uint16(req.Port), req.Options)
	if err != nil {
		status := activateStatus(err)
		if status >= http.StatusInternalServerError {
			api.logger.Error().Str("event", "api.activate").Str("kind", it.Descriptor().Kind).Int("target_port", req.Port).Err(err).Send()
		}
		writeError(w, status, err)
		return
	}
	status := http.StatusCreated
	if act.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, act)
}

func (api *controlAPI) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	it, ok := api.lookup(w, r)
	if !ok {
		return
	}
	port, ok := portFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, PortStatus{Kind: it.Descriptor().Kind, Port: port, Active: it.IsActive(port)})
}

func (api *controlAPI) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	it, ok := api.lookup(w, r)
	if !ok {
		return
	}
	port, ok := portFromPath(w, r)
	if !ok {
		return
	}
	it.Deactivate(port)
	w.WriteHeader(http.StatusNoContent)
}

func (api *controlAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(api.sessions.Snapshot()))
}

func (api *controlAPI) handleDeactivateAll(w http.ResponseWriter, r *http.Request) {
	api.set.DeactivateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (api *controlAPI) lookup(w http.ResponseWriter, r *http.Request) (interceptor.Interceptor, bool) {
	it, err := api.set.Get(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return it, true
}

func portFromPath(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	raw := r.PathValue("port")
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", interceptor.ErrInvalidPort, raw))
		return 0, false
	}
	return uint16(n), true
}

func activateStatus(err error) int {
	switch {
	case errors.Is(err, interceptor.ErrInvalidPort), errors.Is(err, interceptor.ErrInvalidOption):
		return http.StatusBadRequest
	case errors.Is(err, interceptor.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, interceptor.ErrNotActivable):
		return http.StatusConflict
	case errors.Is(err, setup.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
