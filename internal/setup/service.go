package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/strongdm/hitch/internal/httpserver"
)

// Path is the single meaningful route served by a setup listener.
const Path = "/setup"

const shutdownTimeout = 5 * time.Second

// ErrDeclined is returned by a ConfirmFunc when the session it would confirm
// is gone. The request is answered with 404 and nothing is recorded.
var ErrDeclined = errors.New("setup declined")

// ConfirmFunc produces the bootstrap payload and records the confirmation. It
// runs at most once successfully per Service.
type ConfirmFunc func(ctx context.Context) (string, error)

// Service is a one-shot setup listener bound to an ephemeral port. The
// listener is released on the first successful confirmation, on Close, or when
// the grace period elapses.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	ln   *onceCloseListener
	srv  *http.Server
	port uint16

	confirm  ConfirmFunc
	onExpire func()
	timer    *time.Timer

	served    atomic.Bool
	closed    atomic.Bool
	doneOnce  sync.Once
	done      chan struct{}
	startOnce sync.Once
}

// Listen binds a fresh setup port that differs from targetPort. Serving does
// not start until Serve is called, so the caller can register the port first.
func Listen(cfg Config, targetPort uint16, logger zerolog.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	ln, port, err := bind(cfg, targetPort)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:    cfg,
		logger: logger.With().Uint16("ephemeral_port", port).Logger(),
		ln:     &onceCloseListener{Listener: ln},
		port:   port,
		done:   make(chan struct{}),
	}
	s.srv = httpserver.NewSetupServer(s)
	s.logger.Debug().Str("event", "setup.listen").Str("addr", ln.Addr().String()).Send()
	return s, nil
}

// Port returns the bound ephemeral port.
func (s *Service) Port() uint16 {
	return s.port
}

// Done is closed once the listener has been released and the server stopped.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Serve starts answering requests. onExpire runs if the grace period elapses
// before confirmation; when nil the service closes itself instead.
func (s *Service) Serve(confirm ConfirmFunc, onExpire func()) {
	s.startOnce.Do(func() {
		s.confirm = confirm
		s.onExpire = onExpire
		if s.cfg.GracePeriod > 0 {
			s.timer = time.AfterFunc(s.cfg.GracePeriod, s.expire)
		}
		go func() {
			err := s.srv.Serve(s.ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Str("event", "setup.serve").Err(err).Send()
			}
		}()
	})
}

// ServeHTTP implements the confirmation endpoint.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if s.confirm == nil || !s.served.CompareAndSwap(false, true) {
		http.NotFound(w, r)
		return
	}

	payload, err := s.confirm(r.Context())
	switch {
	case errors.Is(err, ErrDeclined):
		s.logger.Debug().Str("event", "setup.declined").Send()
		http.NotFound(w, r)
		return
	case err != nil:
		// The session stays pending; a later fetch may succeed.
		s.served.Store(false)
		s.logger.Warn().Str("event", "setup.render").Err(err).Send()
		http.Error(w, "setup failed", http.StatusInternalServerError)
		return
	}

	s.stopTimer()
	// Unbind before answering so a repeat fetch is refused at the socket.
	_ = s.ln.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, payload)

	s.logger.Debug().Str("event", "setup.confirm").Int("bytes", len(payload)).Send()
	go s.drain()
}

// Close releases the listener immediately and drops in-flight connections.
// Safe to call repeatedly and concurrently with confirmation.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopTimer()
	err := s.ln.Close()
	if cerr := s.srv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.finish()
	s.logger.Debug().Str("event", "setup.close").Send()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// drain lets the confirming response flush, then stops the server.
func (s *Service) drain() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
	}
	s.finish()
}

func (s *Service) expire() {
	if s.served.Load() || s.closed.Load() {
		return
	}
	s.logger.Info().Str("event", "setup.expire").Dur("grace_period", s.cfg.GracePeriod).Send()
	if s.onExpire != nil {
		s.onExpire()
		return
	}
	_ = s.Close()
}

func (s *Service) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Service) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// onceCloseListener wraps a net.Listener, protecting it from multiple Close
// calls between the handler and the server.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (l *onceCloseListener) Close() error {
	l.once.Do(func() { l.closeErr = l.Listener.Close() })
	return l.closeErr
}

// String renders the listener address for diagnostics.
func (s *Service) String() string {
	return fmt.Sprintf("setup(%s)", s.ln.Addr())
}
