package hitchd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"

	"github.com/strongdm/hitch/internal/configstore"
	"github.com/strongdm/hitch/internal/httpserver"
	"github.com/strongdm/hitch/internal/interceptor"
	"github.com/strongdm/hitch/internal/listen"
	"github.com/strongdm/hitch/internal/logging"
	"github.com/strongdm/hitch/internal/policy"
	"github.com/strongdm/hitch/internal/session"
	hitchotel "github.com/strongdm/hitch/internal/telemetry/otel"
	websockethub "github.com/strongdm/hitch/internal/websocket"
)

const (
	EnvListen    = "HITCH_LISTEN"
	EnvLog       = "HITCH_LOG"
	EnvExtraArgs = "HITCH_EXTRA_ARGS"

	policyPollInterval = time.Second
	shutdownTimeout    = 5 * time.Second
)

type stringFlag struct {
	value string
	set   bool
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(value string) error {
	s.value = value
	s.set = true
	return nil
}

// Main runs the hitch daemon until SIGINT or SIGTERM. When args is empty,
// os.Args is used.
func Main(args []string) error {
	if len(args) == 0 {
		args = os.Args
	}
	if extra := strings.TrimSpace(os.Getenv(EnvExtraArgs)); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}

	rt, err := Init(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	defer rt.Close()

	if err := rt.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	rt.logger.Info().Str("event", "daemon.shutdown").Send()
	return nil
}

type runtimeConfig struct {
	ConfigPath    string
	Listen        listen.Config
	LogPath       string
	HistorySize   int
	BulkMaxEvents int
	BulkMaxBytes  int
	Store         configstore.Config
	Telemetry     hitchotel.Config
	Logging       logging.Config

	lookPath func(file string) (string, error)
}

// parseConfig layers the config file, HITCH_* environment and flags, in that
// order of precedence from lowest to highest.
func parseConfig(args []string, stderr io.Writer) (*runtimeConfig, error) {
	name := commandName(args)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Config file path (default: $HITCH_HOME or XDG config dir)")
	logPath := fs.String("log", strings.TrimSpace(os.Getenv(EnvLog)), "Append JSON logs to this file (optional)")
	listenFlag := &stringFlag{}
	fs.Var(listenFlag, "listen", "Serve the control API on this address (e.g. :18180, 127.0.0.1:18180)")
	fs.Var(listenFlag, "l", "Alias for --listen")
	proxyHost := &stringFlag{}
	fs.Var(proxyHost, "proxy-host", "Host clients use to reach the proxy")
	caCert := &stringFlag{}
	fs.Var(caCert, "ca-cert", "Proxy CA bundle referenced by setup payloads")
	grace := &stringFlag{}
	fs.Var(grace, "grace-period", "Expire unconfirmed sessions after this long (0 disables)")
	policyPath := &stringFlag{}
	fs.Var(policyPath, "policy", "Cedar activation policy file")
	stateDir := &stringFlag{}
	fs.Var(stateDir, "state-dir", "Directory for per-session state")

	historySize := fs.Int("history-size", 5000, "Number of events kept for new websocket clients")
	bulkMaxEvents := fs.Int("ws-bulk-max-events", 1000, "Max events in the initial websocket message (0 = default)")
	bulkMaxBytes := fs.Int("ws-bulk-max-bytes", 1_000_000, "Max bytes in the initial websocket message (0 = default)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags]\n\n", name)
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nEnvironment:\n  %s  Default value for --listen\n  %s     Default value for --log\n  %s  Additional CLI arguments\n", EnvListen, EnvLog, EnvExtraArgs)
	}

	var flagArgs []string
	if len(args) > 1 {
		flagArgs = args[1:]
	}
	if err := fs.Parse(flagArgs); err != nil {
		return nil, err
	}
	if len(fs.Args()) > 0 {
		return nil, fmt.Errorf("unexpected extra arguments: %v", fs.Args())
	}

	store, resolved, err := configstore.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyEnv(); err != nil {
		return nil, err
	}
	if proxyHost.set {
		store.Proxy.Host = strings.TrimSpace(proxyHost.value)
	}
	if caCert.set {
		store.Proxy.CACert = strings.TrimSpace(caCert.value)
	}
	if grace.set {
		d, err := configstore.ParseDuration(grace.value)
		if err != nil {
			return nil, fmt.Errorf("parse --grace-period: %w", err)
		}
		store.Setup.GracePeriod = d
	}
	if policyPath.set {
		store.Policy.Path = strings.TrimSpace(policyPath.value)
	}
	if stateDir.set {
		store.State.Dir = strings.TrimSpace(stateDir.value)
	}
	if store.State.Dir == "" {
		dir, err := configstore.DefaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		store.State.Dir = dir
	}
	if err := store.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	listenCfg := listen.Default()
	if listenFlag.set {
		listenCfg, err = listen.Parse(listenFlag.value)
		if err != nil {
			return nil, fmt.Errorf("parse --listen: %w", err)
		}
	} else if raw, ok := os.LookupEnv(EnvListen); ok {
		listenCfg, err = listen.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvListen, err)
		}
	}

	logCfg := logging.FromEnv(logging.ProfileRuntime)
	logCfg.Out = stderr

	return &runtimeConfig{
		ConfigPath:    resolved,
		Listen:        listenCfg,
		LogPath:       strings.TrimSpace(*logPath),
		HistorySize:   *historySize,
		BulkMaxEvents: *bulkMaxEvents,
		BulkMaxBytes:  *bulkMaxBytes,
		Store:         store,
		Telemetry:     hitchotel.LoadConfigFromEnv(),
		Logging:       logCfg,
	}, nil
}

// Runtime holds the wired daemon components.
type Runtime struct {
	cfg        *runtimeConfig
	logger     zerolog.Logger
	logWriter  *logging.SharedWriter
	hub        *websockethub.Hub
	stopHub    context.CancelFunc
	authorizer *policy.Authorizer
	stopPolicy func()
	telemetry  *hitchotel.Provider
	sessions   *session.Registry
	set        *interceptor.Set

	server   *http.Server
	listener net.Listener
	served   chan struct{}

	closeOnce sync.Once
}

// Init parses args and wires every component without binding the control
// listener. Diagnostics go to stderr.
func Init(args []string, stderr io.Writer) (*Runtime, error) {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		return nil, err
	}
	return initRuntime(cfg)
}

func initRuntime(cfg *runtimeConfig) (*Runtime, error) {
	if cfg.LogPath != "" {
		if dir := filepath.Dir(cfg.LogPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
			}
		}
	}
	logWriter, err := logging.NewSharedWriter(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Tee = logWriter
	logger := logging.New(cfg.Logging)

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		logWriter: logWriter,
		sessions:  session.NewRegistry(),
		served:    make(chan struct{}),
	}

	rt.hub = websockethub.NewHub(logger, cfg.HistorySize, cfg.BulkMaxEvents, cfg.BulkMaxBytes)
	hubCtx, cancel := context.WithCancel(context.Background())
	rt.stopHub = cancel
	go rt.hub.Run(hubCtx)
	logWriter.SetBroadcaster(rt.hub)

	rt.telemetry, err = hitchotel.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := rt.loadPolicy(); err != nil {
		rt.Close()
		return nil, err
	}

	store := cfg.Store
	defaults := make(map[string]interceptor.Options)
	for _, kind := range interceptor.Kinds() {
		if opts := store.InterceptorOptions(kind); opts != nil {
			defaults[kind] = opts
		}
	}
	rt.set, err = interceptor.NewBuiltin(interceptor.Deps{
		Sessions:  rt.sessions,
		Setup:     store.SetupService(),
		Proxy:     interceptor.ProxyConfig{Host: store.Proxy.Host, CACertPath: store.Proxy.CACert},
		StateDir:  store.State.Dir,
		Policy:    rt.authorizer,
		Events:    rt.hub,
		Telemetry: rt.telemetry.Sessions(),
		Logger:    logger,
		LookPath:  cfg.lookPath,
	}, store.InterceptorEnabled, defaults)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build interceptors: %w", err)
	}

	kinds := make([]string, 0)
	for _, it := range rt.set.All() {
		kinds = append(kinds, it.Descriptor().Kind)
	}
	logger.Info().Str("event", "daemon.init").
		Str("config", cfg.ConfigPath).
		Str("state_dir", store.State.Dir).
		Str("proxy_host", store.Proxy.Host).
		Dur("grace_period", store.Setup.GracePeriod).
		Strs("interceptors", kinds).Send()
	return rt, nil
}

// loadPolicy installs the Cedar authorizer. A configured path is created with
// the default policy when missing and then watched for changes.
func (rt *Runtime) loadPolicy() error {
	path := rt.cfg.Store.Policy.Path
	if path == "" {
		a, err := policy.New("")
		if err != nil {
			return err
		}
		rt.authorizer = a
		rt.logger.Info().Str("event", "policy.restore").Str("source", "default").Send()
		return nil
	}

	created, err := policy.WriteDefaultFile(path)
	if err != nil {
		return err
	}
	if created {
		rt.logger.Info().Str("event", "policy.create").Str("path", path).Send()
	}
	a, err := policy.Load(path)
	if err != nil {
		return fmt.Errorf("failed to parse Cedar policy: %w", err)
	}
	rt.authorizer = a
	rt.logger.Info().Str("event", "policy.restore").Str("source", "file").Str("path", path).Send()

	stop, err := a.Watch(path, policyPollInterval, func() {
		rt.logger.Info().Str("event", "policy.reload").Str("path", path).Send()
	}, func(err error) {
		rt.logger.Warn().Str("event", "policy.reload").Str("path", path).Err(err).Send()
	})
	if err != nil {
		return fmt.Errorf("failed to watch Cedar policy file: %w", err)
	}
	rt.stopPolicy = stop
	return nil
}

// Handler returns the control API handler with gzip compression applied.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	newControlAPI(rt.set, rt.sessions, rt.logger).register(mux)
	mux.HandleFunc("GET /api/events", rt.hub.HandleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Websocket upgrades bypass compression.
	compressed := gzhttp.GzipHandler(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/events" {
			mux.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

// Start binds the control listener and serves in the background.
func (rt *Runtime) Start() error {
	addr := rt.cfg.Listen.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if !rt.cfg.Listen.Loopback() {
		rt.logger.Warn().Str("event", "frontend.exposed").Str("addr", addr).Msg("control API is reachable beyond loopback")
	}
	rt.listener = ln
	rt.server = httpserver.NewWebServer(addr, rt.Handler())

	go func() {
		defer close(rt.served)
		rt.logger.Info().Str("event", "frontend.start").Str("addr", ln.Addr().String()).Send()
		if err := rt.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Str("event", "frontend.stop").Err(err).Send()
		}
	}()
	return nil
}

// Addr reports the bound control address, or "" before Start.
func (rt *Runtime) Addr() string {
	if rt.listener == nil {
		return ""
	}
	return rt.listener.Addr().String()
}

// URL reports the control API base URL.
func (rt *Runtime) URL() string {
	if rt.listener == nil {
		return rt.cfg.Listen.BaseURL()
	}
	return "http://" + rt.listener.Addr().String()
}

// Interceptors exposes the registry owned by the daemon.
func (rt *Runtime) Interceptors() *interceptor.Set {
	return rt.set
}

// Close tears down every session, then the listener and supporting services.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		if rt.set != nil {
			rt.set.DeactivateAll()
		}
		if rt.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = rt.server.Shutdown(ctx)
			cancel()
			<-rt.served
		}
		if rt.stopPolicy != nil {
			rt.stopPolicy()
		}
		if rt.telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = rt.telemetry.Shutdown(ctx)
			cancel()
		}
		if rt.stopHub != nil {
			rt.stopHub()
		}
		if rt.logWriter != nil {
			_ = rt.logWriter.Close()
		}
	})
}

func commandName(args []string) string {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "hitchd"
	}
	return args[0]
}
