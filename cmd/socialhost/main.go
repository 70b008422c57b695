package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/socialhost/internal/builtin"
	"github.com/agentworkforce/socialhost/internal/fetch"
	"github.com/agentworkforce/socialhost/internal/frameworker"
	"github.com/agentworkforce/socialhost/internal/httpapi"
	"github.com/agentworkforce/socialhost/internal/manifest"
	"github.com/agentworkforce/socialhost/internal/notify"
	"github.com/agentworkforce/socialhost/internal/sandbox"
	"github.com/agentworkforce/socialhost/internal/social"
	"github.com/agentworkforce/socialhost/internal/store"
	"github.com/agentworkforce/socialhost/internal/workerapi"
)

type config struct {
	Addr             string
	StateDSN         string
	JWTSecret        string
	BuiltinDir       string
	ResourceRoot     string
	Blocklist        string
	DevMode          bool
	AutoAccept       bool
	VisitThreshold   int
	NotifyWebhook    string
	NotifyToken      string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	BootstrapTimeout time.Duration
	LogLevel         string
	LogFormat        string
}

func loadConfig(getenv func(string) string) config {
	env := envReader{getenv: getenv}
	cfg := config{
		Addr:             env.str("SOCIALHOST_ADDR", ":8080"),
		StateDSN:         env.str("SOCIALHOST_STATE_DSN", ""),
		JWTSecret:        env.str("SOCIALHOST_JWT_SECRET", ""),
		BuiltinDir:       env.str("SOCIALHOST_BUILTIN_DIR", ""),
		ResourceRoot:     env.str("SOCIALHOST_RESOURCE_ROOT", ""),
		Blocklist:        env.str("SOCIALHOST_BLOCKLIST", ""),
		DevMode:          env.boolean("SOCIALHOST_DEV_MODE", false),
		AutoAccept:       env.boolean("SOCIALHOST_AUTO_ACCEPT_INSTALL", false),
		VisitThreshold:   env.integer("SOCIALHOST_VISIT_THRESHOLD", 3),
		NotifyWebhook:    env.str("SOCIALHOST_NOTIFY_WEBHOOK", ""),
		NotifyToken:      env.str("SOCIALHOST_NOTIFY_TOKEN", ""),
		RateLimitMax:     env.integer("SOCIALHOST_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  env.duration("SOCIALHOST_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:     env.int64("SOCIALHOST_MAX_BODY_BYTES", 0),
		BootstrapTimeout: env.duration("SOCIALHOST_BOOTSTRAP_TIMEOUT", 10*time.Second),
		LogLevel:         env.str("SOCIALHOST_LOG_LEVEL", "info"),
		LogFormat:        env.str("SOCIALHOST_LOG_FORMAT", "text"),
	}
	// Builtin manifests load as resource://<dir name>/<file>, so the
	// resource root defaults to the directory's parent.
	if cfg.ResourceRoot == "" && cfg.BuiltinDir != "" {
		cfg.ResourceRoot = filepath.Dir(filepath.Clean(cfg.BuiltinDir))
	}
	return cfg
}

func main() {
	cfg := loadConfig(os.Getenv)
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize socialhost", "error", err)
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		logger.Error("socialhost stopped with error", "error", err)
		os.Exit(1)
	}
}

// newLogger creates a logger without touching the global default.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(formatStr) == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}

type app struct {
	cfg        config
	logger     *slog.Logger
	store      *store.Store
	broker     *frameworker.Broker
	dispatcher *notify.Dispatcher
	registry   *social.Registry
	loader     *manifest.Loader
	watcher    *builtin.Watcher
	server     *httpapi.Server
}

func buildApp(cfg config, logger *slog.Logger) (*app, error) {
	backend, err := store.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	st, err := store.Open(backend)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	fetcher := fetch.New(fetch.Options{ResourceRoot: cfg.ResourceRoot, UserAgent: "socialhost"})
	broker := frameworker.NewBroker(frameworker.Options{
		Runtime:      sandbox.New(sandbox.Options{BootstrapTimeout: cfg.BootstrapTimeout, Logger: logger}),
		Scripts:      fetcher,
		Capabilities: sandbox.DefaultCapabilities(logger),
		LoadTimeout:  cfg.BootstrapTimeout,
		Logger:       logger,
		OnBootstrapError: func(workerURL string, err error) {
			logger.Error("worker bootstrap failed", "url", workerURL, "error", err)
		},
	})

	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if cfg.NotifyWebhook != "" {
		webhook, err := notify.NewWebhookSink(notify.WebhookOptions{URL: cfg.NotifyWebhook, Token: cfg.NotifyToken})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("notification webhook: %w", err)
		}
		sinks = append(sinks, webhook)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherOptions{Sinks: sinks, Logger: logger})
	cookies := workerapi.NewCookieHub()

	registry, err := social.NewRegistry(social.Options{
		Store:  st,
		Broker: broker,
		Bridge: workerapi.Options{Cookies: cookies, Notifier: dispatcher, Logger: logger},
		Logger: logger,
	})
	if err != nil {
		dispatcher.Close()
		_ = st.Close()
		return nil, err
	}

	var classifier manifest.Classifier
	if cfg.Blocklist != "" {
		hosts, err := manifest.LoadBlocklistFile(cfg.Blocklist)
		if err != nil {
			dispatcher.Close()
			_ = st.Close()
			return nil, fmt.Errorf("blocklist: %w", err)
		}
		classifier = manifest.NewBlocklistClassifier(hosts)
	}
	history := manifest.NewMemoryHistory()
	loader := manifest.NewLoader(manifest.LoaderOptions{
		Fetcher:        fetcher,
		Classifier:     classifier,
		History:        history,
		Prompter:       installPrompter(cfg.AutoAccept, logger),
		Installer:      registry,
		DevMode:        cfg.DevMode,
		VisitThreshold: cfg.VisitThreshold,
		Logger:         logger,
	})

	var watcher *builtin.Watcher
	if cfg.BuiltinDir != "" {
		watcher, err = builtin.NewWatcher(builtin.Options{Dir: cfg.BuiltinDir, Loader: loader, Logger: logger})
		if err != nil {
			dispatcher.Close()
			_ = st.Close()
			return nil, fmt.Errorf("builtin manifests: %w", err)
		}
	}

	server := httpapi.NewServerWithConfig(httpapi.Deps{
		Registry: registry,
		Loader:   loader,
		History:  history,
		Cookies:  cookies,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		broker:     broker,
		dispatcher: dispatcher,
		registry:   registry,
		loader:     loader,
		watcher:    watcher,
		server:     server,
	}, nil
}

// installPrompter stands in for the user's consent on non-system installs.
// Without auto-accept every such install is declined.
func installPrompter(autoAccept bool, logger *slog.Logger) manifest.Prompter {
	return manifest.PromptFunc(func(_ context.Context, m manifest.Manifest) (bool, error) {
		logger.Info("manifest install prompt", "origin", m.Origin, "name", m.Name, "accepted", autoAccept)
		return autoAccept, nil
	})
}

func (a *app) run(ctx context.Context) error {
	defer a.close()
	if err := a.registry.Init(); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(ctx)
		})
	}
	g.Go(func() error {
		a.logger.Info("socialhost listening", "addr", a.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	a.registry.Shutdown()
	a.broker.Close()
	a.dispatcher.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state store failed", "error", err)
	}
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) str(name, fallback string) string {
	value := strings.TrimSpace(e.getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) integer(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) boolean(name string, fallback bool) bool {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
