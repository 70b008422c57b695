package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentworkforce/socialhost/internal/fetch"
	"github.com/agentworkforce/socialhost/internal/manifest"
	"github.com/agentworkforce/socialhost/internal/social"
	"github.com/agentworkforce/socialhost/internal/workerapi"
)

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns are the browser origins allowed to open websockets.
	OriginPatterns []string
	Logger         *slog.Logger
}

type ManifestLoader interface {
	LoadManifest(ctx context.Context, rawURL string, systemInstall bool) (manifest.Manifest, error)
}

type HistoryRecorder interface {
	RecordVisit(origin string)
	RecordLogin(origin string)
}

type CookiePublisher interface {
	Publish(c workerapi.Cookie)
}

// Deps are the collaborators the HTTP surface drives. Only Registry is
// required; routes whose collaborator is missing answer 501.
type Deps struct {
	Registry *social.Registry
	Loader   ManifestLoader
	History  HistoryRecorder
	Cookies  CookiePublisher
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ctxKey int

const (
	correlationKey ctxKey = iota
	claimsKey
)

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = "socialhost"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withCorrelationID)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		read := r.With(s.authorize(ScopeRead))
		write := r.With(s.authorize(ScopeWrite))

		read.Get("/providers", s.handleListProviders)
		read.Get("/providers/{origin}", s.handleGetProvider)
		write.Post("/providers/{origin}/enable", s.handleEnableProvider)
		write.Post("/providers/{origin}/disable", s.handleDisableProvider)
		write.Delete("/providers/{origin}", s.handleRemoveProvider)
		write.Put("/providers/{origin}/ignore", s.handleIgnoreProvider)
		r.With(s.authorize(ScopePort)).Get("/providers/{origin}/port", s.handlePortSocket)

		read.Get("/browsing", s.handleGetBrowsing)
		write.Put("/browsing", s.handleSetBrowsing)
		read.Get("/browsing/current", s.handleGetCurrent)
		write.Put("/browsing/current", s.handleSetCurrent)
		write.Post("/browsing/private", s.handlePrivateBrowsing)

		write.Post("/manifests/install", s.handleInstallManifest)
		write.Post("/history", s.handleRecordHistory)
		write.Post("/cookies", s.handlePublishCookie)

		read.Get("/events", s.handleEventSocket)
	})
	return r
}

func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if correlationID == "" {
			correlationID = "corr_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		ctx := context.WithValue(r.Context(), correlationKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authorize(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			claims, authErr := authorizeBearer(bearerToken(r), s.cfg.JWTSecret, s.cfg.Audience, scope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket upgrades.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimPrefix(header, "Bearer ")
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

type providerView struct {
	social.ProviderInfo
	Current bool `json:"current"`
	Ignored bool `json:"ignored"`
}

type browsingView struct {
	Enabled bool   `json:"enabled"`
	Private bool   `json:"private"`
	Current string `json:"current,omitempty"`
}

func (s *Server) describe(p *social.Provider) providerView {
	current := s.deps.Registry.CurrentProvider()
	return providerView{
		ProviderInfo: p.Info(),
		Current:      current == p,
		Ignored:      s.deps.Registry.Ignored(p.Origin()),
	}
}

func (s *Server) browsing() browsingView {
	reg := s.deps.Registry
	view := browsingView{Enabled: reg.Enabled(), Private: reg.Private()}
	if current := reg.CurrentProvider(); current != nil {
		view.Current = current.Origin()
	}
	return view
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.deps.Registry.Providers()
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, s.describe(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.describe(p))
}

func (s *Server) handleEnableProvider(w http.ResponseWriter, r *http.Request) {
	s.applyToProvider(w, r, s.deps.Registry.EnableProvider)
}

func (s *Server) handleDisableProvider(w http.ResponseWriter, r *http.Request) {
	s.applyToProvider(w, r, s.deps.Registry.DisableProvider)
}

func (s *Server) applyToProvider(w http.ResponseWriter, r *http.Request, op func(origin string) error) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	if err := op(p.Origin()); err != nil {
		s.writeDomainError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.describe(p))
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	if err := s.deps.Registry.Remove(p.Origin()); err != nil {
		s.writeDomainError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": p.Origin()})
}

func (s *Server) handleIgnoreProvider(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	origin, err := originParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		Ignore bool `json:"ignore"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.deps.Registry.IgnoreProvider(origin, req.Ignore); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origin": origin, "ignored": req.Ignore})
}

func (s *Server) handleGetBrowsing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.browsing())
}

// handleSetBrowsing always answers 200: a refused enable shows up as
// enabled=false in the body.
func (s *Server) handleSetBrowsing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !s.decodeJSONBody(w, r, getCorrelationID(r), &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "enabled is required", getCorrelationID(r))
		return
	}
	s.deps.Registry.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, s.browsing())
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	current := s.deps.Registry.CurrentProvider()
	if current == nil {
		writeError(w, http.StatusNotFound, "not_found", "no current provider", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.describe(current))
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Origin string `json:"origin"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.deps.Registry.SetCurrentProvider(req.Origin); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.browsing())
}

func (s *Server) handlePrivateBrowsing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !s.decodeJSONBody(w, r, getCorrelationID(r), &req) {
		return
	}
	if req.Active {
		s.deps.Registry.EnterPrivateBrowsing()
	} else {
		s.deps.Registry.ExitPrivateBrowsing()
	}
	writeJSON(w, http.StatusOK, s.browsing())
}

func (s *Server) handleInstallManifest(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.deps.Loader == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "manifest installs are not configured", correlationID)
		return
	}
	var req struct {
		URL           string `json:"url"`
		SystemInstall bool   `json:"systemInstall"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required", correlationID)
		return
	}
	m, err := s.deps.Loader.LoadManifest(r.Context(), req.URL, req.SystemInstall)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "history is not configured", correlationID)
		return
	}
	var req struct {
		URL   string `json:"url"`
		Login bool   `json:"login"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	origin, err := manifest.Origin(req.URL)
	if err != nil || origin == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url must be absolute", correlationID)
		return
	}
	s.deps.History.RecordVisit(origin)
	if req.Login {
		s.deps.History.RecordLogin(origin)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"origin": origin, "login": req.Login})
}

func (s *Server) handlePublishCookie(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.deps.Cookies == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "cookie events are not configured", correlationID)
		return
	}
	var req workerapi.Cookie
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "host is required", correlationID)
		return
	}
	s.deps.Cookies.Publish(req)
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) lookupProvider(w http.ResponseWriter, r *http.Request) (*social.Provider, bool) {
	correlationID := getCorrelationID(r)
	origin, err := originParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	p, err := s.deps.Registry.Provider(origin)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return nil, false
	}
	return p, true
}

// originParam decodes the {origin} path segment. Origins contain slashes,
// so clients send them path-escaped.
func originParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "origin")
	origin, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q", raw)
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", fmt.Errorf("origin is required")
	}
	return origin, nil
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, social.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, social.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, social.ErrInvalidInput), errors.Is(err, social.ErrOriginMismatch):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, manifest.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "invalid_manifest", err.Error(), correlationID)
	case errors.Is(err, manifest.ErrUnsafeOrigin), errors.Is(err, manifest.ErrInsecureChannel):
		writeError(w, http.StatusForbidden, "rejected", err.Error(), correlationID)
	case errors.Is(err, manifest.ErrInstallDeclined):
		writeError(w, http.StatusConflict, "install_declined", err.Error(), correlationID)
	case errors.Is(err, manifest.ErrShadowed):
		writeError(w, http.StatusConflict, "shadowed", err.Error(), correlationID)
	case errors.Is(err, fetch.ErrNetwork):
		writeError(w, http.StatusBadGateway, "network_error", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if v, ok := r.Context().Value(correlationKey).(string); ok {
		return v
	}
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
