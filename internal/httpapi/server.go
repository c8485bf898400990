package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaymail/internal/indexing"
	"github.com/agentworkforce/relaymail/internal/mailsync"
	"github.com/agentworkforce/relaymail/internal/metrics"
	"github.com/agentworkforce/relaymail/internal/notify"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

// DevJWTSecret signs tokens when no secret is configured.
const DevJWTSecret = "dev-secret"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Deps are the components the server exposes. Only Service is required.
type Deps struct {
	Service     *mailsync.Service
	Coordinator *indexing.Coordinator
	Bus         *notify.Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Server struct {
	service     *mailsync.Service
	coordinator *indexing.Coordinator
	bus         *notify.Bus
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         ServerConfig
	rateLimiter *rateLimiter
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

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DevJWTSecret
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:     deps.Service,
		coordinator: deps.Coordinator,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/indexer" && r.Method == http.MethodGet:
		s.handleIndexer(w, r)
		return
	case r.URL.Path == "/v1/notifications" && r.Method == http.MethodGet:
		s.handleNotifications(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var login string
	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "stat" && r.Method == http.MethodGet:
		requiredScope = scopeAdmin
		route = "stat"
	case len(parts) == 2 && parts[1] == "accounts" && r.Method == http.MethodGet:
		requiredScope = scopeAdmin
		route = "accounts"
	case len(parts) == 2 && parts[1] == "accounts" && r.Method == http.MethodDelete:
		requiredScope = scopeAdmin
		route = "reset_all"
	case len(parts) == 3 && parts[1] == "accounts" && r.Method == http.MethodDelete:
		requiredScope = scopeMailWrite
		route = "reset_account"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "patch" && r.Method == http.MethodPost:
		requiredScope = scopeMailWrite
		route = "patch"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "view" && r.Method == http.MethodGet:
		requiredScope = scopeMailRead
		route = "view"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "folders" && r.Method == http.MethodGet:
		requiredScope = scopeMailRead
		route = "folders"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "metadata" && r.Method == http.MethodGet:
		requiredScope = scopeMailRead
		route = "metadata"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "search" && r.Method == http.MethodGet:
		requiredScope = scopeMailRead
		route = "search"
	case len(parts) == 5 && parts[1] == "accounts" && parts[3] == "mails" && r.Method == http.MethodGet:
		requiredScope = scopeMailRead
		route = "mail"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if len(parts) >= 3 {
		login = parts[2]
		if strings.TrimSpace(login) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "login is required", getCorrelationID(r))
			return
		}
	} else {
		// Store-wide routes need a token valid for every account.
		login = anyLogin
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, login, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := claims.Login + "|" + claims.Client
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "stat":
		writeJSON(w, http.StatusOK, s.service.Stat())
	case "accounts":
		writeJSON(w, http.StatusOK, map[string]any{"accounts": s.service.AccountKeys()})
	case "reset_all":
		s.handleResetAll(w, r, correlationID)
	case "reset_account":
		s.handleResetAccount(w, r, login, correlationID)
	case "patch":
		s.handlePatch(w, r, login, correlationID)
	case "view":
		s.handleView(w, r, login, correlationID)
	case "folders":
		s.handleFolders(w, r, login, correlationID)
	case "metadata":
		s.handleMetadata(w, r, login, correlationID)
	case "search":
		s.handleSearch(w, r, login, correlationID)
	case "mail":
		s.handleMail(w, r, login, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, login, correlationID string) {
	var req mailsync.PatchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Login != "" && !strings.EqualFold(req.Login, login) {
		writeError(w, http.StatusBadRequest, "bad_request", "body login does not match path", correlationID)
		return
	}
	req.Login = login
	resp, err := s.service.Patch(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, login, correlationID string) {
	view, err := s.service.AccountDataView(login)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request, login, correlationID string) {
	includingSpam, err := parseOptionalBool(r.URL.Query().Get("includingSpam"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid includingSpam", correlationID)
		return
	}
	summary, err := s.service.AccountFoldersView(login, includingSpam)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, login, correlationID string) {
	metadata, err := s.service.AccountMetadata(login)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleMail(w http.ResponseWriter, r *http.Request, login, pk, correlationID string) {
	mail, err := s.service.AccountMail(login, pk)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, mail)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, login, correlationID string) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing q parameter", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	items, err := s.service.Search(r.Context(), login, query)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	if len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request, login, correlationID string) {
	if err := s.service.ResetAccount(r.Context(), login); err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.service.Reset(r.Context()); err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIndexer attaches a remote indexer. The coordinator drains its
// outbox into the connection until either side hangs up.
func (s *Server) handleIndexer(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", scopeIndexer, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "indexing is not enabled", getCorrelationID(r))
		return
	}
	correlationID := streamCorrelationID(r)
	transport, err := indexing.AcceptTransport(w, r, nil)
	if err != nil {
		s.logger.Warn("indexer upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer transport.Close()
	s.logger.Info("indexer attached", "correlation_id", correlationID, "remote", r.RemoteAddr)
	err = s.coordinator.Serve(r.Context(), transport)
	s.logger.Info("indexer detached", "correlation_id", correlationID, "error", err)
}

// handleNotifications streams bus events visible to the caller's token as
// JSON envelopes.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", scopeMailRead, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications are not enabled", getCorrelationID(r))
		return
	}
	correlationID := streamCorrelationID(r)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("notification upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	s.logger.Debug("notification stream opened", "correlation_id", correlationID, "login", claims.Login)
	defer conn.Close(websocket.StatusInternalError, "")

	sub := s.bus.Subscribe()
	defer sub.Close()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if !visibleTo(claims, event) {
				continue
			}
			envelope, err := notify.Encode(event)
			if err != nil {
				s.logger.Warn("encode notification", "correlation_id", correlationID, "type", event.EventType(), "error", err)
				continue
			}
			if err := wsjson.Write(ctx, conn, envelope); err != nil {
				return
			}
		}
	}
}

func visibleTo(claims tokenClaims, event notify.Event) bool {
	if claims.Login == anyLogin {
		return true
	}
	switch typed := event.(type) {
	case notify.DbPatchAccount:
		return strings.EqualFold(typed.Key.Login, claims.Login)
	case notify.DbIndexerProgressState:
		return typed.State.Key == nil || strings.EqualFold(typed.State.Key.Login, claims.Login)
	}
	return true
}

func statusForKind(kind syncerr.Kind) int {
	switch kind {
	case syncerr.KindValidation:
		return http.StatusBadRequest
	case syncerr.KindNotFound:
		return http.StatusNotFound
	case syncerr.KindWatermarkGap:
		return http.StatusConflict
	case syncerr.KindTimeout:
		return http.StatusGatewayTimeout
	case syncerr.KindRetriableTransport:
		return http.StatusServiceUnavailable
	case syncerr.KindPaginationLoop:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	public := syncerr.Public(err)
	status := statusForKind(public.Kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	message := public.Message
	if status == http.StatusInternalServerError && public.Kind == syncerr.KindInternal {
		message = "internal error"
	}
	writeError(w, status, string(public.Kind), message, correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// streamCorrelationID names a long-lived websocket stream. Clients that
// cannot set headers get a generated id.
func streamCorrelationID(r *http.Request) string {
	if id := getCorrelationID(r); id != "" {
		return id
	}
	if id := r.URL.Query().Get("correlationId"); id != "" {
		return id
	}
	return uuid.NewString()
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
