package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

type ServerConfig struct {
	// JWTSecret enables HS256 bearer auth. Empty disables auth.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	Version         string

	Session  *notebook.Session
	Events   *notebook.Broker
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	service     *notebook.Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
	validator   *requestValidator
	metrics     http.Handler
	logger      *slog.Logger
	tracer      trace.Tracer
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

func NewServer(service *notebook.Service) (*Server, error) {
	return NewServerWithConfig(service, ServerConfig{})
}

func NewServerWithConfig(service *notebook.Service, cfg ServerConfig) (*Server, error) {
	if service == nil {
		return nil, errors.New("httpapi: service is required")
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
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		service:     service,
		cfg:         cfg,
		rateLimiter: limiter,
		validator:   validator,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		logger:      logger,
		tracer:      otel.Tracer("notebookrelay/httpapi"),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.applyCORS(w, r) {
		return
	}

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleRoot(w)
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var (
		requiredScope string
		route         string
		pathUserID    string
	)
	switch {
	case len(parts) == 2 && parts[1] == "notebooks" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "resolve"
	case len(parts) == 2 && parts[1] == "notebooks" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdmin, "list_mappings"
	case len(parts) == 3 && parts[1] == "notebooks" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "get_mapping"
		pathUserID = parts[2]
	case len(parts) == 3 && parts[1] == "notebooks" && r.Method == http.MethodDelete:
		requiredScope, route = scopeWrite, "delete_mapping"
		pathUserID = parts[2]
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "glossary" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "glossary"
		pathUserID = parts[2]
	case len(parts) == 2 && parts[1] == "sources" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "add_source"
	case len(parts) == 3 && parts[1] == "sources" && parts[2] == "chess-game" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "add_chess_game"
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "save_note"
	case len(parts) == 2 && (parts[1] == "ask" || parts[1] == "inference") && r.Method == http.MethodPost:
		requiredScope, route = scopeRead, "ask"
	case len(parts) == 2 && parts[1] == "generate" && r.Method == http.MethodPost:
		requiredScope, route = scopeWrite, "generate"
	case len(parts) == 3 && parts[1] == "debug" && parts[2] == "remote-notebooks" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdmin, "remote_notebooks"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims := tokenClaims{Subject: clientAddress(r)}
	if s.cfg.JWTSecret != "" {
		var authErr *authError
		claims, authErr = authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if pathUserID != "" && !claims.allowsUser(pathUserID) {
			writeError(w, http.StatusForbidden, "forbidden", "user mismatch", correlationID)
			return
		}
	}
	if s.rateLimiter != nil && route != "events" {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	ctx, span := s.tracer.Start(notebook.WithCorrelationID(r.Context(), correlationID), "http."+route,
		trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	defer span.End()
	r = r.WithContext(ctx)
	req := routeRequest{claims: claims, correlationID: correlationID, userID: pathUserID}

	switch route {
	case "resolve":
		s.handleResolve(w, r, req)
	case "list_mappings":
		s.handleListMappings(w, r, req)
	case "get_mapping":
		s.handleGetMapping(w, r, req)
	case "delete_mapping":
		s.handleDeleteMapping(w, r, req)
	case "glossary":
		s.handleGlossary(w, r, req)
	case "add_source":
		s.handleAddSource(w, r, req)
	case "add_chess_game":
		s.handleAddChessGame(w, r, req)
	case "save_note":
		s.handleSaveNote(w, r, req)
	case "ask":
		s.handleAsk(w, r, req)
	case "generate":
		s.handleGenerate(w, r, req)
	case "remote_notebooks":
		s.handleRemoteNotebooks(w, r, req)
	case "events":
		s.handleEvents(w, r, req)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type routeRequest struct {
	claims        tokenClaims
	correlationID string
	userID        string
}

func (s *Server) handleRoot(w http.ResponseWriter) {
	body := map[string]any{
		"service": "notebookrelay",
		"version": s.cfg.Version,
		"status":  "running",
	}
	if s.cfg.Session != nil {
		status := s.cfg.Session.Status()
		body["authenticated"] = status.Authenticated
		body["session"] = status
	}
	writeJSON(w, http.StatusOK, body)
}

type resolveRequest struct {
	UserID       string `json:"userId"`
	NotebookName string `json:"notebookName,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body resolveRequest
	if !s.decodeValidatedBody(w, r, req, "resolve", &body) || !s.checkUser(w, req, body.UserID) {
		return
	}
	var opts []notebook.ResolveOption
	if name := strings.TrimSpace(body.NotebookName); name != "" {
		opts = append(opts, notebook.WithDisplayName(name))
	}
	res, err := s.service.Manager().Resolve(r.Context(), body.UserID, opts...)
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request, req routeRequest) {
	mappings, err := s.service.Manager().List(r.Context())
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings, "count": len(mappings)})
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request, req routeRequest) {
	mapping, err := s.service.Manager().Get(r.Context(), req.userID)
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request, req routeRequest) {
	if err := s.service.Manager().Delete(r.Context(), req.userID); err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": req.userID, "status": notebook.StatusDeleted})
}

func (s *Server) handleGlossary(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body struct {
		Language string `json:"language"`
	}
	if !s.decodeValidatedBody(w, r, req, "glossary", &body) {
		return
	}
	if strings.TrimSpace(body.Language) == "" {
		body.Language = "es"
	}
	result, err := s.service.AddGlossary(r.Context(), req.userID, body.Language)
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type sourceRequest struct {
	UserID  string              `json:"userId"`
	Kind    notebook.SourceKind `json:"kind"`
	Title   string              `json:"title,omitempty"`
	Content string              `json:"content"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body sourceRequest
	if !s.decodeValidatedBody(w, r, req, "source", &body) || !s.checkUser(w, req, body.UserID) {
		return
	}
	result, err := s.service.AddSource(r.Context(), body.UserID, notebook.Source{
		Kind:    body.Kind,
		Title:   body.Title,
		Content: body.Content,
	})
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type chessGameRequest struct {
	UserID string `json:"userId"`
	notebook.ChessGame
}

func (s *Server) handleAddChessGame(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body chessGameRequest
	if !s.decodeValidatedBody(w, r, req, "chess_game", &body) || !s.checkUser(w, req, body.UserID) {
		return
	}
	result, err := s.service.AddChessGame(r.Context(), body.UserID, body.ChessGame)
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type noteRequest struct {
	UserID string `json:"userId"`
	notebook.Note
}

func (s *Server) handleSaveNote(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body noteRequest
	if !s.decodeValidatedBody(w, r, req, "note", &body) || !s.checkUser(w, req, body.UserID) {
		return
	}
	result, err := s.service.SaveNote(r.Context(), body.UserID, body.Note)
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type askRequest struct {
	UserID         string   `json:"userId"`
	Question       string   `json:"question"`
	ConversationID string   `json:"conversationId,omitempty"`
	SourceIDs      []string `json:"sourceIds,omitempty"`
	Language       string   `json:"language,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body askRequest
	if !s.decodeValidatedBody(w, r, req, "ask", &body) || !s.checkUser(w, req, body.UserID) {
		return
	}
	result, err := s.service.Ask(r.Context(), body.UserID, notebook.Question{
		Text:           body.Question,
		ConversationID: body.ConversationID,
		SourceIDs:      body.SourceIDs,
		Language:       body.Language,
	})
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type generateRequest struct {
	UserID string `json:"userId"`
	notebook.GenerateRequest
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, req routeRequest) {
	var body generateRequest
	if !s.decodeValidatedBody(w, r, req, "generate", &body) || !s.checkUser(w, req, body.UserID) {
		return
	}
	artifact, err := s.service.Generate(r.Context(), body.UserID, body.GenerateRequest)
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, artifact)
}

func (s *Server) handleRemoteNotebooks(w http.ResponseWriter, r *http.Request, req routeRequest) {
	if s.cfg.Session != nil && !s.cfg.Session.Authenticated() {
		writeError(w, http.StatusUnauthorized, "session_unauthenticated", "external session is not authenticated", req.correlationID)
		return
	}
	notebooks, err := s.service.RemoteNotebooks(r.Context())
	if err != nil {
		s.writeServiceError(w, err, req.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebooks": notebooks, "count": len(notebooks)})
}

// checkUser enforces a user_id claim against the user named in the body.
func (s *Server) checkUser(w http.ResponseWriter, req routeRequest, userID string) bool {
	if s.cfg.JWTSecret == "" || req.claims.allowsUser(userID) {
		return true
	}
	writeError(w, http.StatusForbidden, "forbidden", "user mismatch", req.correlationID)
	return false
}

// writeServiceError maps lifecycle and client failures onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *notebook.ConflictError
	switch {
	case errors.Is(err, notebook.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, notebook.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "conflict",
			"message":       err.Error(),
			"correlationId": correlationID,
			"currentStatus": conflict.Current,
		})
	case errors.Is(err, notebook.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, notebook.ErrCreationTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "creation_timeout", err.Error(), correlationID)
	case errors.Is(err, notebook.ErrExternalRejected):
		writeError(w, http.StatusUnprocessableEntity, "external_rejected", err.Error(), correlationID)
	case errors.Is(err, notebook.ErrExternalUnavailable):
		w.Header().Set("Retry-After", "5")
		code := "external_unavailable"
		if errors.Is(err, notebook.ErrSessionExpired) {
			code = "session_expired"
		}
		writeError(w, http.StatusServiceUnavailable, code, err.Error(), correlationID)
	case errors.Is(err, notebook.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// applyCORS sets CORS headers for allowed origins and answers preflight
// requests. It reports whether the request was fully handled.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(s.cfg.AllowedOrigins, origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, Retry-After")
	if r.Method != http.MethodOptions {
		return false
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
	return true
}

func originAllowed(allowed []string, origin string) bool {
	for _, candidate := range allowed {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getCorrelationID echoes the caller's X-Correlation-Id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
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

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, req routeRequest, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, req.correlationID)
	if !ok {
		return false
	}
	if err := s.validator.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), req.correlationID)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", req.correlationID)
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
