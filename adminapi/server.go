// Package adminapi serves the authenticated HTTP surface for registering and
// managing follow-ups. Edits to records whose mailbox has a running engine are
// queued to that engine and apply between ticks; everything else talks to the
// store directly.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/engine"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/health"
	"github.com/chaserhq/chaser/pkg/metrics"
	"github.com/chaserhq/chaser/template"
	"github.com/chaserhq/chaser/transport"
)

// degradedFailureThreshold marks a mailbox degraded in status responses.
const degradedFailureThreshold = 3

// Server is the admin HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	apiKeyHash   string
	allowedHosts []string
	defaults     config.RemindersConfig
	database     *db.Database
	supervisor   *engine.Supervisor
	journal      *transport.Journal
	health       *health.HealthIntegration
	server       *http.Server
}

// ServerOptions holds configuration options for the admin API server.
type ServerOptions struct {
	Addr         string
	APIKey       string   // Bearer token compared in constant time
	APIKeyHash   string   // bcrypt alternative; takes precedence over APIKey
	AllowedHosts []string // Client IPs or CIDR blocks; empty allows all
	Defaults     config.RemindersConfig
	Supervisor   *engine.Supervisor        // nil routes edits straight to the store
	Journal      *transport.Journal        // nil omits journal figures from stats
	Health       *health.HealthIntegration // nil reduces /healthz to a liveness ping
}

// New creates a new admin API server.
func New(database *db.Database, options ServerOptions) (*Server, error) {
	if options.APIKey == "" && options.APIKeyHash == "" {
		return nil, fmt.Errorf("API key is required for the admin API server")
	}

	defaults := options.Defaults
	if defaults.DefaultIntervalDays <= 0 {
		defaults.DefaultIntervalDays = 3
	}
	if defaults.DefaultTemplate == "" {
		defaults.DefaultTemplate = db.DefaultTemplateName
	}

	s := &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		apiKeyHash:   options.APIKeyHash,
		allowedHosts: options.AllowedHosts,
		defaults:     defaults,
		database:     database,
		supervisor:   options.Supervisor,
		journal:      options.Journal,
		health:       options.Health,
	}

	return s, nil
}

// Start runs the admin API server until the context is cancelled. Creation
// and serve failures are reported on errChan.
func Start(ctx context.Context, database *db.Database, options ServerOptions, errChan chan error) {
	server, err := New(database, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	logger.Info("[API] starting admin API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("[API] shutting down admin API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[API] error shutting down admin API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware. Everything under
// /admin requires authentication; /healthz stays open for probes.
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware)

	// Follow-up management routes
	admin.HandleFunc("/followups", s.handleCreateFollowup).Methods("POST")
	admin.HandleFunc("/followups", s.handleListFollowups).Methods("GET")
	admin.HandleFunc("/followups/{id:[0-9]+}", s.handleGetFollowup).Methods("GET")
	admin.HandleFunc("/followups/{id:[0-9]+}", s.handleUpdateFollowup).Methods("PATCH")
	admin.HandleFunc("/followups/{id:[0-9]+}", s.handleCancelFollowup).Methods("DELETE")
	admin.HandleFunc("/followups/{id:[0-9]+}/events", s.handleListFollowupEvents).Methods("GET")

	// Template management routes
	admin.HandleFunc("/templates", s.handleListTemplates).Methods("GET")
	admin.HandleFunc("/templates/{name}", s.handleGetTemplate).Methods("GET")
	admin.HandleFunc("/templates/{name}", s.handleSetTemplate).Methods("PUT")
	admin.HandleFunc("/templates/{name}", s.handleDeleteTemplate).Methods("DELETE")

	// Status routes
	admin.HandleFunc("/mailboxes", s.handleListMailboxes).Methods("GET")
	admin.HandleFunc("/mailboxes/{name}/breaker/reset", s.handleResetBreaker).Methods("POST")
	admin.HandleFunc("/stats", s.handleStats).Methods("GET")

	return router
}

// Middleware functions

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		logger.Debug("[API] request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "remote", getClientIP(r), "duration", elapsed)
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil {
						if cidr.Contains(ip) {
							allowed = true
							break
						}
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.checkAPIKey(parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAPIKey(token string) bool {
	if s.apiKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("[API] error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// Request/Response types

type CreateFollowupRequest struct {
	Mailbox      string `json:"mailbox"`
	Recipient    string `json:"recipient"`
	Subject      string `json:"subject"`
	SentAt       string `json:"sent_at,omitempty"` // RFC3339; defaults to now
	MessageID    string `json:"message_id,omitempty"`
	ThreadKey    string `json:"thread_key,omitempty"`
	IntervalDays int    `json:"interval_days,omitempty"`
	MaxReminders *int   `json:"max_reminders,omitempty"` // 0 = unlimited
	Template     string `json:"template,omitempty"`
}

type UpdateFollowupRequest struct {
	IntervalDays *int    `json:"interval_days"`
	MaxReminders *int    `json:"max_reminders"` // 0 clears the cap
	Template     *string `json:"template"`
	State        *string `json:"state"` // never accepted; state transitions are engine-owned
}

type SetTemplateRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MailboxStatus merges a mailbox's persisted checkpoint with the runtime
// state of the engine driving it.
type MailboxStatus struct {
	Name                string     `json:"name"`
	UIDValidity         uint32     `json:"uid_validity"`
	LastUID             uint32     `json:"last_uid"`
	LastPollAt          *time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	Degraded            bool       `json:"degraded"`
	EngineRunning       bool       `json:"engine_running"`
	LastTickAt          *time.Time `json:"last_tick_at,omitempty"`
	PollInterval        string     `json:"poll_interval,omitempty"`
}

// Handler functions

func (s *Server) handleCreateFollowup(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateFollowupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Mailbox == "" {
		s.writeError(w, http.StatusBadRequest, "Mailbox is required")
		return
	}
	if s.supervisor != nil {
		if _, ok := s.supervisor.Engine(req.Mailbox); !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown mailbox %q", req.Mailbox))
			return
		}
	}
	if req.Recipient == "" {
		s.writeError(w, http.StatusBadRequest, "Recipient is required")
		return
	}
	if _, err := mail.ParseAddress(req.Recipient); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid recipient address")
		return
	}
	if req.Subject == "" {
		s.writeError(w, http.StatusBadRequest, "Subject is required")
		return
	}

	sentAt := time.Now()
	if req.SentAt != "" {
		var err error
		sentAt, err = time.Parse(time.RFC3339, req.SentAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid sent_at format (use RFC3339)")
			return
		}
	}

	intervalDays := req.IntervalDays
	if intervalDays == 0 {
		intervalDays = s.defaults.DefaultIntervalDays
	}
	if intervalDays < 0 {
		s.writeError(w, http.StatusBadRequest, "interval_days must be positive")
		return
	}

	var maxReminders *int
	switch {
	case req.MaxReminders == nil:
		if s.defaults.DefaultMaxReminders > 0 {
			v := s.defaults.DefaultMaxReminders
			maxReminders = &v
		}
	case *req.MaxReminders < 0:
		s.writeError(w, http.StatusBadRequest, "max_reminders cannot be negative")
		return
	case *req.MaxReminders > 0:
		maxReminders = req.MaxReminders
	}

	templateName := req.Template
	if templateName == "" {
		templateName = s.defaults.DefaultTemplate
	}

	ctx := r.Context()

	te, err := s.database.CreateTrackedEmail(ctx, &db.CreateTrackedEmailParams{
		Mailbox:              req.Mailbox,
		Recipient:            req.Recipient,
		Subject:              req.Subject,
		SentAt:               sentAt,
		MessageID:            req.MessageID,
		ThreadKey:            req.ThreadKey,
		ReminderIntervalDays: intervalDays,
		MaxReminders:         maxReminders,
		TemplateName:         templateName,
	})
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			s.writeError(w, http.StatusConflict, "A pending follow-up for this message already exists")
			return
		}
		logger.Warn("[API] error creating follow-up", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create follow-up")
		return
	}

	s.appendEvent(ctx, &db.AppendEngineEventParams{
		EventType:      db.EventCreated,
		Mailbox:        te.Mailbox,
		TrackedEmailID: &te.ID,
		Details: map[string]interface{}{
			"recipient":     te.Recipient,
			"interval_days": te.ReminderIntervalDays,
			"template":      te.TemplateName,
		},
	})

	s.writeJSON(w, http.StatusCreated, te)
}

func (s *Server) handleListFollowups(w http.ResponseWriter, r *http.Request) {
	params := &db.ListTrackedEmailsParams{
		Mailbox: r.URL.Query().Get("mailbox"),
		State:   r.URL.Query().Get("state"),
	}

	switch params.State {
	case "", db.StatePending, db.StateReplied, db.StateExhausted, db.StateCancelled:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state %q", params.State))
		return
	}

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 {
			params.Limit = l
		}
	}
	if offsetParam := r.URL.Query().Get("offset"); offsetParam != "" {
		if o, err := strconv.Atoi(offsetParam); err == nil && o > 0 {
			params.Offset = o
		}
	}

	records, err := s.database.ListTrackedEmails(r.Context(), params)
	if err != nil {
		logger.Warn("[API] error listing follow-ups", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list follow-ups")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"followups": records,
		"count":     len(records),
	})
}

func (s *Server) handleGetFollowup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid follow-up id")
		return
	}
	ctx := r.Context()

	te, err := s.database.GetTrackedEmail(ctx, id)
	if err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			s.writeError(w, http.StatusNotFound, "Follow-up not found")
			return
		}
		logger.Warn("[API] error getting follow-up", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get follow-up")
		return
	}

	reminders, err := s.database.ListReminderEvents(ctx, id)
	if err != nil {
		logger.Warn("[API] error listing reminder history", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get reminder history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"followup":  te,
		"reminders": reminders,
	})
}

func (s *Server) handleUpdateFollowup(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid follow-up id")
		return
	}

	var req UpdateFollowupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.State != nil {
		s.writeError(w, http.StatusBadRequest, "State cannot be set directly; DELETE the follow-up to cancel it")
		return
	}
	if req.IntervalDays == nil && req.MaxReminders == nil && req.Template == nil {
		s.writeError(w, http.StatusBadRequest, "No settings to update")
		return
	}
	if req.IntervalDays != nil && *req.IntervalDays <= 0 {
		s.writeError(w, http.StatusBadRequest, "interval_days must be positive")
		return
	}
	if req.MaxReminders != nil && *req.MaxReminders < 0 {
		s.writeError(w, http.StatusBadRequest, "max_reminders cannot be negative")
		return
	}

	ctx := r.Context()

	if req.Template != nil {
		if *req.Template == "" {
			s.writeError(w, http.StatusBadRequest, "Template name cannot be empty")
			return
		}
		if _, err := s.database.GetTemplate(ctx, *req.Template); err != nil {
			if errors.Is(err, consts.ErrTemplateNotFound) {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown template %q", *req.Template))
				return
			}
			logger.Warn("[API] error checking template", "template", *req.Template, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to check template")
			return
		}
	}

	te, err := s.database.GetTrackedEmail(ctx, id)
	if err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			s.writeError(w, http.StatusNotFound, "Follow-up not found")
			return
		}
		logger.Warn("[API] error getting follow-up", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get follow-up")
		return
	}

	params := &db.UpdateSettingsParams{
		IntervalDays: req.IntervalDays,
		MaxReminders: req.MaxReminders,
		TemplateName: req.Template,
	}

	var updated *db.TrackedEmail
	if eng, ok := s.engineFor(te.Mailbox); ok {
		updated, err = eng.SetSettings(ctx, id, params)
	} else {
		updated, err = s.database.UpdateReminderSettings(ctx, id, params)
	}
	if err != nil {
		s.writeFollowupError(w, id, "update", err)
		return
	}

	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelFollowup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid follow-up id")
		return
	}
	ctx := r.Context()

	te, err := s.database.GetTrackedEmail(ctx, id)
	if err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			s.writeError(w, http.StatusNotFound, "Follow-up not found")
			return
		}
		logger.Warn("[API] error getting follow-up", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get follow-up")
		return
	}

	if eng, ok := s.engineFor(te.Mailbox); ok {
		err = eng.Cancel(ctx, id)
	} else {
		err = s.database.CancelTrackedEmail(ctx, id)
	}
	if err != nil {
		s.writeFollowupError(w, id, "cancel", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"state":   db.StateCancelled,
		"message": "Follow-up cancelled",
	})
}

func (s *Server) handleListFollowupEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid follow-up id")
		return
	}
	ctx := r.Context()

	if _, err := s.database.GetTrackedEmail(ctx, id); err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			s.writeError(w, http.StatusNotFound, "Follow-up not found")
			return
		}
		logger.Warn("[API] error getting follow-up", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get follow-up")
		return
	}

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 {
			limit = l
		}
	}

	events, err := s.database.ListEngineEvents(ctx, id, limit)
	if err != nil {
		logger.Warn("[API] error listing events", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.database.ListTemplates(r.Context())
	if err != nil {
		logger.Warn("[API] error listing templates", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	tmpl, err := s.database.GetTemplate(r.Context(), name)
	if err != nil {
		if errors.Is(err, consts.ErrTemplateNotFound) {
			s.writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		logger.Warn("[API] error getting template", "template", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	s.writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleSetTemplate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	name := mux.Vars(r)["name"]

	var req SetTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Subject == "" || req.Body == "" {
		s.writeError(w, http.StatusBadRequest, "Subject and body are required")
		return
	}

	// Reject unknown placeholders at write time; a bad template stored now
	// would fail every render later.
	if err := template.Validate(name, req.Subject); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := template.Validate(name, req.Body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmpl, err := s.database.UpsertTemplate(r.Context(), name, req.Subject, req.Body)
	if err != nil {
		logger.Warn("[API] error saving template", "template", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save template")
		return
	}

	s.writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	err := s.database.DeleteTemplate(r.Context(), name)
	if err != nil {
		if errors.Is(err, consts.ErrNotPermitted) {
			s.writeError(w, http.StatusBadRequest, "The default template cannot be deleted")
			return
		}
		if errors.Is(err, consts.ErrTemplateNotFound) {
			s.writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		logger.Warn("[API] error deleting template", "template", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"message": "Template deleted",
	})
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	states, err := s.database.ListMailboxStates(r.Context())
	if err != nil {
		logger.Warn("[API] error listing mailbox states", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list mailboxes")
		return
	}

	byName := make(map[string]*db.MailboxState, len(states))
	for _, st := range states {
		byName[st.Name] = st
	}

	var statuses []*MailboxStatus
	seen := make(map[string]bool)

	// Configured mailboxes first, in configuration order, merged with their
	// engine's runtime state.
	if s.supervisor != nil {
		s.supervisor.Each(func(eng *engine.Engine) {
			status := &MailboxStatus{
				Name:          eng.Mailbox(),
				EngineRunning: eng.Running(),
				PollInterval:  eng.CurrentInterval().String(),
			}
			if tick := eng.LastTick(); !tick.IsZero() {
				status.LastTickAt = &tick
			}
			if st, ok := byName[eng.Mailbox()]; ok {
				fillMailboxState(status, st)
			}
			statuses = append(statuses, status)
			seen[eng.Mailbox()] = true
		})
	}

	// Checkpoints for mailboxes no longer configured still show up; their
	// records stay visible until retention removes them.
	for _, st := range states {
		if seen[st.Name] {
			continue
		}
		status := &MailboxStatus{Name: st.Name}
		fillMailboxState(status, st)
		statuses = append(statuses, status)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailboxes": statuses,
		"count":     len(statuses),
	})
}

func fillMailboxState(status *MailboxStatus, st *db.MailboxState) {
	status.UIDValidity = st.UIDValidity
	status.LastUID = st.LastUID
	status.LastPollAt = st.LastPollAt
	status.LastSuccessAt = st.LastSuccessAt
	status.ConsecutiveFailures = st.ConsecutiveFailures
	status.LastError = st.LastError
	status.Degraded = st.ConsecutiveFailures >= degradedFailureThreshold
}

// handleResetBreaker moves an open SMTP circuit breaker to half-open so the
// next reminder probes the server immediately instead of waiting out the
// open timeout. Used after an operator has fixed the submission server.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No running engines")
		return
	}

	name := mux.Vars(r)["name"]
	eng, ok := s.supervisor.Engine(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Unknown mailbox")
		return
	}

	breaker := eng.Breaker()
	if breaker == nil {
		s.writeError(w, http.StatusConflict, "Mailbox sender has no circuit breaker")
		return
	}

	before := breaker.State()
	breaker.ForceHalfOpen()
	after := breaker.State()
	logger.Info("[API] circuit breaker reset", "mailbox", name,
		"state_before", before.String(), "state_after", after.String())

	s.writeJSON(w, http.StatusOK, map[string]string{
		"mailbox": name,
		"state":   after.String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.database.GetFollowupStats(r.Context())
	if err != nil {
		logger.Warn("[API] error getting follow-up stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	response := map[string]interface{}{
		"followups": stats,
	}

	// Journal figures are additive; a broken journal must not hide the
	// follow-up counts.
	if s.journal != nil {
		journalStats, err := s.journal.Stats()
		if err != nil {
			logger.Warn("[API] error getting send journal stats", "error", err)
		} else {
			response["send_journal"] = journalStats
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	overall := s.health.GetOverallStatus()
	status := http.StatusOK
	if overall == health.StatusUnhealthy || overall == health.StatusUnreachable {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": s.health.GetCurrentHealthStatus(),
	})
}

// engineFor returns the running engine for a mailbox, if any.
func (s *Server) engineFor(mailbox string) (*engine.Engine, bool) {
	if s.supervisor == nil {
		return nil, false
	}
	return s.supervisor.Engine(mailbox)
}

// writeFollowupError maps store and engine errors from a record edit to a
// response.
func (s *Server) writeFollowupError(w http.ResponseWriter, id int64, op string, err error) {
	switch {
	case errors.Is(err, consts.ErrAlreadyTerminal):
		s.writeError(w, http.StatusConflict, "Follow-up is already settled")
	case errors.Is(err, consts.ErrTrackedEmailNotFound):
		s.writeError(w, http.StatusNotFound, "Follow-up not found")
	case errors.Is(err, engine.ErrCommandQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, "Engine busy, retry shortly")
	default:
		logger.Warn("[API] follow-up edit failed", "id", id, "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s follow-up", op))
	}
}

// appendEvent writes an activity log row for an API action. Log failures do
// not fail the request.
func (s *Server) appendEvent(ctx context.Context, params *db.AppendEngineEventParams) {
	if err := s.database.AppendEngineEvent(ctx, params); err != nil {
		logger.Warn("[API] failed to append event", "event", params.EventType, "error", err)
	}
}
