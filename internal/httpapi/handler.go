package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type QueueService interface {
	IssueTicket(ctx context.Context, code string) (queue.IssueResult, error)
	CallNext(ctx context.Context, code string) (queue.CallResult, error)
	RepeatCall(ctx context.Context, code string) (queue.RepeatResult, error)
	ResetQueue(ctx context.Context, code string) error
	UpdateSettings(ctx context.Context, code string, settings models.DisplaySettings) (models.DisplaySettings, error)
	Settings(ctx context.Context, code string) (models.DisplaySettings, error)
	CheckStatus(ctx context.Context, code string, number int) (queue.StatusResult, error)
	Snapshot(ctx context.Context, code string) (queue.Snapshot, error)
	Waiting(ctx context.Context, code string) ([]models.Ticket, error)
}

type TenantAdmin interface {
	Resolve(ctx context.Context, code string) (models.Tenant, error)
	Create(ctx context.Context, code, name string) (models.Tenant, error)
	SetActive(ctx context.Context, code string, active bool) (models.Tenant, error)
	Delete(ctx context.Context, code string) error
	List(ctx context.Context) ([]models.Tenant, error)
}

type Options struct {
	// LandingURL is returned as a redirect hint when a tenant is unknown.
	LandingURL         string
	AdminUsername      string
	AdminPasswordHash  string
	CORSAllowedOrigins []string
	RateLimit          RateLimitConfig
	// Realtime, when set, is mounted under /realtime.
	Realtime http.Handler
	// Ready reports whether backing storage is reachable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

type Handler struct {
	queue   QueueService
	admin   TenantAdmin
	options Options
	limiter *RateLimiter
	logger  *zap.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
	Redirect  string        `json:"redirect,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createTenantRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

// updateSettingsRequest replaces the settings wholesale, so every field is required.
type updateSettingsRequest struct {
	Name         *string `json:"name"`
	TicketTitle  *string `json:"ticket_title"`
	TicketFooter *string `json:"ticket_footer"`
	ShowLogo     *bool   `json:"show_logo"`
}

func (req updateSettingsRequest) settings() (models.DisplaySettings, error) {
	var missing []string
	if req.Name == nil {
		missing = append(missing, "name")
	}
	if req.TicketTitle == nil {
		missing = append(missing, "ticket_title")
	}
	if req.TicketFooter == nil {
		missing = append(missing, "ticket_footer")
	}
	if req.ShowLogo == nil {
		missing = append(missing, "show_logo")
	}
	if len(missing) > 0 {
		return models.DisplaySettings{}, fmt.Errorf("%w: missing %s", queue.ErrInvalidSettings, strings.Join(missing, ", "))
	}
	return models.DisplaySettings{
		Name:         *req.Name,
		TicketTitle:  *req.TicketTitle,
		TicketFooter: *req.TicketFooter,
		ShowLogo:     *req.ShowLogo,
	}, nil
}

func NewHandler(svc QueueService, admin TenantAdmin, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queue:   svc,
		admin:   admin,
		options: options,
		limiter: NewRateLimiter(options.RateLimit),
		logger:  logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.options.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(logging.RequestLogger(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Handle("/metrics", expvar.Handler())
	if h.options.Realtime != nil {
		r.Handle("/realtime", h.options.Realtime)
		r.Handle("/realtime/*", h.options.Realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.limiter.Middleware)
		r.Route("/tenants/{code}", func(r chi.Router) {
			r.Use(h.limiter.TenantMiddleware)
			r.Post("/tickets", h.handleIssueTicket)
			r.Post("/call-next", h.handleCallNext)
			r.Post("/repeat", h.handleRepeatCall)
			r.Post("/reset", h.handleResetQueue)
			r.Get("/settings", h.handleGetSettings)
			r.Put("/settings", h.handleUpdateSettings)
			r.Get("/tickets/{number}/status", h.handleCheckStatus)
			r.Get("/snapshot", h.handleSnapshot)
			r.Get("/queue", h.handleWaiting)
		})
		r.Route("/admin/tenants", func(r chi.Router) {
			r.Use(h.adminAuth)
			r.Get("/", h.handleListTenants)
			r.Post("/", h.handleCreateTenant)
			r.Get("/{code}", h.handleGetTenant)
			r.Delete("/{code}", h.handleDeleteTenant)
			r.Put("/{code}/active", h.handleSetActive)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.options.Ready != nil {
		if err := h.options.Ready(r.Context()); err != nil {
			logging.FromRequest(r, h.logger).Warn("readiness check failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.IssueTicket(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.CallNext(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRepeatCall(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.RepeatCall(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleResetQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.ResetQueue(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.queue.Settings(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	replacement, err := req.settings()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	settings, err := h.queue.UpdateSettings(r.Context(), chi.URLParam(r, "code"), replacement)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "ticket number must be a positive integer")
		return
	}
	result, err := h.queue.CheckStatus(r.Context(), chi.URLParam(r, "code"), number)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queue.Snapshot(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.queue.Waiting(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.admin.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (h *Handler) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	tenant, err := h.admin.Create(r.Context(), req.Code, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logging.FromRequest(r, h.logger).Info("tenant created", zap.String("tenant", tenant.Code))
	writeJSON(w, http.StatusCreated, tenant)
}

func (h *Handler) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.admin.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (h *Handler) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.admin.Delete(r.Context(), code); err != nil {
		h.fail(w, r, err)
		return
	}
	logging.FromRequest(r, h.logger).Info("tenant deleted", zap.String("tenant", code))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "active is required")
		return
	}
	tenant, err := h.admin.SetActive(r.Context(), chi.URLParam(r, "code"), *req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromRequest(r, h.logger).Error("request failed", zap.Error(err))
	}
	resp := errorResponse{
		RequestID: middleware.GetReqID(r.Context()),
		Error:     responseError{Code: code, Message: msg},
	}
	if errors.Is(err, queue.ErrUnknownTenant) {
		resp.Redirect = h.options.LandingURL
	}
	writeJSON(w, status, resp)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	code := queue.Code(err)
	switch {
	case errors.Is(err, queue.ErrUnknownTenant):
		return http.StatusNotFound, code, "unknown tenant"
	case errors.Is(err, queue.ErrInactiveTenant):
		return http.StatusForbidden, code, "tenant is inactive"
	case errors.Is(err, queue.ErrInvalidSettings):
		return http.StatusBadRequest, code, err.Error()
	case errors.Is(err, queue.ErrInvalidTenantCode):
		return http.StatusBadRequest, code, "tenant code must be 1-32 letters, digits, '-' or '_'"
	case errors.Is(err, queue.ErrTenantExists):
		return http.StatusConflict, code, "tenant already exists"
	case errors.Is(err, queue.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, code, "storage unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, code, "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: middleware.GetReqID(r.Context()),
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
