package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"authgate/internal/auth"
	"authgate/internal/errors"
	"authgate/internal/infrastructure"
	"authgate/internal/middleware"
)

// AuthService is the surface of the authorization core the transport needs.
type AuthService interface {
	Authorize(ctx context.Context, req auth.AuthRequest) (*auth.AuthResult, error)
	IssueAPIs(ctx context.Context, id, hwid, session string) (*auth.APIGrant, error)
}

// AuthHandler handles the gateway's authorization endpoints.
type AuthHandler struct {
	service  AuthService
	logger   *slog.Logger
	validate *validator.Validate
	metrics  *infrastructure.AuthMetrics
}

// NewAuthHandler creates a new authorization handler.
func NewAuthHandler(service AuthService, metrics *infrastructure.AuthMetrics, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "auth")),
		validate: validator.New(),
		metrics:  metrics,
	}
}

// APIRequest is the body of the API-issuance endpoint.
type APIRequest struct {
	ID      string `json:"id" validate:"required"`
	Hwid    string `json:"hwid" validate:"required"`
	Session string `json:"session" validate:"required"`
}

// AuthorizeResponse is the success body of the authorization endpoint.
type AuthorizeResponse struct {
	Success bool `json:"success"`
	*auth.AuthResult
}

// APIGrantResponse is the success body of the API-issuance endpoint.
type APIGrantResponse struct {
	Success bool `json:"success"`
	*auth.APIGrant
}

// Routes returns a chi router for the authorization endpoints.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/oauth", h.Authorize)
	r.Post("/get-apis", h.IssueAPIs)
	return r
}

// Authorize handles POST /hmx/oauth.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("auth-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "auth_handler.authorize",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/hmx/oauth"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req auth.AuthRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.WarnContext(ctx, "unparseable authorization request",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		h.reject(ctx, w, r, errors.InvalidRequest("request body is not valid JSON"), start)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.logger.WarnContext(ctx, "authorization request missing fields",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		h.reject(ctx, w, r, errors.MissingFields(), start)
		return
	}

	result, err := h.service.Authorize(ctx, req)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.reject(ctx, w, r, err, start)
		return
	}

	infrastructure.RecordAuthOutcome(ctx, h.metrics, "OK", time.Since(start))

	h.logger.InfoContext(ctx, "authorization granted",
		slog.String("request_id", reqID),
		slog.String("user_id", req.ID),
		slog.Duration("latency", time.Since(start)))

	render.JSON(w, r, &AuthorizeResponse{Success: true, AuthResult: result})
}

// IssueAPIs handles POST /hmx/get-apis.
func (h *AuthHandler) IssueAPIs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("auth-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "auth_handler.issue_apis",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/hmx/get-apis"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req APIRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.reject(ctx, w, r, errors.InvalidRequest("request body is not valid JSON"), start)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.reject(ctx, w, r, errors.MissingFields(), start)
		return
	}

	grant, err := h.service.IssueAPIs(ctx, req.ID, req.Hwid, req.Session)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.reject(ctx, w, r, err, start)
		return
	}

	infrastructure.RecordAuthOutcome(ctx, h.metrics, "OK", time.Since(start))

	h.logger.InfoContext(ctx, "api grant issued",
		slog.String("request_id", reqID),
		slog.String("user_id", req.ID),
		slog.Int("features", len(grant.APIs)),
		slog.Duration("latency", time.Since(start)))

	render.JSON(w, r, &APIGrantResponse{Success: true, APIGrant: grant})
}

// reject renders a failure with its reason code, downgrading anything that
// is not a GateError to an opaque internal error.
func (h *AuthHandler) reject(ctx context.Context, w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	ge := errors.AsGateError(err)
	if ge == nil {
		h.logger.ErrorContext(ctx, "unclassified failure",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("error", err.Error()))
		ge = errors.Internal()
	}

	infrastructure.RecordAuthOutcome(ctx, h.metrics, ge.Reason, time.Since(start))

	h.logger.InfoContext(ctx, "request rejected",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("reason", ge.Reason),
		slog.Int("status", ge.StatusCode))

	render.Render(w, r, ge)
}
