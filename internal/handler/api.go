package handler

// Internal JSON API used by the request-handling layer and operators.
//
// Routes (service token + courtesy limiter, applied by the caller of RegisterRoutes):
//   - POST /internal/v1/decide                -> HandleDecide
//   - GET  /internal/v1/usage/{userID}        -> HandleUsage
//   - GET  /internal/v1/overflow              -> HandleListPending
//   - POST /internal/v1/overflow/{id}/posted  -> HandleMarkPosted
//   - POST /internal/v1/overflow/{id}/failed  -> HandleMarkFailed

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxAPIBody = 32 << 10

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// =============================================================================
// Request Types
// =============================================================================

type decideRequest struct {
	UserID  string              `json:"user_id" validate:"required,uuid"`
	Action  domain.ActionKind   `json:"action" validate:"required,oneof=generate post"`
	PostNow bool                `json:"post_now"`
	Post    *domain.PostPayload `json:"post" validate:"required_if=PostNow true"`
	Now     *time.Time          `json:"now,omitempty"`
}

type markFailedRequest struct {
	AttemptIncrement int    `json:"attempt_increment" validate:"min=0,max=100"`
	Message          string `json:"message" validate:"max=2000"`
}

// =============================================================================
// Handler
// =============================================================================

// APIHandler serves the internal entitlement API.
type APIHandler struct {
	entitlements service.EntitlementService
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(entitlements service.EntitlementService, validate *validator.Validate, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		entitlements: entitlements,
		validate:     validate,
		logger:       logger,
	}
}

// RegisterRoutes mounts the internal routes, each wrapped by mw.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	mux.Handle("POST /internal/v1/decide", mw(http.HandlerFunc(h.HandleDecide)))
	mux.Handle("GET /internal/v1/usage/{userID}", mw(http.HandlerFunc(h.HandleUsage)))
	mux.Handle("GET /internal/v1/overflow", mw(http.HandlerFunc(h.HandleListPending)))
	mux.Handle("POST /internal/v1/overflow/{id}/posted", mw(http.HandlerFunc(h.HandleMarkPosted)))
	mux.Handle("POST /internal/v1/overflow/{id}/failed", mw(http.HandlerFunc(h.HandleMarkFailed)))
}

// HandleDecide checks and consumes the user's allowance for one action.
// Every policy outcome, blocked included, is a 200 with the decision body.
func (h *APIHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	const op = "api.decide"

	var req decideRequest
	if !h.decode(w, r, op, &req) {
		return
	}

	params := service.DecideParams{
		UserID:  uuid.MustParse(req.UserID),
		Action:  req.Action,
		PostNow: req.PostNow,
		Post:    req.Post,
	}
	if req.Now != nil {
		params.Now = *req.Now
	}

	decision, err := h.entitlements.Decide(r.Context(), params)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// HandleUsage returns the usage snapshot for one user.
func (h *APIHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	const op = "api.usage"

	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user id must be a UUID"))
		return
	}

	snapshot, err := h.entitlements.GetUsageSnapshot(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// HandleListPending lists pending overflow items, optionally for one user
// (?user_id=) and bounded by ?limit=.
func (h *APIHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_pending"

	q := r.URL.Query()

	var userID *uuid.UUID
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id must be a UUID"))
			return
		}
		userID = &id
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	items, err := h.entitlements.ListPending(r.Context(), userID, limit)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HandleMarkPosted records a deferred post as published.
func (h *APIHandler) HandleMarkPosted(w http.ResponseWriter, r *http.Request) {
	const op = "api.mark_posted"

	id, ok := h.itemID(w, r, op)
	if !ok {
		return
	}
	if err := h.entitlements.MarkPosted(r.Context(), id); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMarkFailed gives up on a deferred post.
func (h *APIHandler) HandleMarkFailed(w http.ResponseWriter, r *http.Request) {
	const op = "api.mark_failed"

	id, ok := h.itemID(w, r, op)
	if !ok {
		return
	}

	var req markFailedRequest
	if !h.decode(w, r, op, &req) {
		return
	}

	if err := h.entitlements.MarkFailed(r.Context(), id, req.AttemptIncrement, req.Message); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

// decode reads a JSON body into v and validates it, writing the error
// response itself when it returns false.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAPIBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "request body must be valid JSON"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		ErrorResponse(w, r, h.logger, domain.Invalid(op, msg))
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return false
	}
	return true
}

func (h *APIHandler) itemID(w http.ResponseWriter, r *http.Request, op string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "item id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}
