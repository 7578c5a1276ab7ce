// Package payrollhttp exposes the period edit sessions and the liquidation
// saga as a JSON API.
package payrollhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/liquida-hr/liquida/internal/payroll"
	"github.com/liquida-hr/liquida/internal/platform/httpx"
	"github.com/liquida-hr/liquida/internal/shared"
)

// Commit is expensive (full recalculation, PDF rendering); one period does
// not need more than a few attempts per minute from the same client.
const (
	commitRateLimit  = 5
	commitRateWindow = time.Minute
)

type payrollService interface {
	StartSession(ctx context.Context, periodID, actorID int64) (payroll.SessionPreview, error)
	ResumeSession(ctx context.Context, periodID int64) (payroll.SessionPreview, error)
	DiscardSession(ctx context.Context, periodID int64) error
	ChangeComposition(ctx context.Context, periodID, employeeID int64, action payroll.CompositionAction) error
	AddNovedad(ctx context.Context, periodID int64, n payroll.Novedad) (payroll.Novedad, error)
	UpdateNovedad(ctx context.Context, periodID, novedadID int64, patch payroll.NovedadPatch) (payroll.Novedad, error)
	RemoveNovedad(ctx context.Context, periodID, novedadID int64) error
	Preview(ctx context.Context, periodID int64) (payroll.SessionPreview, error)
	Commit(ctx context.Context, periodID int64, opts payroll.CommitOptions) (payroll.CommitResult, error)
}

// Handler wires the payroll edit session endpoints.
type Handler struct {
	logger    *slog.Logger
	service   payrollService
	validator *validator.Validate
}

// NewHandler constructs a payroll HTTP handler.
func NewHandler(logger *slog.Logger, service payrollService) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// Routes registers the payroll endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/periods/{periodID}", func(r chi.Router) {
		r.Use(actorContext)
		r.Post("/session", h.startSession)
		r.Post("/session/resume", h.resumeSession)
		r.Delete("/session", h.discardSession)
		r.Get("/preview", h.preview)
		r.Post("/session/employees", h.changeComposition)
		r.Post("/session/novedades", h.addNovedad)
		r.Patch("/session/novedades/{novedadID}", h.updateNovedad)
		r.Delete("/session/novedades/{novedadID}", h.removeNovedad)
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(commitRateLimit, commitRateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/commit", h.commit)
		})
	})
}

type startSessionRequest struct {
	ActorID int64 `json:"actorId" validate:"gte=0"`
}

// actorContext propagates the authenticated actor id set by the edge proxy.
func actorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("X-Actor-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				r = r.WithContext(shared.ContextWithActor(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

type compositionRequest struct {
	EmployeeID int64  `json:"employeeId" validate:"required,gt=0"`
	Action     string `json:"action" validate:"required,oneof=add remove"`
}

type novedadRequest struct {
	EmployeeID        int64           `json:"employeeId" validate:"required,gt=0"`
	Type              string          `json:"type" validate:"required"`
	Subtype           string          `json:"subtype"`
	Days              int             `json:"days" validate:"gte=0"`
	Value             decimal.Decimal `json:"value"`
	IsDeduction       bool            `json:"isDeduction"`
	ConstitutesSalary bool            `json:"constitutesSalary"`
	StartDate         *time.Time      `json:"startDate"`
	EndDate           *time.Time      `json:"endDate"`
}

type novedadPatchRequest struct {
	Value     *decimal.Decimal `json:"value"`
	Days      *int             `json:"days" validate:"omitempty,gte=0"`
	StartDate *time.Time       `json:"startDate"`
	EndDate   *time.Time       `json:"endDate"`
}

type commitRequest struct {
	GenerateVouchers bool   `json:"generateVouchers"`
	SendEmails       bool   `json:"sendEmails"`
	Justification    string `json:"justification" validate:"max=500"`
}

type novedadResponse struct {
	ID                int64           `json:"id"`
	PeriodID          int64           `json:"periodId"`
	EmployeeID        int64           `json:"employeeId"`
	Type              string          `json:"type"`
	Subtype           string          `json:"subtype,omitempty"`
	Days              int             `json:"days"`
	Value             decimal.Decimal `json:"value"`
	IsDeduction       bool            `json:"isDeduction"`
	ConstitutesSalary bool            `json:"constitutesSalary"`
	Staged            bool            `json:"staged"`
	StartDate         *time.Time      `json:"startDate,omitempty"`
	EndDate           *time.Time      `json:"endDate,omitempty"`
}

func toNovedadResponse(n payroll.Novedad) novedadResponse {
	return novedadResponse{
		ID:                n.ID,
		PeriodID:          n.PeriodID,
		EmployeeID:        n.EmployeeID,
		Type:              string(n.Type),
		Subtype:           n.Subtype,
		Days:              n.Days,
		Value:             n.Value,
		IsDeduction:       n.IsDeduction,
		ConstitutesSalary: n.ConstitutesSalary,
		Staged:            n.ID < 0,
		StartDate:         n.StartDate,
		EndDate:           n.EndDate,
	}
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req startSessionRequest
	if !h.bind(w, r, &req) {
		return
	}
	if req.ActorID == 0 {
		req.ActorID = shared.ActorFromContext(r.Context())
	}
	if req.ActorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor id must be provided in the body or the X-Actor-ID header")
		return
	}
	preview, err := h.service.StartSession(r.Context(), periodID, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, preview)
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	preview, err := h.service.ResumeSession(r.Context(), periodID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}

func (h *Handler) discardSession(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	if err := h.service.DiscardSession(r.Context(), periodID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	preview, err := h.service.Preview(r.Context(), periodID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}

func (h *Handler) changeComposition(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req compositionRequest
	if !h.bind(w, r, &req) {
		return
	}
	action := payroll.CompositionAction(req.Action)
	if err := h.service.ChangeComposition(r.Context(), periodID, req.EmployeeID, action); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addNovedad(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req novedadRequest
	if !h.bind(w, r, &req) {
		return
	}
	staged, err := h.service.AddNovedad(r.Context(), periodID, payroll.Novedad{
		PeriodID:          periodID,
		EmployeeID:        req.EmployeeID,
		Type:              payroll.NovedadType(req.Type),
		Subtype:           req.Subtype,
		Days:              req.Days,
		Value:             req.Value,
		IsDeduction:       req.IsDeduction,
		ConstitutesSalary: req.ConstitutesSalary,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toNovedadResponse(staged))
}

func (h *Handler) updateNovedad(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	novedadID, err := strconv.ParseInt(chi.URLParam(r, "novedadID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "novedad id must be an integer")
		return
	}
	var req novedadPatchRequest
	if !h.bind(w, r, &req) {
		return
	}
	patch := payroll.NovedadPatch{Value: req.Value, Days: req.Days}
	if req.StartDate != nil && req.EndDate != nil {
		patch.Dates = &[2]time.Time{*req.StartDate, *req.EndDate}
	}
	updated, err := h.service.UpdateNovedad(r.Context(), periodID, novedadID, patch)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toNovedadResponse(updated))
}

func (h *Handler) removeNovedad(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	novedadID, err := strconv.ParseInt(chi.URLParam(r, "novedadID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "novedad id must be an integer")
		return
	}
	if err := h.service.RemoveNovedad(r.Context(), periodID, novedadID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commitFailureResponse struct {
	Result payroll.CommitResult `json:"result"`
	Error  string               `json:"error"`
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req commitRequest
	if !h.bind(w, r, &req) {
		return
	}
	result, err := h.service.Commit(r.Context(), periodID, payroll.CommitOptions{
		GenerateVouchers: req.GenerateVouchers,
		SendEmails:       req.SendEmails,
		Justification:    req.Justification,
	})
	if err != nil {
		switch {
		case errors.Is(err, payroll.ErrValidationBlocked):
			httpx.JSON(w, http.StatusUnprocessableEntity, commitFailureResponse{Result: result, Error: err.Error()})
		case errors.Is(err, payroll.ErrConcurrentCommit), errors.Is(err, payroll.ErrSessionNotActive):
			h.respondError(w, r, err)
		default:
			h.logger.Error("liquidation failed", "periodID", periodID, "err", err)
			httpx.JSON(w, http.StatusBadGateway, commitFailureResponse{Result: result, Error: err.Error()})
		}
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) periodID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "periodID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "period id must be a positive integer")
		return 0, false
	}
	return id, true
}

// bind decodes and validates the request body, writing the problem
// response itself when either fails.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Error())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payroll.ErrSessionAlreadyActive),
		errors.Is(err, payroll.ErrConcurrentCommit),
		errors.Is(err, payroll.ErrPeriodClosed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, payroll.ErrPeriodNotFound),
		errors.Is(err, payroll.ErrNovedadNotFound),
		errors.Is(err, payroll.ErrSessionNotActive):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, payroll.ErrEmployeeInPeriod),
		errors.Is(err, payroll.ErrEmployeeNotInPeriod),
		errors.Is(err, payroll.ErrUnknownCompositionAction):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error("payroll request failed", "path", r.URL.Path, "err", err)
		httpx.RespondError(w, err)
	}
}
