package payrollhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/liquida-hr/liquida/internal/payroll"
)

type stubPayrollService struct {
	preview payroll.SessionPreview
	novedad payroll.Novedad
	result  payroll.CommitResult
	err     error

	lastPeriodID   int64
	lastActorID    int64
	lastEmployeeID int64
	lastAction     payroll.CompositionAction
	lastNovedadID  int64
	lastNovedad    payroll.Novedad
	lastPatch      payroll.NovedadPatch
	lastOpts       payroll.CommitOptions
	discarded      bool
	removed        bool
}

func (s *stubPayrollService) StartSession(_ context.Context, periodID, actorID int64) (payroll.SessionPreview, error) {
	s.lastPeriodID, s.lastActorID = periodID, actorID
	return s.preview, s.err
}

func (s *stubPayrollService) ResumeSession(_ context.Context, periodID int64) (payroll.SessionPreview, error) {
	s.lastPeriodID = periodID
	return s.preview, s.err
}

func (s *stubPayrollService) DiscardSession(_ context.Context, periodID int64) error {
	s.lastPeriodID = periodID
	s.discarded = s.err == nil
	return s.err
}

func (s *stubPayrollService) ChangeComposition(_ context.Context, periodID, employeeID int64, action payroll.CompositionAction) error {
	s.lastPeriodID, s.lastEmployeeID, s.lastAction = periodID, employeeID, action
	return s.err
}

func (s *stubPayrollService) AddNovedad(_ context.Context, periodID int64, n payroll.Novedad) (payroll.Novedad, error) {
	s.lastPeriodID, s.lastNovedad = periodID, n
	return s.novedad, s.err
}

func (s *stubPayrollService) UpdateNovedad(_ context.Context, periodID, novedadID int64, patch payroll.NovedadPatch) (payroll.Novedad, error) {
	s.lastPeriodID, s.lastNovedadID, s.lastPatch = periodID, novedadID, patch
	return s.novedad, s.err
}

func (s *stubPayrollService) RemoveNovedad(_ context.Context, periodID, novedadID int64) error {
	s.lastPeriodID, s.lastNovedadID = periodID, novedadID
	s.removed = s.err == nil
	return s.err
}

func (s *stubPayrollService) Preview(_ context.Context, periodID int64) (payroll.SessionPreview, error) {
	s.lastPeriodID = periodID
	return s.preview, s.err
}

func (s *stubPayrollService) Commit(_ context.Context, periodID int64, opts payroll.CommitOptions) (payroll.CommitResult, error) {
	s.lastPeriodID, s.lastOpts = periodID, opts
	return s.result, s.err
}

func newTestRouter(service *stubPayrollService) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), service)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStartSessionCreatesAndEchoesPreview(t *testing.T) {
	service := &stubPayrollService{preview: payroll.SessionPreview{
		SessionID: uuid.New(),
		PeriodID:  42,
		Status:    payroll.SessionActive,
		StartedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/42/session", `{"actorId":7}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, int64(42), service.lastPeriodID)
	require.Equal(t, int64(7), service.lastActorID)

	var preview payroll.SessionPreview
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &preview))
	require.Equal(t, service.preview.SessionID, preview.SessionID)
	require.Equal(t, payroll.SessionActive, preview.Status)
}

func TestStartSessionRejectsBadPayload(t *testing.T) {
	router := newTestRouter(&stubPayrollService{})

	rr := doJSON(t, router, http.MethodPost, "/periods/42/session", `{"actorId":0}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/periods/42/session", `{not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/periods/abc/session", `{"actorId":7}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartSessionTakesActorFromHeader(t *testing.T) {
	service := &stubPayrollService{preview: payroll.SessionPreview{Status: payroll.SessionActive}}
	router := newTestRouter(service)

	req := httptest.NewRequest(http.MethodPost, "/periods/42/session", strings.NewReader(`{}`))
	req.Header.Set("X-Actor-ID", "31")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, int64(31), service.lastActorID)
}

func TestStartSessionConflictWhenAlreadyActive(t *testing.T) {
	service := &stubPayrollService{err: payroll.ErrSessionAlreadyActive}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/42/session", `{"actorId":7}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "already active")
}

func TestStartSessionClosedPeriodConflict(t *testing.T) {
	service := &stubPayrollService{err: payroll.ErrPeriodClosed}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/42/session", `{"actorId":7}`)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestDiscardSessionNoContent(t *testing.T) {
	service := &stubPayrollService{}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodDelete, "/periods/42/session", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.True(t, service.discarded)
}

func TestDiscardWithoutSessionIsNotFound(t *testing.T) {
	service := &stubPayrollService{err: payroll.ErrSessionNotActive}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodDelete, "/periods/42/session", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestChangeCompositionRoutesAction(t *testing.T) {
	service := &stubPayrollService{}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/session/employees", `{"employeeId":15,"action":"remove"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, int64(9), service.lastPeriodID)
	require.Equal(t, int64(15), service.lastEmployeeID)
	require.Equal(t, payroll.CompositionRemove, service.lastAction)

	rr = doJSON(t, router, http.MethodPost, "/periods/9/session/employees", `{"employeeId":15,"action":"promote"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChangeCompositionMembershipErrors(t *testing.T) {
	service := &stubPayrollService{err: payroll.ErrEmployeeInPeriod}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/session/employees", `{"employeeId":15,"action":"add"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAddNovedadReturnsStagedID(t *testing.T) {
	service := &stubPayrollService{novedad: payroll.Novedad{
		ID:         -1,
		PeriodID:   9,
		EmployeeID: 15,
		Type:       payroll.NovedadBonus,
		Value:      decimal.NewFromInt(250_000),
	}}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/session/novedades",
		`{"employeeId":15,"type":"BONUS","value":"250000"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, payroll.NovedadBonus, service.lastNovedad.Type)
	require.Equal(t, "250000", service.lastNovedad.Value.String())

	var resp struct {
		ID     int64 `json:"id"`
		Staged bool  `json:"staged"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, int64(-1), resp.ID)
	require.True(t, resp.Staged)
}

func TestUpdateNovedadBuildsPatch(t *testing.T) {
	service := &stubPayrollService{novedad: payroll.Novedad{ID: 3, Value: decimal.NewFromInt(80_000)}}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPatch, "/periods/9/session/novedades/3",
		`{"value":"80000","days":2,"startDate":"2026-02-02T00:00:00Z","endDate":"2026-02-04T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(3), service.lastNovedadID)
	require.NotNil(t, service.lastPatch.Value)
	require.Equal(t, "80000", service.lastPatch.Value.String())
	require.NotNil(t, service.lastPatch.Days)
	require.Equal(t, 2, *service.lastPatch.Days)
	require.NotNil(t, service.lastPatch.Dates)
}

func TestRemoveNovedadNotFound(t *testing.T) {
	service := &stubPayrollService{err: payroll.ErrNovedadNotFound}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodDelete, "/periods/9/session/novedades/77", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodDelete, "/periods/9/session/novedades/nope", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPreviewReturnsSessionState(t *testing.T) {
	service := &stubPayrollService{preview: payroll.SessionPreview{PeriodID: 9, UnsavedChanges: true}}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodGet, "/periods/9/preview", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"unsavedChanges":true`)
}

func TestCommitPassesOptions(t *testing.T) {
	service := &stubPayrollService{result: payroll.CommitResult{
		TxID:   uuid.New(),
		Status: payroll.StatusCompleted,
	}}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/commit",
		`{"generateVouchers":true,"sendEmails":true,"justification":"cierre febrero"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, service.lastOpts.GenerateVouchers)
	require.True(t, service.lastOpts.SendEmails)
	require.Equal(t, "cierre febrero", service.lastOpts.Justification)
	require.Contains(t, rr.Body.String(), string(payroll.StatusCompleted))
}

func TestCommitValidationBlockedIsUnprocessable(t *testing.T) {
	service := &stubPayrollService{
		err: payroll.ErrValidationBlocked,
		result: payroll.CommitResult{
			Status:     payroll.StatusRolledBack,
			FailedStep: payroll.StepValidation,
		},
	}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/commit", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), payroll.StepValidation)
}

func TestCommitSagaFailureIsBadGateway(t *testing.T) {
	service := &stubPayrollService{
		err: &payroll.StepError{Step: payroll.StepCalculation, Err: &payroll.GatewayError{Reason: "upstream unavailable"}},
		result: payroll.CommitResult{
			Status:     payroll.StatusRolledBack,
			FailedStep: payroll.StepCalculation,
		},
	}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/commit", `{}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), payroll.StepCalculation)
}

func TestConcurrentCommitConflict(t *testing.T) {
	service := &stubPayrollService{err: payroll.ErrConcurrentCommit}
	router := newTestRouter(service)

	rr := doJSON(t, router, http.MethodPost, "/periods/9/commit", `{}`)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestCommitRateLimited(t *testing.T) {
	service := &stubPayrollService{result: payroll.CommitResult{Status: payroll.StatusCompleted}}
	router := newTestRouter(service)

	last := 0
	for i := 0; i < commitRateLimit+1; i++ {
		rr := doJSON(t, router, http.MethodPost, "/periods/9/commit", `{}`)
		last = rr.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}
