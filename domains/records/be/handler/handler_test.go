package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldserve/backoffice/domains/records/be/service"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

type mockService struct {
	createFn func(ctx context.Context, actx actionctx.ActionContext, input service.CreateInput) (persistence.Hierarchy, error)
	getFn    func(ctx context.Context, rootID uuid.UUID) (persistence.Hierarchy, []lifecycle.RosterEntry, error)
	appendFn func(ctx context.Context, actx actionctx.ActionContext, rootID uuid.UUID, input service.SectionInput) (persistence.Record, error)
}

func (m *mockService) Create(ctx context.Context, actx actionctx.ActionContext, input service.CreateInput) (persistence.Hierarchy, error) {
	if m.createFn == nil {
		panic("createFn not configured")
	}
	return m.createFn(ctx, actx, input)
}

func (m *mockService) Get(ctx context.Context, rootID uuid.UUID) (persistence.Hierarchy, []lifecycle.RosterEntry, error) {
	if m.getFn == nil {
		panic("getFn not configured")
	}
	return m.getFn(ctx, rootID)
}

func (m *mockService) AppendSection(ctx context.Context, actx actionctx.ActionContext, rootID uuid.UUID, input service.SectionInput) (persistence.Record, error) {
	if m.appendFn == nil {
		panic("appendFn not configured")
	}
	return m.appendFn(ctx, actx, rootID, input)
}

func newRouter(t *testing.T, svc service.Service) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(svc, zaptest.NewLogger(t)).Mount(r)
	return r
}

func TestCreateSuccess(t *testing.T) {
	t.Parallel()

	rootID := uuid.New()
	permitNo := 17
	svc := &mockService{}
	svc.createFn = func(ctx context.Context, actx actionctx.ActionContext, input service.CreateInput) (persistence.Hierarchy, error) {
		require.Equal(t, lifecycle.KindWorkPermit, input.Kind)
		require.Equal(t, []string{"A1"}, input.ApproverCodes)
		require.Len(t, input.Sections, 1)
		return persistence.Hierarchy{
			Root: persistence.Record{
				ID:           rootID,
				Kind:         lifecycle.KindWorkPermit,
				PermitNo:     &permitNo,
				WorkStatus:   lifecycle.WorkAssigned,
				PermitStatus: lifecycle.ApprovalPending,
			},
		}, nil
	}

	router := newRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/records", strings.NewReader(`{
		"kind": "WORK_PERMIT",
		"approvers": ["A1"],
		"sections": [{"details": [{"questionId": "`+uuid.NewString()+`"}]}]
	}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/records/"+rootID.String(), rec.Header().Get("Location"))

	var body hierarchyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, rootID, body.Record.ID)
	require.NotNil(t, body.Record.PermitNo)
	require.Equal(t, 17, *body.Record.PermitNo)
}

func TestCreateValidationError(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	svc.createFn = func(ctx context.Context, actx actionctx.ActionContext, input service.CreateInput) (persistence.Hierarchy, error) {
		return persistence.Hierarchy{}, &service.ValidationError{Fields: service.FieldErrors{
			"approvers": {"at least one approver is required"},
		}}
	}

	router := newRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/records", strings.NewReader(`{"kind":"WORK_PERMIT"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errs, ok := body["errors"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, errs, "approvers")
}

func TestGetWithRoster(t *testing.T) {
	t.Parallel()

	rootID := uuid.New()
	sectionID := uuid.New()
	svc := &mockService{}
	svc.getFn = func(ctx context.Context, id uuid.UUID) (persistence.Hierarchy, []lifecycle.RosterEntry, error) {
		require.Equal(t, rootID, id)
		return persistence.Hierarchy{
				Root:     persistence.Record{ID: rootID, Kind: lifecycle.KindWorkPermit},
				Children: []persistence.Record{{ID: sectionID, ParentID: &rootID, SeqNo: 1}},
				Details: map[uuid.UUID][]persistence.RecordDetail{
					sectionID: {{ID: uuid.New(), RecordID: sectionID, Answer: "ok"}},
				},
			}, []lifecycle.RosterEntry{
				{Code: "A1", Name: "Alice", Role: lifecycle.RoleApprover, Status: lifecycle.ApprovalApproved},
			}, nil
	}

	router := newRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/records/"+rootID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body hierarchyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sections, 1)
	require.Len(t, body.Sections[0].Details, 1)
	require.Len(t, body.Roster, 1)
	require.Equal(t, "APPROVED", body.Roster[0].Status)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	svc.getFn = func(ctx context.Context, id uuid.UUID) (persistence.Hierarchy, []lifecycle.RosterEntry, error) {
		return persistence.Hierarchy{}, nil, service.ErrNotFound
	}

	router := newRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/records/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppendSectionParentTerminal(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	svc.appendFn = func(ctx context.Context, actx actionctx.ActionContext, rootID uuid.UUID, input service.SectionInput) (persistence.Record, error) {
		return persistence.Record{}, service.ErrParentTerminal
	}

	router := newRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/records/"+uuid.NewString()+"/sections",
		strings.NewReader(`{"seqno": 4}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAppendSectionSuccess(t *testing.T) {
	t.Parallel()

	rootID := uuid.New()
	svc := &mockService{}
	svc.appendFn = func(ctx context.Context, actx actionctx.ActionContext, id uuid.UUID, input service.SectionInput) (persistence.Record, error) {
		require.Equal(t, rootID, id)
		require.Equal(t, 2, input.SeqNo)
		return persistence.Record{ID: uuid.New(), ParentID: &rootID, SeqNo: 2}, nil
	}

	router := newRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/records/"+rootID.String()+"/sections",
		strings.NewReader(`{"seqno": 2}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var body recordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.SeqNo)
}
