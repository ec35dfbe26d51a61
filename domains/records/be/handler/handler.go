package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/records/be/service"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	platformlogging "github.com/fieldserve/backoffice/platform/go/logging"
	"github.com/fieldserve/backoffice/platform/go/persistence"
	"github.com/fieldserve/backoffice/platform/go/problem"
)

const (
	problemTypeValidation = "https://fieldserve.io/problems/validation-error"
	problemTypeNotFound   = "https://fieldserve.io/problems/not-found"
	problemTypeConflict   = "https://fieldserve.io/problems/conflict"
	problemTypeInternal   = "https://fieldserve.io/problems/internal-error"
)

type operation string

const (
	createOperation  operation = "recordsCreate"
	getOperation     operation = "recordsGet"
	sectionOperation operation = "recordsAppendSection"
)

// Handler wires the records service to its HTTP routes.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("records service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Mount registers the record routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/records", h.create)
	r.Get("/records/{recordId}", h.get)
	r.Post("/records/{recordId}/sections", h.appendSection)
}

type detailRequest struct {
	CorrelationID   *uuid.UUID `json:"correlationId,omitempty"`
	QuestionID      uuid.UUID  `json:"questionId"`
	SeqNo           int        `json:"seqno,omitempty"`
	Answer          string     `json:"answer,omitempty"`
	MinValue        *float64   `json:"minValue,omitempty"`
	MaxValue        *float64   `json:"maxValue,omitempty"`
	Options         string     `json:"options,omitempty"`
	Mandatory       bool       `json:"mandatory,omitempty"`
	AlertFlag       bool       `json:"alertFlag,omitempty"`
	AttachmentCount int        `json:"attachmentCount,omitempty"`
}

type sectionRequest struct {
	CorrelationID *uuid.UUID      `json:"correlationId,omitempty"`
	SeqNo         int             `json:"seqno,omitempty"`
	TemplateID    *uuid.UUID      `json:"templateId,omitempty"`
	Remarks       string          `json:"remarks,omitempty"`
	Details       []detailRequest `json:"details,omitempty"`
}

type createRequest struct {
	Kind          string           `json:"kind"`
	CorrelationID *uuid.UUID       `json:"correlationId,omitempty"`
	PlannedStart  *time.Time       `json:"plannedStart,omitempty"`
	PlannedEnd    *time.Time       `json:"plannedEnd,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	AssetID       *uuid.UUID       `json:"assetId,omitempty"`
	LocationID    *uuid.UUID       `json:"locationId,omitempty"`
	VendorID      *uuid.UUID       `json:"vendorId,omitempty"`
	TemplateID    *uuid.UUID       `json:"templateId,omitempty"`
	Remarks       string           `json:"remarks,omitempty"`
	Approvers     []string         `json:"approvers,omitempty"`
	Verifiers     []string         `json:"verifiers,omitempty"`
	Sections      []sectionRequest `json:"sections,omitempty"`
}

type detailResponse struct {
	ID              uuid.UUID `json:"id"`
	QuestionID      uuid.UUID `json:"questionId"`
	SeqNo           int       `json:"seqno"`
	Answer          string    `json:"answer"`
	MinValue        *float64  `json:"minValue,omitempty"`
	MaxValue        *float64  `json:"maxValue,omitempty"`
	Options         string    `json:"options,omitempty"`
	Mandatory       bool      `json:"mandatory"`
	AlertFlag       bool      `json:"alertFlag"`
	AttachmentCount int       `json:"attachmentCount"`
}

type recordResponse struct {
	ID             uuid.UUID        `json:"id"`
	CorrelationID  uuid.UUID        `json:"correlationId"`
	Kind           string           `json:"kind"`
	SeqNo          int              `json:"seqno"`
	PermitNo       *int             `json:"permitNo,omitempty"`
	WorkStatus     string           `json:"workStatus"`
	PermitStatus   string           `json:"permitStatus"`
	VerifierStatus string           `json:"verifierStatus"`
	PlannedStart   *time.Time       `json:"plannedStart,omitempty"`
	PlannedEnd     *time.Time       `json:"plannedEnd,omitempty"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
	AssetID        *uuid.UUID       `json:"assetId,omitempty"`
	LocationID     *uuid.UUID       `json:"locationId,omitempty"`
	VendorID       *uuid.UUID       `json:"vendorId,omitempty"`
	TemplateID     *uuid.UUID       `json:"templateId,omitempty"`
	Remarks        string           `json:"remarks,omitempty"`
	CancelReason   string           `json:"cancelReason,omitempty"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
	ClosedAt       *time.Time       `json:"closedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Details        []detailResponse `json:"details,omitempty"`
}

type rosterEntryResponse struct {
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

type hierarchyResponse struct {
	Record   recordResponse        `json:"record"`
	Sections []recordResponse      `json:"sections,omitempty"`
	Roster   []rosterEntryResponse `json:"roster,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	actx := actionctx.FromContextOrSystem(r.Context())
	hierarchy, err := h.svc.Create(r.Context(), actx, toCreateInput(body))
	if err != nil {
		h.writeError(r.Context(), w, err, createOperation)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/records/%s", hierarchy.Root.ID))
	h.writeJSON(w, http.StatusCreated, toHierarchyResponse(hierarchy, nil))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordId"))
	if err != nil {
		problem.Write(w, problem.New("Validation failed", "recordId must be a UUID", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	hierarchy, roster, svcErr := h.svc.Get(r.Context(), recordID)
	if svcErr != nil {
		h.writeError(r.Context(), w, svcErr, getOperation)
		return
	}

	h.writeJSON(w, http.StatusOK, toHierarchyResponse(hierarchy, roster))
}

func (h *Handler) appendSection(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordId"))
	if err != nil {
		problem.Write(w, problem.New("Validation failed", "recordId must be a UUID", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	var body sectionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	actx := actionctx.FromContextOrSystem(r.Context())
	record, svcErr := h.svc.AppendSection(r.Context(), actx, recordID, toSectionInput(body))
	if svcErr != nil {
		h.writeError(r.Context(), w, svcErr, sectionOperation)
		return
	}

	h.writeJSON(w, http.StatusCreated, toRecordResponse(record, nil))
}

func toCreateInput(body createRequest) service.CreateInput {
	input := service.CreateInput{
		Kind:         lifecycle.RecordKind(body.Kind),
		PlannedStart: body.PlannedStart,
		PlannedEnd:   body.PlannedEnd,
		ExpiresAt:    body.ExpiresAt,
		AssetID:      body.AssetID,
		LocationID:   body.LocationID,
		VendorID:     body.VendorID,
		TemplateID:   body.TemplateID,
		Remarks:      body.Remarks,
	}
	if body.CorrelationID != nil {
		input.CorrelationID = *body.CorrelationID
	}
	input.ApproverCodes = append(input.ApproverCodes, body.Approvers...)
	input.VerifierCodes = append(input.VerifierCodes, body.Verifiers...)
	for _, section := range body.Sections {
		input.Sections = append(input.Sections, toSectionInput(section))
	}
	return input
}

func toSectionInput(body sectionRequest) service.SectionInput {
	section := service.SectionInput{
		SeqNo:      body.SeqNo,
		TemplateID: body.TemplateID,
		Remarks:    body.Remarks,
	}
	if body.CorrelationID != nil {
		section.CorrelationID = *body.CorrelationID
	}
	for _, detail := range body.Details {
		input := service.DetailInput{
			QuestionID:      detail.QuestionID,
			SeqNo:           detail.SeqNo,
			Answer:          detail.Answer,
			MinValue:        detail.MinValue,
			MaxValue:        detail.MaxValue,
			Options:         detail.Options,
			Mandatory:       detail.Mandatory,
			AlertFlag:       detail.AlertFlag,
			AttachmentCount: detail.AttachmentCount,
		}
		if detail.CorrelationID != nil {
			input.CorrelationID = *detail.CorrelationID
		}
		section.Details = append(section.Details, input)
	}
	return section
}

func toHierarchyResponse(hierarchy persistence.Hierarchy, roster []lifecycle.RosterEntry) hierarchyResponse {
	resp := hierarchyResponse{
		Record: toRecordResponse(hierarchy.Root, hierarchy.Details[hierarchy.Root.ID]),
	}
	for _, child := range hierarchy.Children {
		resp.Sections = append(resp.Sections, toRecordResponse(child, hierarchy.Details[child.ID]))
	}
	for _, entry := range roster {
		resp.Roster = append(resp.Roster, rosterEntryResponse{
			Code:      entry.Code,
			Name:      entry.Name,
			Role:      string(entry.Role),
			Status:    string(entry.Status),
			DecidedAt: entry.DecidedAt,
		})
	}
	return resp
}

func toRecordResponse(record persistence.Record, details []persistence.RecordDetail) recordResponse {
	resp := recordResponse{
		ID:             record.ID,
		CorrelationID:  record.CorrelationID,
		Kind:           string(record.Kind),
		SeqNo:          record.SeqNo,
		PermitNo:       record.PermitNo,
		WorkStatus:     string(record.WorkStatus),
		PermitStatus:   string(record.PermitStatus),
		VerifierStatus: string(record.VerifierStatus),
		PlannedStart:   record.PlannedStart,
		PlannedEnd:     record.PlannedEnd,
		ExpiresAt:      record.ExpiresAt,
		AssetID:        record.AssetID,
		LocationID:     record.LocationID,
		VendorID:       record.VendorID,
		TemplateID:     record.TemplateID,
		Remarks:        record.Remarks,
		CancelReason:   record.CancelReason,
		StartedAt:      record.StartedAt,
		EndedAt:        record.EndedAt,
		ClosedAt:       record.ClosedAt,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
	for _, detail := range details {
		resp.Details = append(resp.Details, detailResponse{
			ID:              detail.ID,
			QuestionID:      detail.QuestionID,
			SeqNo:           detail.SeqNo,
			Answer:          detail.Answer,
			MinValue:        detail.MinValue,
			MaxValue:        detail.MaxValue,
			Options:         detail.Options,
			Mandatory:       detail.Mandatory,
			AlertFlag:       detail.AlertFlag,
			AttachmentCount: detail.AttachmentCount,
		})
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error, op operation) {
	status, title, detail, problemType, fields := h.classifyError(err)

	logger := h.loggerFrom(ctx)
	fieldsForLog := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("records operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("record not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("records request rejected", append(fieldsForLog, zap.Error(err))...)
	}

	problem.Write(w, problem.New(title, detail, problemType, status, fields))
}

func (h *Handler) classifyError(err error) (status int, title, detail, problemType string, fieldErrors map[string][]string) {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest,
			"Validation failed",
			"one or more fields are invalid",
			problemTypeValidation,
			validationErr.Fields
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound,
			"Resource not found",
			"record not found",
			problemTypeNotFound,
			nil
	case errors.Is(err, service.ErrParentTerminal):
		return http.StatusConflict,
			"Parent record is terminal",
			"sections cannot be added once the record is closed or cancelled",
			problemTypeConflict,
			nil
	case errors.Is(err, persistence.ErrSequenceConflict):
		return http.StatusConflict,
			"Sequence conflict",
			"permit allocation is contended, retry the request",
			problemTypeConflict,
			nil
	case errors.Is(err, persistence.ErrIntegrityViolation):
		return http.StatusConflict,
			"Conflict",
			"a record with the same identity already exists",
			problemTypeConflict,
			nil
	default:
		return http.StatusInternalServerError,
			"Internal server error",
			"an unexpected error occurred",
			problemTypeInternal,
			nil
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
