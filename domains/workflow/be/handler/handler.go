package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/workflow/be/consensus"
	"github.com/fieldserve/backoffice/domains/workflow/be/service"
	"github.com/fieldserve/backoffice/domains/workflow/be/statemachine"
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
	voteOperation       operation = "workflowVote"
	transitionOperation operation = "workflowTransition"
	reopenOperation     operation = "workflowReopen"
	remarkOperation     operation = "workflowRemark"
	stateOperation      operation = "workflowState"
)

// Handler wires the workflow service to its HTTP routes.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("workflow service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Mount registers the workflow routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/records/{recordId}/votes", h.vote)
	r.Post("/records/{recordId}/transitions", h.transition)
	r.Post("/records/{recordId}/reopen", h.reopen)
	r.Post("/records/{recordId}/remarks", h.remark)
	r.Get("/records/{recordId}/state", h.state)
}

type voteRequest struct {
	Role     string `json:"role"`
	Decision string `json:"decision"`
	Remark   string `json:"remark,omitempty"`
}

type transitionRequest struct {
	Event        string `json:"event"`
	CancelReason string `json:"cancelReason,omitempty"`
	Remark       string `json:"remark,omitempty"`
}

type remarkRequest struct {
	Remark string `json:"remark"`
}

type rosterEntryResponse struct {
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

type stateResponse struct {
	RecordID       uuid.UUID             `json:"recordId"`
	WorkStatus     string                `json:"workStatus"`
	PermitStatus   string                `json:"permitStatus"`
	VerifierStatus string                `json:"verifierStatus"`
	Roster         []rosterEntryResponse `json:"roster,omitempty"`
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}

	var body voteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	state, err := h.svc.Vote(r.Context(), actionctx.FromContextOrSystem(r.Context()), service.VoteInput{
		RecordID: recordID,
		Role:     lifecycle.ActorRole(body.Role),
		Decision: lifecycle.ApprovalStatus(body.Decision),
		Remark:   body.Remark,
	})
	if err != nil {
		h.writeError(r.Context(), w, err, voteOperation)
		return
	}

	h.writeJSON(w, http.StatusOK, toStateResponse(state))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}

	var body transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	state, err := h.svc.Transition(r.Context(), actionctx.FromContextOrSystem(r.Context()), service.TransitionInput{
		RecordID:     recordID,
		Event:        statemachine.Event(body.Event),
		CancelReason: body.CancelReason,
		Remark:       body.Remark,
	})
	if err != nil {
		h.writeError(r.Context(), w, err, transitionOperation)
		return
	}

	h.writeJSON(w, http.StatusOK, toStateResponse(state))
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}

	state, err := h.svc.Reopen(r.Context(), actionctx.FromContextOrSystem(r.Context()), recordID)
	if err != nil {
		h.writeError(r.Context(), w, err, reopenOperation)
		return
	}

	h.writeJSON(w, http.StatusOK, toStateResponse(state))
}

func (h *Handler) remark(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}

	var body remarkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	if err := h.svc.AppendRemark(r.Context(), actionctx.FromContextOrSystem(r.Context()), recordID, body.Remark); err != nil {
		h.writeError(r.Context(), w, err, remarkOperation)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.recordID(w, r)
	if !ok {
		return
	}

	state, err := h.svc.State(r.Context(), recordID)
	if err != nil {
		h.writeError(r.Context(), w, err, stateOperation)
		return
	}

	h.writeJSON(w, http.StatusOK, toStateResponse(state))
}

func (h *Handler) recordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "recordId"))
	if err != nil {
		problem.Write(w, problem.New("Validation failed", "recordId must be a UUID", problemTypeValidation, http.StatusBadRequest, nil))
		return uuid.Nil, false
	}
	return id, true
}

func toStateResponse(state service.RecordState) stateResponse {
	resp := stateResponse{
		RecordID:       state.RecordID,
		WorkStatus:     string(state.WorkStatus),
		PermitStatus:   string(state.PermitStatus),
		VerifierStatus: string(state.VerifierStatus),
	}
	for _, entry := range state.Roster {
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
		logger.Error("workflow operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("workflow record not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("workflow request rejected", append(fieldsForLog, zap.Error(err))...)
	}

	problem.Write(w, problem.New(title, detail, problemType, status, fields))
}

func (h *Handler) classifyError(err error) (status int, title, detail, problemType string, fieldErrors map[string][]string) {
	var validationErr *service.ValidationError
	var illegalErr *statemachine.IllegalTransitionError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest,
			"Validation failed",
			"one or more fields are invalid",
			problemTypeValidation,
			validationErr.Fields
	case errors.As(err, &illegalErr):
		return http.StatusConflict,
			"Illegal transition",
			illegalErr.Error(),
			problemTypeConflict,
			nil
	case errors.Is(err, consensus.ErrNotAnAuthorizedVoter):
		return http.StatusForbidden,
			"Not an authorized voter",
			"the acting user is not on the record's roster",
			problemTypeValidation,
			nil
	case errors.Is(err, consensus.ErrAlreadyDecided):
		return http.StatusConflict,
			"Vote already recorded",
			"this actor already cast a final decision",
			problemTypeConflict,
			nil
	case errors.Is(err, service.ErrNotReopenable):
		return http.StatusConflict,
			"Not reopenable",
			"only records with a rejected verifier path can be reopened",
			problemTypeConflict,
			nil
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound,
			"Resource not found",
			"record not found",
			problemTypeNotFound,
			nil
	case errors.Is(err, persistence.ErrSequenceConflict):
		return http.StatusConflict,
			"Sequence conflict",
			"permit allocation is contended, retry the request",
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
