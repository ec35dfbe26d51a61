package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/sync/be/service"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	platformlogging "github.com/fieldserve/backoffice/platform/go/logging"
	"github.com/fieldserve/backoffice/platform/go/problem"
)

const problemTypeValidation = "https://fieldserve.io/problems/validation-error"

// Handler wires the sync gateway to its HTTP route.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("sync service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Mount registers the sync route on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/sync", h.ingest)
}

type ingestRequest struct {
	Batch []json.RawMessage `json:"batch"`
}

// envelope is the device-facing response contract. Offline clients key their
// retry logic off rc, so its semantics are frozen: 0 means every entry
// applied, anything else means consult msg and traceback.
type envelope struct {
	RC          int         `json:"rc"`
	RecordCount int         `json:"recordcount"`
	Msg         string      `json:"msg"`
	Traceback   string      `json:"traceback"`
	UUIDs       []uuid.UUID `json:"uuids"`
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var body ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}
	if len(body.Batch) == 0 {
		problem.Write(w, problem.New("Validation failed", "batch must contain at least one entry", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	result, err := h.svc.Ingest(r.Context(), actionctx.FromContextOrSystem(r.Context()), body.Batch)
	if err != nil {
		h.loggerFrom(r).Error("sync ingest failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, envelope{
			RC:        1,
			Msg:       "ingestion failed",
			Traceback: err.Error(),
			UUIDs:     []uuid.UUID{},
		})
		return
	}

	h.writeJSON(w, http.StatusOK, toEnvelope(result))
}

func toEnvelope(result service.Result) envelope {
	resp := envelope{
		RecordCount: len(result.Applied),
		Msg:         "ok",
		Traceback:   "NA",
		UUIDs:       result.Applied,
	}
	if resp.UUIDs == nil {
		resp.UUIDs = []uuid.UUID{}
	}

	if len(result.Rejected) > 0 {
		resp.RC = 1
		resp.Msg = fmt.Sprintf("%d entries rejected", len(result.Rejected))

		reasons := make([]string, 0, len(result.Rejected))
		for _, rejection := range result.Rejected {
			reasons = append(reasons, rejection.CorrelationID+": "+rejection.Reason)
		}
		resp.Traceback = strings.Join(reasons, "; ")
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

func (h *Handler) loggerFrom(r *http.Request) *zap.Logger {
	return platformlogging.FromRequest(r, h.logger)
}
