package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/escalation/be/service"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	platformlogging "github.com/fieldserve/backoffice/platform/go/logging"
	"github.com/fieldserve/backoffice/platform/go/problem"
)

const (
	problemTypeValidation = "https://fieldserve.io/problems/validation-error"
	problemTypeNotFound   = "https://fieldserve.io/problems/not-found"
	problemTypeInternal   = "https://fieldserve.io/problems/internal-error"
)

// Handler wires the escalation service to its HTTP routes.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("escalation service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Mount registers the escalation routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/escalations/rules", h.lookup)
	r.Put("/escalations/rules", h.save)
}

type ruleResponse struct {
	Category       string `json:"category"`
	Level          int    `json:"level"`
	FrequencyUnit  string `json:"frequencyUnit"`
	FrequencyValue int    `json:"frequencyValue"`
	AssigneeCode   string `json:"assigneeCode"`
}

type ruleRequest struct {
	Category       string `json:"category"`
	Level          int    `json:"level"`
	FrequencyUnit  string `json:"frequencyUnit"`
	FrequencyValue int    `json:"frequencyValue"`
	AssigneeCode   string `json:"assigneeCode"`
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	level := 1
	if raw := r.URL.Query().Get("level"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			problem.Write(w, problem.New("Validation failed", "level must be an integer", problemTypeValidation, http.StatusBadRequest, nil))
			return
		}
		level = parsed
	}

	rule, err := h.svc.Lookup(r.Context(), actionctx.FromContextOrSystem(r.Context()), category, level)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	var body ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.New("Invalid request body", "request body must be valid JSON", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	rule, err := h.svc.Save(r.Context(), actionctx.FromContextOrSystem(r.Context()), service.Rule{
		Category:       body.Category,
		Level:          body.Level,
		FrequencyUnit:  body.FrequencyUnit,
		FrequencyValue: body.FrequencyValue,
		AssigneeCode:   body.AssigneeCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

func toRuleResponse(rule service.Rule) ruleResponse {
	return ruleResponse{
		Category:       rule.Category,
		Level:          rule.Level,
		FrequencyUnit:  rule.FrequencyUnit,
		FrequencyValue: rule.FrequencyValue,
		AssigneeCode:   rule.AssigneeCode,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := platformlogging.FromRequest(r, h.logger)

	var validationErr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrRuleNotFound):
		logger.Info("escalation rule not found", zap.Error(err))
		problem.Write(w, problem.New("Resource not found", "no escalation rule for this scope", problemTypeNotFound, http.StatusNotFound, nil))
	case errors.As(err, &validationErr):
		logger.Warn("escalation request rejected", zap.Error(err))
		problem.Write(w, problem.New("Validation failed", validationErr.Reason, problemTypeValidation, http.StatusBadRequest, nil))
	default:
		logger.Error("escalation operation failed", zap.Error(err))
		problem.Write(w, problem.New("Internal server error", "an unexpected error occurred", problemTypeInternal, http.StatusInternalServerError, nil))
	}
}
