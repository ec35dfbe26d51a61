package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RenderRequest identifies the document a collaborator should produce for a
// record. The engine passes it through untouched; template choice, layout and
// storage belong to the rendering collaborator.
type RenderRequest struct {
	RecordID uuid.UUID `json:"record_id"`
	ClientID uuid.UUID `json:"client_id"`
}

// Renderer produces the printable document for a record, typically the
// approved permit handed to the field crew. The returned bytes are opaque to
// the engine.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// LogRenderer logs render requests and returns no document. Used when no
// rendering collaborator is configured (local development, tests).
type LogRenderer struct {
	logger *zap.Logger
}

// NewLogRenderer builds a log-only renderer.
func NewLogRenderer(logger *zap.Logger) *LogRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRenderer{logger: logger}
}

// Render logs the request and always succeeds with an empty document.
func (r *LogRenderer) Render(_ context.Context, req RenderRequest) ([]byte, error) {
	r.logger.Info("render requested",
		zap.String("record_id", req.RecordID.String()),
		zap.String("client_id", req.ClientID.String()),
	)
	return nil, nil
}
