package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// Repository defines the rule storage operations the escalation service needs.
type Repository interface {
	GetRule(ctx context.Context, clientID, siteID uuid.UUID, category string, level int) (persistence.EscalationRule, error)
	UpsertRule(ctx context.Context, rule persistence.EscalationRule) (persistence.EscalationRule, error)
}

type postgresRepository struct {
	store *persistence.EscalationStore
}

// NewPostgresRepository constructs a repository backed by the escalation store.
func NewPostgresRepository(store *persistence.EscalationStore) Repository {
	if store == nil {
		panic("escalation store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) GetRule(ctx context.Context, clientID, siteID uuid.UUID, category string, level int) (persistence.EscalationRule, error) {
	return r.store.GetRule(ctx, clientID, siteID, category, level)
}

func (r *postgresRepository) UpsertRule(ctx context.Context, rule persistence.EscalationRule) (persistence.EscalationRule, error) {
	return r.store.UpsertRule(ctx, rule)
}
