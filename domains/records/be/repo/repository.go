package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// Repository defines the persistence operations required by the records service.
type Repository interface {
	CreateHierarchy(ctx context.Context, actx actionctx.ActionContext, params persistence.CreateHierarchyParams) (persistence.Hierarchy, error)
	AppendChild(ctx context.Context, actx actionctx.ActionContext, parentID uuid.UUID, child persistence.ChildInput) (persistence.Record, error)
	FetchHierarchy(ctx context.Context, rootID uuid.UUID) (persistence.Hierarchy, error)
	GetRoster(ctx context.Context, recordID uuid.UUID) ([]lifecycle.RosterEntry, error)
	ResolveActorNames(ctx context.Context, codes []string) (map[string]string, error)
}

type postgresRepository struct {
	store *persistence.RecordStore
	alloc *persistence.SequenceAllocator
}

// NewPostgresRepository constructs a repository backed by the shared record
// store and permit allocator.
func NewPostgresRepository(store *persistence.RecordStore, alloc *persistence.SequenceAllocator) Repository {
	if store == nil {
		panic("record store is required")
	}
	if alloc == nil {
		panic("sequence allocator is required")
	}
	return &postgresRepository{store: store, alloc: alloc}
}

func (r *postgresRepository) CreateHierarchy(ctx context.Context, actx actionctx.ActionContext, params persistence.CreateHierarchyParams) (persistence.Hierarchy, error) {
	return r.store.CreateHierarchy(ctx, actx, r.alloc, params)
}

func (r *postgresRepository) AppendChild(ctx context.Context, actx actionctx.ActionContext, parentID uuid.UUID, child persistence.ChildInput) (persistence.Record, error) {
	return r.store.AppendChild(ctx, actx, parentID, child)
}

func (r *postgresRepository) FetchHierarchy(ctx context.Context, rootID uuid.UUID) (persistence.Hierarchy, error) {
	return r.store.FetchHierarchy(ctx, rootID)
}

func (r *postgresRepository) GetRoster(ctx context.Context, recordID uuid.UUID) ([]lifecycle.RosterEntry, error) {
	return r.store.ListRoster(ctx, nil, recordID)
}

func (r *postgresRepository) ResolveActorNames(ctx context.Context, codes []string) (map[string]string, error) {
	return r.store.ResolveActorNames(ctx, codes)
}
