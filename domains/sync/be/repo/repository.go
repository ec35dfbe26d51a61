package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// BatchTx exposes the upsert primitives available inside one sync
// transaction: the shared transaction for a batch's simple entries, or the
// per-group transaction of a compound root.
type BatchTx interface {
	GetByCorrelationID(correlationID uuid.UUID) (persistence.Record, error)
	InsertRoot(actx actionctx.ActionContext, input persistence.RecordInput, allocatePermit bool) (persistence.Record, error)
	UpdateFromSync(id uuid.UUID, params persistence.SyncUpdateParams) error
	UpsertDetail(recordID uuid.UUID, input persistence.DetailInput) (persistence.RecordDetail, error)
	// InsertChild requires parent to be the locked row returned by
	// GetByCorrelationID on this same transaction.
	InsertChild(actx actionctx.ActionContext, parent persistence.Record, child persistence.ChildInput) (persistence.Record, error)
}

// Repository defines the persistence operations required by the sync gateway.
type Repository interface {
	// WithBatchTx runs fn inside one transaction. Any error aborts every
	// write fn made.
	WithBatchTx(ctx context.Context, fn func(tx BatchTx) error) error
	CreateHierarchy(ctx context.Context, actx actionctx.ActionContext, params persistence.CreateHierarchyParams) (persistence.Hierarchy, error)
	GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (persistence.Record, error)
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

func (r *postgresRepository) WithBatchTx(ctx context.Context, fn func(tx BatchTx) error) error {
	return r.store.WithBatchTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgBatchTx{ctx: ctx, tx: tx, store: r.store, alloc: r.alloc})
	})
}

func (r *postgresRepository) CreateHierarchy(ctx context.Context, actx actionctx.ActionContext, params persistence.CreateHierarchyParams) (persistence.Hierarchy, error) {
	return r.store.CreateHierarchy(ctx, actx, r.alloc, params)
}

func (r *postgresRepository) GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (persistence.Record, error) {
	return r.store.GetByCorrelationID(ctx, correlationID)
}

func (r *postgresRepository) ResolveActorNames(ctx context.Context, codes []string) (map[string]string, error) {
	return r.store.ResolveActorNames(ctx, codes)
}

type pgBatchTx struct {
	ctx   context.Context
	tx    pgx.Tx
	store *persistence.RecordStore
	alloc *persistence.SequenceAllocator
}

func (b *pgBatchTx) GetByCorrelationID(correlationID uuid.UUID) (persistence.Record, error) {
	return b.store.GetByCorrelationIDForUpdate(b.ctx, b.tx, correlationID)
}

func (b *pgBatchTx) InsertRoot(actx actionctx.ActionContext, input persistence.RecordInput, allocatePermit bool) (persistence.Record, error) {
	return b.store.InsertRoot(b.ctx, b.tx, actx, b.alloc, input, allocatePermit)
}

func (b *pgBatchTx) UpdateFromSync(id uuid.UUID, params persistence.SyncUpdateParams) error {
	return b.store.UpdateFromSync(b.ctx, b.tx, id, params)
}

func (b *pgBatchTx) UpsertDetail(recordID uuid.UUID, input persistence.DetailInput) (persistence.RecordDetail, error) {
	return b.store.UpsertDetail(b.ctx, b.tx, recordID, input)
}

func (b *pgBatchTx) InsertChild(actx actionctx.ActionContext, parent persistence.Record, child persistence.ChildInput) (persistence.Record, error) {
	return b.store.InsertChild(b.ctx, b.tx, actx, parent, child)
}
