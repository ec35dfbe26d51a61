package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// ActionTx exposes the reads and writes available to one workflow action
// while the record's row lock is held. Everything requested through it lands
// in the same transaction, so a crash can never leave roster and statuses
// inconsistent.
type ActionTx interface {
	Record() persistence.Record
	Roster() ([]lifecycle.RosterEntry, error)
	SaveVote(code string, role lifecycle.ActorRole, status lifecycle.ApprovalStatus, decidedAt time.Time) error
	ResetVerifiers() error
	SaveState(params persistence.WorkflowStateParams) error
	UnansweredMandatory() (int, error)
}

// Repository defines the persistence operations required by the workflow service.
type Repository interface {
	// RunWorkflowAction executes fn under the record's row lock in one transaction.
	RunWorkflowAction(ctx context.Context, recordID uuid.UUID, fn func(ActionTx) error) error
	GetRecord(ctx context.Context, id uuid.UUID) (persistence.Record, error)
	GetRoster(ctx context.Context, recordID uuid.UUID) ([]lifecycle.RosterEntry, error)
	AppendRemark(ctx context.Context, recordID uuid.UUID, text string) error
}

type postgresRepository struct {
	store *persistence.RecordStore
}

// NewPostgresRepository constructs a repository backed by the shared record store.
func NewPostgresRepository(store *persistence.RecordStore) Repository {
	if store == nil {
		panic("record store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) RunWorkflowAction(ctx context.Context, recordID uuid.UUID, fn func(ActionTx) error) error {
	return r.store.WithRecordLock(ctx, recordID, func(tx pgx.Tx, record persistence.Record) error {
		return fn(&pgActionTx{ctx: ctx, tx: tx, store: r.store, record: record})
	})
}

func (r *postgresRepository) GetRecord(ctx context.Context, id uuid.UUID) (persistence.Record, error) {
	return r.store.GetRecord(ctx, id)
}

func (r *postgresRepository) GetRoster(ctx context.Context, recordID uuid.UUID) ([]lifecycle.RosterEntry, error) {
	return r.store.ListRoster(ctx, nil, recordID)
}

func (r *postgresRepository) AppendRemark(ctx context.Context, recordID uuid.UUID, text string) error {
	return r.store.AppendRemark(ctx, recordID, text)
}

type pgActionTx struct {
	ctx    context.Context
	tx     pgx.Tx
	store  *persistence.RecordStore
	record persistence.Record
}

func (a *pgActionTx) Record() persistence.Record {
	return a.record
}

func (a *pgActionTx) Roster() ([]lifecycle.RosterEntry, error) {
	return a.store.ListRoster(a.ctx, a.tx, a.record.ID)
}

func (a *pgActionTx) SaveVote(code string, role lifecycle.ActorRole, status lifecycle.ApprovalStatus, decidedAt time.Time) error {
	return a.store.SaveVote(a.ctx, a.tx, a.record.ID, code, role, status, decidedAt)
}

func (a *pgActionTx) ResetVerifiers() error {
	return a.store.ResetVerifierRoster(a.ctx, a.tx, a.record.ID)
}

func (a *pgActionTx) SaveState(params persistence.WorkflowStateParams) error {
	return a.store.UpdateWorkflowState(a.ctx, a.tx, a.record.ID, params)
}

func (a *pgActionTx) UnansweredMandatory() (int, error) {
	return a.store.CountUnansweredMandatory(a.ctx, a.tx, a.record.ID)
}
