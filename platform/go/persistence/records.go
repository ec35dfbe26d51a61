package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

// Record mirrors the records table: one row per root or section child,
// shared by all three record kinds.
type Record struct {
	ID              uuid.UUID
	CorrelationID   uuid.UUID
	ClientID        uuid.UUID
	SiteID          uuid.UUID
	Kind            lifecycle.RecordKind
	ParentID        *uuid.UUID
	SeqNo           int
	PermitNo        *int
	WorkStatus      lifecycle.WorkStatus
	PermitStatus    lifecycle.ApprovalStatus
	VerifierStatus  lifecycle.ApprovalStatus
	PlannedStart    *time.Time
	PlannedEnd      *time.Time
	ExpiresAt       *time.Time
	TZOffsetMinutes int
	AssetID         *uuid.UUID
	LocationID      *uuid.UUID
	VendorID        *uuid.UUID
	TemplateID      *uuid.UUID
	Remarks         string
	CancelReason    string
	StartedAt       *time.Time
	EndedAt         *time.Time
	ClosedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RecordDetail is one answer row inside a section record, unique per
// (record, question).
type RecordDetail struct {
	ID              uuid.UUID
	RecordID        uuid.UUID
	CorrelationID   uuid.UUID
	QuestionID      uuid.UUID
	SeqNo           int
	Answer          string
	MinValue        *float64
	MaxValue        *float64
	Options         string
	Mandatory       bool
	AlertFlag       bool
	AttachmentCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Hierarchy bundles a root with its ordered section children and their
// ordered answer rows.
type Hierarchy struct {
	Root     Record
	Children []Record
	Details  map[uuid.UUID][]RecordDetail // keyed by owning record id, root included
}

// RecordStore persists the record hierarchy, the typed vote roster and the
// per-scope permit counters.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore ensures the backing tables exist and returns a store instance.
func NewRecordStore(ctx context.Context, pool *pgxpool.Pool) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	store := &RecordStore{pool: pool}
	if err := store.ensureTables(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *RecordStore) ensureTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id UUID PRIMARY KEY,
			correlation_id UUID NOT NULL,
			client_id UUID NOT NULL,
			site_id UUID NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('WORK_ORDER','WORK_PERMIT','SLA_ASSESSMENT')),
			parent_id UUID NULL REFERENCES records(id) ON DELETE CASCADE,
			seqno INT NOT NULL DEFAULT 0,
			permit_no INT NULL,
			work_status TEXT NOT NULL,
			permit_status TEXT NOT NULL,
			verifier_status TEXT NOT NULL,
			planned_start TIMESTAMPTZ NULL,
			planned_end TIMESTAMPTZ NULL,
			expires_at TIMESTAMPTZ NULL,
			tz_offset_minutes INT NOT NULL DEFAULT 0,
			asset_id UUID NULL,
			location_id UUID NULL,
			vendor_id UUID NULL,
			template_id UUID NULL,
			remarks TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			closed_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS records_correlation_unique ON records (correlation_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS records_permit_no_unique ON records (client_id, site_id, kind, permit_no)
			WHERE parent_id IS NULL AND permit_no IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS records_parent_idx ON records (parent_id)`,
		`CREATE TABLE IF NOT EXISTS record_details (
			id UUID PRIMARY KEY,
			record_id UUID NOT NULL REFERENCES records(id) ON DELETE CASCADE,
			correlation_id UUID NOT NULL,
			question_id UUID NOT NULL,
			seqno INT NOT NULL DEFAULT 0,
			answer TEXT NOT NULL DEFAULT '',
			min_value DOUBLE PRECISION NULL,
			max_value DOUBLE PRECISION NULL,
			options TEXT NOT NULL DEFAULT '',
			mandatory BOOLEAN NOT NULL DEFAULT FALSE,
			alert_flag BOOLEAN NOT NULL DEFAULT FALSE,
			attachment_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT record_details_question_unique UNIQUE (record_id, question_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS record_details_correlation_unique ON record_details (correlation_id)`,
		`CREATE TABLE IF NOT EXISTS record_actors (
			record_id UUID NOT NULL REFERENCES records(id) ON DELETE CASCADE,
			actor_code TEXT NOT NULL,
			actor_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL CHECK (role IN ('approver','verifier')),
			status TEXT NOT NULL DEFAULT 'PENDING',
			seq INT NOT NULL DEFAULT 0,
			decided_at TIMESTAMPTZ NULL,
			PRIMARY KEY (record_id, actor_code, role)
		)`,
		`CREATE TABLE IF NOT EXISTS permit_counters (
			client_id UUID NOT NULL,
			site_id UUID NOT NULL,
			kind TEXT NOT NULL,
			last_no INT NOT NULL DEFAULT 0,
			PRIMARY KEY (client_id, site_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS actors (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure record tables: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *RecordStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const recordColumns = `id, correlation_id, client_id, site_id, kind, parent_id, seqno, permit_no,
	work_status, permit_status, verifier_status,
	planned_start, planned_end, expires_at, tz_offset_minutes,
	asset_id, location_id, vendor_id, template_id,
	remarks, cancel_reason, started_at, ended_at, closed_at, created_at, updated_at`

func scanRecord(scanner rowScanner) (Record, error) {
	var r Record
	var kind, workStatus, permitStatus, verifierStatus string

	if err := scanner.Scan(
		&r.ID, &r.CorrelationID, &r.ClientID, &r.SiteID, &kind, &r.ParentID, &r.SeqNo, &r.PermitNo,
		&workStatus, &permitStatus, &verifierStatus,
		&r.PlannedStart, &r.PlannedEnd, &r.ExpiresAt, &r.TZOffsetMinutes,
		&r.AssetID, &r.LocationID, &r.VendorID, &r.TemplateID,
		&r.Remarks, &r.CancelReason, &r.StartedAt, &r.EndedAt, &r.ClosedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return Record{}, err
	}

	r.Kind = lifecycle.RecordKind(kind)
	r.WorkStatus = lifecycle.WorkStatus(workStatus)
	r.PermitStatus = lifecycle.ApprovalStatus(permitStatus)
	r.VerifierStatus = lifecycle.ApprovalStatus(verifierStatus)

	return r, nil
}

const detailColumns = `id, record_id, correlation_id, question_id, seqno, answer,
	min_value, max_value, options, mandatory, alert_flag, attachment_count, created_at, updated_at`

func scanDetail(scanner rowScanner) (RecordDetail, error) {
	var d RecordDetail
	if err := scanner.Scan(
		&d.ID, &d.RecordID, &d.CorrelationID, &d.QuestionID, &d.SeqNo, &d.Answer,
		&d.MinValue, &d.MaxValue, &d.Options, &d.Mandatory, &d.AlertFlag, &d.AttachmentCount,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return RecordDetail{}, err
	}
	return d, nil
}
