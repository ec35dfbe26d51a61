package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

// RecordInput carries the caller-controlled fields for one record row.
// Statuses are computed by the owning service, never defaulted here.
type RecordInput struct {
	ID             uuid.UUID // generated when zero
	CorrelationID  uuid.UUID
	Kind           lifecycle.RecordKind
	SeqNo          int
	WorkStatus     lifecycle.WorkStatus
	PermitStatus   lifecycle.ApprovalStatus
	VerifierStatus lifecycle.ApprovalStatus
	PlannedStart   *time.Time
	PlannedEnd     *time.Time
	ExpiresAt      *time.Time
	AssetID        *uuid.UUID
	LocationID     *uuid.UUID
	VendorID       *uuid.UUID
	TemplateID     *uuid.UUID
	Remarks        string
}

// DetailInput carries one answer row for insertion.
type DetailInput struct {
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
}

// ChildInput bundles a section record with its answer rows.
type ChildInput struct {
	Record  RecordInput
	Details []DetailInput
}

// CreateHierarchyParams describes one atomic root-with-children creation.
type CreateHierarchyParams struct {
	Root           RecordInput
	Children       []ChildInput
	Roster         []lifecycle.RosterEntry
	AllocatePermit bool
}

// CreateHierarchy persists root, permit number, children, detail rows and the
// seeded roster in a single transaction. The permit number is allocated after
// the root row exists so an allocation never outlives its owning record.
func (s *RecordStore) CreateHierarchy(ctx context.Context, actx actionctx.ActionContext, alloc *SequenceAllocator, params CreateHierarchyParams) (Hierarchy, error) {
	if err := actx.Validate(); err != nil {
		return Hierarchy{}, err
	}
	if params.Root.Kind == "" || !params.Root.Kind.Valid() {
		return Hierarchy{}, fmt.Errorf("unknown record kind %q", params.Root.Kind)
	}
	if params.AllocatePermit && alloc == nil {
		return Hierarchy{}, errors.New("sequence allocator is required")
	}

	var rootID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		root, err := s.insertRecord(ctx, tx, actx, params.Root, nil)
		if err != nil {
			return err
		}
		rootID = root.ID

		if params.AllocatePermit {
			permitNo, err := alloc.Allocate(ctx, tx, actx.ClientID, actx.SiteID, params.Root.Kind)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE records SET permit_no = $2, updated_at = NOW() WHERE id = $1`,
				root.ID, permitNo,
			); err != nil {
				return fmt.Errorf("stamp permit number: %w", mapPgError(err))
			}
		}

		for _, child := range params.Children {
			childRecord, err := s.insertRecord(ctx, tx, actx, child.Record, &root.ID)
			if err != nil {
				return err
			}
			for _, detail := range child.Details {
				if _, err := s.insertDetail(ctx, tx, childRecord.ID, detail); err != nil {
					return err
				}
			}
		}

		if len(params.Roster) > 0 {
			if _, err := s.SeedRoster(ctx, tx, root.ID, params.Roster); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return Hierarchy{}, err
	}

	return s.FetchHierarchy(ctx, rootID)
}

// InsertRoot inserts one root record on the caller's transaction, allocating
// and stamping a permit number when requested. Used by the sync gateway where
// several simple entries share one batch transaction.
func (s *RecordStore) InsertRoot(ctx context.Context, tx pgx.Tx, actx actionctx.ActionContext, alloc *SequenceAllocator, input RecordInput, allocatePermit bool) (Record, error) {
	if err := actx.Validate(); err != nil {
		return Record{}, err
	}
	if allocatePermit && alloc == nil {
		return Record{}, errors.New("sequence allocator is required")
	}

	record, err := s.insertRecord(ctx, tx, actx, input, nil)
	if err != nil {
		return Record{}, err
	}

	if allocatePermit {
		permitNo, err := alloc.Allocate(ctx, tx, actx.ClientID, actx.SiteID, input.Kind)
		if err != nil {
			return Record{}, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE records SET permit_no = $2, updated_at = NOW() WHERE id = $1`,
			record.ID, permitNo,
		); err != nil {
			return Record{}, fmt.Errorf("stamp permit number: %w", mapPgError(err))
		}
		record.PermitNo = &permitNo
	}

	return record, nil
}

// AppendChild atomically adds one section under an existing root, used when
// sections arrive incrementally (e.g. a permit's return/close-out section).
// The root row is locked so concurrent appends get distinct seqnos.
func (s *RecordStore) AppendChild(ctx context.Context, actx actionctx.ActionContext, parentID uuid.UUID, child ChildInput) (Record, error) {
	if err := actx.Validate(); err != nil {
		return Record{}, err
	}

	var created Record
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		parent, err := s.GetRecordForUpdate(ctx, tx, parentID)
		if err != nil {
			return err
		}

		created, err = s.InsertChild(ctx, tx, actx, parent, child)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	return created, nil
}

// InsertChild inserts one section row plus its details on the caller's tx.
// The caller must already hold the parent's row lock.
func (s *RecordStore) InsertChild(ctx context.Context, tx pgx.Tx, actx actionctx.ActionContext, parent Record, child ChildInput) (Record, error) {
	if parent.ParentID != nil {
		return Record{}, fmt.Errorf("record %s is a section, not a root: %w", parent.ID, ErrRecordNotFound)
	}
	if parent.WorkStatus.Terminal() {
		return Record{}, ErrParentTerminal
	}

	if child.Record.SeqNo == 0 {
		var maxSeq int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seqno), 0) FROM records WHERE parent_id = $1`, parent.ID,
		).Scan(&maxSeq); err != nil {
			return Record{}, fmt.Errorf("next section seqno: %w", err)
		}
		child.Record.SeqNo = maxSeq + 1
	}
	child.Record.Kind = parent.Kind

	created, err := s.insertRecord(ctx, tx, actx, child.Record, &parent.ID)
	if err != nil {
		return Record{}, err
	}
	for _, detail := range child.Details {
		if _, err := s.insertDetail(ctx, tx, created.ID, detail); err != nil {
			return Record{}, err
		}
	}
	return created, nil
}

func (s *RecordStore) insertRecord(ctx context.Context, tx pgx.Tx, actx actionctx.ActionContext, input RecordInput, parentID *uuid.UUID) (Record, error) {
	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	correlationID := input.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO records (
			id, correlation_id, client_id, site_id, kind, parent_id, seqno,
			work_status, permit_status, verifier_status,
			planned_start, planned_end, expires_at, tz_offset_minutes,
			asset_id, location_id, vendor_id, template_id, remarks
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING `+recordColumns,
		id, correlationID, actx.ClientID, actx.SiteID, string(input.Kind), parentID, input.SeqNo,
		string(input.WorkStatus), string(input.PermitStatus), string(input.VerifierStatus),
		input.PlannedStart, input.PlannedEnd, input.ExpiresAt, actx.TZOffsetMinutes,
		input.AssetID, input.LocationID, input.VendorID, input.TemplateID, input.Remarks,
	)

	record, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", mapPgError(err))
	}
	return record, nil
}

func (s *RecordStore) insertDetail(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, input DetailInput) (RecordDetail, error) {
	correlationID := input.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO record_details (
			id, record_id, correlation_id, question_id, seqno, answer,
			min_value, max_value, options, mandatory, alert_flag, attachment_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+detailColumns,
		uuid.New(), recordID, correlationID, input.QuestionID, input.SeqNo, input.Answer,
		input.MinValue, input.MaxValue, input.Options, input.Mandatory, input.AlertFlag, input.AttachmentCount,
	)

	detail, err := scanDetail(row)
	if err != nil {
		if isUniqueViolation(err, "record_details_question_unique") {
			return RecordDetail{}, fmt.Errorf("duplicate question %s in section %s: %w", input.QuestionID, recordID, mapPgError(err))
		}
		return RecordDetail{}, fmt.Errorf("insert record detail: %w", mapPgError(err))
	}
	return detail, nil
}

// UpsertDetail inserts or refreshes an answer row, keyed by (record, question).
// Used by sync updates where offline devices resend answers.
func (s *RecordStore) UpsertDetail(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, input DetailInput) (RecordDetail, error) {
	correlationID := input.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO record_details (
			id, record_id, correlation_id, question_id, seqno, answer,
			min_value, max_value, options, mandatory, alert_flag, attachment_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT ON CONSTRAINT record_details_question_unique DO UPDATE SET
			answer = EXCLUDED.answer,
			attachment_count = EXCLUDED.attachment_count,
			updated_at = NOW()
		RETURNING `+detailColumns,
		uuid.New(), recordID, correlationID, input.QuestionID, input.SeqNo, input.Answer,
		input.MinValue, input.MaxValue, input.Options, input.Mandatory, input.AlertFlag, input.AttachmentCount,
	)

	detail, err := scanDetail(row)
	if err != nil {
		return RecordDetail{}, fmt.Errorf("upsert record detail: %w", mapPgError(err))
	}
	return detail, nil
}

// FetchHierarchy returns the root plus all children ordered by seqno, each
// with its detail rows ordered by seqno.
func (s *RecordStore) FetchHierarchy(ctx context.Context, rootID uuid.UUID) (Hierarchy, error) {
	root, err := s.GetRecord(ctx, rootID)
	if err != nil {
		return Hierarchy{}, err
	}
	if root.ParentID != nil {
		return Hierarchy{}, fmt.Errorf("record %s is a section, not a root: %w", rootID, ErrRecordNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE parent_id = $1 ORDER BY seqno, created_at`, rootID)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	hierarchy := Hierarchy{Root: root, Details: make(map[uuid.UUID][]RecordDetail)}
	for rows.Next() {
		child, err := scanRecord(rows)
		if err != nil {
			return Hierarchy{}, err
		}
		hierarchy.Children = append(hierarchy.Children, child)
	}
	if err := rows.Err(); err != nil {
		return Hierarchy{}, err
	}

	ids := make([]uuid.UUID, 0, len(hierarchy.Children)+1)
	ids = append(ids, root.ID)
	for _, child := range hierarchy.Children {
		ids = append(ids, child.ID)
	}

	detailRows, err := s.pool.Query(ctx,
		`SELECT `+detailColumns+` FROM record_details WHERE record_id = ANY($1) ORDER BY seqno, created_at`, ids)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("list details: %w", err)
	}
	defer detailRows.Close()

	for detailRows.Next() {
		detail, err := scanDetail(detailRows)
		if err != nil {
			return Hierarchy{}, err
		}
		hierarchy.Details[detail.RecordID] = append(hierarchy.Details[detail.RecordID], detail)
	}
	if err := detailRows.Err(); err != nil {
		return Hierarchy{}, err
	}

	return hierarchy, nil
}

// GetRecord fetches one record by surrogate id.
func (s *RecordStore) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("fetch record: %w", err)
	}
	return record, nil
}

// GetByCorrelationID fetches one record by its stable external id.
func (s *RecordStore) GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE correlation_id = $1`, correlationID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("fetch record by correlation id: %w", err)
	}
	return record, nil
}

// GetByCorrelationIDForUpdate locks and fetches one record by its stable
// external id inside the caller's tx. Sync upserts run through this so
// concurrent resends of the same correlation id serialize.
func (s *RecordStore) GetByCorrelationIDForUpdate(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE correlation_id = $1 FOR UPDATE`, correlationID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("lock record by correlation id: %w", err)
	}
	return record, nil
}

// WithBatchTx runs fn inside one transaction shared by every simple entry of
// a sync batch, so a partial failure aborts the whole batch and the caller
// can resend it safely.
func (s *RecordStore) WithBatchTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withTx(ctx, fn)
}

// GetRecordForUpdate fetches a record under FOR UPDATE inside the caller's tx.
func (s *RecordStore) GetRecordForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1 FOR UPDATE`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("lock record: %w", err)
	}
	return record, nil
}

// WithRecordLock runs fn inside one transaction holding the record's row lock.
// This is the serialization point for every workflow action: consensus and
// state-machine writes both happen under this lock so concurrent votes cannot
// race past each other.
func (s *RecordStore) WithRecordLock(ctx context.Context, recordID uuid.UUID, fn func(tx pgx.Tx, record Record) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		record, err := s.GetRecordForUpdate(ctx, tx, recordID)
		if err != nil {
			return err
		}
		return fn(tx, record)
	})
}

// WorkflowStateParams captures the status and timestamp fields a completed
// workflow action writes back. Nil pointers leave columns untouched.
type WorkflowStateParams struct {
	WorkStatus     lifecycle.WorkStatus
	PermitStatus   lifecycle.ApprovalStatus
	VerifierStatus lifecycle.ApprovalStatus
	StartedAt      *time.Time
	EndedAt        *time.Time
	ClosedAt       *time.Time
	CancelReason   *string
}

// UpdateWorkflowState persists the outcome of a workflow action. Must run on
// the tx that holds the record's row lock.
func (s *RecordStore) UpdateWorkflowState(ctx context.Context, tx pgx.Tx, id uuid.UUID, params WorkflowStateParams) error {
	tag, err := tx.Exec(ctx, `
		UPDATE records SET
			work_status = $2,
			permit_status = $3,
			verifier_status = $4,
			started_at = COALESCE($5, started_at),
			ended_at = COALESCE($6, ended_at),
			closed_at = COALESCE($7, closed_at),
			cancel_reason = COALESCE($8, cancel_reason),
			updated_at = NOW()
		WHERE id = $1`,
		id, string(params.WorkStatus), string(params.PermitStatus), string(params.VerifierStatus),
		params.StartedAt, params.EndedAt, params.ClosedAt, params.CancelReason,
	)
	if err != nil {
		return fmt.Errorf("update workflow state: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SyncUpdateParams carries the mutable fields an offline resend may refresh.
// Statuses, permit number and roster are deliberately absent: those move only
// through the state machine and the consensus engine.
type SyncUpdateParams struct {
	PlannedStart *time.Time
	PlannedEnd   *time.Time
	ExpiresAt    *time.Time
	Remarks      *string
}

// UpdateFromSync refreshes schedule fields and remarks in place for an
// already-known correlation id.
func (s *RecordStore) UpdateFromSync(ctx context.Context, tx pgx.Tx, id uuid.UUID, params SyncUpdateParams) error {
	tag, err := tx.Exec(ctx, `
		UPDATE records SET
			planned_start = COALESCE($2, planned_start),
			planned_end = COALESCE($3, planned_end),
			expires_at = COALESCE($4, expires_at),
			remarks = COALESCE($5, remarks),
			updated_at = NOW()
		WHERE id = $1`,
		id, params.PlannedStart, params.PlannedEnd, params.ExpiresAt, params.Remarks,
	)
	if err != nil {
		return fmt.Errorf("update record from sync: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// AppendRemark appends free text to the record's remarks. This is the only
// mutation allowed once a record is terminal.
func (s *RecordStore) AppendRemark(ctx context.Context, id uuid.UUID, text string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET
			remarks = CASE WHEN remarks = '' THEN $2 ELSE remarks || E'\n' || $2 END,
			updated_at = NOW()
		WHERE id = $1`,
		id, text,
	)
	if err != nil {
		return fmt.Errorf("append remark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CountUnansweredMandatory counts mandatory answer rows without an answer
// across the root and all of its sections. Used to guard the
// all-sections-submitted transition.
func (s *RecordStore) CountUnansweredMandatory(ctx context.Context, tx pgx.Tx, rootID uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM record_details d
		JOIN records r ON r.id = d.record_id
		WHERE (r.id = $1 OR r.parent_id = $1)
		  AND d.mandatory
		  AND d.answer = ''`,
		rootID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unanswered mandatory details: %w", err)
	}
	return count, nil
}

// ResolveActorNames maps actor codes to display names from the actors table.
// Unknown codes are simply absent from the result; callers fall back to the code.
func (s *RecordStore) ResolveActorNames(ctx context.Context, codes []string) (map[string]string, error) {
	names := make(map[string]string, len(codes))
	if len(codes) == 0 {
		return names, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT code, name FROM actors WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("resolve actor names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code, name string
		if err := rows.Scan(&code, &name); err != nil {
			return nil, err
		}
		names[code] = name
	}
	return names, rows.Err()
}
