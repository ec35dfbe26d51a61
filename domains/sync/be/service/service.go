// Package service implements the sync ingestion gateway: batched offline
// device updates, validated per entry, applied idempotently by correlation id.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/domains/sync/be/repo"
	"github.com/fieldserve/backoffice/domains/sync/be/schema"
	"github.com/fieldserve/backoffice/domains/workflow/be/consensus"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	"github.com/fieldserve/backoffice/platform/go/notify"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// Wire discriminator values.
const (
	entitySimple       = "simple"
	entityCompoundRoot = "compound-root"
	tableRecord        = "record"
	tableRecordDetail  = "recorddetail"
)

// Rejection reports one batch entry the gateway refused, keyed by the
// caller's correlation id so the device can surface it.
type Rejection struct {
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
}

// Result is the outcome of one Ingest call.
type Result struct {
	// Applied holds the correlation ids of every record persisted or
	// refreshed this call, roots and sections included.
	Applied  []uuid.UUID
	Rejected []Rejection
}

// Service defines the sync gateway contract.
type Service interface {
	Ingest(ctx context.Context, actx actionctx.ActionContext, batch []json.RawMessage) (Result, error)
}

type service struct {
	repo       repo.Repository
	validator  *schema.Validator
	dispatcher notify.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs the sync Service.
func New(r repo.Repository, validator *schema.Validator, dispatcher notify.Dispatcher, logger *zap.Logger) Service {
	if r == nil {
		panic("sync repository is required")
	}
	if validator == nil {
		panic("schema validator is required")
	}
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{repo: r, validator: validator, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// detailEntry is the wire shape of one answer row.
type detailEntry struct {
	CorrelationID   *uuid.UUID `json:"correlation_id,omitempty"`
	QuestionID      uuid.UUID  `json:"question_id"`
	SeqNo           int        `json:"seqno,omitempty"`
	Answer          string     `json:"answer,omitempty"`
	MinValue        *float64   `json:"min_value,omitempty"`
	MaxValue        *float64   `json:"max_value,omitempty"`
	Options         string     `json:"options,omitempty"`
	Mandatory       bool       `json:"mandatory,omitempty"`
	AlertFlag       bool       `json:"alert_flag,omitempty"`
	AttachmentCount int        `json:"attachment_count,omitempty"`
}

// childEntry is the wire shape of one section under a compound root.
type childEntry struct {
	CorrelationID uuid.UUID     `json:"correlation_id"`
	SeqNo         int           `json:"seqno,omitempty"`
	TemplateID    *uuid.UUID    `json:"template_id,omitempty"`
	Remarks       string        `json:"remarks,omitempty"`
	Details       []detailEntry `json:"details,omitempty"`
}

// batchEntry is the wire shape of one batch element. Record and recorddetail
// entries share the envelope; the `table` discriminator selects the fields
// that matter.
type batchEntry struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Entity        string    `json:"entity,omitempty"`
	Table         string    `json:"table"`

	// record fields
	Kind         string            `json:"kind,omitempty"`
	PlannedStart *time.Time        `json:"planned_start,omitempty"`
	PlannedEnd   *time.Time        `json:"planned_end,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	AssetID      *uuid.UUID        `json:"asset_id,omitempty"`
	LocationID   *uuid.UUID        `json:"location_id,omitempty"`
	VendorID     *uuid.UUID        `json:"vendor_id,omitempty"`
	TemplateID   *uuid.UUID        `json:"template_id,omitempty"`
	Remarks      string            `json:"remarks,omitempty"`
	Approvers    []string          `json:"approvers,omitempty"`
	Verifiers    []string          `json:"verifiers,omitempty"`
	Children     []json.RawMessage `json:"children,omitempty"`

	// recorddetail fields
	RecordCorrelationID *uuid.UUID `json:"record_correlation_id,omitempty"`
	QuestionID          uuid.UUID  `json:"question_id,omitempty"`
	Answer              string     `json:"answer,omitempty"`
	MinValue            *float64   `json:"min_value,omitempty"`
	MaxValue            *float64   `json:"max_value,omitempty"`
	Options             string     `json:"options,omitempty"`
	Mandatory           bool       `json:"mandatory,omitempty"`
	AlertFlag           bool       `json:"alert_flag,omitempty"`
	AttachmentCount     int        `json:"attachment_count,omitempty"`
	SeqNo               int        `json:"seqno,omitempty"`
}

// compoundGroup bundles a validated compound root with its decoded children.
type compoundGroup struct {
	root     batchEntry
	children []childEntry
}

func (s *service) Ingest(ctx context.Context, actx actionctx.ActionContext, batch []json.RawMessage) (Result, error) {
	if err := actx.Validate(); err != nil {
		return Result{}, fmt.Errorf("action context: %w", err)
	}

	var result Result
	var simples []batchEntry
	var groups []compoundGroup

	for i, raw := range batch {
		entry, group, rejections := s.classify(i, raw)
		result.Rejected = append(result.Rejected, rejections...)
		switch {
		case group != nil:
			groups = append(groups, *group)
		case entry != nil:
			simples = append(simples, *entry)
		}
	}

	applied, rejected := s.applySimples(ctx, actx, simples)
	result.Applied = append(result.Applied, applied...)
	result.Rejected = append(result.Rejected, rejected...)

	for _, group := range groups {
		applied, rejected := s.applyCompound(ctx, actx, group)
		result.Applied = append(result.Applied, applied...)
		result.Rejected = append(result.Rejected, rejected...)
	}

	return result, nil
}

// classify decodes and schema-validates one raw batch element. It returns a
// simple entry, a compound group, or neither plus the rejections produced.
// Invalid children of a valid compound root are rejected individually; the
// root and its valid siblings survive.
func (s *service) classify(index int, raw json.RawMessage) (*batchEntry, *compoundGroup, []Rejection) {
	var document map[string]any
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, nil, []Rejection{{
			CorrelationID: fmt.Sprintf("entry[%d]", index),
			Reason:        "entry is not a JSON object",
		}}
	}

	correlationID, _ := document["correlation_id"].(string)
	if correlationID == "" {
		correlationID = fmt.Sprintf("entry[%d]", index)
	}
	table, _ := document["table"].(string)
	entity, _ := document["entity"].(string)

	schemaName := ""
	switch {
	case table == tableRecord && entity == entityCompoundRoot:
		schemaName = schema.RecordCompound
	case table == tableRecord:
		schemaName = schema.RecordSimple
	case table == tableRecordDetail:
		schemaName = schema.RecordDetail
	default:
		return nil, nil, []Rejection{{CorrelationID: correlationID, Reason: fmt.Sprintf("unknown table %q", table)}}
	}

	if err := s.validator.Validate(schemaName, document); err != nil {
		return nil, nil, []Rejection{{CorrelationID: correlationID, Reason: err.Error()}}
	}

	var entry batchEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil, []Rejection{{CorrelationID: correlationID, Reason: fmt.Sprintf("decode entry: %v", err)}}
	}

	if schemaName != schema.RecordCompound {
		return &entry, nil, nil
	}

	group := compoundGroup{root: entry}
	var rejections []Rejection
	for _, rawChild := range entry.Children {
		var childDoc any
		if err := json.Unmarshal(rawChild, &childDoc); err != nil {
			rejections = append(rejections, Rejection{CorrelationID: correlationID, Reason: fmt.Sprintf("child is not a JSON object: %v", err)})
			continue
		}
		if err := s.validator.Validate(schema.RecordChild, childDoc); err != nil {
			rejections = append(rejections, Rejection{CorrelationID: childCorrelation(childDoc, correlationID), Reason: err.Error()})
			continue
		}
		var child childEntry
		if err := json.Unmarshal(rawChild, &child); err != nil {
			rejections = append(rejections, Rejection{CorrelationID: correlationID, Reason: fmt.Sprintf("decode child: %v", err)})
			continue
		}
		group.children = append(group.children, child)
	}

	return nil, &group, rejections
}

func childCorrelation(document any, fallback string) string {
	if m, ok := document.(map[string]any); ok {
		if id, ok := m["correlation_id"].(string); ok && id != "" {
			return id
		}
	}
	return fallback
}

// applySimples runs every simple entry in one shared transaction. A
// transaction-level failure aborts and rejects them all so the caller can
// resend the batch without double-applying partial effects. Per-entry
// validation problems (unknown record, missing kind) reject only that entry.
func (s *service) applySimples(ctx context.Context, actx actionctx.ActionContext, entries []batchEntry) ([]uuid.UUID, []Rejection) {
	if len(entries) == 0 {
		return nil, nil
	}

	var applied []uuid.UUID
	var rejected []Rejection

	err := s.repo.WithBatchTx(ctx, func(tx repo.BatchTx) error {
		for _, entry := range entries {
			switch entry.Table {
			case tableRecord:
				ok, err := s.applySimpleRecord(tx, actx, entry, &rejected)
				if err != nil {
					return err
				}
				if ok {
					applied = append(applied, entry.CorrelationID)
				}
			case tableRecordDetail:
				ok, err := s.applySimpleDetail(tx, entry, &rejected)
				if err != nil {
					return err
				}
				if ok {
					applied = append(applied, entry.CorrelationID)
				}
			}
		}
		return nil
	})
	if err != nil {
		// Rolled back, so nothing was applied. Entries the loop already
		// refused keep their specific reason; the rest carry the
		// transaction's.
		alreadyRejected := make(map[string]struct{}, len(rejected))
		for _, rejection := range rejected {
			alreadyRejected[rejection.CorrelationID] = struct{}{}
		}
		for _, entry := range entries {
			if _, ok := alreadyRejected[entry.CorrelationID.String()]; ok {
				continue
			}
			rejected = append(rejected, Rejection{CorrelationID: entry.CorrelationID.String(), Reason: reasonFor(err)})
		}
		return nil, rejected
	}

	return applied, rejected
}

func (s *service) applySimpleRecord(tx repo.BatchTx, actx actionctx.ActionContext, entry batchEntry, rejected *[]Rejection) (bool, error) {
	existing, err := tx.GetByCorrelationID(entry.CorrelationID)
	switch {
	case err == nil:
		// Known correlation id: refresh in place. Statuses, permit number
		// and roster are untouchable through sync.
		return true, tx.UpdateFromSync(existing.ID, persistence.SyncUpdateParams{
			PlannedStart: entry.PlannedStart,
			PlannedEnd:   entry.PlannedEnd,
			ExpiresAt:    entry.ExpiresAt,
			Remarks:      remarksPtr(entry.Remarks),
		})
	case errors.Is(err, persistence.ErrRecordNotFound):
		payload, known := lifecycle.PayloadFor(lifecycle.RecordKind(entry.Kind))
		if !known {
			*rejected = append(*rejected, Rejection{CorrelationID: entry.CorrelationID.String(), Reason: "kind is required for a new record"})
			return false, nil
		}
		_, err := tx.InsertRoot(actx, persistence.RecordInput{
			CorrelationID:  entry.CorrelationID,
			Kind:           payload.Kind(),
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   lifecycle.ApprovalNotRequired,
			VerifierStatus: lifecycle.ApprovalNotRequired,
			PlannedStart:   entry.PlannedStart,
			PlannedEnd:     entry.PlannedEnd,
			ExpiresAt:      entry.ExpiresAt,
			AssetID:        entry.AssetID,
			LocationID:     entry.LocationID,
			VendorID:       entry.VendorID,
			TemplateID:     entry.TemplateID,
			Remarks:        entry.Remarks,
		}, payload.AllocatesPermit())
		return err == nil, err
	default:
		return false, err
	}
}

func (s *service) applySimpleDetail(tx repo.BatchTx, entry batchEntry, rejected *[]Rejection) (bool, error) {
	if entry.RecordCorrelationID == nil {
		*rejected = append(*rejected, Rejection{CorrelationID: entry.CorrelationID.String(), Reason: "record_correlation_id is required"})
		return false, nil
	}

	record, err := tx.GetByCorrelationID(*entry.RecordCorrelationID)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			*rejected = append(*rejected, Rejection{CorrelationID: entry.CorrelationID.String(), Reason: "unknown record " + entry.RecordCorrelationID.String()})
			return false, nil
		}
		return false, err
	}

	_, err = tx.UpsertDetail(record.ID, persistence.DetailInput{
		CorrelationID:   entry.CorrelationID,
		QuestionID:      entry.QuestionID,
		SeqNo:           entry.SeqNo,
		Answer:          entry.Answer,
		MinValue:        entry.MinValue,
		MaxValue:        entry.MaxValue,
		Options:         entry.Options,
		Mandatory:       entry.Mandatory,
		AlertFlag:       entry.AlertFlag,
		AttachmentCount: entry.AttachmentCount,
	})
	return err == nil, err
}

// applyCompound persists one compound group in its own transaction. A known
// root correlation id takes the update path: schedule/remarks refresh plus
// detail upserts, with no re-allocation, no re-seeding and no side triggers.
func (s *service) applyCompound(ctx context.Context, actx actionctx.ActionContext, group compoundGroup) ([]uuid.UUID, []Rejection) {
	_, err := s.repo.GetByCorrelationID(ctx, group.root.CorrelationID)
	switch {
	case err == nil:
		return s.updateCompound(ctx, actx, group)
	case errors.Is(err, persistence.ErrRecordNotFound):
		return s.createCompound(ctx, actx, group)
	default:
		return nil, s.rejectGroup(group, err)
	}
}

func (s *service) createCompound(ctx context.Context, actx actionctx.ActionContext, group compoundGroup) ([]uuid.UUID, []Rejection) {
	kind := lifecycle.RecordKind(group.root.Kind)
	payload, known := lifecycle.PayloadFor(kind)
	if !known {
		return nil, s.rejectGroup(group, errors.New("unknown record kind "+group.root.Kind))
	}

	// A roster only exists when the device supplied approvers; a permit sent
	// without them still draws its number but waits for seeding through the
	// back office.
	seedRoster := payload.RequiresRoster() && len(group.root.Approvers) > 0
	permitStatus, verifierStatus := lifecycle.ApprovalNotRequired, lifecycle.ApprovalNotRequired
	if seedRoster {
		permitStatus, verifierStatus = payload.InitialStatuses(len(group.root.Verifiers) > 0)
	}

	params := persistence.CreateHierarchyParams{
		Root: persistence.RecordInput{
			CorrelationID:  group.root.CorrelationID,
			Kind:           kind,
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   permitStatus,
			VerifierStatus: verifierStatus,
			PlannedStart:   group.root.PlannedStart,
			PlannedEnd:     group.root.PlannedEnd,
			ExpiresAt:      group.root.ExpiresAt,
			AssetID:        group.root.AssetID,
			LocationID:     group.root.LocationID,
			VendorID:       group.root.VendorID,
			TemplateID:     group.root.TemplateID,
			Remarks:        group.root.Remarks,
		},
		AllocatePermit: payload.AllocatesPermit(),
	}

	for i, child := range group.children {
		input := toChildInput(child, kind)
		if input.Record.SeqNo == 0 {
			input.Record.SeqNo = i + 1
		}
		params.Children = append(params.Children, input)
	}

	if seedRoster {
		codes := append(append([]string(nil), group.root.Approvers...), group.root.Verifiers...)
		names, err := s.repo.ResolveActorNames(ctx, codes)
		if err != nil {
			return nil, s.rejectGroup(group, err)
		}
		params.Roster = consensus.Seed(group.root.Approvers, group.root.Verifiers, names)
	}

	hierarchy, err := s.repo.CreateHierarchy(ctx, actx, params)
	if err != nil {
		return nil, s.rejectGroup(group, err)
	}

	s.emitCreationEvents(ctx, hierarchy, params.Roster)

	applied := []uuid.UUID{hierarchy.Root.CorrelationID}
	for _, child := range hierarchy.Children {
		applied = append(applied, child.CorrelationID)
	}
	return applied, nil
}

func (s *service) updateCompound(ctx context.Context, actx actionctx.ActionContext, group compoundGroup) ([]uuid.UUID, []Rejection) {
	var applied []uuid.UUID
	var rejected []Rejection

	err := s.repo.WithBatchTx(ctx, func(tx repo.BatchTx) error {
		root, err := tx.GetByCorrelationID(group.root.CorrelationID)
		if err != nil {
			return err
		}

		if err := tx.UpdateFromSync(root.ID, persistence.SyncUpdateParams{
			PlannedStart: group.root.PlannedStart,
			PlannedEnd:   group.root.PlannedEnd,
			ExpiresAt:    group.root.ExpiresAt,
			Remarks:      remarksPtr(group.root.Remarks),
		}); err != nil {
			return err
		}
		applied = append(applied, root.CorrelationID)

		for _, child := range group.children {
			existing, err := tx.GetByCorrelationID(child.CorrelationID)
			switch {
			case err == nil:
				for _, detail := range child.Details {
					if _, err := tx.UpsertDetail(existing.ID, toDetailInput(detail)); err != nil {
						return err
					}
				}
			case errors.Is(err, persistence.ErrRecordNotFound):
				// A section added since the last sync of this root.
				if _, err := tx.InsertChild(actx, root, toChildInput(child, root.Kind)); err != nil {
					return err
				}
			default:
				return err
			}
			applied = append(applied, child.CorrelationID)
		}
		return nil
	})
	if err != nil {
		return nil, s.rejectGroup(group, err)
	}

	return applied, rejected
}

func toChildInput(child childEntry, kind lifecycle.RecordKind) persistence.ChildInput {
	input := persistence.ChildInput{
		Record: persistence.RecordInput{
			CorrelationID:  child.CorrelationID,
			Kind:           kind,
			SeqNo:          child.SeqNo,
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   lifecycle.ApprovalNotRequired,
			VerifierStatus: lifecycle.ApprovalNotRequired,
			TemplateID:     child.TemplateID,
			Remarks:        child.Remarks,
		},
	}
	for _, detail := range child.Details {
		input.Details = append(input.Details, toDetailInput(detail))
	}
	return input
}

func toDetailInput(detail detailEntry) persistence.DetailInput {
	input := persistence.DetailInput{
		QuestionID:      detail.QuestionID,
		SeqNo:           detail.SeqNo,
		Answer:          detail.Answer,
		MinValue:        detail.MinValue,
		MaxValue:        detail.MaxValue,
		Options:         detail.Options,
		Mandatory:       detail.Mandatory,
		AlertFlag:       detail.AlertFlag,
		AttachmentCount: detail.AttachmentCount,
	}
	if detail.CorrelationID != nil {
		input.CorrelationID = *detail.CorrelationID
	}
	return input
}

// emitCreationEvents fires the side triggers that belong to first creation
// only: the approval kickoff and at most one alert per out-of-range flagged
// reading hierarchy. Updates never reach this path.
func (s *service) emitCreationEvents(ctx context.Context, hierarchy persistence.Hierarchy, roster []lifecycle.RosterEntry) {
	now := s.now().UTC()
	var events []notify.Event

	if len(roster) > 0 {
		recipients := make([]string, 0, len(roster))
		for _, entry := range roster {
			recipients = append(recipients, entry.Code)
		}
		events = append(events, notify.Event{
			RecordID:   hierarchy.Root.ID,
			ClientID:   hierarchy.Root.ClientID,
			Kind:       notify.KindApprovalPending,
			Recipients: recipients,
			OccurredAt: now,
		})
	}

	for _, details := range hierarchy.Details {
		breached := false
		for _, detail := range details {
			if lifecycle.AlertBreached(detail.Answer, detail.MinValue, detail.MaxValue, detail.AlertFlag) {
				breached = true
				break
			}
		}
		if breached {
			events = append(events, notify.Event{
				RecordID:   hierarchy.Root.ID,
				ClientID:   hierarchy.Root.ClientID,
				Kind:       notify.KindAlert,
				OccurredAt: now,
			})
			break
		}
	}

	for _, event := range events {
		if err := s.dispatcher.Dispatch(ctx, event); err != nil {
			s.logger.Warn("event dispatch failed",
				zap.String("record_id", event.RecordID.String()),
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
		}
	}
}

func (s *service) rejectGroup(group compoundGroup, err error) []Rejection {
	rejections := []Rejection{{CorrelationID: group.root.CorrelationID.String(), Reason: reasonFor(err)}}
	for _, child := range group.children {
		rejections = append(rejections, Rejection{CorrelationID: child.CorrelationID.String(), Reason: "parent group rejected"})
	}
	return rejections
}

// reasonFor compresses persistence errors into device-facing reasons without
// leaking SQL detail.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, persistence.ErrSequenceConflict):
		return "permit allocation contended, retry the batch"
	case errors.Is(err, persistence.ErrIntegrityViolation):
		return "entry conflicts with an existing row"
	case errors.Is(err, persistence.ErrParentTerminal):
		return "parent record is terminal"
	case errors.Is(err, persistence.ErrRecordNotFound):
		return "record not found"
	default:
		return err.Error()
	}
}

func remarksPtr(remarks string) *string {
	if remarks == "" {
		return nil
	}
	return &remarks
}
