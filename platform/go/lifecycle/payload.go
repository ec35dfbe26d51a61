package lifecycle

// KindPayload is the per-kind behavior variant selected by the Kind
// discriminator. The record row is shared across kinds; everything that
// varies between them at creation time lives behind this interface instead
// of kind switches scattered through the services.
type KindPayload interface {
	Kind() RecordKind

	// RequiresRoster reports whether creation must seed approver entries.
	RequiresRoster() bool

	// AllocatesPermit reports whether creation draws a permit number from
	// the per-scope sequence.
	AllocatesPermit() bool

	// InitialStatuses returns the aggregate approval statuses stamped on
	// the root at creation.
	InitialStatuses(hasVerifiers bool) (permit, verifier ApprovalStatus)
}

// WorkOrderPayload covers plain maintenance work: no approval cycle, no
// permit number.
type WorkOrderPayload struct{}

func (WorkOrderPayload) Kind() RecordKind      { return KindWorkOrder }
func (WorkOrderPayload) RequiresRoster() bool  { return false }
func (WorkOrderPayload) AllocatesPermit() bool { return false }

func (WorkOrderPayload) InitialStatuses(bool) (ApprovalStatus, ApprovalStatus) {
	return ApprovalNotRequired, ApprovalNotRequired
}

// WorkPermitPayload covers permitted work: a seeded approver roster, an
// optional verifier roster and a scope-sequenced permit number.
type WorkPermitPayload struct{}

func (WorkPermitPayload) Kind() RecordKind      { return KindWorkPermit }
func (WorkPermitPayload) RequiresRoster() bool  { return true }
func (WorkPermitPayload) AllocatesPermit() bool { return true }

func (WorkPermitPayload) InitialStatuses(hasVerifiers bool) (ApprovalStatus, ApprovalStatus) {
	verifier := ApprovalNotRequired
	if hasVerifiers {
		verifier = ApprovalPending
	}
	return ApprovalPending, verifier
}

// SLAAssessmentPayload covers periodic service-level assessments. Their
// outcome is signed off the same way permits are: a seeded approver roster
// and a sequenced reference number.
type SLAAssessmentPayload struct{}

func (SLAAssessmentPayload) Kind() RecordKind      { return KindSLAAssessment }
func (SLAAssessmentPayload) RequiresRoster() bool  { return true }
func (SLAAssessmentPayload) AllocatesPermit() bool { return true }

func (SLAAssessmentPayload) InitialStatuses(hasVerifiers bool) (ApprovalStatus, ApprovalStatus) {
	verifier := ApprovalNotRequired
	if hasVerifiers {
		verifier = ApprovalPending
	}
	return ApprovalPending, verifier
}

// PayloadFor resolves the behavior variant for a kind. The second return is
// false for unknown kinds.
func PayloadFor(kind RecordKind) (KindPayload, bool) {
	switch kind {
	case KindWorkOrder:
		return WorkOrderPayload{}, true
	case KindWorkPermit:
		return WorkPermitPayload{}, true
	case KindSLAAssessment:
		return SLAAssessmentPayload{}, true
	default:
		return nil, false
	}
}
