package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldserve/backoffice/domains/workflow/be/consensus"
	"github.com/fieldserve/backoffice/domains/workflow/be/repo"
	"github.com/fieldserve/backoffice/domains/workflow/be/statemachine"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/lifecycle"
	"github.com/fieldserve/backoffice/platform/go/notify"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// mockRepository keeps one record and its roster in memory and applies
// committed workflow state back onto them, so multi-step scenarios can run
// through the service exactly as they would against the row-locked store.
type mockRepository struct {
	record     persistence.Record
	roster     []lifecycle.RosterEntry
	unanswered int

	savedStates []persistence.WorkflowStateParams
	resetCalls  int
	remarks     []string

	runErr error
}

type mockActionTx struct {
	repo *mockRepository

	pendingState *persistence.WorkflowStateParams
	pendingVotes []savedVote
	pendingReset bool
}

type savedVote struct {
	code   string
	role   lifecycle.ActorRole
	status lifecycle.ApprovalStatus
}

func (m *mockRepository) RunWorkflowAction(ctx context.Context, recordID uuid.UUID, fn func(repo.ActionTx) error) error {
	if m.runErr != nil {
		return m.runErr
	}
	if recordID != m.record.ID {
		return persistence.ErrRecordNotFound
	}

	tx := &mockActionTx{repo: m}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *mockRepository) GetRecord(ctx context.Context, id uuid.UUID) (persistence.Record, error) {
	if id != m.record.ID {
		return persistence.Record{}, persistence.ErrRecordNotFound
	}
	return m.record, nil
}

func (m *mockRepository) GetRoster(ctx context.Context, recordID uuid.UUID) ([]lifecycle.RosterEntry, error) {
	return m.roster, nil
}

func (m *mockRepository) AppendRemark(ctx context.Context, recordID uuid.UUID, text string) error {
	if recordID != m.record.ID {
		return persistence.ErrRecordNotFound
	}
	m.remarks = append(m.remarks, text)
	return nil
}

func (t *mockActionTx) Record() persistence.Record { return t.repo.record }

func (t *mockActionTx) Roster() ([]lifecycle.RosterEntry, error) {
	entries := make([]lifecycle.RosterEntry, len(t.repo.roster))
	copy(entries, t.repo.roster)
	return entries, nil
}

func (t *mockActionTx) SaveVote(code string, role lifecycle.ActorRole, status lifecycle.ApprovalStatus, decidedAt time.Time) error {
	t.pendingVotes = append(t.pendingVotes, savedVote{code: code, role: role, status: status})
	return nil
}

func (t *mockActionTx) ResetVerifiers() error {
	t.pendingReset = true
	return nil
}

func (t *mockActionTx) SaveState(params persistence.WorkflowStateParams) error {
	t.pendingState = &params
	return nil
}

func (t *mockActionTx) UnansweredMandatory() (int, error) {
	return t.repo.unanswered, nil
}

// commit mirrors what the transaction would have persisted.
func (t *mockActionTx) commit() {
	r := t.repo
	for _, vote := range t.pendingVotes {
		for i := range r.roster {
			if r.roster[i].Code == vote.code && r.roster[i].Role == vote.role {
				r.roster[i].Status = vote.status
			}
		}
	}
	if t.pendingReset {
		r.roster = consensus.ResetVerifiers(r.roster)
		r.resetCalls++
	}
	if t.pendingState != nil {
		r.savedStates = append(r.savedStates, *t.pendingState)
		r.record.WorkStatus = t.pendingState.WorkStatus
		r.record.PermitStatus = t.pendingState.PermitStatus
		r.record.VerifierStatus = t.pendingState.VerifierStatus
		if t.pendingState.CancelReason != nil {
			r.record.CancelReason = *t.pendingState.CancelReason
		}
	}
}

type captureDispatcher struct {
	events []notify.Event
}

func (d *captureDispatcher) Dispatch(ctx context.Context, event notify.Event) error {
	d.events = append(d.events, event)
	return nil
}

type captureRenderer struct {
	requests []notify.RenderRequest
}

func (r *captureRenderer) Render(ctx context.Context, req notify.RenderRequest) ([]byte, error) {
	r.requests = append(r.requests, req)
	return []byte("permit document"), nil
}

func testActor(code string) actionctx.ActionContext {
	return actionctx.ActionContext{
		ActorKind: actionctx.ActorKindUser,
		ActorCode: code,
		ActorName: code,
		ClientID:  uuid.New(),
		SiteID:    uuid.New(),
	}
}

func permitRepo(approvers, verifiers []string) *mockRepository {
	verifierStatus := lifecycle.ApprovalNotRequired
	if len(verifiers) > 0 {
		verifierStatus = lifecycle.ApprovalPending
	}
	return &mockRepository{
		record: persistence.Record{
			ID:             uuid.New(),
			ClientID:       uuid.New(),
			Kind:           lifecycle.KindWorkPermit,
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   lifecycle.ApprovalPending,
			VerifierStatus: verifierStatus,
		},
		roster: consensus.Seed(approvers, verifiers, nil),
	}
}

func TestVoteValidation(t *testing.T) {
	t.Parallel()

	svc := New(&mockRepository{}, nil, nil, nil)

	_, err := svc.Vote(context.Background(), testActor("A1"), VoteInput{})

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "recordId")
	require.Contains(t, validationErr.Fields, "role")
	require.Contains(t, validationErr.Fields, "decision")
}

func TestVoteApproverUnanimity(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1", "A2"}, nil)
	dispatcher := &captureDispatcher{}
	svc := New(repository, dispatcher, nil, nil)
	ctx := context.Background()

	state, err := svc.Vote(ctx, testActor("A1"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})
	require.NoError(t, err)
	require.Equal(t, lifecycle.ApprovalPending, state.PermitStatus)
	require.Equal(t, lifecycle.WorkAssigned, state.WorkStatus)
	require.Empty(t, dispatcher.events)

	state, err = svc.Vote(ctx, testActor("A2"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})
	require.NoError(t, err)
	require.Equal(t, lifecycle.ApprovalApproved, state.PermitStatus)
	require.Equal(t, lifecycle.WorkInProgress, state.WorkStatus)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, notify.KindApproved, dispatcher.events[0].Kind)
	require.ElementsMatch(t, []string{"A1", "A2"}, dispatcher.events[0].Recipients)

	require.Len(t, repository.savedStates, 2)
	require.NotNil(t, repository.savedStates[1].StartedAt)
}

func TestVotePermitApprovalRequestsDocument(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	renderer := &captureRenderer{}
	svc := New(repository, nil, renderer, nil)

	_, err := svc.Vote(context.Background(), testActor("A1"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})
	require.NoError(t, err)

	require.Len(t, renderer.requests, 1)
	require.Equal(t, repository.record.ID, renderer.requests[0].RecordID)
	require.Equal(t, repository.record.ClientID, renderer.requests[0].ClientID)
}

func TestVoteRejectionRequestsNoDocument(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	renderer := &captureRenderer{}
	svc := New(repository, nil, renderer, nil)

	_, err := svc.Vote(context.Background(), testActor("A1"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalRejected,
	})
	require.NoError(t, err)
	require.Empty(t, renderer.requests)
}

func TestVoteApproverShortCircuitRejection(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1", "A2", "A3"}, nil)
	dispatcher := &captureDispatcher{}
	svc := New(repository, dispatcher, nil, nil)

	state, err := svc.Vote(context.Background(), testActor("A2"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalRejected,
	})
	require.NoError(t, err)
	require.Equal(t, lifecycle.ApprovalRejected, state.PermitStatus)
	require.Equal(t, lifecycle.WorkAssigned, state.WorkStatus)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, notify.KindRejected, dispatcher.events[0].Kind)
}

func TestVoteVerifierRejectionCancels(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, []string{"V1"})
	repository.record.WorkStatus = lifecycle.WorkCompleted
	repository.record.PermitStatus = lifecycle.ApprovalApproved
	dispatcher := &captureDispatcher{}
	svc := New(repository, dispatcher, nil, nil)

	state, err := svc.Vote(context.Background(), testActor("V1"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleVerifier,
		Decision: lifecycle.ApprovalRejected,
		Remark:   "pressure reading missing",
	})
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkCancelled, state.WorkStatus)
	require.Equal(t, lifecycle.ApprovalRejected, state.VerifierStatus)
	// The permit cycle restarts once the rejection is corrected.
	require.Equal(t, lifecycle.ApprovalPending, state.PermitStatus)
	require.Equal(t, "pressure reading missing", repository.record.CancelReason)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, notify.KindCancelled, dispatcher.events[0].Kind)
}

func TestVoteUnauthorizedActor(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	svc := New(repository, nil, nil, nil)

	_, err := svc.Vote(context.Background(), testActor("X9"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})
	require.ErrorIs(t, err, consensus.ErrNotAnAuthorizedVoter)
}

func TestVoteOnTerminalRecord(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	repository.record.WorkStatus = lifecycle.WorkCancelled
	svc := New(repository, nil, nil, nil)

	_, err := svc.Vote(context.Background(), testActor("A1"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})

	var illegal *statemachine.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	require.Equal(t, lifecycle.WorkCancelled, illegal.From)
}

func TestVoteOnSettledAggregate(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1", "A2"}, nil)
	repository.record.PermitStatus = lifecycle.ApprovalApproved
	repository.record.WorkStatus = lifecycle.WorkInProgress
	svc := New(repository, nil, nil, nil)

	_, err := svc.Vote(context.Background(), testActor("A2"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})

	var illegal *statemachine.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
}

func TestVoteOnChildRecord(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	parent := uuid.New()
	repository.record.ParentID = &parent
	svc := New(repository, nil, nil, nil)

	_, err := svc.Vote(context.Background(), testActor("A1"), VoteInput{
		RecordID: repository.record.ID,
		Role:     lifecycle.RoleApprover,
		Decision: lifecycle.ApprovalApproved,
	})

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "recordId")
}

func TestTransitionAccept(t *testing.T) {
	t.Parallel()

	repository := &mockRepository{
		record: persistence.Record{
			ID:             uuid.New(),
			Kind:           lifecycle.KindWorkOrder,
			WorkStatus:     lifecycle.WorkAssigned,
			PermitStatus:   lifecycle.ApprovalNotRequired,
			VerifierStatus: lifecycle.ApprovalNotRequired,
		},
	}
	svc := New(repository, nil, nil, nil)

	state, err := svc.Transition(context.Background(), testActor("W1"), TransitionInput{
		RecordID: repository.record.ID,
		Event:    statemachine.EventAccept,
	})
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkInProgress, state.WorkStatus)
	require.Len(t, repository.savedStates, 1)
	require.NotNil(t, repository.savedStates[0].StartedAt)
}

func TestTransitionSubmitBlockedByUnansweredMandatory(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	repository.record.WorkStatus = lifecycle.WorkInProgress
	repository.unanswered = 2
	svc := New(repository, nil, nil, nil)

	_, err := svc.Transition(context.Background(), testActor("W1"), TransitionInput{
		RecordID: repository.record.ID,
		Event:    statemachine.EventSubmit,
	})

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "details")
	require.Empty(t, repository.savedStates)
}

func TestTransitionDeclineRequiresReason(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	svc := New(repository, nil, nil, nil)

	_, err := svc.Transition(context.Background(), testActor("W1"), TransitionInput{
		RecordID: repository.record.ID,
		Event:    statemachine.EventDecline,
	})

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "cancelReason")
}

func TestTransitionDecline(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	dispatcher := &captureDispatcher{}
	svc := New(repository, dispatcher, nil, nil)

	state, err := svc.Transition(context.Background(), testActor("W1"), TransitionInput{
		RecordID:     repository.record.ID,
		Event:        statemachine.EventDecline,
		CancelReason: "crew unavailable",
	})
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkCancelled, state.WorkStatus)
	require.Equal(t, "crew unavailable", repository.record.CancelReason)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, notify.KindCancelled, dispatcher.events[0].Kind)
}

func TestTransitionIllegalFromTerminal(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	repository.record.WorkStatus = lifecycle.WorkClosed
	svc := New(repository, nil, nil, nil)

	_, err := svc.Transition(context.Background(), testActor("W1"), TransitionInput{
		RecordID: repository.record.ID,
		Event:    statemachine.EventAccept,
	})

	var illegal *statemachine.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
}

func TestReopenAfterVerifierRejection(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, []string{"V1"})
	repository.record.WorkStatus = lifecycle.WorkCancelled
	repository.record.PermitStatus = lifecycle.ApprovalApproved
	repository.record.VerifierStatus = lifecycle.ApprovalRejected
	dispatcher := &captureDispatcher{}
	svc := New(repository, dispatcher, nil, nil)

	state, err := svc.Reopen(context.Background(), testActor("S1"), repository.record.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkInProgress, state.WorkStatus)
	require.Equal(t, lifecycle.ApprovalPending, state.VerifierStatus)
	require.Equal(t, lifecycle.ApprovalApproved, state.PermitStatus)
	require.Equal(t, 1, repository.resetCalls)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, notify.KindApprovalPending, dispatcher.events[0].Kind)
}

func TestReopenBeforePermitApproval(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, []string{"V1"})
	repository.record.WorkStatus = lifecycle.WorkCancelled
	repository.record.PermitStatus = lifecycle.ApprovalPending
	repository.record.VerifierStatus = lifecycle.ApprovalRejected
	svc := New(repository, nil, nil, nil)

	state, err := svc.Reopen(context.Background(), testActor("S1"), repository.record.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkAssigned, state.WorkStatus)
}

func TestReopenNotReopenable(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, []string{"V1"})
	svc := New(repository, nil, nil, nil)

	_, err := svc.Reopen(context.Background(), testActor("S1"), repository.record.ID)
	require.ErrorIs(t, err, ErrNotReopenable)
}

func TestAppendRemarkValidation(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	svc := New(repository, nil, nil, nil)

	err := svc.AppendRemark(context.Background(), testActor("W1"), repository.record.ID, "   ")

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "remark")
}

func TestAppendRemarkOnTerminalRecord(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	repository.record.WorkStatus = lifecycle.WorkClosed
	svc := New(repository, nil, nil, nil)

	err := svc.AppendRemark(context.Background(), testActor("W1"), repository.record.ID, "  follow-up filed ")
	require.NoError(t, err)
	require.Equal(t, []string{"follow-up filed"}, repository.remarks)
}

func TestStateNotFound(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1"}, nil)
	svc := New(repository, nil, nil, nil)

	_, err := svc.State(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

// TestPermitFullCycle drives one permit through approval, execution,
// submission and verification end to end.
func TestPermitFullCycle(t *testing.T) {
	t.Parallel()

	repository := permitRepo([]string{"A1", "A2"}, []string{"V1"})
	dispatcher := &captureDispatcher{}
	svc := New(repository, dispatcher, nil, nil)
	ctx := context.Background()
	recordID := repository.record.ID

	// Both approvers clear the permit; work starts on the second vote.
	_, err := svc.Vote(ctx, testActor("A1"), VoteInput{RecordID: recordID, Role: lifecycle.RoleApprover, Decision: lifecycle.ApprovalApproved})
	require.NoError(t, err)
	state, err := svc.Vote(ctx, testActor("A2"), VoteInput{RecordID: recordID, Role: lifecycle.RoleApprover, Decision: lifecycle.ApprovalApproved})
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkInProgress, state.WorkStatus)

	// The crew submits, then the verifier signs off.
	state, err = svc.Transition(ctx, testActor("W1"), TransitionInput{RecordID: recordID, Event: statemachine.EventSubmit})
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkCompleted, state.WorkStatus)

	state, err = svc.Vote(ctx, testActor("V1"), VoteInput{RecordID: recordID, Role: lifecycle.RoleVerifier, Decision: lifecycle.ApprovalApproved})
	require.NoError(t, err)
	require.Equal(t, lifecycle.ApprovalApproved, state.VerifierStatus)
	require.Equal(t, lifecycle.WorkCompleted, state.WorkStatus)

	state, err = svc.Transition(ctx, testActor("S1"), TransitionInput{RecordID: recordID, Event: statemachine.EventClose})
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkClosed, state.WorkStatus)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, notify.KindApproved, dispatcher.events[0].Kind)
}
