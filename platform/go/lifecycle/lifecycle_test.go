package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordKindValid(t *testing.T) {
	t.Parallel()

	require.True(t, KindWorkOrder.Valid())
	require.True(t, KindWorkPermit.Valid())
	require.True(t, KindSLAAssessment.Valid())
	require.False(t, RecordKind("").Valid())
	require.False(t, RecordKind("INSPECTION").Valid())
}

func TestRecordKindCarriesApprovalWorkflow(t *testing.T) {
	t.Parallel()

	require.True(t, KindWorkPermit.CarriesApprovalWorkflow())
	require.True(t, KindSLAAssessment.CarriesApprovalWorkflow())
	require.False(t, KindWorkOrder.CarriesApprovalWorkflow())
}

func TestPayloadFor(t *testing.T) {
	t.Parallel()

	_, ok := PayloadFor(RecordKind("INSPECTION"))
	require.False(t, ok)

	order, ok := PayloadFor(KindWorkOrder)
	require.True(t, ok)
	require.False(t, order.RequiresRoster())
	require.False(t, order.AllocatesPermit())
	permit, verifier := order.InitialStatuses(true)
	require.Equal(t, ApprovalNotRequired, permit)
	require.Equal(t, ApprovalNotRequired, verifier)

	for _, kind := range []RecordKind{KindWorkPermit, KindSLAAssessment} {
		payload, ok := PayloadFor(kind)
		require.True(t, ok)
		require.Equal(t, kind, payload.Kind())
		require.True(t, payload.RequiresRoster())
		require.True(t, payload.AllocatesPermit())

		permit, verifier := payload.InitialStatuses(false)
		require.Equal(t, ApprovalPending, permit)
		require.Equal(t, ApprovalNotRequired, verifier)

		permit, verifier = payload.InitialStatuses(true)
		require.Equal(t, ApprovalPending, permit)
		require.Equal(t, ApprovalPending, verifier)
	}
}

func TestWorkStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, WorkClosed.Terminal())
	require.True(t, WorkCancelled.Terminal())
	require.False(t, WorkAssigned.Terminal())
	require.False(t, WorkReassigned.Terminal())
	require.False(t, WorkInProgress.Terminal())
	require.False(t, WorkCompleted.Terminal())
}

func TestActorRoleValid(t *testing.T) {
	t.Parallel()

	require.True(t, RoleApprover.Valid())
	require.True(t, RoleVerifier.Valid())
	require.False(t, ActorRole("auditor").Valid())
}

func TestAlertBreached(t *testing.T) {
	t.Parallel()

	min := 10.0
	max := 100.0

	tests := []struct {
		name     string
		answer   string
		min      *float64
		max      *float64
		flag     bool
		breached bool
	}{
		{name: "below minimum", answer: "5", min: &min, max: &max, flag: true, breached: true},
		{name: "above maximum", answer: "120.5", min: &min, max: &max, flag: true, breached: true},
		{name: "within range", answer: "55", min: &min, max: &max, flag: true, breached: false},
		{name: "boundary is not a breach", answer: "10", min: &min, max: &max, flag: true, breached: false},
		{name: "padded numeric answer", answer: " 7 ", min: &min, flag: true, breached: true},
		{name: "flag off suppresses breach", answer: "5", min: &min, max: &max, flag: false, breached: false},
		{name: "non-numeric answer never breaches", answer: "N/A", min: &min, max: &max, flag: true, breached: false},
		{name: "no bounds configured", answer: "9999", flag: true, breached: false},
		{name: "max only", answer: "120", max: &max, flag: true, breached: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.breached, AlertBreached(tc.answer, tc.min, tc.max, tc.flag))
		})
	}
}
