package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

func TestApplyAcceptFromAssigned(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	for _, from := range []lifecycle.WorkStatus{lifecycle.WorkAssigned, lifecycle.WorkReassigned} {
		result, err := Apply(from, EventAccept, now)
		require.NoError(t, err)
		require.Equal(t, lifecycle.WorkInProgress, result.WorkStatus)
		require.NotNil(t, result.StartedAt)
		require.Equal(t, now, *result.StartedAt)
		require.Nil(t, result.EndedAt)
		require.False(t, result.Declined)
	}
}

func TestApplyDeclineFromAssigned(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	for _, from := range []lifecycle.WorkStatus{lifecycle.WorkAssigned, lifecycle.WorkReassigned} {
		result, err := Apply(from, EventDecline, now)
		require.NoError(t, err)
		require.Equal(t, lifecycle.WorkCancelled, result.WorkStatus)
		require.True(t, result.Declined)
		require.Nil(t, result.StartedAt)
	}
}

func TestApplySubmitAndClose(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	submitted, err := Apply(lifecycle.WorkInProgress, EventSubmit, now)
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkCompleted, submitted.WorkStatus)
	require.NotNil(t, submitted.EndedAt)

	closed, err := Apply(submitted.WorkStatus, EventClose, now)
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkClosed, closed.WorkStatus)
	require.NotNil(t, closed.ClosedAt)
}

func TestApplyIllegalTransitions(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	cases := []struct {
		from  lifecycle.WorkStatus
		event Event
	}{
		{lifecycle.WorkAssigned, EventSubmit},
		{lifecycle.WorkAssigned, EventClose},
		{lifecycle.WorkInProgress, EventAccept},
		{lifecycle.WorkInProgress, EventDecline},
		{lifecycle.WorkInProgress, EventClose},
		{lifecycle.WorkCompleted, EventAccept},
		{lifecycle.WorkCompleted, EventSubmit},
		{lifecycle.WorkClosed, EventAccept},
		{lifecycle.WorkClosed, EventClose},
		{lifecycle.WorkCancelled, EventAccept},
		{lifecycle.WorkCancelled, EventSubmit},
	}

	for _, tc := range cases {
		_, err := Apply(tc.from, tc.event, now)
		require.Error(t, err, "%s from %s", tc.event, tc.from)

		var illegal *IllegalTransitionError
		require.True(t, errors.As(err, &illegal))
		require.Equal(t, tc.from, illegal.From)
		require.Equal(t, tc.event, illegal.Event)
	}
}

func TestGuardMutable(t *testing.T) {
	t.Parallel()

	require.NoError(t, GuardMutable(lifecycle.WorkAssigned))
	require.NoError(t, GuardMutable(lifecycle.WorkReassigned))
	require.NoError(t, GuardMutable(lifecycle.WorkInProgress))
	require.NoError(t, GuardMutable(lifecycle.WorkCompleted))

	var illegal *IllegalTransitionError
	require.True(t, errors.As(GuardMutable(lifecycle.WorkClosed), &illegal))
	require.True(t, errors.As(GuardMutable(lifecycle.WorkCancelled), &illegal))
}

func TestApplyPermitApproval(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	result, err := ApplyPermitApproval(lifecycle.WorkAssigned, now)
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkInProgress, result.WorkStatus)
	require.NotNil(t, result.StartedAt)

	_, err = ApplyPermitApproval(lifecycle.WorkCancelled, now)
	var illegal *IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
}

func TestApplyVerifierRejection(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	result, err := ApplyVerifierRejection(lifecycle.WorkInProgress, now)
	require.NoError(t, err)
	require.Equal(t, lifecycle.WorkCancelled, result.WorkStatus)

	_, err = ApplyVerifierRejection(lifecycle.WorkClosed, now)
	var illegal *IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
}

func TestEventValid(t *testing.T) {
	t.Parallel()

	require.True(t, EventAccept.Valid())
	require.True(t, EventDecline.Valid())
	require.True(t, EventSubmit.Valid())
	require.True(t, EventClose.Valid())
	require.False(t, Event("reopen").Valid())
	require.False(t, Event("").Valid())
}
