package actionctx

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := ActionContext{
		ActorKind: ActorKindUser,
		ActorCode: "U100",
		ClientID:  uuid.New(),
		SiteID:    uuid.New(),
	}
	require.NoError(t, valid.Validate())

	missingActor := valid
	missingActor.ActorCode = "  "
	require.EqualError(t, missingActor.Validate(), "actor code is required")

	missingClient := valid
	missingClient.ClientID = uuid.Nil
	require.EqualError(t, missingClient.Validate(), "client id is required")

	missingSite := valid
	missingSite.SiteID = uuid.Nil
	require.EqualError(t, missingSite.Validate(), "site id is required")
}

func TestLocalTime(t *testing.T) {
	t.Parallel()

	instant := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	ist := ActionContext{TZOffsetMinutes: 330}
	require.Equal(t, time.Date(2026, time.March, 1, 17, 30, 0, 0, time.UTC), ist.LocalTime(instant))

	west := ActionContext{TZOffsetMinutes: -300}
	require.Equal(t, time.Date(2026, time.March, 1, 7, 0, 0, 0, time.UTC), west.LocalTime(instant))

	utc := ActionContext{}
	require.Equal(t, instant, utc.LocalTime(instant))
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	actx := ActionContext{ActorKind: ActorKindDevice, ActorCode: "TAB-7", ClientID: uuid.New(), SiteID: uuid.New()}
	ctx := IntoContext(context.Background(), actx)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, actx, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}

func TestFromContextOrSystem(t *testing.T) {
	t.Parallel()

	fallback := FromContextOrSystem(context.Background())
	require.Equal(t, ActorKindSystem, fallback.ActorKind)
	require.Equal(t, "system", fallback.ActorCode)

	actx := ActionContext{ActorKind: ActorKindUser, ActorCode: "U1", ClientID: uuid.New(), SiteID: uuid.New()}
	require.Equal(t, actx, FromContextOrSystem(IntoContext(context.Background(), actx)))
}
