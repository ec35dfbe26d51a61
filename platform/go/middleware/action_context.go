package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldserve/backoffice/platform/go/actionctx"
	platformlogging "github.com/fieldserve/backoffice/platform/go/logging"
)

// Header names carrying the pre-resolved actor identity and tenancy scope.
// Authentication happens upstream (API gateway); by the time a request lands
// here the identity headers are trusted.
const (
	HeaderActorCode = "X-Actor-Code"
	HeaderActorName = "X-Actor-Name"
	HeaderClientID  = "X-Client-ID"
	HeaderSiteID    = "X-Site-ID"
	HeaderTZOffset  = "X-TZ-Offset"
)

// ActionContext populates the context with the request-scoped ActionContext so
// services stamp audit fields and scope queries without reading ambient state.
func ActionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := platformlogging.FromRequest(r, nil)
		requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)

		actx, err := fromHeaders(r, requestID)
		if err != nil {
			if logger != nil {
				logger.Warn("reject request with incomplete action context", zap.Error(err))
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx := actionctx.IntoContext(r.Context(), actx)
		if logger != nil {
			logger = logger.With(
				zap.String("actor_code", actx.ActorCode),
				zap.String("client_id", actx.ClientID.String()),
				zap.String("site_id", actx.SiteID.String()),
			)
			ctx = platformlogging.WithLogger(ctx, logger)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func fromHeaders(r *http.Request, requestID string) (actionctx.ActionContext, error) {
	actx := actionctx.ActionContext{
		ActorKind: actionctx.ActorKindUser,
		ActorCode: strings.TrimSpace(r.Header.Get(HeaderActorCode)),
		ActorName: strings.TrimSpace(r.Header.Get(HeaderActorName)),
		RequestID: requestID,
	}

	clientID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderClientID)))
	if err != nil {
		return actionctx.ActionContext{}, errInvalidHeader(HeaderClientID)
	}
	siteID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderSiteID)))
	if err != nil {
		return actionctx.ActionContext{}, errInvalidHeader(HeaderSiteID)
	}
	actx.ClientID = clientID
	actx.SiteID = siteID

	if raw := strings.TrimSpace(r.Header.Get(HeaderTZOffset)); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < -720 || offset > 840 {
			return actionctx.ActionContext{}, errInvalidHeader(HeaderTZOffset)
		}
		actx.TZOffsetMinutes = offset
	}

	if err := actx.Validate(); err != nil {
		return actionctx.ActionContext{}, err
	}

	return actx, nil
}

type headerError string

func (e headerError) Error() string { return "missing or invalid header " + string(e) }

func errInvalidHeader(name string) error { return headerError(name) }
