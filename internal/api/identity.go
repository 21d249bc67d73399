package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SessionActorPrefix marks identities derived from an anonymous session.
const SessionActorPrefix = "session:"

// Actor is the identity a request is evaluated under.
type Actor struct {
	// ID is the block key: the authenticated account id, or
	// "session:<sid>" when the request carries none.
	ID string
	// SessionID is the session cookie value, always set.
	SessionID string
}

// Anonymous reports whether the actor fell back to its session identity.
func (a Actor) Anonymous() bool { return strings.HasPrefix(a.ID, SessionActorPrefix) }

// IdentityResolver extracts the actor from a request.
type IdentityResolver struct {
	Header       string
	Cookie       string
	SecureCookie bool
}

// Resolve returns the request's actor, issuing a session cookie on w when the
// request has no valid one.
func (ir IdentityResolver) Resolve(w http.ResponseWriter, r *http.Request) Actor {
	sid := ""
	if c, err := r.Cookie(ir.Cookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			sid = id.String()
		}
	}
	if sid == "" {
		sid = uuid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     ir.Cookie,
			Value:    sid,
			Path:     "/",
			HttpOnly: true,
			Secure:   ir.SecureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}

	actor := Actor{ID: strings.TrimSpace(r.Header.Get(ir.Header)), SessionID: sid}
	if actor.ID == "" {
		actor.ID = SessionActorPrefix + sid
	}
	return actor
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor attached by the guard middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
