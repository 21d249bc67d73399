package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/softban/internal/pkg/httputil"
	"github.com/ignite/softban/internal/pkg/logger"
	"github.com/ignite/softban/internal/service/softban"
)

// BlockChecker is the block manager as seen by the HTTP layer.
type BlockChecker interface {
	IsBlocked(ctx context.Context, cache *softban.RequestCache, id string) bool
	ApplyBlock(ctx context.Context, cache *softban.RequestCache, id, reason string) time.Time
}

// CacheStore persists a session's request cache between requests.
type CacheStore interface {
	Load(ctx context.Context, sid string) (*softban.RequestCache, error)
	Save(ctx context.Context, sid string, cache *softban.RequestCache) error
}

// Guard rejects requests from blocked actors before they reach a handler.
type Guard struct {
	blocks   BlockChecker
	sessions CacheStore // nil means a fresh cache per request
	identity IdentityResolver
	now      func() time.Time
}

// NewGuard creates the guard middleware. sessions may be nil.
func NewGuard(blocks BlockChecker, sessions CacheStore, identity IdentityResolver) *Guard {
	return &Guard{blocks: blocks, sessions: sessions, identity: identity, now: time.Now}
}

// Middleware resolves the actor, attaches actor and request cache to the
// context, and answers 429 for blocked actors. A changed cache is saved back
// to the session store after the request.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := g.identity.Resolve(w, r)
		cache := g.loadCache(r.Context(), actor.SessionID)
		defer g.saveCache(r.Context(), actor.SessionID, cache)

		ctx := softban.WithCache(WithActor(r.Context(), actor), cache)

		if g.blocks.IsBlocked(ctx, cache, actor.ID) {
			until, _ := cache.CheckLocal(actor.ID)
			logger.Info("guard: rejected blocked actor", "actor", actor.ID, "path", r.URL.Path)
			httputil.TooManyRequests(w, "temporarily blocked", until, g.now())
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Guard) loadCache(ctx context.Context, sid string) *softban.RequestCache {
	if g.sessions == nil {
		return softban.NewRequestCache()
	}
	cache, err := g.sessions.Load(ctx, sid)
	if err != nil {
		logger.Warn("guard: session cache load failed, using empty cache", "session", sid, "error", err)
	}
	if cache == nil {
		cache = softban.NewRequestCache()
	}
	return cache
}

func (g *Guard) saveCache(ctx context.Context, sid string, cache *softban.RequestCache) {
	if g.sessions == nil || !cache.Dirty() {
		return
	}
	if err := g.sessions.Save(context.WithoutCancel(ctx), sid, cache); err != nil {
		logger.Warn("guard: session cache save failed", "session", sid, "error", err)
	}
}
