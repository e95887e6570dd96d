package loom

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PreAuthGuardContext is the context for guards that run before
// identity extraction. No identity is available yet.
type PreAuthGuardContext struct {
	Controller string
	Method     string
	Headers    http.Header
	URI        *url.URL
	PathParams map[string]string
	State      any
}

// GuardContext is the context for post-auth guards. Identity is
// NoIdentity on routes without an identity requirement.
type GuardContext struct {
	Controller string
	Method     string
	Headers    http.Header
	URI        *url.URL
	PathParams map[string]string
	Identity   Identity
	Remote     string
	State      any
}

// Guard is a pre-handler predicate. Returning an error short-circuits
// the handler; a *Reject keeps its status and body, anything else is
// a 500. Guards run after identity extraction and before any managed
// resource is acquired.
type Guard interface {
	Check(ctx context.Context, gc *GuardContext) error
}

// GuardFunc adapts a function to the Guard interface.
type GuardFunc func(ctx context.Context, gc *GuardContext) error

func (f GuardFunc) Check(ctx context.Context, gc *GuardContext) error {
	return f(ctx, gc)
}

// PreAuthGuard runs before identity extraction, wrapped around the
// route as transport middleware.
type PreAuthGuard interface {
	Check(ctx context.Context, gc *PreAuthGuardContext) error
}

// PreAuthGuardFunc adapts a function to the PreAuthGuard interface.
type PreAuthGuardFunc func(ctx context.Context, gc *PreAuthGuardContext) error

func (f PreAuthGuardFunc) Check(ctx context.Context, gc *PreAuthGuardContext) error {
	return f(ctx, gc)
}

// RolesGuard approves when the identity carries any one of the
// required roles. It requires an identity: anonymous requests are
// rejected with 401, role mismatches with 403.
type RolesGuard struct {
	Required []string
}

// RequireRoles builds a RolesGuard.
func RequireRoles(roles ...string) *RolesGuard {
	return &RolesGuard{Required: roles}
}

func (g *RolesGuard) Check(_ context.Context, gc *GuardContext) error {
	if gc.Identity == nil {
		return RejectJSON(http.StatusUnauthorized, "authentication required")
	}
	if _, anonymous := gc.Identity.(NoIdentity); anonymous {
		return RejectJSON(http.StatusUnauthorized, "authentication required")
	}
	if !HasAnyRole(gc.Identity, g.Required) {
		return RejectJSON(http.StatusForbidden, "insufficient role")
	}
	return nil
}

// RateLimitGuard rejects with 429 once a caller exceeds max requests
// per window. Callers are keyed by identity subject, falling back to
// X-Forwarded-For and then the remote address for anonymous traffic.
type RateLimitGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// RateLimit builds a guard allowing max requests per window.
func RateLimit(max int, window time.Duration) *RateLimitGuard {
	return &RateLimitGuard{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(max) / window.Seconds()),
		burst:    max,
	}
}

func (g *RateLimitGuard) Check(_ context.Context, gc *GuardContext) error {
	key := ""
	if gc.Identity != nil {
		key = gc.Identity.Sub()
	}
	if key == "" {
		key = gc.Headers.Get("X-Forwarded-For")
	}
	if key == "" {
		key = gc.Remote
	}

	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()

	if !limiter.Allow() {
		return RejectJSON(http.StatusTooManyRequests, "rate limit exceeded")
	}
	return nil
}
