// Package access implements the per-sender permission check and rate
// limiter every accepted event passes through before it reaches the
// dispatch queue (component C5). Both checks default-deny: a transport
// error talking to the collaborator-permission endpoint is treated as a
// rejection, never a silent pass.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentdock/hostd/internal/ghapi"
)

// rank orders GitHub's collaborator-permission levels from weakest to
// strongest so a policy's MinPermission can be compared numerically.
var rank = map[string]int{
	"none":     0,
	"read":     1,
	"triage":   2,
	"write":    3,
	"maintain": 4,
	"admin":    5,
}

// Policy tunes both halves of the gate for a single check.
type Policy struct {
	MinPermission    string
	AllowExternal    bool
	RateLimitPerUser int
	RateLimitWindow  time.Duration
}

// PermissionLookup is the subset of the GitHub REST surface the gate needs;
// satisfied by *ghapi.Client in production and a fake in tests.
type PermissionLookup interface {
	GetCollaboratorPermission(ctx context.Context, auth ghapi.Auth, owner, repo, sender string) (*ghapi.CollaboratorPermission, error)
}

// Gate combines the permission check and the rate limiter behind one entry point.
type Gate struct {
	api     PermissionLookup
	limiter *RateLimiter
}

// New builds a Gate around api, starting the rate limiter's idle-bucket reaper.
func New(api PermissionLookup) *Gate {
	return &Gate{api: api, limiter: NewRateLimiter()}
}

// Close stops the rate limiter's background reaper.
func (g *Gate) Close() { g.limiter.Close() }

// Decision is the outcome of a single Check call.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Check runs the permission lookup then the rate limiter, in that order —
// an unauthorized sender never burns a rate-limit slot.
func (g *Gate) Check(ctx context.Context, auth ghapi.Auth, owner, repo, sender, repoPrefix string, policy Policy) (Decision, error) {
	allowed, reason, err := g.checkPermission(ctx, auth, owner, repo, sender, policy)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		return Decision{Allowed: false, Reason: reason}, nil
	}

	if ok, retryAfter := g.limiter.Allow(sender, repoPrefix, policy.RateLimitPerUser, policy.RateLimitWindow); !ok {
		return Decision{Allowed: false, Reason: "rate limited", RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true}, nil
}

// checkPermission consults the platform's collaborator-permission endpoint
// and compares the reported rank against policy.MinPermission. A 404
// (sender is not a collaborator) is accepted only when AllowExternal is
// set; any other transport error is a closed-fail.
func (g *Gate) checkPermission(ctx context.Context, auth ghapi.Auth, owner, repo, sender string, policy Policy) (bool, string, error) {
	minPerm := policy.MinPermission
	if minPerm == "" {
		minPerm = "triage"
	}
	minRank, ok := rank[minPerm]
	if !ok {
		return false, "", fmt.Errorf("unknown minimum permission %q", minPerm)
	}

	perm, err := g.api.GetCollaboratorPermission(ctx, auth, owner, repo, sender)
	if err != nil {
		if apiErr, ok := err.(*ghapi.APIError); ok && apiErr.Status == 404 {
			if policy.AllowExternal {
				return true, "", nil
			}
			return false, "not a collaborator", nil
		}
		return false, "", fmt.Errorf("check collaborator permission: %w", err)
	}

	senderRank, ok := rank[perm.Permission]
	if !ok {
		return false, fmt.Sprintf("unrecognized permission level %q", perm.Permission), nil
	}
	if senderRank < minRank {
		return false, fmt.Sprintf("permission %q below required %q", perm.Permission, minPerm), nil
	}
	return true, "", nil
}

// bucket is one sender's sliding window of recent request timestamps for one repo.
type bucket struct {
	mu        sync.Mutex
	hits      []time.Time
	lastSeen  time.Time
}

// RateLimiter enforces a token-bucket-style sliding window per
// (sender, repo-prefix) pair, with a background reaper that drops buckets
// idle for longer than idleEvict.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	done chan struct{}
}

const idleEvict = 2 * time.Hour
const reapInterval = 10 * time.Minute

// NewRateLimiter builds a RateLimiter and starts its reaper goroutine.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go rl.reapLoop()
	return rl
}

// Close stops the reaper goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stop)
	<-rl.done
}

func (rl *RateLimiter) key(sender, repoPrefix string) string { return sender + "@" + repoPrefix }

// Allow records one attempt for (sender, repoPrefix) and reports whether it
// fits within capacity over window. On rejection, retryAfter is the time
// until the oldest entry in the window expires.
func (rl *RateLimiter) Allow(sender, repoPrefix string, capacity int, window time.Duration) (bool, time.Duration) {
	if capacity <= 0 {
		capacity = 10
	}
	if window <= 0 {
		window = time.Hour
	}

	key := rl.key(sender, repoPrefix)
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastSeen = now
	cutoff := now.Add(-window)

	kept := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hits = kept

	if len(b.hits) >= capacity {
		retryAfter := window - now.Sub(b.hits[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	b.hits = append(b.hits, now)
	return true, 0
}

func (rl *RateLimiter) reapLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.reapOnce()
		}
	}
}

func (rl *RateLimiter) reapOnce() {
	cutoff := time.Now().Add(-idleEvict)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, key)
		}
	}
}
