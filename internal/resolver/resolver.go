// Package resolver memoizes identity lookups against the message source.
//
// Only successful resolutions are cached: transient lookup failures are
// retried on every message instead of being remembered as permanent misses.
// The cache grows for the process lifetime, which is fine because the
// identifier space is the operator-curated users file.
package resolver

import (
	"context"
	"sync"

	"tgwatch/internal/rules"
	"tgwatch/internal/source"
	logx "tgwatch/pkg/logx"
)

// IdentityLookup is the slice of the source contract the resolver needs.
type IdentityLookup interface {
	ResolveIdentity(ctx context.Context, ref rules.UserRef) (source.UserMeta, error)
}

type Resolver struct {
	lookup IdentityLookup
	log    logx.Logger

	mu    sync.Mutex
	cache map[string]source.UserMeta
}

func New(lookup IdentityLookup, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		lookup: lookup,
		log:    log,
		cache:  map[string]source.UserMeta{},
	}
}

// Resolve returns the recipient descriptor for ref, consulting the cache
// first. A failed lookup is logged and reported as (zero, false); the caller
// treats it as "no match", never as fatal.
func (r *Resolver) Resolve(ctx context.Context, ref rules.UserRef) (source.UserMeta, bool) {
	key := ref.Key()

	r.mu.Lock()
	if u, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return u, true
	}
	r.mu.Unlock()

	u, err := r.lookup.ResolveIdentity(ctx, ref)
	if err != nil {
		r.log.Warn("identity lookup failed", logx.String("ref", ref.String()), logx.Err(err))
		return source.UserMeta{}, false
	}

	r.mu.Lock()
	r.cache[key] = u
	r.mu.Unlock()
	return u, true
}

// Size reports the number of cached identities (operational logging only).
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
