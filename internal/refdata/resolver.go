// Package refdata resolves business reference codes (payer, provider,
// facility, clinician, activity, diagnosis, denial) to surrogate IDs. The
// cache is process-local, refreshed on a bounded schedule and on miss;
// auto-insert is serialized per code via a unique-constraint upsert so two
// workers discovering the same new code at once converge on one row.
package refdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/claims-ingest/engine/internal/model"
)

// Lookup is the minimal storage contract this package needs: look a code
// up by kind, and optionally create a minimal row for it. A concrete
// storage backend implements this directly.
type Lookup interface {
	LookupRefCode(ctx context.Context, kind model.CodeKind, code string) (id int64, found bool, err error)
	InsertRefCode(ctx context.Context, kind model.CodeKind, code string) (id int64, err error)
	RecordCodeDiscovery(ctx context.Context, d model.CodeDiscoveryAudit) error
}

// Resolver resolves a (kind, code) pair to a surrogate ID, honoring the
// auto_insert configuration option. Resolution happens once per file and is
// memoized via PerFileCache, while a longer-lived process cache avoids a
// lookup per file for frequently-seen codes.
type Resolver struct {
	store      Lookup
	autoInsert bool
	refresh    time.Duration

	mu        sync.RWMutex
	cache     map[cacheKey]int64
	lastReset time.Time
}

type cacheKey struct {
	kind model.CodeKind
	code string
}

// New builds a Resolver. refresh bounds how long a cached miss-free entry
// is trusted before the process cache is dropped and repopulated from
// storage; zero disables time-based eviction (the cache has no capacity
// bound, so only a restart clears it).
func New(store Lookup, autoInsert bool, refresh time.Duration) *Resolver {
	return &Resolver{
		store:      store,
		autoInsert: autoInsert,
		refresh:    refresh,
		cache:      make(map[cacheKey]int64),
		lastReset:  time.Now(),
	}
}

// PerFileCache returns a scope that memoizes resolutions for the duration
// of processing one file, per the "resolution happens once and is
// memoized per file" tie-break rule.
func (r *Resolver) PerFileCache() *FileScope {
	return &FileScope{resolver: r, seen: make(map[cacheKey]*int64)}
}

// FileScope is a short-lived memoization layer over one Resolver for the
// lifetime of mapping a single file.
type FileScope struct {
	resolver *Resolver
	seen     map[cacheKey]*int64
}

// Resolve returns the surrogate id for (kind, code), or nil if unresolved
// and auto_insert is false. It never returns an error for a clean miss;
// errors are reserved for storage failures.
func (f *FileScope) Resolve(ctx context.Context, kind model.CodeKind, code string) (*int64, error) {
	key := cacheKey{kind, code}
	if id, ok := f.seen[key]; ok {
		return id, nil
	}
	id, err := f.resolver.resolve(ctx, kind, code)
	if err != nil {
		return nil, err
	}
	f.seen[key] = id
	return id, nil
}

func (r *Resolver) resolve(ctx context.Context, kind model.CodeKind, code string) (*int64, error) {
	r.maybeEvict()

	key := cacheKey{kind, code}
	r.mu.RLock()
	if id, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return &id, nil
	}
	r.mu.RUnlock()

	id, found, err := r.store.LookupRefCode(ctx, kind, code)
	if err != nil {
		return nil, fmt.Errorf("refdata: looking up %s %q: %w", kind, code, err)
	}
	if found {
		r.put(key, id)
		return &id, nil
	}

	if !r.autoInsert {
		if err := r.store.RecordCodeDiscovery(ctx, model.CodeDiscoveryAudit{Code: code, Kind: kind, AutoInserted: false, SeenAt: time.Now()}); err != nil {
			return nil, fmt.Errorf("refdata: recording discovery for %s %q: %w", kind, code, err)
		}
		return nil, nil
	}

	id, err = r.store.InsertRefCode(ctx, kind, code)
	if err != nil {
		return nil, fmt.Errorf("refdata: auto-inserting %s %q: %w", kind, code, err)
	}
	if err := r.store.RecordCodeDiscovery(ctx, model.CodeDiscoveryAudit{Code: code, Kind: kind, AutoInserted: true, SeenAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("refdata: recording discovery for %s %q: %w", kind, code, err)
	}
	r.put(key, id)
	return &id, nil
}

func (r *Resolver) put(key cacheKey, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = id
}

func (r *Resolver) maybeEvict() {
	if r.refresh <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastReset) >= r.refresh {
		r.cache = make(map[cacheKey]int64)
		r.lastReset = time.Now()
	}
}
