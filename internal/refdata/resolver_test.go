package refdata_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-ingest/engine/internal/model"
	"github.com/claims-ingest/engine/internal/refdata"
)

// fakeLookup is an in-memory refdata.Lookup double that counts how many
// times each method is invoked, so tests can assert on cache behavior.
type fakeLookup struct {
	mu         sync.Mutex
	rows       map[string]int64
	lookups    int
	inserts    int
	discovered []model.CodeDiscoveryAudit
	nextID     int64
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{rows: make(map[string]int64)}
}

func (f *fakeLookup) key(kind model.CodeKind, code string) string {
	return string(kind) + "|" + code
}

func (f *fakeLookup) LookupRefCode(_ context.Context, kind model.CodeKind, code string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	id, ok := f.rows[f.key(kind, code)]
	return id, ok, nil
}

func (f *fakeLookup) InsertRefCode(_ context.Context, kind model.CodeKind, code string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	f.nextID++
	f.rows[f.key(kind, code)] = f.nextID
	return f.nextID, nil
}

func (f *fakeLookup) RecordCodeDiscovery(_ context.Context, d model.CodeDiscoveryAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered = append(f.discovered, d)
	return nil
}

func TestResolve_CachesKnownCode(t *testing.T) {
	lookup := newFakeLookup()
	lookup.rows[lookup.key(model.CodePayer, "PAY-1")] = 42

	r := refdata.New(lookup, false, 0)
	scope := r.PerFileCache()

	id, err := scope.Resolve(context.Background(), model.CodePayer, "PAY-1")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.EqualValues(t, 42, *id)

	// A second resolve of the same code, even from a fresh file scope,
	// should hit the process cache and not re-query storage.
	scope2 := r.PerFileCache()
	_, err = scope2.Resolve(context.Background(), model.CodePayer, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.lookups, "expected exactly one storage lookup, rest served from cache")
}

func TestResolve_PerFileMemoization(t *testing.T) {
	lookup := newFakeLookup()
	lookup.rows[lookup.key(model.CodePayer, "PAY-1")] = 7

	r := refdata.New(lookup, false, 0)
	scope := r.PerFileCache()

	for i := 0; i < 5; i++ {
		_, err := scope.Resolve(context.Background(), model.CodePayer, "PAY-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, lookup.lookups, "five resolves within one file scope should query storage once")
}

func TestResolve_UnknownCodeWithoutAutoInsertReturnsNil(t *testing.T) {
	lookup := newFakeLookup()
	r := refdata.New(lookup, false, 0)
	scope := r.PerFileCache()

	id, err := scope.Resolve(context.Background(), model.CodeDenial, "CO-999")
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, 0, lookup.inserts)
	require.Len(t, lookup.discovered, 1)
	assert.False(t, lookup.discovered[0].AutoInserted)
	assert.Equal(t, "CO-999", lookup.discovered[0].Code)
}

func TestResolve_UnknownCodeWithAutoInsertCreatesRow(t *testing.T) {
	lookup := newFakeLookup()
	r := refdata.New(lookup, true, 0)
	scope := r.PerFileCache()

	id, err := scope.Resolve(context.Background(), model.CodeActivity, "99213")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, 1, lookup.inserts)
	require.Len(t, lookup.discovered, 1)
	assert.True(t, lookup.discovered[0].AutoInserted)
}

func TestResolve_CacheEvictsAfterRefreshWindow(t *testing.T) {
	lookup := newFakeLookup()
	lookup.rows[lookup.key(model.CodePayer, "PAY-1")] = 1

	r := refdata.New(lookup, false, 10*time.Millisecond)
	scope := r.PerFileCache()

	_, err := scope.Resolve(context.Background(), model.CodePayer, "PAY-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	scope2 := r.PerFileCache()
	_, err = scope2.Resolve(context.Background(), model.CodePayer, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.lookups, "cache should be dropped once the refresh window elapses")
}
