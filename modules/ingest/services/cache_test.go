package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
)

type fakeLoader struct {
	dictionaries map[string][]persistence.DictionaryRow
	contacts     []persistence.ContactRow
	membership   map[int64][]int64
	dictErr      error
}

func (f *fakeLoader) LoadDictionary(ctx context.Context, category string) ([]persistence.DictionaryRow, error) {
	if f.dictErr != nil {
		return nil, f.dictErr
	}
	return f.dictionaries[category], nil
}

func (f *fakeLoader) LoadContacts(ctx context.Context) ([]persistence.ContactRow, error) {
	return f.contacts, nil
}

func (f *fakeLoader) LoadListMembership(ctx context.Context) (map[int64][]int64, error) {
	return f.membership, nil
}

func TestCachePreload(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{
		dictionaries: map[string][]persistence.DictionaryRow{
			"organizations": {{ID: 1, DocumentID: "doc-org", Name: "Acme Inc"}},
			"tags":          {{ID: 2, Name: "VIP"}, {ID: 3, Name: ""}},
		},
		contacts: []persistence.ContactRow{
			{ID: 10, DocumentID: "doc-c", Email: "a@example.com", Phone: "+1 555 0100"},
		},
		membership: map[int64][]int64{7: {10}},
	}

	cache := NewRelationCache(nil)
	require.False(t, cache.Loaded())
	require.NoError(t, cache.Preload(context.Background(), loader))
	require.True(t, cache.Loaded())

	entry, ok := cache.Get("organizations", "acme inc")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.ID)

	_, ok = cache.Get("tags", "")
	assert.False(t, ok, "rows without a name are skipped")

	// contacts resolve by any identifying field
	byEmail, ok := cache.Get("contacts", "A@Example.com")
	require.True(t, ok)
	byPhone, ok2 := cache.Get("contacts", "+1 555 0100")
	require.True(t, ok2)
	assert.Equal(t, byEmail, byPhone)

	assert.Equal(t, []int64{7}, cache.ListsOf(10))
	assert.Empty(t, cache.ListsOf(99))
}

func TestCachePreloadPropagatesErrors(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{dictErr: errors.New("db down")}
	cache := NewRelationCache(nil)
	require.Error(t, cache.Preload(context.Background(), loader))
	require.False(t, cache.Loaded())
}

func TestCacheSetIsMonotonic(t *testing.T) {
	t.Parallel()

	cache := NewRelationCache(nil)
	cache.Set("tags", "VIP", CacheEntry{ID: 1})
	cache.Set("tags", " vip ", CacheEntry{ID: 2})

	entry, ok := cache.Get("tags", "vip")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.ID, "the first write wins")
	assert.Equal(t, 1, cache.Size("tags"))
}

func TestCacheMissing(t *testing.T) {
	t.Parallel()

	cache := NewRelationCache(nil)
	cache.Set("keywords", "press", CacheEntry{ID: 5})

	missing := cache.Missing("keywords", []string{"Press", "radio", "tv"})
	assert.Equal(t, []string{"radio", "tv"}, missing)
}

func TestCacheLookupEntity(t *testing.T) {
	t.Parallel()

	cache := NewRelationCache(nil)
	cache.Set("contacts", "a@example.com", CacheEntry{ID: 10, DocumentID: "doc-c"})
	cache.Set("organizations", "Acme Inc", CacheEntry{ID: 20, DocumentID: "doc-o"})

	// email missing, phone unknown, mobile matches nothing, linkedin hits
	cache.Set("contacts", "linkedin.com/in/b", CacheEntry{ID: 11})
	entry, ok := cache.LookupEntity(record.Contacts, record.Record{
		"phone":        "+999",
		"linkedin_url": "linkedin.com/in/b",
	})
	require.True(t, ok)
	assert.Equal(t, int64(11), entry.ID)

	entry, ok = cache.LookupEntity(record.Organizations, record.Record{"name": "ACME INC"})
	require.True(t, ok)
	assert.Equal(t, int64(20), entry.ID)

	_, ok = cache.LookupEntity(record.Contacts, record.Record{"email": "nobody@example.com"})
	assert.False(t, ok)
}

func TestCacheAddListMember(t *testing.T) {
	t.Parallel()

	cache := NewRelationCache(nil)
	cache.AddListMember(7, 10)
	cache.AddListMember(7, 10)
	assert.Equal(t, []int64{7}, cache.ListsOf(10))
}
