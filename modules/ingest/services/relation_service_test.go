package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/pkg/queue"
)

func newRelationFixture() (*RelationService, *fakeAPI, *fakeLinkStore, *fakeSubscriptions, *fakePublisher, *RelationCache) {
	api := &fakeAPI{}
	links := &fakeLinkStore{}
	subs := &fakeSubscriptions{}
	pub := &fakePublisher{}
	cache := NewRelationCache(nil)
	svc := NewRelationService(api, cache, links, subs, pub, nil, RelationOptions{})
	return svc, api, links, subs, pub, cache
}

func TestEnsureRelationsCreatesMissingValuesOnce(t *testing.T) {
	t.Parallel()

	svc, api, _, _, pub, cache := newRelationFixture()

	payload := RelationPayload{
		Type: record.Contacts,
		Records: []record.Record{
			{"id": int64(1), "email": "a@example.com", "organization": "Acme Inc"},
			{"id": int64(2), "email": "b@example.com", "organization": " Acme Inc "},
		},
	}

	result, err := svc.EnsureRelations(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)

	// the duplicated name collapses to one create against the entity endpoint
	require.Len(t, api.creates, 1)
	assert.Equal(t, "organization", api.creates[0].entity)
	require.Len(t, api.creates[0].data, 1)
	assert.Equal(t, "Acme Inc", api.creates[0].data[0]["name"])

	entry, ok := cache.Get("organizations", "acme inc")
	require.True(t, ok)
	assert.NotZero(t, entry.ID)

	link := pub.byName(queue.JobLinkRelations)
	require.Len(t, link, 1)
	assert.Equal(t, queue.Relations, link[0].Queue)
}

func TestEnsureRelationsSkipsKnownValues(t *testing.T) {
	t.Parallel()

	svc, api, _, _, _, cache := newRelationFixture()
	cache.Set("organizations", "Acme Inc", CacheEntry{ID: 5})

	_, err := svc.EnsureRelations(context.Background(), RelationPayload{
		Type:    record.Contacts,
		Records: []record.Record{{"id": int64(1), "organization": "Acme Inc"}},
	})
	require.NoError(t, err)
	assert.Empty(t, api.creates)
}

func TestEnsureRelationsChunksLinkJobs(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	pub := &fakePublisher{}
	cache := NewRelationCache(nil)
	svc := NewRelationService(api, cache, &fakeLinkStore{}, nil, pub, nil, RelationOptions{LinkBatch: 2})

	records := []record.Record{
		{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}, {"id": int64(4)}, {"id": int64(5)},
	}
	_, err := svc.EnsureRelations(context.Background(), RelationPayload{Type: record.Contacts, Records: records})
	require.NoError(t, err)

	link := pub.byName(queue.JobLinkRelations)
	require.Len(t, link, 3)

	var first RelationPayload
	require.NoError(t, json.Unmarshal(link[0].Payload, &first))
	assert.Len(t, first.Records, 2)
}

func TestLinkRelationsWritesResolvedPairs(t *testing.T) {
	t.Parallel()

	svc, _, links, _, _, cache := newRelationFixture()
	cache.Set("organizations", "Acme Inc", CacheEntry{ID: 100})
	cache.Set("tags", "vip", CacheEntry{ID: 200})

	payload := RelationPayload{
		Type: record.Contacts,
		Records: []record.Record{
			{"id": int64(1), "organization": "Acme Inc", "tags": []any{"VIP"}},
			{"id": int64(2), "organization": "Acme Inc"},
		},
	}

	result, err := svc.LinkRelations(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)

	orgPairs := links.pairsFor("contacts_organization_lnk")
	require.Len(t, orgPairs, 2)
	for _, p := range orgPairs {
		assert.Equal(t, int64(100), p.RelatedID, "both contacts link to the same organization")
	}

	tagPairs := links.pairsFor("contacts_tags_lnk")
	require.Len(t, tagPairs, 1)
	assert.Equal(t, int64(200), tagPairs[0].RelatedID)
}

func TestLinkRelationsSkipsUnresolvedAndZeroIDs(t *testing.T) {
	t.Parallel()

	svc, _, links, _, _, _ := newRelationFixture()

	_, err := svc.LinkRelations(context.Background(), RelationPayload{
		Type: record.Contacts,
		Records: []record.Record{
			{"id": int64(1), "organization": "Unknown Org"},
			{"organization": "Acme Inc"}, // never created upstream, no id
		},
	})
	require.NoError(t, err)
	assert.Empty(t, links.inserts)
}

func TestLinkRelationsListMembership(t *testing.T) {
	t.Parallel()

	svc, _, links, _, _, cache := newRelationFixture()

	_, err := svc.LinkRelations(context.Background(), RelationPayload{
		Type:    record.Contacts,
		ListID:  7,
		Records: []record.Record{{"id": int64(1), "email": "a@example.com"}},
	})
	require.NoError(t, err)

	listPairs := links.pairsFor("contacts_lists_lnk")
	require.Len(t, listPairs, 1)
	assert.Equal(t, int64(7), listPairs[0].RelatedID)
	assert.Equal(t, []int64{7}, cache.ListsOf(1))
}

func TestLinkRelationsSubscribeAll(t *testing.T) {
	t.Parallel()

	svc, _, _, subs, _, _ := newRelationFixture()

	_, err := svc.LinkRelations(context.Background(), RelationPayload{
		Type:         record.Contacts,
		SubscribeAll: true,
		Records: []record.Record{
			{"id": int64(1)},
			{"id": int64(2)},
			{"email": "no-id@example.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, subs.ensured)
}

func TestLinkRelationsSubscribeFailureAborts(t *testing.T) {
	t.Parallel()

	svc, _, _, subs, _, _ := newRelationFixture()
	subs.ensureErr = errors.New("subscription table locked")

	_, err := svc.LinkRelations(context.Background(), RelationPayload{
		Type:         record.Contacts,
		SubscribeAll: true,
		Records:      []record.Record{{"id": int64(1)}},
	})
	require.Error(t, err)
}

func TestReplaceRelations(t *testing.T) {
	t.Parallel()

	svc, _, links, _, _, cache := newRelationFixture()
	cache.Set("tags", "vip", CacheEntry{ID: 200})

	result, err := svc.ReplaceRelations(context.Background(), RelationPayload{
		Type: record.Contacts,
		Records: []record.Record{
			{"id": int64(1), "tags": []any{"vip"}},
			{"id": int64(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)
	assert.Equal(t, []int64{1, 2}, links.replaceIDs)
	require.Len(t, links.replaced["tags"], 1)
}

func TestReplaceRelationsPropagatesFailure(t *testing.T) {
	t.Parallel()

	svc, _, links, _, _, _ := newRelationFixture()
	links.replaceErr = errors.New("deadlock detected")

	_, err := svc.ReplaceRelations(context.Background(), RelationPayload{
		Type:    record.Contacts,
		Records: []record.Record{{"id": int64(1)}},
	})
	require.ErrorIs(t, err, links.replaceErr)
}
