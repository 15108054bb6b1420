package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
)

func actionItems(n int) []ActionItem {
	items := make([]ActionItem, n)
	for i := range items {
		items[i] = ActionItem{ID: int64(i + 1), DocumentID: fmt.Sprintf("doc-%d", i+1)}
	}
	return items
}

func TestDeletionChunksAndContinuesOnFailure(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	svc := NewDeletionService(api, nil, ActionOptions{DeleteChunkSize: 1000})

	result, err := svc.Run(context.Background(), DeleteBatchPayload{
		Entity: "contacts",
		Items:  actionItems(2300),
	})
	require.NoError(t, err)
	require.Len(t, api.deleted, 3)
	assert.Len(t, api.deleted[0], 1000)
	assert.Len(t, api.deleted[2], 300)
	assert.Equal(t, 2300, result.SuccessCount)
}

func TestDeletionRecordsFailedChunk(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{deleteErr: errors.New("gateway timeout")}
	svc := NewDeletionService(api, nil, ActionOptions{DeleteChunkSize: 10})

	result, err := svc.Run(context.Background(), DeleteBatchPayload{
		Entity: "contacts",
		Items:  actionItems(25),
	})
	require.NoError(t, err, "chunk failures never fail the job")
	assert.Zero(t, result.SuccessCount)
	assert.Equal(t, 25, result.FailedCount)
	assert.Len(t, result.FailedItems, 25)
}

func TestAnonymizeClearsPII(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	svc := NewAnonymizeService(api, nil, ActionOptions{})

	result, err := svc.Run(context.Background(), AnonymizeBatchPayload{
		Entity: "contacts",
		Items:  actionItems(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)

	require.Len(t, api.updates, 1)
	row := api.updates[0].data[0]
	assert.Equal(t, "doc-1", row[record.FieldDocumentID])
	for _, f := range []string{"email", "phone", "first_name", "linkedin_url"} {
		v, ok := row[f]
		require.True(t, ok, "field %s must be present", f)
		assert.Nil(t, v, "field %s must be cleared", f)
	}
}

// fakePairLinker skips a configurable set of ids on first insert and
// accepts everything on reinsert.
type fakePairLinker struct {
	mu        sync.Mutex
	skipOnce  map[int64]struct{}
	inserts   [][]persistence.LinkPair
	deletions [][]int64
}

func (f *fakePairLinker) InsertPairsReturning(ctx context.Context, cfg record.JoinConfig, pairs []persistence.LinkPair) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, pairs)
	var out []int64
	for _, p := range pairs {
		if _, skip := f.skipOnce[p.EntityID]; skip {
			delete(f.skipOnce, p.EntityID)
			continue
		}
		out = append(out, p.EntityID)
	}
	return out, nil
}

func (f *fakePairLinker) DeletePairs(ctx context.Context, cfg record.JoinConfig, leftIDs []int64, relatedID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletions = append(f.deletions, leftIDs)
	return nil
}

func TestLinkActionRetriesConflictSkips(t *testing.T) {
	t.Parallel()

	linker := &fakePairLinker{skipOnce: map[int64]struct{}{2: {}, 3: {}}}
	svc := NewLinkActionService(linker, record.ContactJoins[record.CategoryLists], true, ActionOptions{LinkChunkSize: 100})

	result, err := svc.Run(context.Background(), LinkBatchPayload{
		Entity:   "contacts",
		Items:    actionItems(4),
		TargetID: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.UpdatedCount)

	require.Len(t, linker.deletions, 1)
	assert.ElementsMatch(t, []int64{2, 3}, linker.deletions[0])
	require.Len(t, linker.inserts, 2)
	assert.Len(t, linker.inserts[1], 2, "only the skipped pairs are reinserted")
}

func TestLinkActionWithoutRetryAcceptsSkips(t *testing.T) {
	t.Parallel()

	linker := &fakePairLinker{skipOnce: map[int64]struct{}{1: {}}}
	svc := NewLinkActionService(linker, record.ContactJoins["organizations"], false, ActionOptions{})

	result, err := svc.Run(context.Background(), LinkBatchPayload{
		Entity:   "contacts",
		Items:    actionItems(3),
		TargetID: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)
	assert.Empty(t, linker.deletions)
	assert.Len(t, linker.inserts, 1)
}

func TestUpdateActionAppliesFieldValue(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	svc := NewUpdateActionService(api, nil, ActionOptions{})

	result, err := svc.Run(context.Background(), UpdateBatchPayload{
		Entity: "contacts",
		Items:  actionItems(2),
		Field:  "email_status",
		Value:  "invalid",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)

	row := api.updates[0].data[1]
	assert.Equal(t, "doc-2", row[record.FieldDocumentID])
	assert.Equal(t, "invalid", row["email_status"])
}

// fakeMaintainer tracks subscription calls per chunk.
type fakeMaintainer struct {
	mu          sync.Mutex
	subscribed  [][]int64
	unsubbed    [][]int64
	events      []int64
	typeCalls   int
	eventErr    error
	basicTypeID int64
}

func (f *fakeMaintainer) BasicTypeID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typeCalls++
	return f.basicTypeID, nil
}

func (f *fakeMaintainer) Subscribe(ctx context.Context, contactIDs []int64, channelID, typeID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, contactIDs)
	return int64(len(contactIDs)), nil
}

func (f *fakeMaintainer) Unsubscribe(ctx context.Context, contactIDs []int64, channelID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, contactIDs)
	return int64(len(contactIDs)), nil
}

func (f *fakeMaintainer) RecordUnsubscribeEvent(ctx context.Context, contactID, channelID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventErr != nil {
		return f.eventErr
	}
	f.events = append(f.events, contactID)
	return nil
}

func TestSubscriptionActionSubscribes(t *testing.T) {
	t.Parallel()

	subs := &fakeMaintainer{basicTypeID: 3}
	svc := NewSubscriptionActionService(subs, ActionOptions{SubscribeChunk: 100})

	ids := make([]int64, 250)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	result, err := svc.Run(context.Background(), SubscriptionBatchPayload{
		ContactIDs:  ids,
		ChannelID:   4,
		IsSubscribe: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 250, result.UpdatedCount)
	assert.Len(t, subs.subscribed, 3)
	assert.Equal(t, 1, subs.typeCalls, "the default type is resolved once per batch")
	assert.Empty(t, subs.unsubbed)
}

func TestSubscriptionActionUnsubscribeWithEvents(t *testing.T) {
	t.Parallel()

	subs := &fakeMaintainer{}
	svc := NewSubscriptionActionService(subs, ActionOptions{})

	result, err := svc.Run(context.Background(), SubscriptionBatchPayload{
		ContactIDs:  []int64{1, 2},
		ChannelID:   4,
		IsSubscribe: false,
		AddEvent:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)
	assert.Equal(t, []int64{1, 2}, subs.events)
	assert.Zero(t, subs.typeCalls)
}

func TestSubscriptionActionEventFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	subs := &fakeMaintainer{eventErr: errors.New("events table missing")}
	svc := NewSubscriptionActionService(subs, ActionOptions{})

	result, err := svc.Run(context.Background(), SubscriptionBatchPayload{
		ContactIDs: []int64{1},
		ChannelID:  4,
		AddEvent:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
}

func TestExportAcknowledges(t *testing.T) {
	t.Parallel()

	svc := NewExportService(nil)
	result, err := svc.Run(context.Background(), ExportPayload{Entity: "contacts"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
}
