package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/crm-ingest/pkg/contentapi"
	"github.com/iota-uz/crm-ingest/pkg/queue"
)

func listItems(start, n int) []contentapi.ListItem {
	items := make([]contentapi.ListItem, n)
	for i := range items {
		id := int64(start + i)
		items[i] = contentapi.ListItem{ID: id, DocumentID: fmt.Sprintf("doc-%d", id)}
	}
	return items
}

func newMassFixture(pages map[int][]contentapi.ListItem) (*MassActionService, *fakePublisher) {
	api := &fakeAPI{pages: pages}
	pub := &fakePublisher{}
	svc := NewMassActionService(api, pub, MassActionOptions{
		PageSize: 100,
		Sleep:    noSleep,
	})
	return svc, pub
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newMassFixture(nil)

	_, err := svc.Dispatch(context.Background(), MassActionPayload{Entity: "contacts", Action: "explode"})
	require.Error(t, err, "unknown actions are rejected")

	_, err = svc.Dispatch(context.Background(), MassActionPayload{Entity: "contacts", Action: "add_to_list"})
	require.Error(t, err, "add_to_list needs a target list")
}

func TestDispatchAddToListForwardsEveryPage(t *testing.T) {
	t.Parallel()

	svc, pub := newMassFixture(map[int][]contentapi.ListItem{
		1: listItems(0, 100),
		2: listItems(100, 100),
		3: listItems(200, 50),
	})

	result, err := svc.Dispatch(context.Background(), MassActionPayload{
		Entity: "contacts",
		Action: "add_to_list",
		ListID: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, 250, result.SuccessCount)

	batches := pub.byName(queue.JobAddToListBatch)
	require.Len(t, batches, 3)
	for _, msg := range batches {
		assert.Equal(t, queue.AddToList, msg.Queue)
		var p LinkBatchPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		assert.Equal(t, int64(7), p.TargetID)
	}

	var last LinkBatchPayload
	require.NoError(t, json.Unmarshal(batches[2].Payload, &last))
	assert.Len(t, last.Items, 50)
}

func TestDispatchDeleteCollectsRounds(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: map[int][]contentapi.ListItem{
		1: listItems(0, 100),
		2: listItems(100, 100),
		3: listItems(200, 30),
	}}
	pub := &fakePublisher{}
	svc := NewMassActionService(api, pub, MassActionOptions{
		PageSize:     100,
		DeleteRounds: 10,
		Sleep:        noSleep,
	})

	result, err := svc.Dispatch(context.Background(), MassActionPayload{
		Entity: "contacts",
		Action: "delete",
	})
	require.NoError(t, err)
	assert.Equal(t, 230, result.SuccessCount)

	batches := pub.byName(queue.JobDeleteBatch)
	require.Len(t, batches, 1, "a partial round ends collection")
	var p DeleteBatchPayload
	require.NoError(t, json.Unmarshal(batches[0].Payload, &p))
	assert.Len(t, p.Items, 230)
	assert.Equal(t, queue.Deletion, batches[0].Queue)
}

func TestDispatchDeleteEmptyFilter(t *testing.T) {
	t.Parallel()

	svc, pub := newMassFixture(nil)
	result, err := svc.Dispatch(context.Background(), MassActionPayload{
		Entity: "contacts",
		Action: "delete",
	})
	require.NoError(t, err)
	assert.Zero(t, result.SuccessCount)
	assert.Empty(t, pub.messages)
}

func TestDispatchExportQueuesSingleJob(t *testing.T) {
	t.Parallel()

	svc, pub := newMassFixture(nil)
	result, err := svc.Dispatch(context.Background(), MassActionPayload{
		Entity:    "contacts",
		Action:    "export",
		UserEmail: "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)

	batches := pub.byName(queue.JobExportBatch)
	require.Len(t, batches, 1)
	assert.Equal(t, queue.Export, batches[0].Queue)
}

func TestDispatchUpdateSubscriptionCarriesIDs(t *testing.T) {
	t.Parallel()

	svc, pub := newMassFixture(map[int][]contentapi.ListItem{
		1: listItems(0, 3),
	})

	_, err := svc.Dispatch(context.Background(), MassActionPayload{
		Entity:      "contacts",
		Action:      "update_subscription",
		ChannelID:   4,
		IsSubscribe: false,
		AddEvent:    true,
	})
	require.NoError(t, err)

	batches := pub.byName(queue.JobSubscriptionBatch)
	require.Len(t, batches, 1)
	var p SubscriptionBatchPayload
	require.NoError(t, json.Unmarshal(batches[0].Payload, &p))
	assert.Equal(t, []int64{0, 1, 2}, p.ContactIDs)
	assert.Equal(t, int64(4), p.ChannelID)
	assert.True(t, p.AddEvent)
}
