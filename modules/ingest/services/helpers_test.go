package services

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/crm-ingest/pkg/contentapi"
	"github.com/iota-uz/crm-ingest/pkg/queue"
)

type bulkCall struct {
	entity string
	data   []map[string]any
}

// fakeAPI assigns sequential ids on create and records every call.
type fakeAPI struct {
	mu      sync.Mutex
	nextID  int64
	creates []bulkCall
	updates []bulkCall
	deleted [][]string
	created []map[string]any
	pages   map[int][]contentapi.ListItem

	createErr error
	updateErr error
	deleteErr error
}

func (f *fakeAPI) BulkCreate(ctx context.Context, entity string, data []map[string]any) (contentapi.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return contentapi.BulkResult{}, f.createErr
	}
	f.creates = append(f.creates, bulkCall{entity: entity, data: data})
	ids := make([]contentapi.CreatedID, len(data))
	for i := range data {
		f.nextID++
		ids[i] = contentapi.CreatedID{ID: f.nextID, DocumentID: fmt.Sprintf("doc-%d", f.nextID)}
	}
	return contentapi.BulkResult{Success: true, Count: len(data), IDs: ids}, nil
}

func (f *fakeAPI) BulkUpdate(ctx context.Context, entity string, data []map[string]any) (contentapi.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return contentapi.BulkResult{}, f.updateErr
	}
	f.updates = append(f.updates, bulkCall{entity: entity, data: data})
	return contentapi.BulkResult{Success: true, Count: len(data)}, nil
}

func (f *fakeAPI) BulkDelete(ctx context.Context, entity string, documentIDs []string) (contentapi.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return contentapi.BulkResult{}, f.deleteErr
	}
	f.deleted = append(f.deleted, documentIDs)
	return contentapi.BulkResult{Success: true, Count: len(documentIDs)}, nil
}

func (f *fakeAPI) ListPage(ctx context.Context, entity string, filters url.Values, page, pageSize int) ([]contentapi.ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[page], nil
}

func (f *fakeAPI) Create(ctx context.Context, entity string, data map[string]any) (contentapi.ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, data)
	return contentapi.ListItem{ID: f.nextID, DocumentID: fmt.Sprintf("doc-%d", f.nextID)}, nil
}

// fakePublisher captures enqueued messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []queue.Message
}

func (f *fakePublisher) Enqueue(ctx context.Context, msg queue.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return int64(len(f.messages)), nil
}

func (f *fakePublisher) byName(name string) []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []queue.Message
	for _, m := range f.messages {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

type insertCall struct {
	cfg   record.JoinConfig
	pairs []persistence.LinkPair
}

// fakeLinkStore records inserted and replaced pairs.
type fakeLinkStore struct {
	mu         sync.Mutex
	inserts    []insertCall
	replaced   map[string][]persistence.LinkPair
	replaceIDs []int64
	replaceErr error
}

func (f *fakeLinkStore) InsertPairs(ctx context.Context, cfg record.JoinConfig, pairs []persistence.LinkPair, chunkSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, insertCall{cfg: cfg, pairs: pairs})
	return int64(len(pairs)), nil
}

func (f *fakeLinkStore) Replace(ctx context.Context, kind record.EntityKind, entityIDs []int64, byCategory map[string][]persistence.LinkPair, chunkSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = byCategory
	f.replaceIDs = entityIDs
	return nil
}

func (f *fakeLinkStore) pairsFor(table string) []persistence.LinkPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.LinkPair
	for _, c := range f.inserts {
		if c.cfg.Table == table {
			out = append(out, c.pairs...)
		}
	}
	return out
}

// fakeSubscriptions records the contacts granted a default subscription.
type fakeSubscriptions struct {
	mu        sync.Mutex
	ensured   []int64
	ensureErr error
}

func (f *fakeSubscriptions) EnsureDefault(ctx context.Context, contactID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, contactID)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }
