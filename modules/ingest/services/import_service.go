package services

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/pkg/logging"
	"github.com/iota-uz/crm-ingest/pkg/queue"
	"github.com/iota-uz/crm-ingest/pkg/throttle"
)

type ImportOptions struct {
	BulkSize     int           // records per bulk create/update call
	CooldownBase time.Duration // jittered sleep between chunks
	Logger       *logrus.Entry
	Rand         *rand.Rand
	Sleep        func(ctx context.Context, d time.Duration) error
}

func (o *ImportOptions) setDefaults() {
	if o.BulkSize <= 0 {
		o.BulkSize = 1000
	}
	if o.CooldownBase <= 0 {
		o.CooldownBase = time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Sleep == nil {
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
}

// ImportService runs one entity-import job: partition the batch into new
// and existing records against the cache, bulk-create the new ones,
// bulk-update the rest, then hand the reassembled batch to the relation
// resolver.
type ImportService struct {
	api       ContentAPI
	cache     *RelationCache
	publisher queue.Publisher
	ctrl      *throttle.Controller
	opts      ImportOptions
	log       *logrus.Entry

	randMu sync.Mutex
}

func NewImportService(api ContentAPI, cache *RelationCache, publisher queue.Publisher, ctrl *throttle.Controller, opts ImportOptions) *ImportService {
	opts.setDefaults()
	return &ImportService{
		api:       api,
		cache:     cache,
		publisher: publisher,
		ctrl:      ctrl,
		opts:      opts,
		log:       opts.Logger,
	}
}

func (s *ImportService) Run(ctx context.Context, payload ImportPayload) (queue.JobResult, error) {
	log := s.log.WithField("type", string(payload.Type)).WithField("count", len(payload.Records))

	newRecords, existing := s.partition(payload.Type, payload.Records)
	log.WithFields(logrus.Fields{
		"new":      len(newRecords),
		"existing": len(existing),
	}).Info("import: batch partitioned")

	result := queue.JobResult{}

	toCreate, failed := s.prepare(newRecords)
	result.FailedItems = append(result.FailedItems, failed...)

	createdByIndex, err := s.bulkCreate(ctx, payload.Type, toCreate, log)
	if err != nil {
		return result, err
	}
	result.SuccessCount = len(createdByIndex)

	toUpdate, failedUpdates := s.prepareUpdates(existing)
	result.FailedItems = append(result.FailedItems, failedUpdates...)

	updated, err := s.bulkUpdate(ctx, payload.Type, toUpdate, log)
	if err != nil {
		return result, err
	}
	result.UpdatedCount = updated
	result.FailedCount = len(result.FailedItems)

	full := s.reassemble(payload.Type, payload.Records, createdByIndex)

	relPayload := RelationPayload{
		Records:      full,
		Type:         payload.Type,
		ListID:       payload.ListID,
		SubscribeAll: payload.SubscribeAll,
	}
	if err := s.enqueueRelations(ctx, queue.JobEnsureRelations, relPayload); err != nil {
		return result, err
	}

	if len(existing) > 0 {
		existingDocs := make(map[string]struct{}, len(existing))
		for _, r := range existing {
			existingDocs[r.DocumentID()] = struct{}{}
		}
		updatedOnly := make([]record.Record, 0, len(existing))
		for _, r := range full {
			if _, ok := existingDocs[r.DocumentID()]; ok {
				updatedOnly = append(updatedOnly, r)
			}
		}
		if len(updatedOnly) > 0 {
			replacePayload := relPayload
			replacePayload.Records = updatedOnly
			replacePayload.SubscribeAll = false
			if err := s.enqueueRelations(ctx, queue.JobReplaceRelations, replacePayload); err != nil {
				return result, err
			}
		}
	}

	log.WithFields(logrus.Fields{
		"created": result.SuccessCount,
		"updated": result.UpdatedCount,
		"failed":  result.FailedCount,
	}).Info("import: batch done")

	return result, nil
}

type preparedEntry struct {
	index  int // position in the original batch
	record record.Record
}

// partition splits the batch: a record matching any cached identifying
// key is an update, everything else is a create.
func (s *ImportService) partition(kind record.EntityKind, records []record.Record) (created, existing []record.Record) {
	for _, r := range records {
		if entry, ok := s.cache.LookupEntity(kind, r); ok {
			r = r.Clone()
			r[record.FieldID] = entry.ID
			r[record.FieldDocumentID] = entry.DocumentID
			existing = append(existing, r)
		} else {
			created = append(created, r)
		}
	}
	return created, existing
}

func (s *ImportService) prepare(records []record.Record) ([]preparedEntry, []queue.FailedItem) {
	var prepared []preparedEntry
	var failed []queue.FailedItem
	for i, r := range records {
		clean, err := record.Prepare(r)
		if err != nil {
			failed = append(failed, queue.FailedItem{ID: r.String("email") + r.String("name"), Error: err.Error()})
			continue
		}
		prepared = append(prepared, preparedEntry{index: i, record: clean})
	}
	return prepared, failed
}

func (s *ImportService) prepareUpdates(records []record.Record) ([]preparedEntry, []queue.FailedItem) {
	var prepared []preparedEntry
	var failed []queue.FailedItem
	for i, r := range records {
		clean, err := record.Prepare(r)
		if err != nil {
			failed = append(failed, queue.FailedItem{ID: r.DocumentID(), Error: err.Error()})
			continue
		}
		clean[record.FieldDocumentID] = r.DocumentID()
		prepared = append(prepared, preparedEntry{index: i, record: clean})
	}
	return prepared, failed
}

// bulkCreate sends prepared records in chunks and writes the returned
// identifiers through the cache. Returns created entries keyed by the
// record's position within the prepared slice.
func (s *ImportService) bulkCreate(ctx context.Context, kind record.EntityKind, prepared []preparedEntry, log *logrus.Entry) (map[int]CacheEntry, error) {
	created := make(map[int]CacheEntry)

	for offset := 0; offset < len(prepared); offset += s.opts.BulkSize {
		end := offset + s.opts.BulkSize
		if end > len(prepared) {
			end = len(prepared)
		}
		chunk := prepared[offset:end]

		data := make([]map[string]any, len(chunk))
		for i, e := range chunk {
			data[i] = e.record
		}

		start := time.Now()
		resp, err := s.api.BulkCreate(ctx, string(kind), data)
		s.observe(ctx, start, err)
		if err != nil {
			log.WithError(err).Error("import: bulk-create chunk failed")
			return created, err
		}

		if len(resp.IDs) != len(chunk) {
			log.WithFields(logrus.Fields{
				"sent":     len(chunk),
				"returned": len(resp.IDs),
			}).Warn("import: bulk-create returned fewer ids than records")
		}

		for i, id := range resp.IDs {
			if i >= len(chunk) {
				break
			}
			entry := CacheEntry{ID: id.ID, DocumentID: id.DocumentID}
			created[chunk[i].index] = entry
			s.writeThrough(kind, chunk[i].record, entry)
		}

		if end < len(prepared) {
			if err := s.cooldown(ctx); err != nil {
				return created, err
			}
		}
	}

	return created, nil
}

func (s *ImportService) bulkUpdate(ctx context.Context, kind record.EntityKind, prepared []preparedEntry, log *logrus.Entry) (int, error) {
	updated := 0
	for offset := 0; offset < len(prepared); offset += s.opts.BulkSize {
		end := offset + s.opts.BulkSize
		if end > len(prepared) {
			end = len(prepared)
		}
		chunk := prepared[offset:end]

		data := make([]map[string]any, len(chunk))
		for i, e := range chunk {
			data[i] = e.record
		}

		start := time.Now()
		resp, err := s.api.BulkUpdate(ctx, string(kind), data)
		s.observe(ctx, start, err)
		if err != nil {
			log.WithError(err).Error("import: bulk-update chunk failed")
			return updated, err
		}
		updated += resp.Count

		if end < len(prepared) {
			if err := s.cooldown(ctx); err != nil {
				return updated, err
			}
		}
	}
	return updated, nil
}

// writeThrough caches a created record under its identifying key so a
// re-submitted batch classifies it as existing.
func (s *ImportService) writeThrough(kind record.EntityKind, r record.Record, entry CacheEntry) {
	if kind == record.Organizations {
		if name := r.String("name"); name != "" {
			s.cache.Set("organizations", name, entry)
		}
		return
	}
	if email := r.String("email"); email != "" {
		s.cache.Set("contacts", email, entry)
	}
}

// reassemble annotates every record of the original batch with its
// resolved identity, preserving input order.
func (s *ImportService) reassemble(kind record.EntityKind, records []record.Record, _ map[int]CacheEntry) []record.Record {
	full := make([]record.Record, 0, len(records))
	for _, r := range records {
		out := r.Clone()
		if entry, ok := s.cache.LookupEntity(kind, r); ok {
			out[record.FieldID] = entry.ID
			out[record.FieldDocumentID] = entry.DocumentID
		}
		full = append(full, out)
	}
	return full
}

func (s *ImportService) enqueueRelations(ctx context.Context, jobName string, payload RelationPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.publisher.Enqueue(ctx, queue.Message{
		Queue:   queue.Relations,
		Name:    jobName,
		Payload: raw,
	})
	return err
}

func (s *ImportService) observe(ctx context.Context, start time.Time, err error) {
	if s.ctrl != nil {
		s.ctrl.Record(ctx, time.Since(start), err)
	}
}

func (s *ImportService) cooldown(ctx context.Context) error {
	s.randMu.Lock()
	factor := 0.7 + s.opts.Rand.Float64()*0.6
	s.randMu.Unlock()
	return s.opts.Sleep(ctx, time.Duration(float64(s.opts.CooldownBase)*factor))
}
