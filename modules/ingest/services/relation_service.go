package services

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/crm-ingest/pkg/logging"
	"github.com/iota-uz/crm-ingest/pkg/queue"
	"github.com/iota-uz/crm-ingest/pkg/throttle"
)

// LinkStore writes join-table pairs; satisfied by the link repository.
type LinkStore interface {
	InsertPairs(ctx context.Context, cfg record.JoinConfig, pairs []persistence.LinkPair, chunkSize int) (int64, error)
	Replace(ctx context.Context, kind record.EntityKind, entityIDs []int64, byCategory map[string][]persistence.LinkPair, chunkSize int) error
}

// SubscriptionStore ensures default subscriptions during linking.
type SubscriptionStore interface {
	EnsureDefault(ctx context.Context, contactID int64) error
}

type RelationOptions struct {
	RelationBulk  int // names per relation bulk-create call
	LinkBatch     int // records per linkRelations job
	LinkChunkSize int // pairs per join-table insert
	Logger        *logrus.Entry
}

func (o *RelationOptions) setDefaults() {
	if o.RelationBulk <= 0 {
		o.RelationBulk = 50
	}
	if o.LinkBatch <= 0 {
		o.LinkBatch = 1000
	}
	if o.LinkChunkSize <= 0 {
		o.LinkChunkSize = 500
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// RelationService implements the resolver state machine: ensureRelations
// creates missing dictionary values upstream, linkRelations writes join
// rows from cache-resolved ids, replaceRelations swaps them atomically
// for updated entities.
type RelationService struct {
	api       ContentAPI
	cache     *RelationCache
	links     LinkStore
	subs      SubscriptionStore
	publisher queue.Publisher
	ctrl      *throttle.Controller
	opts      RelationOptions
	log       *logrus.Entry
}

func NewRelationService(api ContentAPI, cache *RelationCache, links LinkStore, subs SubscriptionStore, publisher queue.Publisher, ctrl *throttle.Controller, opts RelationOptions) *RelationService {
	opts.setDefaults()
	return &RelationService{
		api:       api,
		cache:     cache,
		links:     links,
		subs:      subs,
		publisher: publisher,
		ctrl:      ctrl,
		opts:      opts,
		log:       opts.Logger,
	}
}

// EnsureRelations creates every relation value the batch references that
// the cache does not know yet, then re-chunks the batch into linkRelations
// jobs.
func (s *RelationService) EnsureRelations(ctx context.Context, payload RelationPayload) (queue.JobResult, error) {
	log := s.log.WithField("records", len(payload.Records))
	uniques := record.CollectUniqueValues(payload.Records)

	categories := make([]string, 0, len(uniques))
	for category := range uniques {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		values := make([]string, 0, len(uniques[category]))
		for v := range uniques[category] {
			values = append(values, v)
		}
		sort.Strings(values)

		missing := s.cache.Missing(category, values)
		if len(missing) == 0 {
			continue
		}
		if err := s.createMissing(ctx, category, missing, log); err != nil {
			return queue.JobResult{}, err
		}
	}

	for offset := 0; offset < len(payload.Records); offset += s.opts.LinkBatch {
		end := offset + s.opts.LinkBatch
		if end > len(payload.Records) {
			end = len(payload.Records)
		}
		slice := payload
		slice.Records = payload.Records[offset:end]
		raw, err := json.Marshal(slice)
		if err != nil {
			return queue.JobResult{}, err
		}
		if _, err := s.publisher.Enqueue(ctx, queue.Message{
			Queue:   queue.Relations,
			Name:    queue.JobLinkRelations,
			Payload: raw,
		}); err != nil {
			return queue.JobResult{}, err
		}
	}

	return queue.JobResult{SuccessCount: len(payload.Records)}, nil
}

func (s *RelationService) createMissing(ctx context.Context, category string, missing []string, log *logrus.Entry) error {
	entity := record.EntityName(category)
	for offset := 0; offset < len(missing); offset += s.opts.RelationBulk {
		end := offset + s.opts.RelationBulk
		if end > len(missing) {
			end = len(missing)
		}
		names := missing[offset:end]

		data := make([]map[string]any, len(names))
		for i, name := range names {
			data[i] = map[string]any{"name": name}
		}

		start := time.Now()
		resp, err := s.api.BulkCreate(ctx, entity, data)
		if s.ctrl != nil {
			s.ctrl.Record(ctx, time.Since(start), err)
		}
		if err != nil {
			log.WithError(err).WithField("category", category).Error("relations: bulk-create failed")
			return err
		}
		if len(resp.IDs) != len(names) {
			log.WithFields(logrus.Fields{
				"category": category,
				"sent":     len(names),
				"returned": len(resp.IDs),
			}).Warn("relations: bulk-create returned fewer ids than names")
		}
		for i, id := range resp.IDs {
			if i >= len(names) {
				break
			}
			s.cache.Set(category, names[i], CacheEntry{ID: id.ID, DocumentID: id.DocumentID})
		}
	}
	return nil
}

// LinkRelations resolves every record's relation fields from cache only
// and inserts the resulting pairs per join table, insert-or-ignore.
func (s *RelationService) LinkRelations(ctx context.Context, payload RelationPayload) (queue.JobResult, error) {
	log := s.log.WithField("records", len(payload.Records))

	if payload.SubscribeAll && payload.Type == record.Contacts && s.subs != nil {
		for _, r := range payload.Records {
			id := r.ID()
			if id == 0 {
				continue
			}
			if err := s.subs.EnsureDefault(ctx, id); err != nil {
				log.WithError(err).WithField("contact_id", id).Error("relations: ensure subscription failed")
				return queue.JobResult{}, err
			}
		}
	}

	byCategory := s.resolvePairs(payload, log)

	joins := record.Joins(payload.Type)
	for category, pairs := range byCategory {
		cfg, ok := joins[category]
		if !ok {
			log.WithField("category", category).Warn("relations: no join table for category, skipping")
			continue
		}
		if _, err := s.links.InsertPairs(ctx, cfg, pairs, s.opts.LinkChunkSize); err != nil {
			return queue.JobResult{}, err
		}
		if category == record.CategoryLists {
			for _, p := range pairs {
				s.cache.AddListMember(p.RelatedID, p.EntityID)
			}
		}
	}

	log.Info("relations: linking done")
	return queue.JobResult{SuccessCount: len(payload.Records)}, nil
}

// ReplaceRelations atomically swaps the relations of updated entities.
func (s *RelationService) ReplaceRelations(ctx context.Context, payload RelationPayload) (queue.JobResult, error) {
	log := s.log.WithField("records", len(payload.Records))

	byCategory := s.resolvePairs(payload, log)

	entityIDs := make([]int64, 0, len(payload.Records))
	for _, r := range payload.Records {
		if id := r.ID(); id != 0 {
			entityIDs = append(entityIDs, id)
		}
	}

	if err := s.links.Replace(ctx, payload.Type, entityIDs, byCategory, s.opts.LinkChunkSize); err != nil {
		log.WithError(err).Error("relations: replace failed, rolled back")
		return queue.JobResult{}, err
	}

	return queue.JobResult{UpdatedCount: len(payload.Records)}, nil
}

// resolvePairs maps every record's relation fields to (entityId,
// relatedId) pairs using the cache only. Unresolvable values are skipped.
func (s *RelationService) resolvePairs(payload RelationPayload, log *logrus.Entry) map[string][]persistence.LinkPair {
	byCategory := make(map[string][]persistence.LinkPair)
	resolved, missing := 0, 0

	for _, r := range payload.Records {
		entityID := r.ID()
		if entityID == 0 {
			continue
		}
		for field, category := range record.FieldCategories {
			for _, raw := range r.Values(field) {
				value := record.SearchValue(raw)
				if value == "" {
					continue
				}
				entry, ok := s.cache.Get(category, value)
				if !ok || entry.ID == 0 {
					missing++
					continue
				}
				resolved++
				byCategory[category] = append(byCategory[category], persistence.LinkPair{
					EntityID:  entityID,
					RelatedID: entry.ID,
				})
			}
		}
		if payload.ListID != 0 {
			byCategory[record.CategoryLists] = append(byCategory[record.CategoryLists], persistence.LinkPair{
				EntityID:  entityID,
				RelatedID: payload.ListID,
			})
		}
	}

	if missing > 0 {
		log.WithFields(logrus.Fields{
			"resolved": resolved,
			"missing":  missing,
		}).Debug("relations: some values missing from cache")
	}
	return byCategory
}
