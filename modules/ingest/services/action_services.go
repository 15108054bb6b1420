package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/crm-ingest/pkg/logging"
	"github.com/iota-uz/crm-ingest/pkg/queue"
	"github.com/iota-uz/crm-ingest/pkg/throttle"
)

// PairLinker is the join-table surface the add-to-* workers need,
// including conflict-skip detection for the one-shot retry.
type PairLinker interface {
	InsertPairsReturning(ctx context.Context, cfg record.JoinConfig, pairs []persistence.LinkPair) ([]int64, error)
	DeletePairs(ctx context.Context, cfg record.JoinConfig, leftIDs []int64, relatedID int64) error
}

type ActionOptions struct {
	DeleteChunkSize int // documentIds per bulk-delete call
	LinkChunkSize   int // pairs per join-table insert
	SubscribeChunk  int // contacts per subscription batch
	Logger          *logrus.Entry
}

func (o *ActionOptions) setDefaults() {
	if o.DeleteChunkSize <= 0 {
		o.DeleteChunkSize = 1000
	}
	if o.LinkChunkSize <= 0 {
		o.LinkChunkSize = 100
	}
	if o.SubscribeChunk <= 0 {
		o.SubscribeChunk = 100
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// DeletionService bulk-deletes entities via the content API. A failed
// chunk is recorded and processing continues.
type DeletionService struct {
	api  ContentAPI
	ctrl *throttle.Controller
	opts ActionOptions
	log  *logrus.Entry
}

func NewDeletionService(api ContentAPI, ctrl *throttle.Controller, opts ActionOptions) *DeletionService {
	opts.setDefaults()
	return &DeletionService{api: api, ctrl: ctrl, opts: opts, log: opts.Logger}
}

func (s *DeletionService) Run(ctx context.Context, payload DeleteBatchPayload) (queue.JobResult, error) {
	result := queue.JobResult{}
	for offset := 0; offset < len(payload.Items); offset += s.opts.DeleteChunkSize {
		end := offset + s.opts.DeleteChunkSize
		if end > len(payload.Items) {
			end = len(payload.Items)
		}
		chunk := payload.Items[offset:end]
		ids := make([]string, len(chunk))
		for i, item := range chunk {
			ids[i] = item.DocumentID
		}

		start := time.Now()
		resp, err := s.api.BulkDelete(ctx, payload.Entity, ids)
		if s.ctrl != nil {
			s.ctrl.Record(ctx, time.Since(start), err)
		}
		if err != nil {
			s.log.WithError(err).WithField("entity", payload.Entity).Error("delete: batch failed")
			for _, item := range chunk {
				result.FailedItems = append(result.FailedItems, queue.FailedItem{ID: item.DocumentID, Error: err.Error()})
			}
			result.FailedCount += len(chunk)
			continue
		}
		result.SuccessCount += resp.Count
	}
	s.log.WithFields(logrus.Fields{
		"deleted": result.SuccessCount,
		"failed":  result.FailedCount,
	}).Info("delete: batch done")
	return result, nil
}

// AnonymizeService clears PII fields through bulk updates. Failed chunks
// are recorded, never fatal.
type AnonymizeService struct {
	api  ContentAPI
	ctrl *throttle.Controller
	opts ActionOptions
	log  *logrus.Entry
}

var piiFields = []string{
	"first_name", "last_name", "email", "phone", "mobile_phone",
	"linkedin_url", "address", "birthday", "notes",
}

func NewAnonymizeService(api ContentAPI, ctrl *throttle.Controller, opts ActionOptions) *AnonymizeService {
	opts.setDefaults()
	return &AnonymizeService{api: api, ctrl: ctrl, opts: opts, log: opts.Logger}
}

func (s *AnonymizeService) Run(ctx context.Context, payload AnonymizeBatchPayload) (queue.JobResult, error) {
	result := queue.JobResult{}
	for offset := 0; offset < len(payload.Items); offset += s.opts.DeleteChunkSize {
		end := offset + s.opts.DeleteChunkSize
		if end > len(payload.Items) {
			end = len(payload.Items)
		}
		chunk := payload.Items[offset:end]

		data := make([]map[string]any, len(chunk))
		for i, item := range chunk {
			cleared := map[string]any{record.FieldDocumentID: item.DocumentID}
			for _, f := range piiFields {
				cleared[f] = nil
			}
			data[i] = cleared
		}

		start := time.Now()
		resp, err := s.api.BulkUpdate(ctx, payload.Entity, data)
		if s.ctrl != nil {
			s.ctrl.Record(ctx, time.Since(start), err)
		}
		if err != nil {
			s.log.WithError(err).Error("anonymize: batch failed")
			for _, item := range chunk {
				result.FailedItems = append(result.FailedItems, queue.FailedItem{ID: item.DocumentID, Error: err.Error()})
			}
			result.FailedCount += len(chunk)
			continue
		}
		result.UpdatedCount += resp.Count
	}
	return result, nil
}

// LinkActionService inserts membership rows for add_to_list,
// add_to_organization and add_to_journey batches. Conflict-skipped rows
// are retried once by deleting and reinserting the pair.
type LinkActionService struct {
	links      PairLinker
	cfg        record.JoinConfig
	retrySkips bool
	opts       ActionOptions
	log        *logrus.Entry
}

func NewLinkActionService(links PairLinker, cfg record.JoinConfig, retrySkips bool, opts ActionOptions) *LinkActionService {
	opts.setDefaults()
	return &LinkActionService{links: links, cfg: cfg, retrySkips: retrySkips, opts: opts, log: opts.Logger}
}

func (s *LinkActionService) Run(ctx context.Context, payload LinkBatchPayload) (queue.JobResult, error) {
	result := queue.JobResult{}
	for offset := 0; offset < len(payload.Items); offset += s.opts.LinkChunkSize {
		end := offset + s.opts.LinkChunkSize
		if end > len(payload.Items) {
			end = len(payload.Items)
		}
		chunk := payload.Items[offset:end]

		pairs := make([]persistence.LinkPair, len(chunk))
		for i, item := range chunk {
			pairs[i] = persistence.LinkPair{EntityID: item.ID, RelatedID: payload.TargetID}
		}

		inserted, err := s.links.InsertPairsReturning(ctx, s.cfg, pairs)
		if err != nil {
			return result, err
		}
		result.UpdatedCount += len(inserted)

		if !s.retrySkips {
			continue
		}
		skipped := skippedIDs(pairs, inserted)
		if len(skipped) == 0 {
			continue
		}
		s.log.WithField("skipped", len(skipped)).Warn("link: retrying conflict-skipped rows")
		if err := s.links.DeletePairs(ctx, s.cfg, skipped, payload.TargetID); err != nil {
			return result, err
		}
		retryPairs := make([]persistence.LinkPair, len(skipped))
		for i, id := range skipped {
			retryPairs[i] = persistence.LinkPair{EntityID: id, RelatedID: payload.TargetID}
		}
		retried, err := s.links.InsertPairsReturning(ctx, s.cfg, retryPairs)
		if err != nil {
			return result, err
		}
		result.UpdatedCount += len(retried)
		if len(retried) < len(skipped) {
			s.log.WithField("count", len(skipped)-len(retried)).Warn("link: rows still skipped after retry")
		}
	}
	return result, nil
}

func skippedIDs(pairs []persistence.LinkPair, inserted []int64) []int64 {
	seen := make(map[int64]struct{}, len(inserted))
	for _, id := range inserted {
		seen[id] = struct{}{}
	}
	var out []int64
	for _, p := range pairs {
		if _, ok := seen[p.EntityID]; !ok {
			out = append(out, p.EntityID)
		}
	}
	return out
}

// UpdateActionService applies one field/value change across a batch via
// bulk update. Per-chunk failures are collected, never abort the batch.
type UpdateActionService struct {
	api  ContentAPI
	ctrl *throttle.Controller
	opts ActionOptions
	log  *logrus.Entry
}

func NewUpdateActionService(api ContentAPI, ctrl *throttle.Controller, opts ActionOptions) *UpdateActionService {
	opts.setDefaults()
	return &UpdateActionService{api: api, ctrl: ctrl, opts: opts, log: opts.Logger}
}

func (s *UpdateActionService) Run(ctx context.Context, payload UpdateBatchPayload) (queue.JobResult, error) {
	result := queue.JobResult{}
	for offset := 0; offset < len(payload.Items); offset += s.opts.DeleteChunkSize {
		end := offset + s.opts.DeleteChunkSize
		if end > len(payload.Items) {
			end = len(payload.Items)
		}
		chunk := payload.Items[offset:end]

		data := make([]map[string]any, len(chunk))
		for i, item := range chunk {
			data[i] = map[string]any{
				record.FieldDocumentID: item.DocumentID,
				payload.Field:          payload.Value,
			}
		}

		start := time.Now()
		resp, err := s.api.BulkUpdate(ctx, payload.Entity, data)
		if s.ctrl != nil {
			s.ctrl.Record(ctx, time.Since(start), err)
		}
		if err != nil {
			s.log.WithError(err).WithField("field", payload.Field).Error("update: batch failed")
			for _, item := range chunk {
				result.FailedItems = append(result.FailedItems, queue.FailedItem{ID: item.DocumentID, Error: err.Error()})
			}
			result.FailedCount += len(chunk)
			continue
		}
		result.UpdatedCount += resp.Count
	}
	return result, nil
}

// SubscriptionMaintainer is the repository surface of the subscription
// worker.
type SubscriptionMaintainer interface {
	BasicTypeID(ctx context.Context) (int64, error)
	Subscribe(ctx context.Context, contactIDs []int64, channelID, typeID int64) (int64, error)
	Unsubscribe(ctx context.Context, contactIDs []int64, channelID int64) (int64, error)
	RecordUnsubscribeEvent(ctx context.Context, contactID, channelID int64) error
}

// SubscriptionActionService subscribes or unsubscribes contacts on a
// channel in batches.
type SubscriptionActionService struct {
	subs SubscriptionMaintainer
	opts ActionOptions
	log  *logrus.Entry
}

func NewSubscriptionActionService(subs SubscriptionMaintainer, opts ActionOptions) *SubscriptionActionService {
	opts.setDefaults()
	return &SubscriptionActionService{subs: subs, opts: opts, log: opts.Logger}
}

func (s *SubscriptionActionService) Run(ctx context.Context, payload SubscriptionBatchPayload) (queue.JobResult, error) {
	result := queue.JobResult{}

	var typeID int64
	if payload.IsSubscribe {
		var err error
		typeID, err = s.subs.BasicTypeID(ctx)
		if err != nil {
			return result, err
		}
	}

	for offset := 0; offset < len(payload.ContactIDs); offset += s.opts.SubscribeChunk {
		end := offset + s.opts.SubscribeChunk
		if end > len(payload.ContactIDs) {
			end = len(payload.ContactIDs)
		}
		chunk := payload.ContactIDs[offset:end]

		if payload.IsSubscribe {
			touched, err := s.subs.Subscribe(ctx, chunk, payload.ChannelID, typeID)
			if err != nil {
				return result, err
			}
			result.UpdatedCount += int(touched)
			continue
		}

		touched, err := s.subs.Unsubscribe(ctx, chunk, payload.ChannelID)
		if err != nil {
			return result, err
		}
		result.UpdatedCount += int(touched)

		if payload.AddEvent {
			for _, contactID := range chunk {
				if err := s.subs.RecordUnsubscribeEvent(ctx, contactID, payload.ChannelID); err != nil {
					// event bookkeeping must not fail the batch
					s.log.WithError(err).WithField("contact_id", contactID).Error("subscription: event insert failed")
				}
			}
		}
	}

	s.log.WithField("touched", result.UpdatedCount).Info("subscription: batch done")
	return result, nil
}

// ExportService acknowledges export requests; file generation happens
// outside this pipeline.
type ExportService struct {
	log *logrus.Entry
}

func NewExportService(log *logrus.Entry) *ExportService {
	if log == nil {
		log = logging.Nop()
	}
	return &ExportService{log: log}
}

func (s *ExportService) Run(_ context.Context, payload ExportPayload) (queue.JobResult, error) {
	s.log.WithFields(logrus.Fields{
		"entity": payload.Entity,
		"user":   payload.UserEmail,
	}).Info("export: request acknowledged")
	return queue.JobResult{SuccessCount: 1}, nil
}
