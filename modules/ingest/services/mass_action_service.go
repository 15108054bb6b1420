package services

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/contentapi"
	"github.com/iota-uz/crm-ingest/pkg/logging"
	"github.com/iota-uz/crm-ingest/pkg/queue"
)

type MassActionOptions struct {
	PageSize     int           // entities fetched per page
	PageDelay    time.Duration // pause between pages
	DeleteRounds int           // pages collected per deletion batch
	Logger       *logrus.Entry
	Sleep        func(ctx context.Context, d time.Duration) error
}

func (o *MassActionOptions) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.PageDelay <= 0 {
		o.PageDelay = 100 * time.Millisecond
	}
	if o.DeleteRounds <= 0 {
		o.DeleteRounds = 10
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
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

// MassActionService paginates the filtered entity set and fans pages out
// to the per-action queues. Zero items on a page terminates pagination;
// no total count is assumed up front.
type MassActionService struct {
	api       ContentAPI
	publisher queue.Publisher
	validate  *validator.Validate
	opts      MassActionOptions
	log       *logrus.Entry
}

func NewMassActionService(api ContentAPI, publisher queue.Publisher, opts MassActionOptions) *MassActionService {
	opts.setDefaults()
	return &MassActionService{
		api:       api,
		publisher: publisher,
		validate:  validator.New(),
		opts:      opts,
		log:       opts.Logger,
	}
}

func (s *MassActionService) Dispatch(ctx context.Context, payload MassActionPayload) (queue.JobResult, error) {
	if err := s.validate.Struct(payload); err != nil {
		return queue.JobResult{}, err
	}
	log := s.log.WithField("action", payload.Action).WithField("entity", payload.Entity)

	switch payload.Action {
	case "export":
		if err := s.enqueue(ctx, queue.Export, queue.JobExportBatch, ExportPayload{
			Entity:    payload.Entity,
			UserEmail: payload.UserEmail,
		}); err != nil {
			return queue.JobResult{}, err
		}
		log.Info("mass action: export queued")
		return queue.JobResult{SuccessCount: 1}, nil
	case "delete":
		return s.dispatchDelete(ctx, payload, log)
	default:
		return s.dispatchPaged(ctx, payload, log)
	}
}

// dispatchDelete collects up to DeleteRounds pages per round and ships
// them as one deletion batch, repeating until the filter drains.
func (s *MassActionService) dispatchDelete(ctx context.Context, payload MassActionPayload, log *logrus.Entry) (queue.JobResult, error) {
	total := 0
	for {
		var collected []ActionItem
		for page := 1; page <= s.opts.DeleteRounds; page++ {
			items, err := s.fetchPage(ctx, payload, page)
			if err != nil {
				return queue.JobResult{SuccessCount: total}, err
			}
			if len(items) == 0 {
				break
			}
			collected = append(collected, items...)
		}
		if len(collected) == 0 {
			break
		}
		if err := s.enqueue(ctx, queue.Deletion, queue.JobDeleteBatch, DeleteBatchPayload{
			Entity: payload.Entity,
			Items:  collected,
		}); err != nil {
			return queue.JobResult{SuccessCount: total}, err
		}
		total += len(collected)
		// a partial round means the filter is exhausted; waiting for the
		// deletion worker to drain it would spin forever
		if len(collected) < s.opts.DeleteRounds*s.opts.PageSize {
			break
		}
		if err := s.opts.Sleep(ctx, s.opts.PageDelay); err != nil {
			return queue.JobResult{SuccessCount: total}, err
		}
	}
	log.WithField("total", total).Info("mass action: deletion batches queued")
	return queue.JobResult{SuccessCount: total}, nil
}

func (s *MassActionService) dispatchPaged(ctx context.Context, payload MassActionPayload, log *logrus.Entry) (queue.JobResult, error) {
	total := 0
	page := 1
	for {
		items, err := s.fetchPage(ctx, payload, page)
		if err != nil {
			return queue.JobResult{SuccessCount: total}, err
		}
		if len(items) == 0 {
			break
		}
		if err := s.forward(ctx, payload, items); err != nil {
			return queue.JobResult{SuccessCount: total}, err
		}
		total += len(items)
		page++
		if err := s.opts.Sleep(ctx, s.opts.PageDelay); err != nil {
			return queue.JobResult{SuccessCount: total}, err
		}
	}
	log.WithField("total", total).Info("mass action: pages forwarded")
	return queue.JobResult{SuccessCount: total}, nil
}

func (s *MassActionService) forward(ctx context.Context, payload MassActionPayload, items []ActionItem) error {
	switch payload.Action {
	case "add_to_list":
		return s.enqueue(ctx, queue.AddToList, queue.JobAddToListBatch, LinkBatchPayload{
			Entity:   payload.Entity,
			Items:    items,
			TargetID: payload.ListID,
		})
	case "add_to_organization":
		return s.enqueue(ctx, queue.AddToOrganization, queue.JobAddToOrgBatch, LinkBatchPayload{
			Entity:   payload.Entity,
			Items:    items,
			TargetID: payload.OrganizationID,
		})
	case "add_to_journey":
		return s.enqueue(ctx, queue.AddToJourney, queue.JobAddToJourneyBatch, LinkBatchPayload{
			Entity:   payload.Entity,
			Items:    items,
			TargetID: payload.JourneyID,
		})
	case "anonymize":
		return s.enqueue(ctx, queue.Anonymize, queue.JobAnonymizeBatch, AnonymizeBatchPayload{
			Entity: payload.Entity,
			Items:  items,
		})
	case "update":
		return s.enqueue(ctx, queue.Update, queue.JobUpdateBatch, UpdateBatchPayload{
			Entity:    payload.Entity,
			Items:     items,
			Field:     payload.UpdateField,
			Value:     payload.UpdateValue,
			UserEmail: payload.UserEmail,
		})
	case "update_subscription":
		ids := make([]int64, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		return s.enqueue(ctx, queue.UpdateSubscription, queue.JobSubscriptionBatch, SubscriptionBatchPayload{
			ContactIDs:  ids,
			ChannelID:   payload.ChannelID,
			IsSubscribe: payload.IsSubscribe,
			AddEvent:    payload.AddEvent,
		})
	}
	return nil
}

func (s *MassActionService) fetchPage(ctx context.Context, payload MassActionPayload, page int) ([]ActionItem, error) {
	filters := url.Values{}
	for k, v := range payload.Filters {
		filters.Set(k, v)
	}
	listed, err := s.api.ListPage(ctx, payload.Entity, filters, page, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	return toActionItems(listed), nil
}

func (s *MassActionService) enqueue(ctx context.Context, queueName, jobName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.publisher.Enqueue(ctx, queue.Message{
		Queue:   queueName,
		Name:    jobName,
		Payload: raw,
	})
	return err
}

func toActionItems(listed []contentapi.ListItem) []ActionItem {
	out := make([]ActionItem, 0, len(listed))
	for _, item := range listed {
		out = append(out, ActionItem{ID: item.ID, DocumentID: item.DocumentID})
	}
	return out
}
