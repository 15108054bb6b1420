package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/services"
	"github.com/iota-uz/crm-ingest/pkg/queue"
)

// IngestHandler accepts pipeline entry jobs from the upstream ingestion
// collaborator and fans them out to the import queues.
func IngestHandler(svc *services.IngestService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.IngestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode ingest payload: %w", err)
		}
		jobs, err := svc.EnqueueImport(ctx, payload)
		if err != nil {
			return queue.JobResult{}, err
		}
		return queue.JobResult{SuccessCount: jobs}, nil
	})
}

// ImportHandler feeds entity-import jobs to the import service.
func ImportHandler(svc *services.ImportService, kind record.EntityKind) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.ImportPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode import payload: %w", err)
		}
		if payload.Type == "" {
			payload.Type = kind
		}
		if payload.Type != kind {
			return queue.JobResult{}, fmt.Errorf("job type %q does not belong on this queue", payload.Type)
		}
		return svc.Run(ctx, payload)
	})
}

// RelationsHandler routes the three resolver job kinds.
func RelationsHandler(svc *services.RelationService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.RelationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode relation payload: %w", err)
		}
		switch job.Name {
		case queue.JobEnsureRelations:
			return svc.EnsureRelations(ctx, payload)
		case queue.JobLinkRelations:
			return svc.LinkRelations(ctx, payload)
		case queue.JobReplaceRelations:
			return svc.ReplaceRelations(ctx, payload)
		default:
			return queue.JobResult{}, fmt.Errorf("unknown relation job %q", job.Name)
		}
	})
}

// MassActionHandler runs the paginating dispatcher.
func MassActionHandler(svc *services.MassActionService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.MassActionPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode mass action payload: %w", err)
		}
		return svc.Dispatch(ctx, payload)
	})
}

func DeletionHandler(svc *services.DeletionService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.DeleteBatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode delete payload: %w", err)
		}
		return svc.Run(ctx, payload)
	})
}

func AnonymizeHandler(svc *services.AnonymizeService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.AnonymizeBatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode anonymize payload: %w", err)
		}
		return svc.Run(ctx, payload)
	})
}

func LinkActionHandler(svc *services.LinkActionService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.LinkBatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode link payload: %w", err)
		}
		return svc.Run(ctx, payload)
	})
}

func UpdateHandler(svc *services.UpdateActionService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.UpdateBatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode update payload: %w", err)
		}
		return svc.Run(ctx, payload)
	})
}

func SubscriptionHandler(svc *services.SubscriptionActionService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.SubscriptionBatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode subscription payload: %w", err)
		}
		return svc.Run(ctx, payload)
	})
}

func ExportHandler(svc *services.ExportService) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
		var payload services.ExportPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.JobResult{}, fmt.Errorf("decode export payload: %w", err)
		}
		return svc.Run(ctx, payload)
	})
}
