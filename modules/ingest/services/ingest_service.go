package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/pkg/logging"
	"github.com/iota-uz/crm-ingest/pkg/queue"
)

type IngestOptions struct {
	ChunkSize int // records per import job
	Logger    *logrus.Entry
}

func (o *IngestOptions) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// IngestService is the pipeline entry. It receives an already parsed and
// column-mapped batch, optionally creates the target list, and fans the
// records out to the import queues in bounded jobs.
type IngestService struct {
	api       ContentAPI
	cache     *RelationCache
	dicts     DictionaryLoader
	publisher queue.Publisher
	validate  *validator.Validate
	opts      IngestOptions
	log       *logrus.Entry
}

func NewIngestService(api ContentAPI, cache *RelationCache, dicts DictionaryLoader, publisher queue.Publisher, opts IngestOptions) *IngestService {
	opts.setDefaults()
	return &IngestService{
		api:       api,
		cache:     cache,
		dicts:     dicts,
		publisher: publisher,
		validate:  validator.New(),
		opts:      opts,
		log:       opts.Logger,
	}
}

// EnqueueImport validates the batch, preloads the relation cache when it
// is cold, creates a target list when none was supplied, and enqueues
// import jobs of at most ChunkSize records.
func (s *IngestService) EnqueueImport(ctx context.Context, payload IngestPayload) (jobCount int, err error) {
	if err := s.validate.Struct(payload); err != nil {
		return 0, err
	}
	if err := s.checkColumns(payload); err != nil {
		return 0, err
	}

	if !s.cache.Loaded() {
		if err := s.cache.Preload(ctx, s.dicts); err != nil {
			return 0, err
		}
	}

	listID := payload.ListID
	if listID == 0 && payload.Type == record.Contacts {
		listID, err = s.createList(ctx, payload.Filename)
		if err != nil {
			return 0, err
		}
	}

	queueName := queue.ContactsImport
	if payload.Type == record.Organizations {
		queueName = queue.OrganizationsImport
	}

	for offset := 0; offset < len(payload.Records); offset += s.opts.ChunkSize {
		end := offset + s.opts.ChunkSize
		if end > len(payload.Records) {
			end = len(payload.Records)
		}
		job := ImportPayload{
			Records:      payload.Records[offset:end],
			Type:         payload.Type,
			ListID:       listID,
			SubscribeAll: payload.SubscribeAll,
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return jobCount, err
		}
		if _, err := s.publisher.Enqueue(ctx, queue.Message{
			Queue:   queueName,
			Name:    queue.JobImportBatch,
			Payload: raw,
		}); err != nil {
			return jobCount, err
		}
		jobCount++
	}

	s.log.WithFields(logrus.Fields{
		"records": len(payload.Records),
		"jobs":    jobCount,
		"list_id": listID,
	}).Info("ingest: import enqueued")
	return jobCount, nil
}

func (s *IngestService) checkColumns(payload IngestPayload) error {
	if len(payload.RequiredColumns) == 0 || len(payload.Records) == 0 {
		return nil
	}
	first := payload.Records[0]
	for _, col := range payload.RequiredColumns {
		if _, ok := first[col]; !ok {
			return fmt.Errorf("required column %q missing from batch", col)
		}
	}
	return nil
}

// createList makes a list named after the source file, or a dated
// fallback when no filename is known.
func (s *IngestService) createList(ctx context.Context, filename string) (int64, error) {
	var data map[string]any
	if filename != "" {
		base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		data = map[string]any{
			"name":        base,
			"description": fmt.Sprintf("List of contacts imported from %s", filename),
			"is_active":   true,
			"source_file": filename,
		}
	} else {
		stamp := time.Now().Format("Jan 2, 2006 15:04")
		data = map[string]any{
			"name":        fmt.Sprintf("Contact List - %s", stamp),
			"description": fmt.Sprintf("List of contacts created on %s", stamp),
			"is_active":   true,
		}
	}

	created, err := s.api.Create(ctx, "lists", data)
	if err != nil {
		return 0, err
	}
	s.cache.Set("lists", data["name"].(string), CacheEntry{ID: created.ID, DocumentID: created.DocumentID})
	s.log.WithField("list_id", created.ID).Info("ingest: target list created")
	return created.ID, nil
}
