package services

import (
	"context"
	"net/url"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/pkg/contentapi"
)

// ContentAPI is the slice of the content API client the services use.
type ContentAPI interface {
	BulkCreate(ctx context.Context, entity string, data []map[string]any) (contentapi.BulkResult, error)
	BulkUpdate(ctx context.Context, entity string, data []map[string]any) (contentapi.BulkResult, error)
	BulkDelete(ctx context.Context, entity string, documentIDs []string) (contentapi.BulkResult, error)
	ListPage(ctx context.Context, entity string, filters url.Values, page, pageSize int) ([]contentapi.ListItem, error)
	Create(ctx context.Context, entity string, data map[string]any) (contentapi.ListItem, error)
}

// ImportPayload is one entity-import job: a batch of normalized records
// plus the optional target list and subscription flag.
type ImportPayload struct {
	Records      []record.Record   `json:"records" validate:"required,min=1"`
	Type         record.EntityKind `json:"type" validate:"required,oneof=contacts organizations"`
	ListID       int64             `json:"listId,omitempty"`
	SubscribeAll bool              `json:"subscribeAll,omitempty"`
}

// RelationPayload flows between the ensureRelations, linkRelations and
// replaceRelations stages.
type RelationPayload struct {
	Records      []record.Record   `json:"records" validate:"required,min=1"`
	Type         record.EntityKind `json:"type" validate:"required,oneof=contacts organizations"`
	ListID       int64             `json:"listId,omitempty"`
	SubscribeAll bool              `json:"subscribeAll,omitempty"`
}

// IngestPayload is the pipeline entry: a parsed, column-mapped batch
// handed over by the upstream ingestion collaborator.
type IngestPayload struct {
	Records         []record.Record   `json:"records" validate:"required,min=1"`
	Type            record.EntityKind `json:"type" validate:"required,oneof=contacts organizations"`
	ListID          int64             `json:"listId,omitempty"`
	SubscribeAll    bool              `json:"subscribeAll,omitempty"`
	RequiredColumns []string          `json:"requiredColumns,omitempty"`
	Filename        string            `json:"filename,omitempty"`
}

// MassActionPayload selects entities by filter and applies one action.
type MassActionPayload struct {
	Entity         string            `json:"entity" validate:"required"`
	Action         string            `json:"massAction" validate:"required,oneof=delete add_to_list add_to_organization add_to_journey anonymize export update update_subscription"`
	Filters        map[string]string `json:"filters,omitempty"`
	ListID         int64             `json:"listId,omitempty" validate:"required_if=Action add_to_list"`
	OrganizationID int64             `json:"organizationId,omitempty" validate:"required_if=Action add_to_organization"`
	JourneyID      int64             `json:"journeyId,omitempty" validate:"required_if=Action add_to_journey"`
	ChannelID      int64             `json:"channelId,omitempty" validate:"required_if=Action update_subscription"`
	IsSubscribe    bool              `json:"isSubscribe,omitempty"`
	AddEvent       bool              `json:"addEvent,omitempty"`
	UpdateField    string            `json:"updateField,omitempty" validate:"required_if=Action update"`
	UpdateValue    any               `json:"updateValue,omitempty"`
	UserEmail      string            `json:"userEmail,omitempty"`
}

// ActionItem identifies one entity targeted by a mass action.
type ActionItem struct {
	ID         int64  `json:"id"`
	DocumentID string `json:"documentId"`
}

// DeleteBatchPayload feeds the deletion worker.
type DeleteBatchPayload struct {
	Entity string       `json:"entity" validate:"required"`
	Items  []ActionItem `json:"items" validate:"required,min=1"`
}

// AnonymizeBatchPayload feeds the anonymize worker.
type AnonymizeBatchPayload struct {
	Entity string       `json:"entity" validate:"required"`
	Items  []ActionItem `json:"items" validate:"required,min=1"`
}

// LinkBatchPayload feeds the add_to_list / add_to_organization /
// add_to_journey workers; TargetID is the destination list, organization
// or journey step.
type LinkBatchPayload struct {
	Entity   string       `json:"entity" validate:"required"`
	Items    []ActionItem `json:"items" validate:"required,min=1"`
	TargetID int64        `json:"targetId" validate:"required"`
}

// UpdateBatchPayload feeds the field-update worker.
type UpdateBatchPayload struct {
	Entity    string       `json:"entity" validate:"required"`
	Items     []ActionItem `json:"items" validate:"required,min=1"`
	Field     string       `json:"field" validate:"required"`
	Value     any          `json:"value"`
	UserEmail string       `json:"userEmail,omitempty"`
}

// SubscriptionBatchPayload feeds the subscription worker.
type SubscriptionBatchPayload struct {
	ContactIDs  []int64 `json:"items" validate:"required,min=1"`
	ChannelID   int64   `json:"channelId" validate:"required"`
	IsSubscribe bool    `json:"isSubscribe"`
	AddEvent    bool    `json:"addEvent,omitempty"`
}

// ExportPayload acknowledges an export request; file generation lives
// outside this pipeline.
type ExportPayload struct {
	Entity    string `json:"entity" validate:"required"`
	UserEmail string `json:"userEmail,omitempty"`
}
