package queue

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Queue names. Each name maps to a logical queue in the queue_jobs table.
const (
	Ingest              = "ingest"
	ContactsImport      = "contacts_import"
	OrganizationsImport = "organizations_import"
	Relations           = "relations"
	MassActions         = "mass_actions"
	AddToList           = "add_to_list"
	AddToOrganization   = "add_to_organization"
	AddToJourney        = "add_to_journey"
	Deletion            = "deletion"
	Anonymize           = "anonymize"
	Export              = "export"
	Update              = "update"
	UpdateSubscription  = "update_subscription"
)

// Job names used across the pipeline queues.
const (
	JobEnqueueImport     = "enqueueImport"
	JobImportBatch       = "importBatch"
	JobEnsureRelations   = "ensureRelations"
	JobLinkRelations     = "linkRelations"
	JobReplaceRelations  = "replaceRelations"
	JobMassAction        = "massAction"
	JobDeleteBatch       = "deleteBatch"
	JobAnonymizeBatch    = "anonymizeBatch"
	JobAddToListBatch    = "addToListBatch"
	JobAddToOrgBatch     = "addToOrganizationBatch"
	JobAddToJourneyBatch = "addToJourneyBatch"
	JobUpdateBatch       = "updateBatch"
	JobSubscriptionBatch = "updateSubscriptionBatch"
	JobExportBatch       = "exportBatch"
)

// Message is the unit stored in queue_jobs.
type Message struct {
	Queue   string
	Name    string
	JobID   uuid.UUID
	Payload json.RawMessage
}

// Job is the unit delivered to a Handler.
type Job struct {
	ID       uuid.UUID
	Queue    string
	Name     string
	Payload  json.RawMessage
	Sequence int64
	Attempts int
}

type FailedItem struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// JobResult is recorded on the job row when a handler completes.
type JobResult struct {
	SuccessCount int          `json:"successCount"`
	UpdatedCount int          `json:"updatedCount"`
	FailedCount  int          `json:"failedCount"`
	FailedItems  []FailedItem `json:"failedItems,omitempty"`
}

// Counts mirrors the broker-side job states a queue can report.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
}

func (c Counts) Empty() bool {
	return c.Waiting == 0 && c.Active == 0 && c.Delayed == 0
}

// Drained is published on the event bus when a worker pool observes its
// queue transition to empty.
type Drained struct {
	Queue string
}
