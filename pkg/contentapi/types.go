package contentapi

import "fmt"

// CreatedID identifies one entity created by a bulk call.
type CreatedID struct {
	ID         int64  `json:"id"`
	DocumentID string `json:"documentId"`
}

// BulkResult is the response envelope shared by the bulk endpoints.
type BulkResult struct {
	Success bool        `json:"success"`
	Count   int         `json:"count"`
	IDs     []CreatedID `json:"ids,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ListItem is one row of a paginated listing.
type ListItem struct {
	ID         int64          `json:"id"`
	DocumentID string         `json:"documentId"`
	Attributes map[string]any `json:"attributes"`
}

type listResponse struct {
	Data []ListItem `json:"data"`
}

// StatusError reports a non-2xx response or an API-level success:false.
// It is never transport-class, so it is not retried.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("content api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("content api: status %d", e.StatusCode)
}
