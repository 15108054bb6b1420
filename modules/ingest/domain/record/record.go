package record

import (
	"fmt"
	"strconv"
	"strings"
)

type EntityKind string

const (
	Contacts      EntityKind = "contacts"
	Organizations EntityKind = "organizations"
)

func (k EntityKind) Valid() bool {
	return k == Contacts || k == Organizations
}

// Record is one row of an import batch. Field values are strings, string
// slices or numbers as produced by the upstream parser; relation fields
// are resolved to numeric ids during linking.
type Record map[string]any

const (
	FieldID         = "id"
	FieldDocumentID = "documentId"
)

// ContactKeys are the fields a contact can be recognized by in the cache.
var ContactKeys = []string{"email", "phone", "mobile_phone", "linkedin_url"}

// IdentifyingKeys returns the lookup fields for the given entity kind.
func IdentifyingKeys(kind EntityKind) []string {
	if kind == Organizations {
		return []string{"name"}
	}
	return ContactKeys
}

func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Values returns the raw values of a field that may hold one value or a
// list of values.
func (r Record) Values(key string) []any {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func (r Record) ID() int64 {
	switch t := r[FieldID].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func (r Record) DocumentID() string {
	return r.String(FieldDocumentID)
}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Normalize produces the canonical cache-key form of a lookup value.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SearchValue extracts the lookup string from a raw relation value, which
// may be a scalar or an object carrying a name or title.
func SearchValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any:
		if name, ok := t["name"].(string); ok && name != "" {
			return strings.TrimSpace(name)
		}
		if title, ok := t["title"].(string); ok && title != "" {
			return strings.TrimSpace(title)
		}
	}
	return ""
}

// ValidationError is a record-level problem; it never aborts a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}
