package record

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyRecord marks a record with nothing left to import after
// sanitization.
var ErrEmptyRecord = errors.New("record has no importable fields")

var dateFields = []string{"birthday", "founded_at", "last_contacted_at", "subscribed_at"}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"01/02/2006",
}

var enumFields = map[string][]string{
	"gender":       {"male", "female", "other"},
	"email_status": {"valid", "invalid", "unknown"},
}

var integerFields = []string{"employees", "founded_year", "annual_revenue"}

// CleanEmptyToNull drops fields whose value is an empty or blank string.
func CleanEmptyToNull(r Record) Record {
	out := r.Clone()
	for k, v := range out {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(out, k)
		}
	}
	return out
}

// FormatDateTimeFields normalizes known date fields to RFC 3339. A value
// no layout can parse is cleared, not fatal.
func FormatDateTimeFields(r Record) Record {
	out := r.Clone()
	for _, field := range dateFields {
		raw := out.String(field)
		if raw == "" {
			continue
		}
		parsed, ok := parseDate(raw)
		if !ok {
			delete(out, field)
			continue
		}
		out[field] = parsed.Format(time.RFC3339)
	}
	return out
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidateEnumerations clears enum fields holding a value outside the
// allowed set. Matching is case-insensitive; the canonical casing wins.
func ValidateEnumerations(r Record) Record {
	out := r.Clone()
	for field, allowed := range enumFields {
		raw := out.String(field)
		if raw == "" {
			continue
		}
		matched := false
		for _, v := range allowed {
			if strings.EqualFold(raw, v) {
				out[field] = v
				matched = true
				break
			}
		}
		if !matched {
			delete(out, field)
		}
	}
	return out
}

// ValidateIntegerFields coerces known integer fields. A non-numeric value
// in a hard-typed field is a record-level error.
func ValidateIntegerFields(r Record) (Record, error) {
	out := r.Clone()
	for _, field := range integerFields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int, int64:
		case float64:
			out[field] = int64(t)
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return nil, &ValidationError{Field: field, Reason: "not an integer"}
			}
			out[field] = n
		default:
			return nil, &ValidationError{Field: field, Reason: "not an integer"}
		}
	}
	return out, nil
}

// Sanitize strips relation fields and blank values before a bulk create
// or update; the raw relation values stay on the original record for the
// resolver. An empty result rejects the row.
func Sanitize(r Record) (Record, error) {
	out := make(Record, len(r))
	for k, v := range r {
		if _, isRelation := FieldCategories[k]; isRelation {
			continue
		}
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = v
	}

	meaningful := 0
	for k := range out {
		if k != FieldID && k != FieldDocumentID {
			meaningful++
		}
	}
	if meaningful == 0 {
		return nil, ErrEmptyRecord
	}
	return out, nil
}

// Prepare runs the full cleaning pipeline for one record.
func Prepare(r Record) (Record, error) {
	out, err := Sanitize(r)
	if err != nil {
		return nil, err
	}
	out = CleanEmptyToNull(out)
	out = FormatDateTimeFields(out)
	out = ValidateEnumerations(out)
	return ValidateIntegerFields(out)
}
