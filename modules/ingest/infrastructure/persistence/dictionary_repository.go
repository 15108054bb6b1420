package persistence

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

// DictionaryRow is one preloadable name-keyed lookup entry.
type DictionaryRow struct {
	ID         int64
	DocumentID string
	Name       string
}

// ContactRow carries the identifying fields a contact can be cached by.
type ContactRow struct {
	ID          int64
	DocumentID  string
	Email       string
	Phone       string
	MobilePhone string
	LinkedinURL string
}

// DictionaryRepository reads the lookup tables the relation cache
// preloads at startup.
type DictionaryRepository struct {
	db DBTX
}

func NewDictionaryRepository(db DBTX) *DictionaryRepository {
	return &DictionaryRepository{db: db}
}

var identRe = regexp.MustCompile(`^[a-z_]+$`)

// LoadDictionary reads all rows of one category table. The category name
// comes from a fixed allowlist, never from input.
func (r *DictionaryRepository) LoadDictionary(ctx context.Context, category string) ([]DictionaryRow, error) {
	if !identRe.MatchString(category) {
		return nil, fmt.Errorf("invalid category %q", category)
	}
	q := fmt.Sprintf(`SELECT id, COALESCE(document_id, ''), COALESCE(name, '') FROM %s`, category)
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrapf(err, "load dictionary %s", category)
	}
	defer rows.Close()

	var out []DictionaryRow
	for rows.Next() {
		var row DictionaryRow
		if err := rows.Scan(&row.ID, &row.DocumentID, &row.Name); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LoadContacts reads the identifying fields of every contact.
func (r *DictionaryRepository) LoadContacts(ctx context.Context) ([]ContactRow, error) {
	const q = `SELECT id,
	    COALESCE(document_id, ''),
	    COALESCE(email, ''),
	    COALESCE(phone, ''),
	    COALESCE(mobile_phone, ''),
	    COALESCE(linkedin_url, '')
	  FROM contacts`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "load contacts")
	}
	defer rows.Close()

	var out []ContactRow
	for rows.Next() {
		var row ContactRow
		if err := rows.Scan(&row.ID, &row.DocumentID, &row.Email, &row.Phone, &row.MobilePhone, &row.LinkedinURL); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LoadListMembership reads which contacts already belong to which lists.
func (r *DictionaryRepository) LoadListMembership(ctx context.Context) (map[int64][]int64, error) {
	const q = `SELECT list_id, contact_id FROM contacts_lists_lnk`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "load list membership")
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var listID, contactID int64
		if err := rows.Scan(&listID, &contactID); err != nil {
			return nil, err
		}
		out[listID] = append(out[listID], contactID)
	}
	return out, rows.Err()
}
