package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
)

// LinkPair is one join-table row waiting to be inserted.
type LinkPair struct {
	EntityID  int64
	RelatedID int64
}

// LinkRepository writes <a>_<b>_lnk join tables. All inserts use
// ON CONFLICT DO NOTHING, so re-running a link job is safe.
type LinkRepository struct {
	db TxStarter
}

func NewLinkRepository(db TxStarter) *LinkRepository {
	return &LinkRepository{db: db}
}

// InsertPairs inserts pairs into one join table in chunks.
func (r *LinkRepository) InsertPairs(ctx context.Context, cfg record.JoinConfig, pairs []LinkPair, chunkSize int) (int64, error) {
	return insertPairs(ctx, r.db, cfg, pairs, chunkSize)
}

// InsertPairsReturning inserts one chunk and reports which left-side ids
// actually produced a row, so callers can detect conflict skips.
func (r *LinkRepository) InsertPairsReturning(ctx context.Context, cfg record.JoinConfig, pairs []LinkPair) ([]int64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	q, args := buildInsert(cfg, pairs)
	q += fmt.Sprintf(" RETURNING %s", cfg.LeftCol)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "insert %s", cfg.Table)
	}
	defer rows.Close()

	var inserted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		inserted = append(inserted, id)
	}
	return inserted, rows.Err()
}

// DeletePairs removes the rows joining the given left-side ids to one
// related id, ahead of a reinsert retry.
func (r *LinkRepository) DeletePairs(ctx context.Context, cfg record.JoinConfig, leftIDs []int64, relatedID int64) error {
	if len(leftIDs) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = ANY($1) AND %s = $2`, cfg.Table, cfg.LeftCol, cfg.RelCol)
	if _, err := r.db.Exec(ctx, q, pgtype.FlatArray[int64](leftIDs), relatedID); err != nil {
		return errors.Wrapf(err, "delete pairs from %s", cfg.Table)
	}
	return nil
}

// DeleteByLeft removes all rows of a join table for the given left-side
// entity ids.
func (r *LinkRepository) DeleteByLeft(ctx context.Context, cfg record.JoinConfig, leftIDs []int64) error {
	return deleteByLeft(ctx, r.db, cfg, leftIDs)
}

// Replace swaps the relations of the given entities inside one
// transaction: delete everything they currently have per join table,
// reinsert the freshly resolved pairs. List membership is additive and is
// only inserted, never deleted. Any failure rolls the whole batch back.
func (r *LinkRepository) Replace(ctx context.Context, kind record.EntityKind, entityIDs []int64, byCategory map[string][]LinkPair, chunkSize int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	joins := record.Joins(kind)
	for category, pairs := range byCategory {
		cfg, ok := joins[category]
		if !ok {
			continue
		}
		if category != record.CategoryLists {
			if err := deleteByLeft(ctx, tx, cfg, entityIDs); err != nil {
				return err
			}
		}
		if _, err := insertPairs(ctx, tx, cfg, pairs, chunkSize); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertPairs(ctx context.Context, db DBTX, cfg record.JoinConfig, pairs []LinkPair, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	var total int64
	for offset := 0; offset < len(pairs); offset += chunkSize {
		end := offset + chunkSize
		if end > len(pairs) {
			end = len(pairs)
		}
		q, args := buildInsert(cfg, pairs[offset:end])
		tag, err := db.Exec(ctx, q, args...)
		if err != nil {
			return total, errors.Wrapf(err, "insert %s", cfg.Table)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func buildInsert(cfg record.JoinConfig, pairs []LinkPair) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(pairs)*2)
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d)", i*2+1, i*2+2)
		args = append(args, p.EntityID, p.RelatedID)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES %s ON CONFLICT DO NOTHING`,
		cfg.Table, cfg.LeftCol, cfg.RelCol, sb.String())
	return q, args
}

func deleteByLeft(ctx context.Context, db DBTX, cfg record.JoinConfig, leftIDs []int64) error {
	if len(leftIDs) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = ANY($1)`, cfg.Table, cfg.LeftCol)
	_, err := db.Exec(ctx, q, pgtype.FlatArray[int64](leftIDs))
	if err != nil {
		return errors.Wrapf(err, "delete from %s", cfg.Table)
	}
	return nil
}
