package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records Exec calls; Query and QueryRow are unused by the paths
// under test.
type fakeDB struct {
	execs   []execCall
	execErr func(sql string) error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		if err := f.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("unexpected Query")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("unexpected QueryRow")
}

// fakeTx wraps a fakeDB as a transaction and records its outcome.
type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeStarter struct {
	fakeDB
	tx *fakeTx
}

func (f *fakeStarter) Begin(ctx context.Context) (pgx.Tx, error) {
	return f.tx, nil
}

func TestBuildInsert(t *testing.T) {
	t.Parallel()

	cfg := record.JoinConfig{Table: "contacts_tags_lnk", LeftCol: "contact_id", RelCol: "tag_id"}
	q, args := buildInsert(cfg, []LinkPair{{EntityID: 1, RelatedID: 10}, {EntityID: 2, RelatedID: 20}})

	assert.Equal(t,
		"INSERT INTO contacts_tags_lnk (contact_id, tag_id) VALUES ($1,$2),($3,$4) ON CONFLICT DO NOTHING",
		q,
	)
	assert.Equal(t, []any{int64(1), int64(10), int64(2), int64(20)}, args)
}

func TestInsertPairsChunks(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{tx: &fakeTx{}}
	repo := NewLinkRepository(starter)

	pairs := make([]LinkPair, 1200)
	for i := range pairs {
		pairs[i] = LinkPair{EntityID: int64(i), RelatedID: 7}
	}
	cfg := record.ContactJoins[record.CategoryLists]

	total, err := repo.InsertPairs(context.Background(), cfg, pairs, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "one affected row reported per chunk")
	require.Len(t, starter.execs, 3)
	assert.Contains(t, starter.execs[0].sql, "contacts_lists_lnk")
	assert.Len(t, starter.execs[2].args, 2*200)
}

func TestDeletePairsScopesToRelatedID(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{tx: &fakeTx{}}
	repo := NewLinkRepository(starter)
	cfg := record.ContactJoins[record.CategoryLists]

	require.NoError(t, repo.DeletePairs(context.Background(), cfg, []int64{1, 2}, 7))
	require.Len(t, starter.execs, 1)
	assert.Equal(t, "DELETE FROM contacts_lists_lnk WHERE contact_id = ANY($1) AND list_id = $2", starter.execs[0].sql)
	assert.Equal(t, int64(7), starter.execs[0].args[1])

	require.NoError(t, repo.DeletePairs(context.Background(), cfg, nil, 7))
	assert.Len(t, starter.execs, 1, "an empty id set is a no-op")
}

func TestReplaceCommitsDeleteThenInsert(t *testing.T) {
	t.Parallel()

	txDB := &fakeDB{}
	tx := &fakeTx{db: txDB}
	repo := NewLinkRepository(&fakeStarter{tx: tx})

	err := repo.Replace(context.Background(), record.Contacts, []int64{1, 2}, map[string][]LinkPair{
		"tags": {{EntityID: 1, RelatedID: 10}},
	}, 500)
	require.NoError(t, err)
	require.True(t, tx.committed)

	require.Len(t, txDB.execs, 2)
	assert.Contains(t, txDB.execs[0].sql, "DELETE FROM contacts_tags_lnk")
	assert.Contains(t, txDB.execs[1].sql, "INSERT INTO contacts_tags_lnk")
}

func TestReplaceNeverDeletesListMembership(t *testing.T) {
	t.Parallel()

	txDB := &fakeDB{}
	tx := &fakeTx{db: txDB}
	repo := NewLinkRepository(&fakeStarter{tx: tx})

	err := repo.Replace(context.Background(), record.Contacts, []int64{1}, map[string][]LinkPair{
		record.CategoryLists: {{EntityID: 1, RelatedID: 7}},
	}, 500)
	require.NoError(t, err)

	for _, call := range txDB.execs {
		assert.False(t, strings.HasPrefix(call.sql, "DELETE"), "lists are additive, got %q", call.sql)
	}
	require.Len(t, txDB.execs, 1)
	assert.Contains(t, txDB.execs[0].sql, "INSERT INTO contacts_lists_lnk")
}

func TestReplaceRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("deadlock detected")
	txDB := &fakeDB{execErr: func(sql string) error {
		if strings.HasPrefix(sql, "INSERT") {
			return boom
		}
		return nil
	}}
	tx := &fakeTx{db: txDB}
	repo := NewLinkRepository(&fakeStarter{tx: tx})

	err := repo.Replace(context.Background(), record.Contacts, []int64{1}, map[string][]LinkPair{
		"tags": {{EntityID: 1, RelatedID: 10}},
	}, 500)
	require.ErrorIs(t, err, boom)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestReplaceSkipsUnknownCategories(t *testing.T) {
	t.Parallel()

	txDB := &fakeDB{}
	tx := &fakeTx{db: txDB}
	repo := NewLinkRepository(&fakeStarter{tx: tx})

	err := repo.Replace(context.Background(), record.Contacts, []int64{1}, map[string][]LinkPair{
		"journeys": {{EntityID: 1, RelatedID: 3}},
	}, 500)
	require.NoError(t, err)
	assert.Empty(t, txDB.execs)
	assert.True(t, tx.committed)
}

func TestLoadDictionaryRejectsBadIdentifier(t *testing.T) {
	t.Parallel()

	repo := NewDictionaryRepository(&fakeDB{})
	_, err := repo.LoadDictionary(context.Background(), "tags; DROP TABLE contacts")
	require.Error(t, err)
}
