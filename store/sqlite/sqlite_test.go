package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointer/checkpoint"
	"github.com/smallnest/checkpointer/checkpoint/checkpointtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Path: filepath.Join(t.TempDir(), "checkpoints.db"), BusyTimeoutMillis: 1000})
	require.NoError(t, err)
	return s
}

func TestSqliteStore_Contract(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Backend {
		return newTestStore(t)
	})
}

func TestSqliteStore_CreatesIndexes(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	spec := checkpoint.DefaultContainerSpec()
	spec.Container = "history"
	require.NoError(t, s.CreateIfNotExists(ctx, spec))
	require.NoError(t, s.CreateIfNotExists(ctx, spec))

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'history' AND name LIKE 'idx_%' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"idx_history_task_id_idx", "idx_history_thread_id_checkpoint_id"}, names)
}

func TestSqliteStore_InvalidTableName(t *testing.T) {
	_, err := New(Options{Path: filepath.Join(t.TempDir(), "x.db"), TableName: "bad name"})
	assert.Error(t, err)

	s := newTestStore(t)
	defer s.Close()
	err = s.CreateIfNotExists(context.Background(), checkpoint.ContainerSpec{Container: "drop table;"})
	assert.Error(t, err)
}

func TestBuildQuery(t *testing.T) {
	query, args, err := BuildQuery("checkpoints", checkpoint.Query{
		Kind:     checkpoint.KindCheckpoint,
		ThreadID: "t",
		Before:   "c3",
		Metadata: map[string]any{"step": 2, "source": "loop"},
		Limit:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT doc FROM checkpoints WHERE kind = ? AND thread_id = ? AND checkpoint_id < ?"+
		" AND json_type(doc, ?) IN ('text') AND json_extract(doc, ?) = json_extract(?, '$')"+
		" AND json_type(doc, ?) IN ('integer', 'real') AND json_extract(doc, ?) = json_extract(?, '$')"+
		" ORDER BY checkpoint_id DESC, thread_id ASC LIMIT 5", query)
	assert.Equal(t, []any{"checkpoint", "t", "c3",
		"$.metadata.source", "$.metadata.source", `"loop"`,
		"$.metadata.step", "$.metadata.step", "2"}, args)

	query, args, err = BuildQuery("checkpoints", checkpoint.Query{Kind: checkpoint.KindWrite, ThreadID: "t", CheckpointID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT doc FROM checkpoints WHERE kind = ? AND thread_id = ? AND checkpoint_id = ? ORDER BY task_id ASC, idx ASC", query)
	assert.Equal(t, []any{"write", "t", "c1"}, args)
}

func TestClassify(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.True(t, checkpoint.IsTransient(classify("upsert document", busy)))

	locked := sqlite3.Error{Code: sqlite3.ErrLocked}
	assert.True(t, checkpoint.IsTransient(classify("upsert document", locked)))

	constraint := sqlite3.Error{Code: sqlite3.ErrConstraint}
	err := classify("upsert document", constraint)
	assert.False(t, checkpoint.IsTransient(err))
	assert.ErrorContains(t, err, "failed to upsert document")

	assert.False(t, checkpoint.IsTransient(classify("query documents", errors.New("syntax error"))))
}
