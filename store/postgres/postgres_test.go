package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointer/checkpoint"
	"github.com/smallnest/checkpointer/log"
	"github.com/smallnest/checkpointer/retry"
)

func checkpointDoc() *checkpoint.Document {
	return &checkpoint.Document{
		ID:           "ck-001",
		ThreadID:     "sess-1",
		CheckpointID: "ck-001",
		Checkpoint:   checkpoint.Field{Data: json.RawMessage(`{"id":"ck-001","payload":{"step":1}}`)},
		Metadata:     checkpoint.Field{Data: json.RawMessage(`{"source":"human"}`)},
	}
}

func TestStore_CreateIfNotExists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{})

	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "langgraph"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "langgraph"."checkpoints"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "idx_checkpoints_thread_id_checkpoint_id" ON "langgraph"."checkpoints" (thread_id, checkpoint_id DESC)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "idx_checkpoints_task_id_idx" ON "langgraph"."checkpoints" (task_id, idx)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err = store.CreateIfNotExists(context.Background(), checkpoint.DefaultContainerSpec())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateIfNotExists_Overrides(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{Schema: "bots", TableName: "history"})
	spec := checkpoint.DefaultContainerSpec()
	spec.IndexingPolicy.CompositeIndexes = nil

	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "bots"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "bots"."history"`)).
		WillReturnError(errors.New("permission denied for schema bots"))

	err = store.CreateIfNotExists(context.Background(), spec)
	assert.ErrorContains(t, err, "failed to create schema")
	assert.False(t, checkpoint.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertItem(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{})
	doc := checkpointDoc()
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "langgraph"."checkpoints"`)).
		WithArgs("sess-1", "ck-001", "checkpoint", "ck-001", "", 0, data).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.UpsertItem(context.Background(), doc)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertItem_Transient(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{})

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "langgraph"."checkpoints"`)).
		WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})

	err = store.UpsertItem(context.Background(), checkpointDoc())
	assert.True(t, checkpoint.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryItems(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{})
	data, err := json.Marshal(checkpointDoc())
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"doc"}).AddRow(data)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "langgraph"."checkpoints" WHERE kind = $1 AND thread_id = $2 ORDER BY checkpoint_id DESC, thread_id ASC LIMIT 1`)).
		WithArgs("checkpoint", "sess-1").
		WillReturnRows(rows)

	pager := store.QueryItems(checkpoint.Query{Kind: checkpoint.KindCheckpoint, ThreadID: "sess-1", Limit: 1})
	require.True(t, pager.More())
	docs, err := pager.NextPage(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ck-001", docs[0].CheckpointID)
	assert.Equal(t, checkpoint.KindCheckpoint, docs[0].Kind())
	assert.False(t, pager.More())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryItems_InvalidDocument(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{})
	rows := pgxmock.NewRows([]string{"doc"}).AddRow([]byte(`{invalid`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "langgraph"."checkpoints"`)).
		WillReturnRows(rows)

	_, err = store.QueryItems(checkpoint.Query{Kind: checkpoint.KindWrite}).NextPage(context.Background())
	assert.ErrorContains(t, err, "failed to unmarshal document")
}

func TestStore_SaverRetriesTransientQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewWithPool(mock, Options{})
	policy := retry.DefaultPolicy()
	policy.InitialDelay = time.Millisecond
	saver := checkpoint.NewSaver(store, checkpoint.Options{Retry: &policy, Logger: log.NoOpLogger{}})

	for range 4 {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, saver.Setup(context.Background()))

	data, err := json.Marshal(checkpointDoc())
	require.NoError(t, err)

	latest := regexp.QuoteMeta(`SELECT doc FROM "langgraph"."checkpoints" WHERE kind = $1 AND thread_id = $2 ORDER BY checkpoint_id DESC`)
	mock.ExpectQuery(latest).
		WithArgs("checkpoint", "sess-1").
		WillReturnError(&pgconn.PgError{Code: "53300", Message: "too many connections"})
	mock.ExpectQuery(latest).
		WithArgs("checkpoint", "sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(data))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "langgraph"."checkpoints" WHERE kind = $1 AND thread_id = $2 AND checkpoint_id = $3 ORDER BY task_id ASC, idx ASC`)).
		WithArgs("write", "sess-1", "ck-001").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}))

	tuple, err := saver.GetTuple(context.Background(), checkpoint.Config{ThreadID: "sess-1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, map[string]any{"step": 1.0}, tuple.Checkpoint.Payload)
	assert.Equal(t, checkpoint.Metadata{"source": "human"}, tuple.Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQuery(t *testing.T) {
	query, args, err := BuildQuery(`"langgraph"."checkpoints"`, checkpoint.Query{
		Kind:     checkpoint.KindCheckpoint,
		ThreadID: "t",
		Before:   "c3",
		Metadata: map[string]any{"step": 2, "source": "loop"},
		Limit:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT doc FROM "langgraph"."checkpoints" WHERE kind = $1 AND thread_id = $2 AND checkpoint_id < $3`+
		` AND doc->'metadata'->$4::text = $5::jsonb`+
		` AND doc->'metadata'->$6::text = $7::jsonb`+
		` ORDER BY checkpoint_id DESC, thread_id ASC LIMIT 10`, query)
	assert.Equal(t, []any{"checkpoint", "t", "c3", "source", `"loop"`, "step", "2"}, args)

	_, _, err = BuildQuery("t", checkpoint.Query{Kind: checkpoint.KindCheckpoint, Metadata: map[string]any{"bad": make(chan int)}})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "53300", "55P03", "57P03"} {
		assert.True(t, checkpoint.IsTransient(classify("upsert document", &pgconn.PgError{Code: code})), code)
	}
	assert.False(t, checkpoint.IsTransient(classify("upsert document", &pgconn.PgError{Code: "42P01"})))
	assert.True(t, checkpoint.IsTransient(classify("query documents", context.DeadlineExceeded)))
	assert.False(t, checkpoint.IsTransient(classify("query documents", errors.New("boom"))))
}
