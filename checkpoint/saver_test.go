package checkpoint

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointer/log"
	"github.com/smallnest/checkpointer/metrics"
	"github.com/smallnest/checkpointer/retry"
	"github.com/smallnest/checkpointer/serde"
)

func fastPolicy() *retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialDelay = time.Millisecond
	return &p
}

func testOptions() Options {
	return Options{
		Serializer: &serde.JSONPlus{Registry: serde.NewTypeRegistry()},
		Retry:      fastPolicy(),
		Logger:     log.NoOpLogger{},
	}
}

func readySaver(t *testing.T, b Backend, opts Options) *Saver {
	t.Helper()
	s := NewSaver(b, opts)
	require.NoError(t, s.Setup(context.Background()))
	return s
}

func unavailable() error {
	return &StatusError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("service unavailable")}
}

func throttled() error {
	return &StatusError{StatusCode: http.StatusTooManyRequests, Err: errors.New("request rate is large")}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(unavailable()))
	assert.True(t, IsTransient(throttled()))
	assert.True(t, IsTransient(Unavailable("query", errors.New("busy"))))
	assert.True(t, IsTransient(&retry.ExhaustedError{Attempts: 3, Err: throttled()}))
	assert.False(t, IsTransient(&StatusError{StatusCode: http.StatusUnauthorized, Err: errors.New("bad key")}))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{StatusCode: 503, Op: "upsert", Err: errors.New("down")}
	assert.Equal(t, "upsert: store error (status 503): down", err.Error())
	assert.Equal(t, "store error (status 429): slow", (&StatusError{StatusCode: 429, Err: errors.New("slow")}).Error())
}

func TestSaver_UpsertRetriesTransientFailures(t *testing.T) {
	b := newFakeBackend()
	b.upsertErrs = []error{unavailable(), throttled()}
	s := readySaver(t, b, testOptions())

	_, err := s.Put(context.Background(), Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	require.NoError(t, err)

	_, upserts, _ := b.counts()
	assert.Equal(t, 3, upserts)
}

func TestSaver_UpsertGivesUpAfterThreeAttempts(t *testing.T) {
	b := newFakeBackend()
	b.upsertErrs = []error{unavailable(), unavailable(), unavailable(), unavailable()}
	s := readySaver(t, b, testOptions())

	_, err := s.Put(context.Background(), Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, IsTransient(err))

	_, upserts, _ := b.counts()
	assert.Equal(t, 3, upserts)
}

func TestSaver_NonTransientFailsOnce(t *testing.T) {
	b := newFakeBackend()
	denied := &StatusError{StatusCode: http.StatusForbidden, Err: errors.New("forbidden")}
	b.upsertErrs = []error{denied}
	s := readySaver(t, b, testOptions())

	_, err := s.Put(context.Background(), Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	assert.ErrorIs(t, err, denied)

	_, upserts, _ := b.counts()
	assert.Equal(t, 1, upserts)
}

func TestSaver_QueryRetriesPage(t *testing.T) {
	b := newFakeBackend()
	s := readySaver(t, b, testOptions())
	ctx := context.Background()

	_, err := s.Put(ctx, Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	require.NoError(t, err)

	b.queryErrs = []error{throttled(), unavailable()}
	tuple, err := s.GetTuple(ctx, Config{ThreadID: "t"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "c1", tuple.Checkpoint.ID)

	// Two failed attempts, the checkpoint page, then the pending writes page.
	_, _, queries := b.counts()
	assert.Equal(t, 4, queries)
}

func TestSaver_PutWritesPartialFailure(t *testing.T) {
	b := newFakeBackend()
	s := readySaver(t, b, testOptions())
	ctx := context.Background()

	writes := []Write{{Channel: "a", Value: 1}, {Channel: "b", Value: 2}, {Channel: "c", Value: 3}}

	// The first document of task Y fails permanently; task X stays stored.
	require.NoError(t, s.PutWrites(ctx, Config{ThreadID: "t", CheckpointID: "c1"}, writes[:1], "X"))
	b.upsertErrs = []error{&StatusError{StatusCode: http.StatusBadRequest, Err: errors.New("too large")}}
	err := s.PutWrites(ctx, Config{ThreadID: "t", CheckpointID: "c1"}, writes[1:], "Y")
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to upsert document 1 of 2 (c1_Y_0)")

	b.mu.Lock()
	assert.Len(t, b.docs, 1)
	b.mu.Unlock()
}

func TestSaver_WriteDocumentFields(t *testing.T) {
	b := newFakeBackend()
	s := readySaver(t, b, testOptions())
	ctx := context.Background()

	require.NoError(t, s.PutWrites(ctx, Config{ThreadID: "T", CheckpointID: "C"}, []Write{
		{Channel: "a", Value: 1},
		{Channel: "b", Value: "two"},
		{Channel: "c", Value: nil},
	}, "X"))

	docs, err := b.QueryItems(Query{Kind: KindWrite, ThreadID: "T"}).NextPage(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "C_X_0", docs[0].ID)
	assert.Equal(t, "int", docs[0].Type)
	assert.Equal(t, "string", docs[1].Type)
	assert.Equal(t, "nil", docs[2].Type)
	assert.JSONEq(t, `1`, string(docs[0].Value.Data))
	assert.False(t, docs[0].Value.Encoded)
}

func TestSaver_PutStoresVersionsAndParent(t *testing.T) {
	b := newFakeBackend()
	s := readySaver(t, b, testOptions())
	ctx := context.Background()

	next, err := s.Put(ctx, Config{ThreadID: "t", CheckpointID: "c1"}, &Checkpoint{ID: "c2"},
		Metadata{"step": 2}, ChannelVersions{"messages": "3"})
	require.NoError(t, err)
	assert.Equal(t, Config{ThreadID: "t", CheckpointID: "c2"}, next)

	docs, err := b.QueryItems(Query{Kind: KindCheckpoint, ThreadID: "t"}).NextPage(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c1", docs[0].ParentCheckpointID)
	assert.Equal(t, ChannelVersions{"messages": "3"}, docs[0].NewVersions)
	assert.JSONEq(t, `{"step":2}`, string(docs[0].Metadata.Data))
}

func TestSaver_SetupOnce(t *testing.T) {
	b := newFakeBackend()
	s := NewSaver(b, testOptions())
	ctx := context.Background()

	_, err := s.GetTuple(ctx, Config{ThreadID: "t"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, s.Setup(ctx))
	require.NoError(t, s.Setup(ctx))
	setups, _, _ := b.counts()
	assert.Equal(t, 1, setups)

	assert.Equal(t, DefaultDatabase, s.Container().Database)
	assert.Equal(t, DefaultContainer, s.Container().Container)
	assert.Equal(t, "/thread_id", s.Container().PartitionKeyPath)
}

func TestSaver_SetupFailure(t *testing.T) {
	b := newFakeBackend()
	b.setupErr = &StatusError{StatusCode: http.StatusUnauthorized, Err: errors.New("bad key")}
	s := NewSaver(b, testOptions())
	ctx := context.Background()

	err := s.Setup(ctx)
	assert.ErrorContains(t, err, "failed to set up checkpoint container")

	_, err = s.GetTuple(ctx, Config{ThreadID: "t"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	b.setupErr = nil
	require.NoError(t, s.Setup(ctx))
}

func TestWithSaver_ClosesOnError(t *testing.T) {
	b := newFakeBackend()
	boom := errors.New("boom")

	err := WithSaver(context.Background(), b, testOptions(), func(s *Saver) error {
		_, err := s.Put(context.Background(), Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, b.closed)
}

func TestSaver_CustomContainer(t *testing.T) {
	opts := testOptions()
	opts.Container = ContainerSpec{Database: "bots", Container: "history"}
	s := NewSaver(newFakeBackend(), opts)

	spec := s.Container()
	assert.Equal(t, "bots", spec.Database)
	assert.Equal(t, "history", spec.Container)
	assert.Equal(t, DefaultIndexingPolicy(), spec.IndexingPolicy)
}

func TestSaver_ListStopsEarly(t *testing.T) {
	b := newFakeBackend()
	s := readySaver(t, b, testOptions())
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := s.Put(ctx, Config{ThreadID: "t"}, &Checkpoint{ID: id}, nil, nil)
		require.NoError(t, err)
	}

	var seen []string
	for tuple, err := range s.List(ctx, &Config{ThreadID: "t"}, ListOptions{}) {
		require.NoError(t, err)
		seen = append(seen, tuple.Checkpoint.ID)
		// The lock is not held while the consumer runs.
		_, err := s.Put(ctx, Config{ThreadID: "u"}, &Checkpoint{ID: "x" + tuple.Checkpoint.ID}, nil, nil)
		require.NoError(t, err)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"c3", "c2"}, seen)
}

func TestSaver_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	b := newFakeBackend()
	opts := testOptions()
	opts.Metrics = rec
	s := readySaver(t, b, opts)
	ctx := context.Background()

	b.upsertErrs = []error{unavailable()}
	_, err := s.Put(ctx, Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, Config{}, &Checkpoint{ID: "c2"}, nil, nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "checkpoint_operations_total", "put", metrics.ResultSuccess))
	assert.Equal(t, 1.0, counterValue(t, reg, "checkpoint_operations_total", "put", metrics.ResultError))
	assert.Equal(t, 1.0, counterValue(t, reg, "checkpoint_retries_total", "upsert_item"))
	// setup and put
	count, err := testutil.GatherAndCount(reg, "checkpoint_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// counterValue returns the counter of family name whose label values are
// exactly values, in label order.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, values ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := m.GetLabel()
			if len(labels) != len(values) {
				continue
			}
			for i, l := range labels {
				if l.GetValue() != values[i] {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestAsyncSaver_CancelledWhileWaitingForLock(t *testing.T) {
	b := newFakeBackend()
	b.inUpsert = make(chan struct{})
	b.release = make(chan struct{})

	s := NewAsyncSaver(b, testOptions())
	require.NoError(t, <-s.Setup(context.Background()))

	// The first put holds the lock inside UpsertItem.
	first := s.APut(context.Background(), Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	<-b.inUpsert

	ctx, cancel := context.WithCancel(context.Background())
	second := s.APut(ctx, Config{ThreadID: "t"}, &Checkpoint{ID: "c2"}, nil, nil)
	cancel()

	res := <-second
	assert.ErrorIs(t, res.Err, context.Canceled)

	close(b.release)
	res = <-first
	require.NoError(t, res.Err)
	assert.Equal(t, "c1", res.Value.CheckpointID)

	require.NoError(t, <-s.Close())
	assert.True(t, b.closed)
}

func TestAsyncSaver_NotInitialized(t *testing.T) {
	s := NewAsyncSaver(newFakeBackend(), testOptions())
	ctx := context.Background()

	res := <-s.AGetTuple(ctx, Config{ThreadID: "t"})
	assert.ErrorIs(t, res.Err, ErrNotInitialized)

	put := <-s.APut(ctx, Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	assert.ErrorIs(t, put.Err, ErrNotInitialized)

	assert.ErrorIs(t, <-s.APutWrites(ctx, Config{ThreadID: "t", CheckpointID: "c1"}, nil, "X"), ErrNotInitialized)

	var listErr error
	for r := range s.AList(ctx, nil, ListOptions{}) {
		listErr = r.Err
	}
	assert.ErrorIs(t, listErr, ErrNotInitialized)
}

func TestAsyncSaver_ListStopsOnCancel(t *testing.T) {
	b := newFakeBackend()
	err := WithAsyncSaver(context.Background(), b, testOptions(), func(s *AsyncSaver) error {
		for _, id := range []string{"c1", "c2", "c3"} {
			if res := <-s.APut(context.Background(), Config{ThreadID: "t"}, &Checkpoint{ID: id}, nil, nil); res.Err != nil {
				return res.Err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		stream := s.AList(ctx, &Config{ThreadID: "t"}, ListOptions{})
		first := <-stream
		require.NoError(t, first.Err)
		assert.Equal(t, "c3", first.Value.Checkpoint.ID)
		cancel()

		// The producer exits and closes the stream.
		for range stream {
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, b.closed)
}

func TestAsyncSaver_OperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	for range 50 {
		s := NewAsyncSaver(newFakeBackend(), testOptions())
		require.NoError(t, <-s.Setup(ctx))

		// Operations racing with Close either finish or report ErrClosed.
		done := s.Close()
		res := <-s.AGetTuple(ctx, Config{ThreadID: "t"})
		if res.Err != nil {
			assert.ErrorIs(t, res.Err, ErrClosed)
		}
		require.NoError(t, <-done)
	}

	s := NewAsyncSaver(newFakeBackend(), testOptions())
	require.NoError(t, <-s.Setup(ctx))
	require.NoError(t, <-s.Close())

	res := <-s.APut(ctx, Config{ThreadID: "t"}, &Checkpoint{ID: "c1"}, nil, nil)
	assert.ErrorIs(t, res.Err, ErrClosed)
	assert.ErrorIs(t, <-s.APutWrites(ctx, Config{ThreadID: "t", CheckpointID: "c1"}, nil, "X"), ErrClosed)
	assert.ErrorIs(t, <-s.Setup(ctx), ErrClosed)

	var listErr error
	for r := range s.AList(ctx, nil, ListOptions{}) {
		listErr = r.Err
	}
	assert.ErrorIs(t, listErr, ErrClosed)
	require.NoError(t, <-s.Close())
}

func TestNewID_Ordered(t *testing.T) {
	prev := NewID()
	for range 100 {
		next := NewID()
		assert.Less(t, prev, next)
		prev = next
	}

	cp := NewCheckpoint(map[string]any{"step": 1})
	assert.NotEmpty(t, cp.ID)
	assert.NotEmpty(t, cp.TS)
	assert.Equal(t, 1, cp.V)
}
