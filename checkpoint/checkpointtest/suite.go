// Package checkpointtest runs the checkpoint saver contract against a
// checkpoint.Backend. Backend packages call Run from their tests.
package checkpointtest

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointer/checkpoint"
	"github.com/smallnest/checkpointer/log"
	"github.com/smallnest/checkpointer/serde"
)

// NewBackend returns an empty backend. It is called once per subtest.
type NewBackend func(t *testing.T) checkpoint.Backend

// Run exercises Saver and AsyncSaver over backends produced by newBackend.
func Run(t *testing.T, newBackend NewBackend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newBackend NewBackend)
	}{
		{"FirstCheckpoint", testFirstCheckpoint},
		{"ListNewestFirst", testListNewestFirst},
		{"PointLookup", testPointLookup},
		{"Latest", testLatest},
		{"ParentChaining", testParentChaining},
		{"ListLimit", testListLimit},
		{"ListBefore", testListBefore},
		{"ListMetadataFilter", testListMetadataFilter},
		{"ListMetadataFilterTypes", testListMetadataFilterTypes},
		{"ListAllThreads", testListAllThreads},
		{"ListInvalidFilter", testListInvalidFilter},
		{"ThreadIsolation", testThreadIsolation},
		{"SeparatorsInIDs", testSeparatorsInIDs},
		{"PendingWrites", testPendingWrites},
		{"PendingWritesOverwrite", testPendingWritesOverwrite},
		{"Missing", testMissing},
		{"ContractErrors", testContractErrors},
		{"NotInitialized", testNotInitialized},
		{"SetupIdempotent", testSetupIdempotent},
		{"EncodedFields", testEncodedFields},
		{"RegisteredPayload", testRegisteredPayload},
		{"Async", testAsync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend)
		})
	}
}

func options() checkpoint.Options {
	return checkpoint.Options{
		Serializer: &serde.JSONPlus{Registry: serde.NewTypeRegistry()},
		Logger:     log.NoOpLogger{},
	}
}

func newSaver(t *testing.T, newBackend NewBackend, opts checkpoint.Options) *checkpoint.Saver {
	t.Helper()
	s := checkpoint.NewSaver(newBackend(t), opts)
	require.NoError(t, s.Setup(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s *checkpoint.Saver, cfg checkpoint.Config, id string, md checkpoint.Metadata) checkpoint.Config {
	t.Helper()
	next, err := s.Put(context.Background(), cfg, &checkpoint.Checkpoint{ID: id, Payload: map[string]any{"id": id}}, md, nil)
	require.NoError(t, err)
	return next
}

func ids(t *testing.T, tuples []*checkpoint.Tuple) []string {
	t.Helper()
	out := make([]string, 0, len(tuples))
	for _, tuple := range tuples {
		out = append(out, tuple.Config.CheckpointID)
	}
	return out
}

func list(t *testing.T, s *checkpoint.Saver, cfg *checkpoint.Config, opts checkpoint.ListOptions) []*checkpoint.Tuple {
	t.Helper()
	tuples, err := checkpoint.CollectTuples(s.List(context.Background(), cfg, opts))
	require.NoError(t, err)
	return tuples
}

func testFirstCheckpoint(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	cp := &checkpoint.Checkpoint{ID: "ck-001", Payload: map[string]any{"step": 1}}
	next, err := s.Put(ctx, checkpoint.Config{ThreadID: "sess-1"}, cp, checkpoint.Metadata{"source": "human"}, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Config{ThreadID: "sess-1", CheckpointID: "ck-001"}, next)

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "sess-1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)

	assert.Equal(t, next, tuple.Config)
	assert.Equal(t, &checkpoint.Checkpoint{ID: "ck-001", Payload: map[string]any{"step": 1.0}}, tuple.Checkpoint)
	assert.Equal(t, checkpoint.Metadata{"source": "human"}, tuple.Metadata)
	assert.Nil(t, tuple.ParentConfig)
	assert.Empty(t, tuple.PendingWrites)
}

func testListNewestFirst(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())

	first := put(t, s, checkpoint.Config{ThreadID: "sess-1"}, "ck-001", checkpoint.Metadata{"source": "human"})
	put(t, s, first, "ck-002", checkpoint.Metadata{"source": "loop"})

	tuples := list(t, s, &checkpoint.Config{ThreadID: "sess-1"}, checkpoint.ListOptions{})
	assert.Equal(t, []string{"ck-002", "ck-001"}, ids(t, tuples))
	assert.Empty(t, tuples[0].PendingWrites)
}

func testPointLookup(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	cp := &checkpoint.Checkpoint{
		V:               1,
		ID:              "ck-001",
		TS:              "2026-01-02T03:04:05Z",
		Payload:         map[string]any{"messages": []any{"hi", "hello"}},
		ChannelVersions: checkpoint.ChannelVersions{"messages": "1"},
	}
	_, err := s.Put(ctx, checkpoint.Config{ThreadID: "t"}, cp, nil, checkpoint.ChannelVersions{"messages": "1"})
	require.NoError(t, err)
	put(t, s, checkpoint.Config{ThreadID: "t", CheckpointID: "ck-001"}, "ck-002", nil)

	got, err := s.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t", CheckpointID: "ck-001"})
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func testLatest(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())

	// Stored out of order on purpose.
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c2", nil)
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c3", nil)
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", nil)

	tuple, err := s.GetTuple(context.Background(), checkpoint.Config{ThreadID: "t"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "c3", tuple.Checkpoint.ID)
}

func testParentChaining(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	c1 := put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", nil)
	c2 := put(t, s, c1, "c2", nil)

	tuple, err := s.GetTuple(ctx, c2)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, checkpoint.Config{ThreadID: "t", CheckpointID: "c1"}, *tuple.ParentConfig)

	parent, err := s.GetTuple(ctx, *tuple.ParentConfig)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Nil(t, parent.ParentConfig)
}

func testListLimit(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		put(t, s, checkpoint.Config{ThreadID: "t"}, id, nil)
	}

	tuples := list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{Limit: 2})
	assert.Equal(t, []string{"c4", "c3"}, ids(t, tuples))
}

func testListBefore(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	for _, id := range []string{"c1", "c2", "c3"} {
		put(t, s, checkpoint.Config{ThreadID: "t"}, id, nil)
	}

	tuples := list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
		Before: &checkpoint.Config{CheckpointID: "c2"},
	})
	assert.Equal(t, []string{"c1"}, ids(t, tuples))

	tuples = list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
		Before: &checkpoint.Config{CheckpointID: "c9"},
		Limit:  1,
	})
	assert.Equal(t, []string{"c3"}, ids(t, tuples))
}

func testListMetadataFilter(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", checkpoint.Metadata{"source": "input", "step": 1})
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c2", checkpoint.Metadata{"source": "loop", "step": 2})
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c3", checkpoint.Metadata{"source": "loop", "step": 3})

	tuples := list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
		Filter: map[string]any{"source": "loop"},
	})
	assert.Equal(t, []string{"c3", "c2"}, ids(t, tuples))

	tuples = list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
		Filter: map[string]any{"source": "loop", "step": 2},
	})
	assert.Equal(t, []string{"c2"}, ids(t, tuples))

	tuples = list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
		Filter: map[string]any{"missing": "x"},
	})
	assert.Empty(t, tuples)
}

func testListMetadataFilterTypes(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", checkpoint.Metadata{"flag": true})
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c2", checkpoint.Metadata{"flag": 1})
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c3", checkpoint.Metadata{"flag": nil})
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c4", checkpoint.Metadata{"other": nil})
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c5", checkpoint.Metadata{"flag": "1"})

	tests := []struct {
		filter any
		want   []string
	}{
		{true, []string{"c1"}},
		{false, []string{}},
		{1, []string{"c2"}},
		{1.0, []string{"c2"}},
		{nil, []string{"c3"}},
		{"1", []string{"c5"}},
	}
	for _, tt := range tests {
		tuples := list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
			Filter: map[string]any{"flag": tt.filter},
		})
		assert.Equal(t, tt.want, ids(t, tuples), "filter %#v", tt.filter)
	}
}

func testListAllThreads(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	put(t, s, checkpoint.Config{ThreadID: "a"}, "c1", nil)
	put(t, s, checkpoint.Config{ThreadID: "b"}, "c2", nil)
	put(t, s, checkpoint.Config{ThreadID: "a"}, "c3", nil)

	tuples := list(t, s, nil, checkpoint.ListOptions{})
	assert.Equal(t, []string{"c3", "c2", "c1"}, ids(t, tuples))
	assert.Equal(t, "b", tuples[1].Config.ThreadID)
}

func testListInvalidFilter(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", nil)

	_, err := checkpoint.CollectTuples(s.List(context.Background(), &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{
		Filter: map[string]any{"a = 1 OR 1": 1},
	}))
	assert.ErrorIs(t, err, checkpoint.ErrInvalidFilter)
}

func testThreadIsolation(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	// The same checkpoint ID in two threads names two checkpoints.
	_, err := s.Put(ctx, checkpoint.Config{ThreadID: "a"}, &checkpoint.Checkpoint{ID: "c1", Payload: "from a"}, nil, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "b"}, &checkpoint.Checkpoint{ID: "c1", Payload: "from b"}, nil, nil)
	require.NoError(t, err)

	a, err := s.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "a", CheckpointID: "c1"})
	require.NoError(t, err)
	b, err := s.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "b", CheckpointID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "from a", a.Payload)
	assert.Equal(t, "from b", b.Payload)

	assert.Len(t, list(t, s, &checkpoint.Config{ThreadID: "a"}, checkpoint.ListOptions{}), 1)
}

func testSeparatorsInIDs(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	left, err := s.Put(ctx, checkpoint.Config{ThreadID: "a:b"}, &checkpoint.Checkpoint{ID: "c", Payload: "left"}, nil, nil)
	require.NoError(t, err)
	right, err := s.Put(ctx, checkpoint.Config{ThreadID: "a"}, &checkpoint.Checkpoint{ID: "b:c", Payload: "right"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutWrites(ctx, left, []checkpoint.Write{{Channel: "ch", Value: "left"}}, "task"))
	require.NoError(t, s.PutWrites(ctx, right, []checkpoint.Write{{Channel: "ch", Value: "right"}}, "task"))

	for _, tt := range []struct {
		cfg  checkpoint.Config
		want string
	}{
		{left, "left"},
		{right, "right"},
	} {
		tuple, err := s.GetTuple(ctx, tt.cfg)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, tt.cfg, tuple.Config)
		assert.Equal(t, tt.want, tuple.Checkpoint.Payload)
		require.Len(t, tuple.PendingWrites, 1)
		assert.Equal(t, tt.want, tuple.PendingWrites[0].Value)

		tuples := list(t, s, &checkpoint.Config{ThreadID: tt.cfg.ThreadID}, checkpoint.ListOptions{})
		assert.Equal(t, []string{tt.cfg.CheckpointID}, ids(t, tuples))
	}
}

func testPendingWrites(t *testing.T, newBackend NewBackend) {
	backend := newBackend(t)
	s := checkpoint.NewSaver(backend, options())
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx))
	t.Cleanup(func() { _ = s.Close() })

	cfg := checkpoint.Config{ThreadID: "T", CheckpointID: "C"}
	// Written before checkpoint C exists.
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "a", Value: 1}, {Channel: "b", Value: 2}}, "X"))
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "c", Value: "three"}}, "W"))

	pager := backend.QueryItems(checkpoint.Query{Kind: checkpoint.KindWrite, ThreadID: "T", CheckpointID: "C"})
	var docIDs []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		require.NoError(t, err)
		for _, doc := range page {
			docIDs = append(docIDs, doc.ID)
		}
	}
	assert.Equal(t, []string{"C_W_0", "C_X_0", "C_X_1"}, docIDs)

	missing, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Empty(t, list(t, s, &checkpoint.Config{ThreadID: "T"}, checkpoint.ListOptions{}))

	put(t, s, checkpoint.Config{ThreadID: "T"}, "C", nil)
	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, []checkpoint.PendingWrite{
		{TaskID: "W", Index: 0, Channel: "c", Value: "three"},
		{TaskID: "X", Index: 0, Channel: "a", Value: 1.0},
		{TaskID: "X", Index: 1, Channel: "b", Value: 2.0},
	}, tuple.PendingWrites)
}

func testPendingWritesOverwrite(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	cfg := put(t, s, checkpoint.Config{ThreadID: "T"}, "C", nil)
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "a", Value: "old"}}, "X"))
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "a", Value: "new"}}, "X"))

	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "new", tuple.PendingWrites[0].Value)
}

func testMissing(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "nobody"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", nil)
	tuple, err = s.GetTuple(ctx, checkpoint.Config{ThreadID: "t", CheckpointID: "c0"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	cp, err := s.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t", CheckpointID: "c0"})
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func testContractErrors(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	_, err := s.GetTuple(ctx, checkpoint.Config{CheckpointID: "c1"})
	assert.ErrorIs(t, err, checkpoint.ErrMissingThreadID)

	_, err = checkpoint.CollectTuples(s.List(ctx, &checkpoint.Config{}, checkpoint.ListOptions{}))
	assert.ErrorIs(t, err, checkpoint.ErrMissingThreadID)

	_, err = s.Put(ctx, checkpoint.Config{}, &checkpoint.Checkpoint{ID: "c1"}, nil, nil)
	assert.ErrorIs(t, err, checkpoint.ErrMissingThreadID)

	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "t"}, &checkpoint.Checkpoint{}, nil, nil)
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointWithoutID)

	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "t"}, nil, nil, nil)
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointWithoutID)

	err = s.PutWrites(ctx, checkpoint.Config{ThreadID: "t"}, []checkpoint.Write{{Channel: "a"}}, "X")
	assert.ErrorIs(t, err, checkpoint.ErrMissingCheckpointID)

	err = s.PutWrites(ctx, checkpoint.Config{CheckpointID: "c1"}, []checkpoint.Write{{Channel: "a"}}, "X")
	assert.ErrorIs(t, err, checkpoint.ErrMissingThreadID)
}

func testNotInitialized(t *testing.T, newBackend NewBackend) {
	s := checkpoint.NewSaver(newBackend(t), options())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "t"})
	assert.ErrorIs(t, err, checkpoint.ErrNotInitialized)

	_, err = checkpoint.CollectTuples(s.List(ctx, nil, checkpoint.ListOptions{}))
	assert.ErrorIs(t, err, checkpoint.ErrNotInitialized)

	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "t"}, &checkpoint.Checkpoint{ID: "c1"}, nil, nil)
	assert.ErrorIs(t, err, checkpoint.ErrNotInitialized)

	err = s.PutWrites(ctx, checkpoint.Config{ThreadID: "t", CheckpointID: "c1"}, nil, "X")
	assert.ErrorIs(t, err, checkpoint.ErrNotInitialized)
}

func testSetupIdempotent(t *testing.T, newBackend NewBackend) {
	s := newSaver(t, newBackend, options())
	ctx := context.Background()

	put(t, s, checkpoint.Config{ThreadID: "t"}, "c1", nil)
	require.NoError(t, s.Setup(ctx))

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "t"})
	require.NoError(t, err)
	require.NotNil(t, tuple)

	require.NoError(t, s.Close())
	_, err = s.GetTuple(ctx, checkpoint.Config{ThreadID: "t"})
	assert.ErrorIs(t, err, checkpoint.ErrClosed)
}

func testEncodedFields(t *testing.T, newBackend NewBackend) {
	backend := newBackend(t)
	opts := options()
	opts.Serializer = serde.NewMsgpack()
	s := checkpoint.NewSaver(backend, opts)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx))
	t.Cleanup(func() { _ = s.Close() })

	cp := &checkpoint.Checkpoint{ID: "ck-001", Payload: map[string]any{"agent": "sql"}}
	cfg, err := s.Put(ctx, checkpoint.Config{ThreadID: "t"}, cp, checkpoint.Metadata{"source": "human"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "route", Value: "web"}}, "X"))

	page, err := backend.QueryItems(checkpoint.Query{Kind: checkpoint.KindCheckpoint, ThreadID: "t"}).NextPage(ctx)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].Checkpoint.Encoded)
	assert.True(t, page[0].Metadata.Encoded)

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "t"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, cp, tuple.Checkpoint)
	assert.Equal(t, checkpoint.Metadata{"source": "human"}, tuple.Metadata)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "web", tuple.PendingWrites[0].Value)

	// Binary metadata cannot be filtered.
	tuples := list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{Filter: map[string]any{"source": "human"}})
	assert.Empty(t, tuples)
}

type chatState struct {
	Messages []string `json:"messages"`
	Turn     int      `json:"turn"`
}

func testRegisteredPayload(t *testing.T, newBackend NewBackend) {
	registry := serde.NewTypeRegistry()
	require.NoError(t, registry.Register(reflect.TypeFor[chatState](), "ChatState"))
	opts := options()
	opts.Serializer = &serde.JSONPlus{Registry: registry}
	s := newSaver(t, newBackend, opts)
	ctx := context.Background()

	state := chatState{Messages: []string{"hello"}, Turn: 2}
	cfg, err := s.Put(ctx, checkpoint.Config{ThreadID: "t"}, &checkpoint.Checkpoint{ID: "c1", Payload: state}, checkpoint.Metadata{"source": "loop"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "state", Value: state}}, "X"))

	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, state, tuple.Checkpoint.Payload)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, state, tuple.PendingWrites[0].Value)

	// Metadata stays filterable next to a registered payload.
	tuples := list(t, s, &checkpoint.Config{ThreadID: "t"}, checkpoint.ListOptions{Filter: map[string]any{"source": "loop"}})
	require.Len(t, tuples, 1)
	assert.Equal(t, state, tuples[0].Checkpoint.Payload)
}

func testAsync(t *testing.T, newBackend NewBackend) {
	ctx := context.Background()
	err := checkpoint.WithAsyncSaver(ctx, newBackend(t), options(), func(s *checkpoint.AsyncSaver) error {
		first := <-s.APut(ctx, checkpoint.Config{ThreadID: "sess-1"}, &checkpoint.Checkpoint{ID: "ck-001"}, checkpoint.Metadata{"source": "human"}, nil)
		require.NoError(t, first.Err)
		second := <-s.APut(ctx, first.Value, &checkpoint.Checkpoint{ID: "ck-002"}, nil, nil)
		require.NoError(t, second.Err)
		require.NoError(t, <-s.APutWrites(ctx, second.Value, []checkpoint.Write{{Channel: "a", Value: "x"}}, "X"))

		got := <-s.AGetTuple(ctx, checkpoint.Config{ThreadID: "sess-1"})
		require.NoError(t, got.Err)
		require.NotNil(t, got.Value)
		assert.Equal(t, "ck-002", got.Value.Checkpoint.ID)
		assert.Equal(t, &checkpoint.Config{ThreadID: "sess-1", CheckpointID: "ck-001"}, got.Value.ParentConfig)
		assert.Len(t, got.Value.PendingWrites, 1)

		var listed []string
		for res := range s.AList(ctx, &checkpoint.Config{ThreadID: "sess-1"}, checkpoint.ListOptions{}) {
			require.NoError(t, res.Err)
			listed = append(listed, res.Value.Config.CheckpointID)
		}
		assert.Equal(t, []string{"ck-002", "ck-001"}, listed)

		missing := <-s.AGetTuple(ctx, checkpoint.Config{ThreadID: "nobody"})
		require.NoError(t, missing.Err)
		assert.Nil(t, missing.Value)

		var lastErr error
		for res := range s.AList(ctx, &checkpoint.Config{}, checkpoint.ListOptions{}) {
			lastErr = res.Err
		}
		if !errors.Is(lastErr, checkpoint.ErrMissingThreadID) {
			t.Errorf("AList with empty thread: got %v, want ErrMissingThreadID", lastErr)
		}
		return nil
	})
	require.NoError(t, err)
}
