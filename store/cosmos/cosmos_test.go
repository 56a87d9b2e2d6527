package cosmos

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointer/checkpoint"
)

func TestBuildQuery_Checkpoints(t *testing.T) {
	query, params, err := BuildQuery(checkpoint.Query{
		Kind:     checkpoint.KindCheckpoint,
		ThreadID: "t1",
		Before:   "c3",
		Metadata: map[string]any{"step": 2, "source": "loop"},
		Limit:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM c WHERE IS_DEFINED(c.checkpoint)"+
		" AND c.thread_id = @thread_id"+
		" AND c.checkpoint_id < @before_checkpoint_id"+
		" AND c.metadata_encoded = false"+
		" AND c.metadata.source = @meta_source"+
		" AND c.metadata.step = @meta_step"+
		" ORDER BY c.checkpoint_id DESC OFFSET 0 LIMIT 5", query)
	assert.Equal(t, []azcosmos.QueryParameter{
		{Name: "@thread_id", Value: "t1"},
		{Name: "@before_checkpoint_id", Value: "c3"},
		{Name: "@meta_source", Value: "loop"},
		{Name: "@meta_step", Value: 2},
	}, params)
}

func TestBuildQuery_CrossPartition(t *testing.T) {
	query, params, err := BuildQuery(checkpoint.Query{
		Kind:     checkpoint.KindCheckpoint,
		Before:   "c3",
		Metadata: map[string]any{"source": "loop"},
		Limit:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM c WHERE IS_DEFINED(c.checkpoint)"+
		" AND c.checkpoint_id < @before_checkpoint_id"+
		" AND c.metadata_encoded = false"+
		" AND c.metadata.source = @meta_source", query)
	assert.NotContains(t, query, "ORDER BY")
	assert.NotContains(t, query, "LIMIT")
	assert.Len(t, params, 2)
}

func TestBuildQuery_PointLookup(t *testing.T) {
	query, params, err := BuildQuery(checkpoint.Query{
		Kind:         checkpoint.KindCheckpoint,
		ThreadID:     "t1",
		CheckpointID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM c WHERE IS_DEFINED(c.checkpoint) AND c.thread_id = @thread_id"+
		" AND c.checkpoint_id = @checkpoint_id ORDER BY c.checkpoint_id DESC", query)
	assert.Len(t, params, 2)
}

func TestBuildQuery_Writes(t *testing.T) {
	query, params, err := BuildQuery(checkpoint.Query{
		Kind:         checkpoint.KindWrite,
		ThreadID:     "t1",
		CheckpointID: "c1",
		Before:       "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM c WHERE NOT IS_DEFINED(c.checkpoint) AND c.thread_id = @thread_id"+
		" AND c.checkpoint_id = @checkpoint_id ORDER BY c.task_id ASC, c.idx ASC", query)
	assert.Len(t, params, 2)
}

func TestBuildQuery_InvalidFilter(t *testing.T) {
	_, _, err := BuildQuery(checkpoint.Query{
		Kind:     checkpoint.KindCheckpoint,
		Metadata: map[string]any{"a) OR (1=1": true},
	})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidFilter)
}

func TestContainerProperties(t *testing.T) {
	props := ContainerProperties(checkpoint.DefaultContainerSpec())
	assert.Equal(t, checkpoint.DefaultContainer, props.ID)
	assert.Equal(t, []string{"/thread_id"}, props.PartitionKeyDefinition.Paths)

	policy := props.IndexingPolicy
	require.NotNil(t, policy)
	assert.True(t, policy.Automatic)
	assert.Equal(t, azcosmos.IndexingModeConsistent, policy.IndexingMode)
	assert.Equal(t, []azcosmos.IncludedPath{{Path: "/*"}}, policy.IncludedPaths)
	assert.Equal(t, []azcosmos.ExcludedPath{{Path: `/"_etag"/?`}}, policy.ExcludedPaths)
	assert.Equal(t, [][]azcosmos.CompositeIndex{
		{
			{Path: "/thread_id", Order: azcosmos.CompositeIndexAscending},
			{Path: "/checkpoint_id", Order: azcosmos.CompositeIndexDescending},
		},
		{
			{Path: "/task_id", Order: azcosmos.CompositeIndexAscending},
			{Path: "/idx", Order: azcosmos.CompositeIndexAscending},
		},
	}, policy.CompositeIndexes)
}

func TestIndexingPolicy_None(t *testing.T) {
	policy := IndexingPolicy(checkpoint.IndexingPolicy{IndexingMode: "none"})
	assert.Equal(t, azcosmos.IndexingModeNone, policy.IndexingMode)
	assert.Empty(t, policy.CompositeIndexes)
}

type fakeItems struct {
	pages [][][]byte
	err   error
}

func (f *fakeItems) More() bool {
	return f.err != nil || len(f.pages) > 0
}

func (f *fakeItems) NextPage(context.Context) (azcosmos.QueryItemsResponse, error) {
	if f.err != nil {
		err := f.err
		f.err = nil
		return azcosmos.QueryItemsResponse{}, err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return azcosmos.QueryItemsResponse{Items: page}, nil
}

func TestPager(t *testing.T) {
	items := &fakeItems{
		err: &azcore.ResponseError{StatusCode: http.StatusTooManyRequests},
		pages: [][][]byte{
			{[]byte(`{"id":"c2","thread_id":"t1","checkpoint_id":"c2","checkpoint":{"id":"c2"},"metadata":{},"_rid":"x","_etag":"y"}`)},
			{[]byte(`{"id":"c1","thread_id":"t1","checkpoint_id":"c1","checkpoint":{"id":"c1"},"metadata":{}}`)},
		},
	}
	p := &pager{items: items}
	ctx := context.Background()

	require.True(t, p.More())
	_, err := p.NextPage(ctx)
	assert.True(t, checkpoint.IsTransient(err))

	var ids []string
	for p.More() {
		docs, err := p.NextPage(ctx)
		require.NoError(t, err)
		for _, d := range docs {
			ids = append(ids, d.CheckpointID)
		}
	}
	assert.Equal(t, []string{"c2", "c1"}, ids)
}

func TestCrossPartition(t *testing.T) {
	items := &fakeItems{
		pages: [][][]byte{
			{
				[]byte(`{"id":"c1","thread_id":"a","checkpoint_id":"c1","checkpoint":{"id":"c1"},"metadata":{}}`),
				[]byte(`{"id":"c3","thread_id":"b","checkpoint_id":"c3","checkpoint":{"id":"c3"},"metadata":{}}`),
			},
			{
				[]byte(`{"id":"c2","thread_id":"a","checkpoint_id":"c2","checkpoint":{"id":"c2"},"metadata":{}}`),
				[]byte(`{"id":"c3","thread_id":"a","checkpoint_id":"c3","checkpoint":{"id":"c3"},"metadata":{}}`),
			},
		},
	}
	q := checkpoint.Query{Kind: checkpoint.KindCheckpoint, Limit: 3}
	p := crossPartition(q, &pager{items: items})

	require.True(t, p.More())
	docs, err := p.NextPage(context.Background())
	require.NoError(t, err)
	assert.False(t, p.More())

	var got []string
	for _, d := range docs {
		got = append(got, d.ThreadID+"/"+d.CheckpointID)
	}
	assert.Equal(t, []string{"a/c3", "b/c3", "a/c2"}, got)
}

func TestCrossPartition_Resume(t *testing.T) {
	items := &fakeItems{
		err: &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable},
		pages: [][][]byte{
			{[]byte(`{"id":"c1","thread_id":"a","checkpoint_id":"c1","checkpoint":{"id":"c1"},"metadata":{}}`)},
		},
	}
	p := crossPartition(checkpoint.Query{Kind: checkpoint.KindCheckpoint}, &pager{items: items})
	ctx := context.Background()

	_, err := p.NextPage(ctx)
	assert.True(t, checkpoint.IsTransient(err))
	require.True(t, p.More())

	docs, err := p.NextPage(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c1", docs[0].CheckpointID)
}

func TestStore_NotInitialized(t *testing.T) {
	store := NewWithClient(nil)
	err := store.UpsertItem(context.Background(), &checkpoint.Document{ID: "c1", ThreadID: "t1"})
	assert.ErrorIs(t, err, checkpoint.ErrNotInitialized)

	_, err = store.QueryItems(checkpoint.Query{Kind: checkpoint.KindCheckpoint}).NextPage(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrNotInitialized)

	require.NoError(t, store.Close())
	err = store.CreateIfNotExists(context.Background(), checkpoint.DefaultContainerSpec())
	assert.ErrorIs(t, err, checkpoint.ErrClosed)
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Options{Endpoint: "https://localhost:8081/"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		err := classify("upsert item", &azcore.ResponseError{StatusCode: code})
		assert.True(t, checkpoint.IsTransient(err), code)
	}

	err := classify("upsert item", &azcore.ResponseError{StatusCode: http.StatusBadRequest})
	var statusErr *checkpoint.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.False(t, checkpoint.IsTransient(err))

	assert.True(t, checkpoint.IsTransient(classify("query items", context.DeadlineExceeded)))
	assert.False(t, checkpoint.IsTransient(classify("query items", errors.New("boom"))))
	assert.True(t, isConflict(&azcore.ResponseError{StatusCode: http.StatusConflict}))
}
