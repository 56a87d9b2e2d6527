package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/smallnest/checkpointer/checkpoint"
)

// Store is a checkpoint.Backend on an Azure Cosmos DB for NoSQL container
// partitioned by thread ID.
type Store struct {
	client *azcosmos.Client

	mu        sync.RWMutex
	container *azcosmos.ContainerClient

	closed atomic.Bool
}

var _ checkpoint.Backend = (*Store)(nil)

// Options selects the account and credentials. ConnectionString takes
// precedence over Endpoint and Key.
type Options struct {
	Endpoint         string
	Key              string
	ConnectionString string
	ClientOptions    *azcosmos.ClientOptions
}

// New creates a Store for the account described by opts.
func New(opts Options) (*Store, error) {
	if opts.ConnectionString != "" {
		client, err := azcosmos.NewClientFromConnectionString(opts.ConnectionString, opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to create cosmos client: %w", err)
		}
		return NewWithClient(client), nil
	}
	if opts.Endpoint == "" || opts.Key == "" {
		return nil, errors.New("cosmos store: endpoint and key are required")
	}
	cred, err := azcosmos.NewKeyCredential(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cosmos credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(opts.Endpoint, cred, opts.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create cosmos client: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient creates a Store on an existing client, for example one
// authenticated with azidentity.
func NewWithClient(client *azcosmos.Client) *Store {
	return &Store{client: client}
}

// CreateIfNotExists creates the database and the container. Both calls
// tolerate 409 Conflict, so an existing container keeps its settings.
func (s *Store) CreateIfNotExists(ctx context.Context, spec checkpoint.ContainerSpec) error {
	if s.closed.Load() {
		return checkpoint.ErrClosed
	}

	_, err := s.client.CreateDatabase(ctx, azcosmos.DatabaseProperties{ID: spec.Database}, nil)
	if err != nil && !isConflict(err) {
		return classify("create database", err)
	}

	db, err := s.client.NewDatabase(spec.Database)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", spec.Database, err)
	}
	_, err = db.CreateContainer(ctx, ContainerProperties(spec), nil)
	if err != nil && !isConflict(err) {
		return classify("create container", err)
	}

	container, err := db.NewContainer(spec.Container)
	if err != nil {
		return fmt.Errorf("failed to open container %s: %w", spec.Container, err)
	}
	s.mu.Lock()
	s.container = container
	s.mu.Unlock()
	return nil
}

func (s *Store) containerClient() (*azcosmos.ContainerClient, error) {
	if s.closed.Load() {
		return nil, checkpoint.ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.container == nil {
		return nil, checkpoint.ErrNotInitialized
	}
	return s.container, nil
}

// ContainerProperties converts spec into the properties sent on creation.
func ContainerProperties(spec checkpoint.ContainerSpec) azcosmos.ContainerProperties {
	policy := IndexingPolicy(spec.IndexingPolicy)
	return azcosmos.ContainerProperties{
		ID: spec.Container,
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
			Paths: []string{spec.PartitionKeyPath},
		},
		IndexingPolicy: &policy,
	}
}

// IndexingPolicy converts p to the SDK type. Range index kinds are implied by
// the service and are not sent.
func IndexingPolicy(p checkpoint.IndexingPolicy) azcosmos.IndexingPolicy {
	out := azcosmos.IndexingPolicy{
		Automatic:    p.Automatic,
		IndexingMode: azcosmos.IndexingModeConsistent,
	}
	if strings.EqualFold(p.IndexingMode, "none") {
		out.IndexingMode = azcosmos.IndexingModeNone
	}
	for _, path := range p.IncludedPaths {
		out.IncludedPaths = append(out.IncludedPaths, azcosmos.IncludedPath{Path: path.Path})
	}
	for _, path := range p.ExcludedPaths {
		out.ExcludedPaths = append(out.ExcludedPaths, azcosmos.ExcludedPath{Path: path})
	}
	for _, composite := range p.CompositeIndexes {
		idx := make([]azcosmos.CompositeIndex, 0, len(composite))
		for _, c := range composite {
			order := azcosmos.CompositeIndexAscending
			if c.Order == "descending" {
				order = azcosmos.CompositeIndexDescending
			}
			idx = append(idx, azcosmos.CompositeIndex{Path: c.Path, Order: order})
		}
		out.CompositeIndexes = append(out.CompositeIndexes, idx)
	}
	return out
}

// UpsertItem upserts doc into the thread's logical partition.
func (s *Store) UpsertItem(ctx context.Context, doc *checkpoint.Document) error {
	container, err := s.containerClient()
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if _, err := container.UpsertItem(ctx, azcosmos.NewPartitionKeyString(doc.ThreadID), data, nil); err != nil {
		return classify("upsert item", err)
	}
	return nil
}

// QueryItems runs q as a Cosmos SQL query. Queries with a thread ID stay in
// that partition; the rest fan out across partitions.
func (s *Store) QueryItems(q checkpoint.Query) checkpoint.Pager {
	container, err := s.containerClient()
	if err != nil {
		return checkpoint.PageFunc(func(context.Context) ([]*checkpoint.Document, error) { return nil, err })
	}
	query, params, err := BuildQuery(q)
	if err != nil {
		return checkpoint.PageFunc(func(context.Context) ([]*checkpoint.Document, error) { return nil, err })
	}

	opts := &azcosmos.QueryOptions{QueryParameters: params}
	if q.ThreadID != "" {
		pk := azcosmos.NewPartitionKeyString(q.ThreadID)
		return &pager{items: container.NewQueryItemsPager(query, pk, opts)}
	}
	return crossPartition(q, &pager{items: container.NewQueryItemsPager(query, azcosmos.NewPartitionKey(), opts)})
}

// crossPartition drains every page of p and orders and limits the result
// with q.Select. The gateway rejects ORDER BY and OFFSET/LIMIT on
// cross-partition queries, so BuildQuery leaves them out. Pages read before
// a failure are kept for the next attempt.
func crossPartition(q checkpoint.Query, p checkpoint.Pager) checkpoint.Pager {
	var docs []*checkpoint.Document
	return checkpoint.PageFunc(func(ctx context.Context) ([]*checkpoint.Document, error) {
		for p.More() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			docs = append(docs, page...)
		}
		return q.Select(docs), nil
	})
}

// itemsPager is the part of runtime.Pager[azcosmos.QueryItemsResponse] that
// pager uses.
type itemsPager interface {
	More() bool
	NextPage(ctx context.Context) (azcosmos.QueryItemsResponse, error)
}

type pager struct {
	items itemsPager
}

func (p *pager) More() bool {
	return p.items.More()
}

func (p *pager) NextPage(ctx context.Context) ([]*checkpoint.Document, error) {
	resp, err := p.items.NextPage(ctx)
	if err != nil {
		return nil, classify("query items", err)
	}
	docs := make([]*checkpoint.Document, 0, len(resp.Items))
	for _, item := range resp.Items {
		var doc checkpoint.Document
		if err := json.Unmarshal(item, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// BuildQuery renders q as Cosmos SQL with named parameters. Filter keys are
// validated before they are spliced into property paths. Queries without a
// thread ID carry no ORDER BY or OFFSET/LIMIT.
func BuildQuery(q checkpoint.Query) (string, []azcosmos.QueryParameter, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var params []azcosmos.QueryParameter
	var sb strings.Builder
	sb.WriteString("SELECT * FROM c WHERE ")
	if q.Kind == checkpoint.KindCheckpoint {
		sb.WriteString("IS_DEFINED(c.checkpoint)")
	} else {
		sb.WriteString("NOT IS_DEFINED(c.checkpoint)")
	}
	if q.ThreadID != "" {
		sb.WriteString(" AND c.thread_id = @thread_id")
		params = append(params, azcosmos.QueryParameter{Name: "@thread_id", Value: q.ThreadID})
	}
	if q.CheckpointID != "" {
		sb.WriteString(" AND c.checkpoint_id = @checkpoint_id")
		params = append(params, azcosmos.QueryParameter{Name: "@checkpoint_id", Value: q.CheckpointID})
	}

	if q.Kind == checkpoint.KindCheckpoint {
		if q.Before != "" {
			sb.WriteString(" AND c.checkpoint_id < @before_checkpoint_id")
			params = append(params, azcosmos.QueryParameter{Name: "@before_checkpoint_id", Value: q.Before})
		}
		keys := q.MetadataKeys()
		if len(keys) > 0 {
			sb.WriteString(" AND c.metadata_encoded = false")
		}
		for _, key := range keys {
			name := "@meta_" + key
			fmt.Fprintf(&sb, " AND c.metadata.%s = %s", key, name)
			params = append(params, azcosmos.QueryParameter{Name: name, Value: q.Metadata[key]})
		}
	}

	// Cross-partition results are ordered and limited by the caller.
	if q.ThreadID == "" {
		return sb.String(), params, nil
	}
	if q.Kind == checkpoint.KindCheckpoint {
		sb.WriteString(" ORDER BY c.checkpoint_id DESC")
	} else {
		sb.WriteString(" ORDER BY c.task_id ASC, c.idx ASC")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " OFFSET 0 LIMIT %d", q.Limit)
	}
	return sb.String(), params, nil
}

// Close marks the store closed. The SDK client holds no connections of its
// own to release.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}

// classify keeps the service status code so savers can tell throttling and
// unavailability apart from permanent failures.
func classify(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &checkpoint.StatusError{StatusCode: respErr.StatusCode, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return checkpoint.Unavailable(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
