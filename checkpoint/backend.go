package checkpoint

import (
	"context"
	"strings"
)

// Backend is the document store a saver persists into. Implementations need
// not be safe for concurrent use by more than one saver; savers serialize
// their own calls.
//
// Failures that may clear on their own must be reported as a *StatusError
// with code 429 or 503 so that savers retry them.
type Backend interface {
	// CreateIfNotExists provisions the database and container described by
	// spec. It must succeed when they already exist.
	CreateIfNotExists(ctx context.Context, spec ContainerSpec) error
	// UpsertItem inserts doc or replaces the document with the same
	// (ThreadID, ID).
	UpsertItem(ctx context.Context, doc *Document) error
	// QueryItems returns a pager over the documents matching q.
	QueryItems(q Query) Pager
	// Close releases the store client.
	Close() error
}

// Pager yields query results one page at a time.
type Pager interface {
	More() bool
	NextPage(ctx context.Context) ([]*Document, error)
}

// PageFunc adapts a single fetch into a one-page Pager.
func PageFunc(fetch func(ctx context.Context) ([]*Document, error)) Pager {
	return &singlePager{fetch: fetch}
}

type singlePager struct {
	fetch func(ctx context.Context) ([]*Document, error)
	done  bool
}

func (p *singlePager) More() bool {
	return !p.done
}

// NextPage fetches the page. A failed fetch leaves the pager unconsumed so
// that it can be retried.
func (p *singlePager) NextPage(ctx context.Context) ([]*Document, error) {
	docs, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.done = true
	return docs, nil
}

// SlicePager pages over an in-memory result set.
func SlicePager(docs []*Document, pageSize int) Pager {
	if pageSize <= 0 {
		pageSize = len(docs)
	}
	return &slicePager{docs: docs, size: pageSize}
}

type slicePager struct {
	docs    []*Document
	size    int
	started bool
}

func (p *slicePager) More() bool {
	return !p.started || len(p.docs) > 0
}

func (p *slicePager) NextPage(ctx context.Context) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.started = true
	n := min(p.size, len(p.docs))
	page := p.docs[:n]
	p.docs = p.docs[n:]
	return page, nil
}

// ContainerSpec describes the database and container a saver uses.
type ContainerSpec struct {
	Database         string
	Container        string
	PartitionKeyPath string
	IndexingPolicy   IndexingPolicy
}

// Default container layout.
const (
	DefaultDatabase         = "langgraph"
	DefaultContainer        = "checkpoints"
	DefaultPartitionKeyPath = "/thread_id"
)

// DefaultContainerSpec returns the default names with DefaultIndexingPolicy.
func DefaultContainerSpec() ContainerSpec {
	return ContainerSpec{
		Database:         DefaultDatabase,
		Container:        DefaultContainer,
		PartitionKeyPath: DefaultPartitionKeyPath,
		IndexingPolicy:   DefaultIndexingPolicy(),
	}
}

func (s ContainerSpec) withDefaults() ContainerSpec {
	if s.Database == "" {
		s.Database = DefaultDatabase
	}
	if s.Container == "" {
		s.Container = DefaultContainer
	}
	if s.PartitionKeyPath == "" {
		s.PartitionKeyPath = DefaultPartitionKeyPath
	}
	if s.IndexingPolicy.IndexingMode == "" {
		s.IndexingPolicy = DefaultIndexingPolicy()
	}
	return s
}

// IndexingPolicy mirrors a document-store indexing policy. Stores without a
// configurable policy derive their secondary indexes from CompositeIndexes.
type IndexingPolicy struct {
	IndexingMode     string
	Automatic        bool
	IncludedPaths    []IncludedPath
	ExcludedPaths    []string
	CompositeIndexes [][]CompositePath
}

// IncludedPath is an indexed document path.
type IncludedPath struct {
	Path    string
	Indexes []RangeIndex
}

// RangeIndex is a range index on one data type.
type RangeIndex struct {
	Kind      string
	DataType  string
	Precision int
}

// CompositePath is one column of a composite index.
type CompositePath struct {
	Path  string
	Order string
}

// DefaultIndexingPolicy indexes every path with string and number range
// indexes, and adds composites for the two query orders savers issue.
func DefaultIndexingPolicy() IndexingPolicy {
	return IndexingPolicy{
		IndexingMode: "consistent",
		Automatic:    true,
		IncludedPaths: []IncludedPath{{
			Path: "/*",
			Indexes: []RangeIndex{
				{Kind: "Range", DataType: "String", Precision: -1},
				{Kind: "Range", DataType: "Number", Precision: -1},
			},
		}},
		ExcludedPaths: []string{`/"_etag"/?`},
		CompositeIndexes: [][]CompositePath{
			{
				{Path: "/thread_id", Order: "ascending"},
				{Path: "/checkpoint_id", Order: "descending"},
			},
			{
				{Path: "/task_id", Order: "ascending"},
				{Path: "/idx", Order: "ascending"},
			},
		},
	}
}

// IndexColumn is one column of a composite index on a top-level field.
type IndexColumn struct {
	Name       string
	Descending bool
}

// CompositeColumns returns the composite indexes of p whose paths all name
// top-level fields, in a form SQL backends can turn into CREATE INDEX.
func (p IndexingPolicy) CompositeColumns() [][]IndexColumn {
	var out [][]IndexColumn
	for _, composite := range p.CompositeIndexes {
		cols := make([]IndexColumn, 0, len(composite))
		for _, path := range composite {
			name := strings.TrimPrefix(path.Path, "/")
			if name == "" || strings.Contains(name, "/") {
				cols = nil
				break
			}
			cols = append(cols, IndexColumn{Name: name, Descending: path.Order == "descending"})
		}
		if len(cols) > 0 {
			out = append(out, cols)
		}
	}
	return out
}
