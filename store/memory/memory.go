// Package memory provides an in-process checkpoint.Backend. It is the
// reference implementation of the query semantics and is intended for tests
// and single-process embedding.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/smallnest/checkpointer/checkpoint"
)

type docKey struct {
	threadID string
	id       string
}

// Store keeps documents as their JSON encoding so that callers never share
// memory with stored state.
type Store struct {
	mu       sync.RWMutex
	docs     map[docKey][]byte
	spec     *checkpoint.ContainerSpec
	pageSize int
	closed   bool
}

var _ checkpoint.Backend = (*Store)(nil)

// Options configures a memory Store.
type Options struct {
	// PageSize splits query results into pages. Zero returns one page.
	PageSize int
}

// New creates an empty Store.
func New(opts Options) *Store {
	return &Store{
		docs:     make(map[docKey][]byte),
		pageSize: opts.PageSize,
	}
}

// CreateIfNotExists records the container layout. Calling it again with a
// different layout is an error.
func (s *Store) CreateIfNotExists(_ context.Context, spec checkpoint.ContainerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrClosed
	}
	if s.spec != nil {
		if s.spec.Database != spec.Database || s.spec.Container != spec.Container {
			return fmt.Errorf("memory store already holds container %s/%s", s.spec.Database, s.spec.Container)
		}
		return nil
	}
	s.spec = &spec
	return nil
}

// UpsertItem stores doc, replacing any document with the same thread and id.
func (s *Store) UpsertItem(_ context.Context, doc *checkpoint.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.ErrClosed
	}
	s.docs[docKey{threadID: doc.ThreadID, id: doc.ID}] = data
	return nil
}

// QueryItems evaluates q when the first page is requested.
func (s *Store) QueryItems(q checkpoint.Query) checkpoint.Pager {
	return &pager{store: s, query: q}
}

type pager struct {
	store *Store
	query checkpoint.Query
	inner checkpoint.Pager
}

func (p *pager) More() bool {
	return p.inner == nil || p.inner.More()
}

func (p *pager) NextPage(ctx context.Context) ([]*checkpoint.Document, error) {
	if p.inner == nil {
		docs, err := p.store.snapshot()
		if err != nil {
			return nil, err
		}
		p.inner = checkpoint.SlicePager(p.query.Select(docs), p.store.pageSize)
	}
	return p.inner.NextPage(ctx)
}

func (s *Store) snapshot() ([]*checkpoint.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrClosed
	}
	docs := make([]*checkpoint.Document, 0, len(s.docs))
	for key, data := range s.docs {
		var doc checkpoint.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s/%s: %w", key.threadID, key.id, err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// Len returns the number of stored documents of both kinds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Raw returns the stored JSON of one document.
func (s *Store) Raw(threadID, id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[docKey{threadID: threadID, id: id}]
	return data, ok
}

// Close drops every document.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.docs = nil
	return nil
}
