package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeBackend is a scripted in-memory backend. Errors queued in upsertErrs
// and queryErrs are returned, one per call, before the real operation runs.
type fakeBackend struct {
	mu         sync.Mutex
	docs       map[[2]string][]byte
	upsertErrs []error
	queryErrs  []error
	setupErr   error

	setups   int
	upserts  int
	queries  int
	closed   bool
	inUpsert chan struct{}
	release  chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: make(map[[2]string][]byte)}
}

func (b *fakeBackend) CreateIfNotExists(context.Context, ContainerSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setups++
	return b.setupErr
}

func (b *fakeBackend) UpsertItem(ctx context.Context, doc *Document) error {
	if b.inUpsert != nil {
		b.inUpsert <- struct{}{}
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	if len(b.upsertErrs) > 0 {
		err := b.upsertErrs[0]
		b.upsertErrs = b.upsertErrs[1:]
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	b.docs[[2]string{doc.ThreadID, doc.ID}] = data
	return nil
}

func (b *fakeBackend) QueryItems(q Query) Pager {
	return PageFunc(func(context.Context) ([]*Document, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.queries++
		if len(b.queryErrs) > 0 {
			err := b.queryErrs[0]
			b.queryErrs = b.queryErrs[1:]
			return nil, err
		}
		var all []*Document
		for _, data := range b.docs {
			var doc Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, err
			}
			all = append(all, &doc)
		}
		return q.Select(all), nil
	})
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) counts() (setups, upserts, queries int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setups, b.upserts, b.queries
}
