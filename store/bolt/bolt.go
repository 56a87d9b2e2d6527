package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/smallnest/checkpointer/checkpoint"
)

var (
	// Bucket names under each thread bucket
	bucketCheckpoints = []byte("checkpoints")
	bucketWrites      = []byte("writes")
)

// Store is a checkpoint.Backend on a single BoltDB file. Documents live in
// nested buckets database/container/thread/{checkpoints|writes}; pending
// writes are further grouped by checkpoint ID.
type Store struct {
	db *bbolt.DB

	mu        sync.RWMutex
	database  []byte
	container []byte
}

var _ checkpoint.Backend = (*Store)(nil)

// Options configures the BoltDB file.
type Options struct {
	Path string
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
}

// New opens (or creates) the database file at opts.Path.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("bolt store: path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, classify("open database", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an open database. The store closes it on Close.
func NewWithDB(db *bbolt.DB) *Store {
	return &Store{
		db:        db,
		database:  []byte(checkpoint.DefaultDatabase),
		container: []byte(checkpoint.DefaultContainer),
	}
}

func (s *Store) names() (database, container []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.database, s.container
}

// CreateIfNotExists creates the database and container buckets.
func (s *Store) CreateIfNotExists(ctx context.Context, spec checkpoint.ContainerSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if spec.Database != "" {
		s.database = []byte(spec.Database)
	}
	if spec.Container != "" {
		s.container = []byte(spec.Container)
	}
	s.mu.Unlock()

	database, container := s.names()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		db, err := tx.CreateBucketIfNotExists(database)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", database, err)
		}
		if _, err := db.CreateBucketIfNotExists(container); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", container, err)
		}
		return nil
	})
	if err != nil {
		return classify("create container", err)
	}
	return nil
}

// containerBucket returns nil when the container was never created.
func (s *Store) containerBucket(tx *bbolt.Tx) *bbolt.Bucket {
	database, container := s.names()
	db := tx.Bucket(database)
	if db == nil {
		return nil
	}
	return db.Bucket(container)
}

// UpsertItem stores doc, replacing any document with the same (thread_id, id).
func (s *Store) UpsertItem(ctx context.Context, doc *checkpoint.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		c := s.containerBucket(tx)
		if c == nil {
			return checkpoint.ErrNotInitialized
		}
		thread, err := c.CreateBucketIfNotExists([]byte(doc.ThreadID))
		if err != nil {
			return err
		}
		if doc.Kind() == checkpoint.KindCheckpoint {
			b, err := thread.CreateBucketIfNotExists(bucketCheckpoints)
			if err != nil {
				return err
			}
			return b.Put([]byte(doc.ID), data)
		}
		writes, err := thread.CreateBucketIfNotExists(bucketWrites)
		if err != nil {
			return err
		}
		b, err := writes.CreateBucketIfNotExists([]byte(doc.CheckpointID))
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.ID), data)
	})
	if err != nil {
		return classify("upsert document", err)
	}
	return nil
}

// QueryItems returns all matching documents as one page.
func (s *Store) QueryItems(q checkpoint.Query) checkpoint.Pager {
	return checkpoint.PageFunc(func(ctx context.Context) ([]*checkpoint.Document, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var docs []*checkpoint.Document
		err := s.db.View(func(tx *bbolt.Tx) error {
			c := s.containerBucket(tx)
			if c == nil {
				return nil
			}
			var err error
			docs, err = scan(c, q)
			return err
		})
		if err != nil {
			return nil, classify("query documents", err)
		}
		return q.Select(docs), nil
	})
}

func scan(c *bbolt.Bucket, q checkpoint.Query) ([]*checkpoint.Document, error) {
	var docs []*checkpoint.Document
	add := func(v []byte) error {
		var doc checkpoint.Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal document: %w", err)
		}
		docs = append(docs, &doc)
		return nil
	}

	visit := func(thread *bbolt.Bucket) error {
		if q.Kind == checkpoint.KindWrite {
			writes := thread.Bucket(bucketWrites)
			if writes == nil {
				return nil
			}
			if q.CheckpointID != "" {
				b := writes.Bucket([]byte(q.CheckpointID))
				if b == nil {
					return nil
				}
				return b.ForEach(func(_, v []byte) error { return add(v) })
			}
			return writes.ForEachBucket(func(k []byte) error {
				return writes.Bucket(k).ForEach(func(_, v []byte) error { return add(v) })
			})
		}

		b := thread.Bucket(bucketCheckpoints)
		if b == nil {
			return nil
		}
		if q.CheckpointID != "" {
			if v := b.Get([]byte(q.CheckpointID)); v != nil {
				return add(v)
			}
			return nil
		}
		return scanCheckpoints(b, q, add)
	}

	if q.ThreadID != "" {
		thread := c.Bucket([]byte(q.ThreadID))
		if thread == nil {
			return nil, nil
		}
		return docs, visit(thread)
	}
	err := c.ForEachBucket(func(k []byte) error {
		return visit(c.Bucket(k))
	})
	return docs, err
}

// scanCheckpoints walks one thread's checkpoints newest first, starting below
// q.Before. Without metadata predicates it stops after q.Limit documents.
func scanCheckpoints(b *bbolt.Bucket, q checkpoint.Query, add func([]byte) error) error {
	cur := b.Cursor()

	var k, v []byte
	if q.Before != "" {
		before := []byte(q.Before)
		k, v = cur.Seek(before)
		if k == nil {
			k, v = cur.Last()
		}
		for k != nil && bytes.Compare(k, before) >= 0 {
			k, v = cur.Prev()
		}
	} else {
		k, v = cur.Last()
	}

	n := 0
	for ; k != nil; k, v = cur.Prev() {
		if q.Limit > 0 && len(q.Metadata) == 0 && n >= q.Limit {
			break
		}
		if err := add(v); err != nil {
			return err
		}
		n++
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, berrors.ErrTimeout):
		return checkpoint.Unavailable(op, err)
	case errors.Is(err, berrors.ErrDatabaseNotOpen):
		return fmt.Errorf("failed to %s: %w", op, checkpoint.ErrClosed)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
