package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/checkpointer/checkpoint"
)

// Server replies that mean "try again later".
var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"}

// Store is a checkpoint.Backend on Redis. Each document is a JSON string key;
// per-thread sorted sets (all scores 0, ordered lexicographically) index
// checkpoint IDs and per-checkpoint sets index pending-write IDs.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration

	mu        sync.RWMutex
	database  string
	container string
}

var _ checkpoint.Backend = (*Store)(nil)

// Options configuration for Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "langgraph:"
	TTL      time.Duration // Expiration for documents and indexes, default 0 (no expiration)
}

// New creates a Store with its own client.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts)
}

// NewWithClient creates a Store on an existing client. Connection fields of
// opts are ignored.
func NewWithClient(client redis.UniversalClient, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "langgraph:"
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		ttl:       opts.TTL,
		database:  checkpoint.DefaultDatabase,
		container: checkpoint.DefaultContainer,
	}
}

func (s *Store) base() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s%s:%s:", s.prefix, s.database, s.container)
}

// threadKey length-prefixes the thread ID so that IDs containing ':' cannot
// shift into the segment that follows.
func threadKey(threadID string) string {
	return fmt.Sprintf("%d:%s", len(threadID), threadID)
}

func (s *Store) docKey(threadID, id string) string {
	return fmt.Sprintf("%sdoc:%s:%s", s.base(), threadKey(threadID), id)
}

func (s *Store) checkpointsKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:checkpoints", s.base(), threadKey(threadID))
}

func (s *Store) writesKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%sthread:%s:writes:%s", s.base(), threadKey(threadID), checkpointID)
}

func (s *Store) threadsKey() string {
	return s.base() + "threads"
}

// CreateIfNotExists checks connectivity and scopes all keys under the
// database and container names of spec. Redis needs no provisioning.
func (s *Store) CreateIfNotExists(ctx context.Context, spec checkpoint.ContainerSpec) error {
	s.mu.Lock()
	if spec.Database != "" {
		s.database = spec.Database
	}
	if spec.Container != "" {
		s.container = spec.Container
	}
	s.mu.Unlock()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify("ping redis", err)
	}
	return nil
}

// UpsertItem writes the document and its index entries in one MULTI/EXEC.
func (s *Store) UpsertItem(ctx context.Context, doc *checkpoint.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(doc.ThreadID, doc.ID), data, s.ttl)

		var indexKey string
		if doc.Kind() == checkpoint.KindCheckpoint {
			indexKey = s.checkpointsKey(doc.ThreadID)
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: 0, Member: doc.CheckpointID})
			pipe.SAdd(ctx, s.threadsKey(), doc.ThreadID)
		} else {
			indexKey = s.writesKey(doc.ThreadID, doc.CheckpointID)
			pipe.SAdd(ctx, indexKey, doc.ID)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, indexKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return classify("save document to redis", err)
	}
	return nil
}

// QueryItems returns all matching documents as one page.
func (s *Store) QueryItems(q checkpoint.Query) checkpoint.Pager {
	return checkpoint.PageFunc(func(ctx context.Context) ([]*checkpoint.Document, error) {
		keys, err := s.candidateKeys(ctx, q)
		if err != nil {
			return nil, err
		}
		docs, err := s.load(ctx, keys)
		if err != nil {
			return nil, err
		}
		return q.Select(docs), nil
	})
}

// candidateKeys narrows the document keys to read using the indexes. The
// final filtering and ordering is done by Query.Select.
func (s *Store) candidateKeys(ctx context.Context, q checkpoint.Query) ([]string, error) {
	if q.Kind == checkpoint.KindWrite {
		if q.ThreadID == "" || q.CheckpointID == "" {
			return nil, errors.New("redis store: write queries need a thread and a checkpoint")
		}
		ids, err := s.client.SMembers(ctx, s.writesKey(q.ThreadID, q.CheckpointID)).Result()
		if err != nil {
			return nil, classify("list pending writes", err)
		}
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, s.docKey(q.ThreadID, id))
		}
		return keys, nil
	}

	if q.ThreadID != "" && q.CheckpointID != "" {
		return []string{s.docKey(q.ThreadID, q.CheckpointID)}, nil
	}

	threads := []string{q.ThreadID}
	if q.ThreadID == "" {
		var err error
		threads, err = s.client.SMembers(ctx, s.threadsKey()).Result()
		if err != nil {
			return nil, classify("list threads", err)
		}
	}

	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if q.Before != "" {
		by.Max = "(" + q.Before
	}
	// Without metadata predicates the newest Limit IDs per thread suffice.
	if q.Limit > 0 && len(q.Metadata) == 0 {
		by.Count = int64(q.Limit)
	}

	var keys []string
	for _, thread := range threads {
		ids, err := s.client.ZRevRangeByLex(ctx, s.checkpointsKey(thread), by).Result()
		if err != nil {
			return nil, classify("list checkpoints", err)
		}
		for _, id := range ids {
			keys = append(keys, s.docKey(thread, id))
		}
	}
	return keys, nil
}

func (s *Store) load(ctx context.Context, keys []string) ([]*checkpoint.Document, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	// MGet returns nil for keys that expired since they were indexed.
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify("fetch documents", err)
	}

	docs := make([]*checkpoint.Document, 0, len(results))
	for i, result := range results {
		data, ok := result.(string)
		if !ok {
			continue
		}
		var doc checkpoint.Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", keys[i], err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func classify(op string, err error) error {
	for _, prefix := range transientPrefixes {
		if redis.HasErrorPrefix(err, prefix) {
			return checkpoint.Unavailable(op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return checkpoint.Unavailable(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
