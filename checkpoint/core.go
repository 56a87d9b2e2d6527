package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/checkpointer/log"
	"github.com/smallnest/checkpointer/metrics"
	"github.com/smallnest/checkpointer/retry"
	"github.com/smallnest/checkpointer/serde"
)

// Options configures a Saver or AsyncSaver. The zero value is usable.
type Options struct {
	// Serializer encodes checkpoints, metadata and write values.
	// Defaults to serde.NewJSONPlus().
	Serializer serde.Serializer
	// Container names the database and container. Empty fields take the
	// defaults from DefaultContainerSpec.
	Container ContainerSpec
	// Retry overrides the retry policy. A nil Retryable retries only
	// transient store errors.
	Retry *retry.Policy
	// Logger defaults to the package-level logger.
	Logger log.Logger
	// Metrics is optional.
	Metrics *metrics.Recorder
}

// Operation names used in logs and metrics.
const (
	opSetup      = "setup"
	opGetTuple   = "get_tuple"
	opList       = "list"
	opPut        = "put"
	opPutWrites  = "put_writes"
	opUpsertItem = "upsert_item"
	opQueryItems = "query_items"
)

// locker serializes store calls made by one saver instance.
type locker interface {
	lock(ctx context.Context) error
	unlock()
}

// core holds everything Saver and AsyncSaver share.
type core struct {
	backend Backend
	serde   serde.Serializer
	spec    ContainerSpec
	policy  retry.Policy
	logger  log.Logger
	metrics *metrics.Recorder
	lk      locker

	setupMu     sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
}

func newCore(backend Backend, opts Options, lk locker) *core {
	c := &core{
		backend: backend,
		serde:   opts.Serializer,
		spec:    opts.Container.withDefaults(),
		policy:  retry.DefaultPolicy(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		lk:      lk,
	}
	if c.serde == nil {
		c.serde = serde.NewJSONPlus()
	}
	if c.logger == nil {
		c.logger = log.GetDefaultLogger()
	}
	if opts.Retry != nil {
		c.policy = *opts.Retry
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = IsTransient
	}
	return c
}

func (c *core) ready() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

func (c *core) setup(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opSetup, start, err) }()

	if c.closed.Load() {
		return ErrClosed
	}
	c.setupMu.Lock()
	defer c.setupMu.Unlock()
	if c.initialized.Load() {
		return nil
	}

	if err := c.backend.CreateIfNotExists(ctx, c.spec); err != nil {
		c.logger.Error("Failed to set up database %q container %q: %v", c.spec.Database, c.spec.Container, err)
		return fmt.Errorf("failed to set up checkpoint container: %w", err)
	}
	c.initialized.Store(true)
	c.logger.Debug("Checkpoint container %s/%s is ready", c.spec.Database, c.spec.Container)
	return nil
}

func (c *core) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.initialized.Store(false)
	return c.backend.Close()
}

// withRetry runs fn under the instance lock, retrying transient failures.
// The lock is released between attempts.
func (c *core) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	p := c.policy
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.IncRetry(op)
		c.logger.Warn("Retrying %s in %s (attempt %d/%d): %v", op, delay, attempt+1, p.MaxAttempts, err)
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		if err := c.lk.lock(ctx); err != nil {
			return err
		}
		defer c.lk.unlock()
		return fn(ctx)
	})
	if err != nil {
		c.logger.Error("Error in %s: %v", op, err)
	}
	return err
}

func (c *core) upsertItem(ctx context.Context, doc *Document) error {
	return c.withRetry(ctx, opUpsertItem, func(ctx context.Context) error {
		return c.backend.UpsertItem(ctx, doc)
	})
}

// upsertItems stores docs in order, each under its own retry budget. It
// stops at the first document that cannot be stored.
func (c *core) upsertItems(ctx context.Context, docs []*Document) error {
	for i, doc := range docs {
		if err := c.upsertItem(ctx, doc); err != nil {
			return fmt.Errorf("failed to upsert document %d of %d (%s): %w", i+1, len(docs), doc.ID, err)
		}
	}
	return nil
}

// queryItems streams the documents matching q. Each page fetch is retried
// on its own; the lock is not held while the consumer handles documents.
func (c *core) queryItems(ctx context.Context, q Query) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		if err := q.Validate(); err != nil {
			yield(nil, err)
			return
		}
		pager := c.backend.QueryItems(q)
		for pager.More() {
			var page []*Document
			err := c.withRetry(ctx, opQueryItems, func(ctx context.Context) error {
				var err error
				page, err = pager.NextPage(ctx)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, doc := range page {
				if !yield(doc, nil) {
					return
				}
			}
		}
	}
}

func (c *core) getTuple(ctx context.Context, cfg Config) (tuple *Tuple, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opGetTuple, start, err) }()

	if err := c.ready(); err != nil {
		return nil, err
	}
	if cfg.ThreadID == "" {
		return nil, ErrMissingThreadID
	}

	q := Query{Kind: KindCheckpoint, ThreadID: cfg.ThreadID, CheckpointID: cfg.CheckpointID}
	if cfg.CheckpointID == "" {
		q.Limit = 1
	}

	var doc *Document
	for d, err := range c.queryItems(ctx, q) {
		if err != nil {
			return nil, err
		}
		doc = d
		break
	}
	if doc == nil {
		return nil, nil
	}

	tuple, err = c.decodeTuple(doc)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites, err = c.pendingWrites(ctx, doc.ThreadID, doc.CheckpointID)
	if err != nil {
		return nil, err
	}
	return tuple, nil
}

func (c *core) pendingWrites(ctx context.Context, threadID, checkpointID string) ([]PendingWrite, error) {
	q := Query{Kind: KindWrite, ThreadID: threadID, CheckpointID: checkpointID}

	var writes []PendingWrite
	for doc, err := range c.queryItems(ctx, q) {
		if err != nil {
			return nil, err
		}
		var value any
		if err := DeserializeField(c.serde, doc.Value, &value); err != nil {
			return nil, fmt.Errorf("failed to deserialize write %s: %w", doc.ID, err)
		}
		writes = append(writes, PendingWrite{
			TaskID:  doc.TaskID,
			Index:   doc.Idx,
			Channel: doc.Channel,
			Value:   value,
		})
	}
	return writes, nil
}

func (c *core) decodeTuple(doc *Document) (*Tuple, error) {
	cp, err := c.decodeCheckpoint(doc.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint %s: %w", doc.CheckpointID, err)
	}
	var md Metadata
	if err := DeserializeField(c.serde, doc.Metadata, &md); err != nil {
		return nil, fmt.Errorf("failed to deserialize metadata of checkpoint %s: %w", doc.CheckpointID, err)
	}

	tuple := &Tuple{
		Config:     Config{ThreadID: doc.ThreadID, CheckpointID: doc.CheckpointID},
		Checkpoint: cp,
		Metadata:   md,
	}
	if doc.ParentCheckpointID != "" {
		tuple.ParentConfig = &Config{ThreadID: doc.ThreadID, CheckpointID: doc.ParentCheckpointID}
	}
	return tuple, nil
}

func (c *core) list(ctx context.Context, cfg *Config, opts ListOptions) iter.Seq2[*Tuple, error] {
	return func(yield func(*Tuple, error) bool) {
		var err error
		start := time.Now()
		defer func() { c.metrics.ObserveOperation(opList, start, err) }()

		if err = c.ready(); err != nil {
			yield(nil, err)
			return
		}

		q := Query{Kind: KindCheckpoint, Metadata: opts.Filter, Limit: opts.Limit}
		if cfg != nil {
			if cfg.ThreadID == "" {
				err = ErrMissingThreadID
				yield(nil, err)
				return
			}
			q.ThreadID = cfg.ThreadID
		}
		if opts.Before != nil {
			q.Before = opts.Before.CheckpointID
		}

		for doc, qerr := range c.queryItems(ctx, q) {
			if qerr != nil {
				err = qerr
				yield(nil, err)
				return
			}
			tuple, derr := c.decodeTuple(doc)
			if derr != nil {
				err = derr
				yield(nil, err)
				return
			}
			if !yield(tuple, nil) {
				return
			}
		}
	}
}

func (c *core) put(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata, versions ChannelVersions) (next Config, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opPut, start, err) }()

	if err := c.ready(); err != nil {
		return Config{}, err
	}
	if cfg.ThreadID == "" {
		return Config{}, ErrMissingThreadID
	}
	if cp == nil || cp.ID == "" {
		return Config{}, ErrCheckpointWithoutID
	}
	if md == nil {
		md = Metadata{}
	}

	cpField, err := c.encodeCheckpoint(cp)
	if err != nil {
		return Config{}, fmt.Errorf("failed to serialize checkpoint %s: %w", cp.ID, err)
	}
	mdField, err := SerializeField(c.serde, md)
	if err != nil {
		return Config{}, fmt.Errorf("failed to serialize metadata of checkpoint %s: %w", cp.ID, err)
	}

	doc := &Document{
		ID:                 cp.ID,
		ThreadID:           cfg.ThreadID,
		CheckpointID:       cp.ID,
		ParentCheckpointID: cfg.CheckpointID,
		Checkpoint:         cpField,
		Metadata:           mdField,
		NewVersions:        versions,
	}
	if err := c.upsertItem(ctx, doc); err != nil {
		return Config{}, err
	}

	c.logger.Debug("Stored checkpoint %s for thread %s", cp.ID, cfg.ThreadID)
	return Config{ThreadID: cfg.ThreadID, CheckpointID: cp.ID}, nil
}

func (c *core) putWrites(ctx context.Context, cfg Config, writes []Write, taskID string) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opPutWrites, start, err) }()

	if err := c.ready(); err != nil {
		return err
	}
	if cfg.ThreadID == "" {
		return ErrMissingThreadID
	}
	if cfg.CheckpointID == "" {
		return ErrMissingCheckpointID
	}

	docs := make([]*Document, 0, len(writes))
	for idx, w := range writes {
		value, err := SerializeField(c.serde, w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write %d of task %s: %w", idx, taskID, err)
		}
		docs = append(docs, &Document{
			ID:           WriteDocumentID(cfg.CheckpointID, taskID, idx),
			ThreadID:     cfg.ThreadID,
			CheckpointID: cfg.CheckpointID,
			TaskID:       taskID,
			Idx:          idx,
			Channel:      w.Channel,
			Type:         typeName(w.Value),
			Value:        value,
		})
	}
	if err := c.upsertItems(ctx, docs); err != nil {
		return err
	}

	c.logger.Debug("Stored %d pending writes of task %s for checkpoint %s", len(docs), taskID, cfg.CheckpointID)
	return nil
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

// storedCheckpoint is a Checkpoint whose payload was serialized on its own,
// so serializers that tag registered types see the payload at top level.
type storedCheckpoint struct {
	V               int             `json:"v,omitempty"`
	ID              string          `json:"id"`
	TS              string          `json:"ts,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ChannelVersions ChannelVersions `json:"channel_versions,omitempty"`
}

// encodeCheckpoint serializes cp. When the serializer emits JSON, the payload
// is serialized separately and embedded as raw JSON.
func (c *core) encodeCheckpoint(cp *Checkpoint) (Field, error) {
	f, err := SerializeField(c.serde, cp)
	if err != nil || f.Encoded || cp.Payload == nil {
		return f, err
	}

	payload, err := SerializeField(c.serde, cp.Payload)
	if err != nil {
		return Field{}, err
	}
	if payload.Encoded {
		return f, nil
	}
	return SerializeField(c.serde, &storedCheckpoint{
		V:               cp.V,
		ID:              cp.ID,
		TS:              cp.TS,
		Payload:         payload.Data,
		ChannelVersions: cp.ChannelVersions,
	})
}

func (c *core) decodeCheckpoint(f Field) (*Checkpoint, error) {
	if f.Encoded {
		var cp Checkpoint
		if err := DeserializeField(c.serde, f, &cp); err != nil {
			return nil, err
		}
		return &cp, nil
	}

	var stored storedCheckpoint
	if err := json.Unmarshal(f.Data, &stored); err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		V:               stored.V,
		ID:              stored.ID,
		TS:              stored.TS,
		ChannelVersions: stored.ChannelVersions,
	}
	if len(stored.Payload) > 0 {
		if err := DeserializeField(c.serde, Field{Data: stored.Payload}, &cp.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize payload: %w", err)
		}
	}
	return cp, nil
}
