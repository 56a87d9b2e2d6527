package checkpoint

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// CheckpointSaver is the blocking checkpoint persistence contract.
type CheckpointSaver interface {
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)
	List(ctx context.Context, cfg *Config, opts ListOptions) iter.Seq2[*Tuple, error]
	Put(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata, versions ChannelVersions) (Config, error)
	PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error
}

// Saver persists checkpoints through a Backend. Store calls made by one Saver
// are serialized by a mutex, so a Saver may be shared between goroutines.
//
// Nothing stops two savers from writing the same thread at once. Concurrent
// writers can fork a thread's history; keep one writer per thread.
type Saver struct {
	core *core
}

var _ CheckpointSaver = (*Saver)(nil)

type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) lock(context.Context) error {
	l.mu.Lock()
	return nil
}

func (l *mutexLocker) unlock() {
	l.mu.Unlock()
}

// NewSaver creates a Saver. Setup must be called before any other operation.
func NewSaver(backend Backend, opts Options) *Saver {
	return &Saver{core: newCore(backend, opts, &mutexLocker{})}
}

// Setup provisions the database and container. It is idempotent.
func (s *Saver) Setup(ctx context.Context) error {
	return s.core.setup(ctx)
}

// Close releases the backend. Further operations fail with ErrClosed.
func (s *Saver) Close() error {
	return s.core.close()
}

// Container returns the resolved container layout.
func (s *Saver) Container() ContainerSpec {
	return s.core.spec
}

// GetTuple returns the checkpoint named by cfg, or the newest checkpoint of
// the thread when cfg.CheckpointID is empty, together with its pending
// writes. It returns (nil, nil) when nothing matches.
func (s *Saver) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	return s.core.getTuple(ctx, cfg)
}

// GetCheckpoint is GetTuple reduced to the checkpoint itself.
func (s *Saver) GetCheckpoint(ctx context.Context, cfg Config) (*Checkpoint, error) {
	tuple, err := s.core.getTuple(ctx, cfg)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// List yields checkpoints newest first. A nil cfg lists every thread.
// Pending writes are not loaded.
func (s *Saver) List(ctx context.Context, cfg *Config, opts ListOptions) iter.Seq2[*Tuple, error] {
	return s.core.list(ctx, cfg, opts)
}

// Put stores cp in cfg's thread. cfg.CheckpointID, if set, becomes the
// parent of cp. The returned Config addresses the stored checkpoint.
func (s *Saver) Put(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata, versions ChannelVersions) (Config, error) {
	return s.core.put(ctx, cfg, cp, md, versions)
}

// PutWrites stores the writes of taskID against the checkpoint named by cfg.
// Writes are stored one by one; a failure leaves the earlier ones in place
// and calling again with the same input overwrites them.
func (s *Saver) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	return s.core.putWrites(ctx, cfg, writes, taskID)
}

// WithSaver creates a Saver, runs Setup, calls fn and closes the Saver
// whether or not fn succeeds.
func WithSaver(ctx context.Context, backend Backend, opts Options, fn func(*Saver) error) (err error) {
	s := NewSaver(backend, opts)
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	if err := s.Setup(ctx); err != nil {
		return err
	}
	return fn(s)
}

// CollectTuples drains seq into a slice, stopping at the first error.
func CollectTuples(seq iter.Seq2[*Tuple, error]) ([]*Tuple, error) {
	var out []*Tuple
	for tuple, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, tuple)
	}
	return out, nil
}
