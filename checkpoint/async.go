package checkpoint

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Result carries the outcome of an asynchronous operation.
type Result[T any] struct {
	Value T
	Err   error
}

// AsyncSaver is the asynchronous form of Saver. Every operation starts a
// goroutine and returns a channel that receives exactly one result, except
// AList, which streams. Store calls are serialized by a weighted semaphore,
// so a caller waiting for the lock gives up when its context is cancelled.
type AsyncSaver struct {
	core *core

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type semaphoreLocker struct {
	sem *semaphore.Weighted
}

func (l *semaphoreLocker) lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *semaphoreLocker) unlock() {
	l.sem.Release(1)
}

// NewAsyncSaver creates an AsyncSaver. Setup must complete before any other
// operation.
func NewAsyncSaver(backend Backend, opts Options) *AsyncSaver {
	return &AsyncSaver{
		core: newCore(backend, opts, &semaphoreLocker{sem: semaphore.NewWeighted(1)}),
	}
}

// begin registers an operation with the WaitGroup. It reports false once
// Close has been called.
func (s *AsyncSaver) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func goResult[T any](s *AsyncSaver, fn func() (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)
	if !s.begin() {
		out <- Result[T]{Err: ErrClosed}
		close(out)
		return out
	}
	go func() {
		defer s.wg.Done()
		v, err := fn()
		out <- Result[T]{Value: v, Err: err}
		close(out)
	}()
	return out
}

func goErr(s *AsyncSaver, fn func() error) <-chan error {
	out := make(chan error, 1)
	if !s.begin() {
		out <- ErrClosed
		close(out)
		return out
	}
	go func() {
		defer s.wg.Done()
		out <- fn()
		close(out)
	}()
	return out
}

// Setup provisions the database and container. It is idempotent.
func (s *AsyncSaver) Setup(ctx context.Context) <-chan error {
	return goErr(s, func() error { return s.core.setup(ctx) })
}

// Close waits for in-flight operations and releases the backend. Operations
// started after Close report ErrClosed.
func (s *AsyncSaver) Close() <-chan error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	out := make(chan error, 1)
	go func() {
		s.wg.Wait()
		out <- s.core.close()
		close(out)
	}()
	return out
}

// AGetTuple is the asynchronous form of Saver.GetTuple. A missing
// checkpoint yields a nil Value and a nil Err.
func (s *AsyncSaver) AGetTuple(ctx context.Context, cfg Config) <-chan Result[*Tuple] {
	return goResult(s, func() (*Tuple, error) { return s.core.getTuple(ctx, cfg) })
}

// AList streams tuples newest first and closes the channel when done. An
// error is sent as the last element. The producer stops when ctx is done,
// so callers that stop reading early must cancel ctx.
func (s *AsyncSaver) AList(ctx context.Context, cfg *Config, opts ListOptions) <-chan Result[*Tuple] {
	if !s.begin() {
		out := make(chan Result[*Tuple], 1)
		out <- Result[*Tuple]{Err: ErrClosed}
		close(out)
		return out
	}
	out := make(chan Result[*Tuple])
	go func() {
		defer s.wg.Done()
		defer close(out)
		for tuple, err := range s.core.list(ctx, cfg, opts) {
			select {
			case out <- Result[*Tuple]{Value: tuple, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// APut is the asynchronous form of Saver.Put.
func (s *AsyncSaver) APut(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata, versions ChannelVersions) <-chan Result[Config] {
	return goResult(s, func() (Config, error) { return s.core.put(ctx, cfg, cp, md, versions) })
}

// APutWrites is the asynchronous form of Saver.PutWrites.
func (s *AsyncSaver) APutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) <-chan error {
	return goErr(s, func() error { return s.core.putWrites(ctx, cfg, writes, taskID) })
}

// WithAsyncSaver creates an AsyncSaver, waits for Setup, calls fn and closes
// the saver whether or not fn succeeds.
func WithAsyncSaver(ctx context.Context, backend Backend, opts Options, fn func(*AsyncSaver) error) (err error) {
	s := NewAsyncSaver(backend, opts)
	defer func() {
		err = errors.Join(err, <-s.Close())
	}()

	if err := <-s.Setup(ctx); err != nil {
		return err
	}
	return fn(s)
}
