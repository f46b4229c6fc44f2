package consumer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/metrics"
)

// State of a consumer thread.
type State int

const (
	Idle State = iota
	Running
	Stopped
	// Prepared is a stopped thread whose source offsets are committed; it
	// may start consuming again or have its source-side resources deleted.
	Prepared
)

var (
	ErrTransitionState = errors.New("invalid consumer state transition")
)

// Sink applies one decoded operation to an index writer. Per-message errors
// are counted and logged by the thread, never aborting consumption.
type Sink func(op *IndexOperation) error

// Source is one external message source. Implementations must preserve
// per-partition FIFO order and support committing consumed offsets.
type Source interface {
	// Name identifies the consumer.
	Name() string

	// Poll blocks for the next message payload. It returns the context's
	// error on cancellation.
	Poll(ctx context.Context) ([]byte, error)

	// CommitOffsets commits all offsets consumed so far.
	CommitOffsets(ctx context.Context) error

	// AssignmentLost reports whether a commit failure means the partitions
	// were reassigned, in which case the thread restarts cleanly.
	AssignmentLost(err error) bool

	// OnCreate provisions source-side resources (topics) if configured.
	OnCreate(ctx context.Context) error

	// OnDelete tears down source-side resources if configured.
	OnDelete(ctx context.Context) error

	Close() error
}

// Thread drives one Source in the background, feeding a Sink.
//
// The state machine is Idle → Running → Stopped → Prepared: starting is
// valid from any non-running state, stopping drains the current message,
// and committing offsets moves a stopped thread to Prepared, from which it
// either restarts or is deleted.
type Thread struct {
	source Source
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewThread(source Source, logger *zap.Logger) *Thread {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thread{source: source, logger: logger.With(zap.String("consumer", source.Name()))}
}

// Name returns the source's consumer name.
func (t *Thread) Name() string { return t.source.Name() }

// State returns the current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the consuming loop. Starting a running thread is an
// error; starting a stopped or prepared one resumes it.
func (t *Thread) Start(sink Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Running {
		return ErrTransitionState
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state = Running
	go t.run(ctx, sink, t.done)
	return nil
}

func (t *Thread) run(ctx context.Context, sink Sink, done chan struct{}) {
	defer close(done)
	t.logger.Info("consumer started")
	for {
		payload, err := t.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.logger.Info("consumer stopping")
				return
			}
			metrics.ConsumerMessages.WithLabelValues(t.source.Name(), "error").Inc()
			t.logger.Warn("poll failed", zap.Error(err))
			continue
		}
		if err := t.process(payload, sink); err != nil {
			metrics.ConsumerMessages.WithLabelValues(t.source.Name(), "error").Inc()
			t.logger.Warn("message processing failed", zap.Error(err))
			continue
		}
		metrics.ConsumerMessages.WithLabelValues(t.source.Name(), "ok").Inc()
	}
}

func (t *Thread) process(payload []byte, sink Sink) error {
	op, err := DecodeOperation(payload)
	if err != nil {
		return err
	}
	return sink(op)
}

// Stop signals the loop to drain its current message and exit, then waits
// for it. Stopping a non-running thread is a no-op.
func (t *Thread) Stop() {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.state = Stopped
	t.mu.Unlock()

	cancel()
	<-done
}

// CommitOffsets commits the source offsets of everything consumed before
// Stop, moving a stopped thread to Prepared. A commit failure caused by
// lost partition assignment is swallowed: the reassigned consumer would
// re-deliver anyway, and primary-key dedup absorbs the duplicates.
func (t *Thread) CommitOffsets(ctx context.Context) error {
	err := t.source.CommitOffsets(ctx)
	if err != nil {
		if !t.source.AssignmentLost(err) {
			return err
		}
		t.logger.Warn("offset commit lost assignment, restarting cleanly", zap.Error(err))
	}
	t.mu.Lock()
	if t.state == Stopped {
		t.state = Prepared
	}
	t.mu.Unlock()
	return nil
}

// OnCreate provisions source-side resources.
func (t *Thread) OnCreate(ctx context.Context) error { return t.source.OnCreate(ctx) }

// OnDelete removes source-side resources. Callers delete only Prepared
// threads: the updater stops and commits offsets before tearing a
// consumer down.
func (t *Thread) OnDelete(ctx context.Context) error { return t.source.OnDelete(ctx) }

// Close releases the source.
func (t *Thread) Close() error {
	t.Stop()
	return t.source.Close()
}
