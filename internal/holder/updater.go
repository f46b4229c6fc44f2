package holder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/consumer"
	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/schema"
)

var (
	ErrExistingConsumer = errkind.New(errkind.AlreadyExists, "consumer already attached")
	ErrMissingConsumer  = errkind.New(errkind.NotFound, "no such consumer")
)

// Updater drives ingestion for one holder: it owns the consumer threads
// bound to the holder's writer and the autocommit ticker, and implements
// the stop → commit → commit-offsets → restart protocol.
type Updater struct {
	holder *Holder
	logger *zap.Logger

	// mu serialises the commit protocol and guards the thread table. The
	// autocommit ticker only commits when it can take mu without waiting.
	mu      sync.Mutex
	threads map[string]*consumer.Thread

	autocommitCancel context.CancelFunc
	autocommitDone   chan struct{}
}

// NewUpdater creates the updater and starts the autocommit ticker when an
// interval is configured.
func NewUpdater(h *Holder, autocommitIntervalMs *uint64, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Updater{
		holder:  h,
		logger:  logger.With(zap.String("index_name", h.Name())),
		threads: make(map[string]*consumer.Thread),
	}
	if autocommitIntervalMs != nil && *autocommitIntervalMs > 0 {
		u.startAutocommit(time.Duration(*autocommitIntervalMs) * time.Millisecond)
	}
	return u
}

// sink applies one decoded operation under the writer read lock, honouring
// the conflict strategy.
func (u *Updater) sink(op *consumer.IndexOperation) error {
	if op.IndexDocument == nil {
		return consumer.ErrEmptyOperation
	}
	doc, err := schema.ParseDocument(u.holder.Schema(), op.IndexDocument.Document)
	if err != nil {
		return err
	}
	return u.holder.WithWriter(func(w *WriterHolder) error {
		if op.IndexDocument.ConflictStrategy == consumer.ConflictDoNothing {
			// The source guarantees uniqueness; skip the delete-then-add
			// round trip.
			return w.AddDocument(doc)
		}
		return w.IndexDocument(doc)
	})
}

// AttachConsumer starts consuming from the source into the holder.
func (u *Updater) AttachConsumer(thread *consumer.Thread) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.threads[thread.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrExistingConsumer, thread.Name())
	}
	if err := thread.Start(u.sink); err != nil {
		return err
	}
	u.threads[thread.Name()] = thread
	u.logger.Info("consumer attached", zap.String("consumer_name", thread.Name()))
	return nil
}

// Consumers lists the attached consumer names.
func (u *Updater) Consumers() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	names := make([]string, 0, len(u.threads))
	for name := range u.threads {
		names = append(names, name)
	}
	return names
}

// DeleteConsumer stops a consumer, commits what it ingested and tears
// down its source-side resources.
func (u *Updater) DeleteConsumer(ctx context.Context, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	thread, ok := u.threads[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingConsumer, name)
	}
	delete(u.threads, name)

	thread.Stop()
	if err := u.holder.Commit(""); err != nil {
		return err
	}
	if err := thread.CommitOffsets(ctx); err != nil {
		u.logger.Warn("offset commit failed during consumer delete", zap.Error(err))
	}
	if err := thread.OnDelete(ctx); err != nil {
		return err
	}
	return thread.Close()
}

// CommitAndWait runs the full commit protocol: stop consumers, commit the
// index under the exclusive writer lock, commit source offsets, restart
// consumers. Every document consumed before the call is visible to readers
// opened after it returns.
func (u *Updater) CommitAndWait(ctx context.Context, payload string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commitLocked(ctx, payload, true)
}

func (u *Updater) commitLocked(ctx context.Context, payload string, restart bool) error {
	for _, thread := range u.threads {
		thread.Stop()
	}
	if err := u.holder.Commit(payload); err != nil {
		return err
	}
	for _, thread := range u.threads {
		if err := thread.CommitOffsets(ctx); err != nil {
			return err
		}
	}
	if restart {
		for _, thread := range u.threads {
			if err := thread.Start(u.sink); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Updater) startAutocommit(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	u.autocommitCancel = cancel
	u.autocommitDone = make(chan struct{})
	go func() {
		defer close(u.autocommitDone)
		u.logger.Info("autocommit started", zap.Duration("interval", interval))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				u.logger.Info("autocommit stopped")
				return
			case <-ticker.C:
				// Contention defers the commit to the next tick.
				if !u.mu.TryLock() {
					continue
				}
				err := u.commitLocked(ctx, "", true)
				u.mu.Unlock()
				if err != nil {
					u.logger.Warn("autocommit failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop shuts everything down: the ticker, then the consumers, with one
// final commit and offset commit. Consumers are not restarted.
func (u *Updater) Stop(ctx context.Context) error {
	if u.autocommitCancel != nil {
		u.autocommitCancel()
		<-u.autocommitDone
		u.autocommitCancel = nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.commitLocked(ctx, "", false); err != nil {
		return err
	}
	var firstErr error
	for name, thread := range u.threads {
		if err := thread.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(u.threads, name)
	}
	return firstErr
}
