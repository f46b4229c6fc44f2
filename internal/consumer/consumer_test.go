package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationRoundTrip(t *testing.T) {
	original := &IndexOperation{IndexDocument: &IndexDocumentOperation{
		Document:         []byte(`{"id": 1}`),
		ConflictStrategy: ConflictOverwriteAlways,
	}}
	encoded, err := EncodeOperation(original)
	require.NoError(t, err)

	decoded, err := DecodeOperation(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.IndexDocument)
	assert.Equal(t, original.IndexDocument.Document, decoded.IndexDocument.Document)
	assert.Equal(t, ConflictOverwriteAlways, decoded.IndexDocument.ConflictStrategy)
}

func TestDecodeOperationErrors(t *testing.T) {
	_, err := DecodeOperation(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = DecodeOperation([]byte{0xff})
	assert.ErrorIs(t, err, ErrBadEnvelope)

	// Valid length prefix over an empty message: no operation.
	_, err = DecodeOperation([]byte{0x00})
	assert.ErrorIs(t, err, ErrEmptyOperation)
}

// fakeSource replays queued payloads and records offset commits.
type fakeSource struct {
	mu        sync.Mutex
	payloads  chan []byte
	committed int
	lost      bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{payloads: make(chan []byte, 16)}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Poll(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.payloads:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) CommitOffsets(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return errors.New("group rebalanced")
	}
	s.committed++
	return nil
}

func (s *fakeSource) AssignmentLost(err error) bool  { return s.lost }
func (s *fakeSource) OnCreate(context.Context) error { return nil }
func (s *fakeSource) OnDelete(context.Context) error { return nil }
func (s *fakeSource) Close() error                   { return nil }

func encodeDoc(t *testing.T, doc string) []byte {
	t.Helper()
	encoded, err := EncodeOperation(&IndexOperation{IndexDocument: &IndexDocumentOperation{Document: []byte(doc)}})
	require.NoError(t, err)
	return encoded
}

func TestThreadConsumesAndSurvivesBadPayloads(t *testing.T) {
	source := newFakeSource()
	thread := NewThread(source, nil)

	var mu sync.Mutex
	var seen []string
	sink := func(op *IndexOperation) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(op.IndexDocument.Document))
		return nil
	}

	require.NoError(t, thread.Start(sink))
	assert.Equal(t, Running, thread.State())

	source.payloads <- encodeDoc(t, `{"id": 1}`)
	source.payloads <- []byte{0xff, 0xff} // undecodable: counted, not fatal
	source.payloads <- encodeDoc(t, `{"id": 2}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	thread.Stop()
	assert.Equal(t, Stopped, thread.State())

	require.NoError(t, thread.CommitOffsets(context.Background()))
	assert.Equal(t, Prepared, thread.State())
	assert.Equal(t, 1, source.committed)
}

func TestThreadStateTransitions(t *testing.T) {
	source := newFakeSource()
	thread := NewThread(source, nil)

	assert.Equal(t, Idle, thread.State())

	// Stopping a non-running thread is a no-op.
	thread.Stop()
	assert.Equal(t, Idle, thread.State())

	require.NoError(t, thread.Start(func(*IndexOperation) error { return nil }))
	assert.ErrorIs(t, thread.Start(func(*IndexOperation) error { return nil }), ErrTransitionState)

	thread.Stop()
	// A stopped thread restarts cleanly.
	require.NoError(t, thread.Start(func(*IndexOperation) error { return nil }))
	thread.Stop()

	// Committing offsets prepares the thread; a prepared thread may start
	// again.
	require.NoError(t, thread.CommitOffsets(context.Background()))
	assert.Equal(t, Prepared, thread.State())
	require.NoError(t, thread.Start(func(*IndexOperation) error { return nil }))
	assert.Equal(t, Running, thread.State())
	thread.Stop()
}

func TestCommitOffsetsSwallowsLostAssignment(t *testing.T) {
	source := newFakeSource()
	source.lost = true
	thread := NewThread(source, nil)
	assert.NoError(t, thread.CommitOffsets(context.Background()),
		"lost assignment restarts cleanly instead of surfacing")
	assert.Equal(t, Idle, thread.State(), "only stopped threads become prepared")
}
