package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felislab/felistrace/backend/pkg/client"
)

// recordingAppender captures every delivered batch and can be told to fail.
type recordingAppender struct {
	batches []client.Batch
	err     error
}

func (r *recordingAppender) AppendEvents(_ context.Context, _ string, batch client.Batch) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, batch)
	return nil
}

func eventTypes(events []client.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestFlushEvictsOnAcknowledgement(t *testing.T) {
	b := New("s1", time.Now())
	dst := &recordingAppender{}

	require.NoError(t, b.Add("TargetSpawned", map[string]int{"x": 400, "y": 300}))
	require.NoError(t, b.Add("TargetHit", map[string]int{"x": 402, "y": 305}))
	require.Equal(t, 2, b.Len())

	require.NoError(t, b.Flush(context.Background(), dst))
	assert.Equal(t, 0, b.Len())
	require.Len(t, dst.batches, 1)
	assert.Equal(t, []string{"TargetSpawned", "TargetHit"}, eventTypes(dst.batches[0].Events))
}

func TestFlushKeepsEventsOnFailure(t *testing.T) {
	b := New("s1", time.Now())
	dst := &recordingAppender{err: client.ErrUnavailable}

	require.NoError(t, b.Add("TargetHit", nil))

	err := b.Flush(context.Background(), dst)
	require.ErrorIs(t, err, client.ErrUnavailable)
	assert.Equal(t, 1, b.Len())

	// The retry redelivers the same batch in the same order.
	dst.err = nil
	require.NoError(t, b.Flush(context.Background(), dst))
	assert.Equal(t, 0, b.Len())
	require.Len(t, dst.batches, 1)
	assert.Equal(t, []string{"TargetHit"}, eventTypes(dst.batches[0].Events))
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	b := New("s1", time.Now())
	dst := &recordingAppender{}

	require.NoError(t, b.Flush(context.Background(), dst))
	assert.Empty(t, dst.batches)
}

func TestEventsAddedDuringFlushStayPending(t *testing.T) {
	b := New("s1", time.Now())
	require.NoError(t, b.Add("TargetSpawned", nil))

	// Appender that adds a new event mid-flight, as a UI thread would.
	dst := &midFlightAppender{buffer: b}
	require.NoError(t, b.Flush(context.Background(), dst))

	assert.Equal(t, []string{"TargetSpawned"}, eventTypes(dst.delivered.Events))
	assert.Equal(t, 1, b.Len())
}

type midFlightAppender struct {
	buffer    *Buffer
	delivered client.Batch
}

func (m *midFlightAppender) AppendEvents(_ context.Context, _ string, batch client.Batch) error {
	m.delivered = batch
	return m.buffer.Add("TargetHit", nil)
}

func TestCloseCarriesEndTime(t *testing.T) {
	b := New("s1", time.Now())
	dst := &recordingAppender{}

	require.NoError(t, b.Add("TestEnd", nil))
	end := time.Date(2026, 8, 14, 9, 35, 0, 0, time.UTC)
	require.NoError(t, b.Close(context.Background(), dst, end))

	require.Len(t, dst.batches, 1)
	require.NotNil(t, dst.batches[0].ClientEndTime)
	assert.True(t, dst.batches[0].ClientEndTime.Equal(end))
	assert.Equal(t, 0, b.Len())
}

func TestCloseRetriesAfterFailure(t *testing.T) {
	b := New("s1", time.Now())
	dst := &recordingAppender{err: errors.New("timeout")}

	require.NoError(t, b.Add("TestEnd", nil))
	end := time.Now().UTC()
	require.Error(t, b.Close(context.Background(), dst, end))
	assert.Equal(t, 1, b.Len())

	dst.err = nil
	require.NoError(t, b.Close(context.Background(), dst, end))
	assert.Equal(t, 0, b.Len())
	require.Len(t, dst.batches, 1)
	assert.NotNil(t, dst.batches[0].ClientEndTime)
}

func TestOffsetsAreRelativeToStart(t *testing.T) {
	start := time.Now()
	b := New("s1", start)
	b.now = func() time.Time { return start.Add(950 * time.Millisecond) }

	require.NoError(t, b.Add("TargetHit", nil))

	dst := &recordingAppender{}
	require.NoError(t, b.Flush(context.Background(), dst))
	require.Len(t, dst.batches, 1)
	assert.Equal(t, int64(950), dst.batches[0].Events[0].Timestamp)
}
