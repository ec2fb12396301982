// Package buffer implements the client-resident event outbox: events
// accumulate locally between flush cycles and leave the buffer only after
// the ingestion service has acknowledged them. An ambiguous outcome (error,
// timeout) keeps the batch, so a later flush redelivers it; duplicate
// delivery is acceptable, silent loss is not.
package buffer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/felislab/felistrace/backend/pkg/client"
)

// Appender is the flush destination; *client.Client satisfies it.
type Appender interface {
	AppendEvents(ctx context.Context, sessionID string, batch client.Batch) error
}

// Buffer accumulates events for one session. Add may be called from any
// goroutine; flushes are serialized internally so two batches for the same
// session never race each other.
type Buffer struct {
	sessionID string
	start     time.Time
	now       func() time.Time

	mu      sync.Mutex
	pending []client.Event

	flushMu sync.Mutex
}

// New returns a buffer whose event offsets are measured from start.
func New(sessionID string, start time.Time) *Buffer {
	return &Buffer{
		sessionID: sessionID,
		start:     start,
		now:       time.Now,
	}
}

// Add records an event at the current offset. data is marshalled once, at
// capture time; a nil data records an empty object.
func (b *Buffer) Add(eventType string, data any) error {
	raw := json.RawMessage("{}")
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = encoded
	}

	event := client.Event{
		Timestamp: b.now().Sub(b.start).Milliseconds(),
		EventType: eventType,
		Data:      raw,
	}

	b.mu.Lock()
	b.pending = append(b.pending, event)
	b.mu.Unlock()
	return nil
}

// Len reports the number of unflushed events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush sends all currently pending events and evicts them on
// acknowledgement. On error nothing is evicted. Events added while the
// flush is in flight stay pending for the next cycle.
func (b *Buffer) Flush(ctx context.Context, dst Appender) error {
	return b.flush(ctx, dst, nil)
}

// Close flushes the remaining events together with the session end time.
// On error the events (and the close) stay pending; calling Close again
// retries both.
func (b *Buffer) Close(ctx context.Context, dst Appender, endTime time.Time) error {
	return b.flush(ctx, dst, &endTime)
}

func (b *Buffer) flush(ctx context.Context, dst Appender, endTime *time.Time) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	snapshot := make([]client.Event, len(b.pending))
	copy(snapshot, b.pending)
	b.mu.Unlock()

	if len(snapshot) == 0 && endTime == nil {
		return nil
	}

	// No lock is held across the network call.
	if err := dst.AppendEvents(ctx, b.sessionID, client.Batch{Events: snapshot, ClientEndTime: endTime}); err != nil {
		return err
	}

	b.mu.Lock()
	b.pending = b.pending[len(snapshot):]
	b.mu.Unlock()
	return nil
}
