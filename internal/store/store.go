package store

import (
	"context"
	"errors"
	"time"

	"github.com/felislab/felistrace/backend/internal/model/session"
)

var (
	// ErrNotFound means the target session does not exist. It is terminal:
	// retrying against the same identifier will not help.
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable means the backing store could not be reached. The
	// failed write may be retried; the store itself never retries.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the durable system of record for experiment sessions.
//
// InsertSession covers both ingestion shapes: session creation (empty event
// list) and the legacy one-shot insert (events inlined, possibly with an end
// time already set). The identifier is always assigned by the store; a
// caller-supplied ID is ignored.
//
// All methods are I/O-bound; callers must not hold locks across them.
type Store interface {
	// InsertSession persists a new session document and returns its
	// generated identifier. The document is immediately visible to
	// AppendEvents.
	InsertSession(ctx context.Context, s *session.Session) (string, error)

	// AppendEvents durably appends events, in input order, after all
	// previously appended events of the session. An empty batch is a
	// no-op acknowledgement. endTime, when non-nil, records the session
	// end time unless one is already set; the first write wins.
	// alreadyClosed reports whether the session had an end time before
	// this call. Returns ErrNotFound for an unknown identifier.
	AppendEvents(ctx context.Context, id string, events []session.Event, endTime *time.Time) (alreadyClosed bool, err error)

	// GetSession reads back a full session document, events in append
	// order.
	GetSession(ctx context.Context, id string) (*session.Session, error)

	// Ping checks reachability of the backing store without touching any
	// session.
	Ping(ctx context.Context) error

	Close() error
}
