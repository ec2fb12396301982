package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/felislab/felistrace/backend/internal/model/session"
	"github.com/felislab/felistrace/backend/internal/store"
)

// ValidationError rejects a malformed payload before it reaches storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Service is the ingestion layer: it validates inbound session payloads,
// stamps them with server-observed metadata and delegates persistence to the
// store. It performs no retries; retry policy belongs to the client, whose
// buffer keeps unacknowledged events.
type Service struct {
	store store.Store
	log   zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Service {
	return &Service{store: st, log: log}
}

// Create opens a new session with an empty event sequence and returns its
// server-assigned identifier.
func (s *Service) Create(ctx context.Context, doc *session.Session, remoteAddr string) (string, error) {
	if err := validateCreation(doc); err != nil {
		return "", err
	}

	doc.Events = nil
	doc.ClientEndTime = nil
	stamp(doc, remoteAddr)

	id, err := s.store.InsertSession(ctx, doc)
	if err != nil {
		return "", err
	}

	s.log.Info().Str("session_id", id).Str("setup", doc.SetupInfo).Msg("session created")
	return id, nil
}

// Append records a flushed batch at the end of the session's event sequence.
// Appends to a logically closed session are permitted but logged as
// anomalous; duplicate batches from retried flushes are stored as-is.
func (s *Service) Append(ctx context.Context, id string, batch session.Batch) error {
	alreadyClosed, err := s.store.AppendEvents(ctx, id, batch.Events, batch.ClientEndTime)
	if err != nil {
		return err
	}

	if alreadyClosed {
		s.log.Warn().Str("session_id", id).Int("events", len(batch.Events)).
			Msg("append to a session that already has an end time")
	}
	return nil
}

// LogSession is the legacy one-shot path: a complete session document,
// events and optional end time included, inserted in a single call.
func (s *Service) LogSession(ctx context.Context, doc *session.Session, remoteAddr string) (string, error) {
	if err := validateCreation(doc); err != nil {
		return "", err
	}

	stamp(doc, remoteAddr)

	id, err := s.store.InsertSession(ctx, doc)
	if err != nil {
		return "", err
	}

	s.log.Info().Str("session_id", id).Int("events", len(doc.Events)).Msg("session recorded in one shot")
	return id, nil
}

// Get reads back a stored session document.
func (s *Service) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Status is the health probe payload polled by clients.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Health reports storage reachability. It never fails: a storage error
// becomes an "Error" status so polling clients can render live state. The
// probe is bounded so an unreachable store cannot stall it.
func (s *Service) Health(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("storage health check failed")
		return Status{Status: "Error", Message: err.Error()}
	}
	return Status{Status: "OK", Message: "database connection is healthy"}
}

func validateCreation(doc *session.Session) error {
	switch {
	case doc.SetupInfo == "":
		return &ValidationError{Field: "setupInfo", Reason: "must not be empty"}
	case doc.UserAgent == "":
		return &ValidationError{Field: "userAgent", Reason: "must not be empty"}
	case doc.ClientStartTime.IsZero():
		return &ValidationError{Field: "clientStartTime", Reason: "must be set"}
	case doc.Device.Viewport.Width <= 0 || doc.Device.Viewport.Height <= 0:
		return &ValidationError{Field: "device.viewport", Reason: "dimensions must be positive"}
	case doc.Device.Screen.Width <= 0 || doc.Device.Screen.Height <= 0:
		return &ValidationError{Field: "device.screen", Reason: "dimensions must be positive"}
	}
	// locationInfo stays optional and unchecked: clients report coordinates,
	// a lookup error, or nothing at all.
	return nil
}

func stamp(doc *session.Session, remoteAddr string) {
	doc.ServerTimestamp = time.Now().UTC()
	doc.IPAddress = clientIP(remoteAddr)
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
