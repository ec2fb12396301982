package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felislab/felistrace/backend/internal/model/session"
	"github.com/felislab/felistrace/backend/internal/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, zerolog.Nop()), st
}

func validDoc() *session.Session {
	return &session.Session{
		SetupInfo: "reaction-test-pilot",
		UserAgent: "Mozilla/5.0",
		Device: session.Device{
			Viewport: session.Dimensions{Width: 1280, Height: 800},
			Screen:   session.Screen{Width: 1920, Height: 1080, PixelRatio: 2},
		},
		ClientStartTime: time.Date(2026, 8, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestCreateStampsServerMetadata(t *testing.T) {
	svc, st := newService(t)

	before := time.Now().UTC()
	id, err := svc.Create(context.Background(), validDoc(), "192.0.2.50:43112")
	require.NoError(t, err)

	stored, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.50", stored.IPAddress)
	assert.False(t, stored.ServerTimestamp.Before(before))
	assert.Empty(t, stored.Events)
	assert.Nil(t, stored.ClientEndTime)
}

func TestCreateIgnoresClientSuppliedState(t *testing.T) {
	svc, st := newService(t)

	doc := validDoc()
	doc.ID = "client-chosen-id"
	doc.Events = []session.Event{{Timestamp: 5, EventType: "TargetHit"}}
	end := doc.ClientStartTime.Add(time.Minute)
	doc.ClientEndTime = &end

	id, err := svc.Create(context.Background(), doc, "192.0.2.50:43112")
	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen-id", id)

	stored, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, stored.Events)
	assert.Nil(t, stored.ClientEndTime)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(*session.Session)
		field  string
	}{
		{"missing setup info", func(d *session.Session) { d.SetupInfo = "" }, "setupInfo"},
		{"missing user agent", func(d *session.Session) { d.UserAgent = "" }, "userAgent"},
		{"zero start time", func(d *session.Session) { d.ClientStartTime = time.Time{} }, "clientStartTime"},
		{"zero viewport", func(d *session.Session) { d.Device.Viewport.Width = 0 }, "device.viewport"},
		{"negative screen", func(d *session.Session) { d.Device.Screen.Height = -1 }, "device.screen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(doc)

			_, err := svc.Create(context.Background(), doc, "192.0.2.50:43112")
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateAllowsMissingLocation(t *testing.T) {
	svc, _ := newService(t)

	doc := validDoc()
	doc.Location = nil
	_, err := svc.Create(context.Background(), doc, "192.0.2.50:43112")
	assert.NoError(t, err)

	doc = validDoc()
	doc.Location = &session.Location{Error: "User denied Geolocation"}
	_, err = svc.Create(context.Background(), doc, "192.0.2.50:43112")
	assert.NoError(t, err)
}

func TestAppendRecordsEndTimeOnce(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, validDoc(), "192.0.2.50:43112")
	require.NoError(t, err)

	end := time.Date(2026, 8, 14, 9, 35, 0, 0, time.UTC)
	err = svc.Append(ctx, id, session.Batch{
		Events:        []session.Event{{Timestamp: 2000, EventType: "TestEnd", Data: json.RawMessage(`{}`)}},
		ClientEndTime: &end,
	})
	require.NoError(t, err)

	// Appends after close are anomalous but still recorded.
	later := end.Add(time.Minute)
	err = svc.Append(ctx, id, session.Batch{
		Events:        []session.Event{{Timestamp: 9000, EventType: "TargetHit", Data: json.RawMessage(`{}`)}},
		ClientEndTime: &later,
	})
	require.NoError(t, err)

	stored, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored.Events, 2)
	require.NotNil(t, stored.ClientEndTime)
	assert.True(t, stored.ClientEndTime.Equal(end))
}

func TestAppendUnknownSession(t *testing.T) {
	svc, _ := newService(t)

	err := svc.Append(context.Background(), "no-such-session", session.Batch{
		Events: []session.Event{{Timestamp: 1, EventType: "TargetHit"}},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLogSessionOneShot(t *testing.T) {
	svc, st := newService(t)

	doc := validDoc()
	end := doc.ClientStartTime.Add(2 * time.Second)
	doc.ClientEndTime = &end
	doc.Events = []session.Event{
		{Timestamp: 120, EventType: "TargetSpawned", Data: json.RawMessage(`{"x":400,"y":300}`)},
		{Timestamp: 950, EventType: "TargetHit", Data: json.RawMessage(`{"x":402,"y":305}`)},
	}

	id, err := svc.LogSession(context.Background(), doc, "192.0.2.50:43112")
	require.NoError(t, err)

	stored, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, stored.Events, 2)
	require.NotNil(t, stored.ClientEndTime)
	assert.True(t, stored.ClientEndTime.Equal(end))
	assert.Equal(t, "192.0.2.50", stored.IPAddress)
}

func TestHealth(t *testing.T) {
	svc, _ := newService(t)
	status := svc.Health(context.Background())
	assert.Equal(t, "OK", status.Status)

	degraded := New(&unreachableStore{}, zerolog.Nop())
	status = degraded.Health(context.Background())
	assert.Equal(t, "Error", status.Status)
	assert.NotEmpty(t, status.Message)
}

// unreachableStore simulates a storage backend that cannot be reached.
type unreachableStore struct{}

func (u *unreachableStore) InsertSession(context.Context, *session.Session) (string, error) {
	return "", errors.Join(store.ErrUnavailable, errors.New("connection refused"))
}

func (u *unreachableStore) AppendEvents(context.Context, string, []session.Event, *time.Time) (bool, error) {
	return false, errors.Join(store.ErrUnavailable, errors.New("connection refused"))
}

func (u *unreachableStore) GetSession(context.Context, string) (*session.Session, error) {
	return nil, errors.Join(store.ErrUnavailable, errors.New("connection refused"))
}

func (u *unreachableStore) Ping(context.Context) error {
	return errors.Join(store.ErrUnavailable, errors.New("connection refused"))
}

func (u *unreachableStore) Close() error { return nil }
