package session

import (
	"bytes"
	"encoding/json"
	"time"
)

// Session is the durable record of one experiment run. Creation-time fields
// and already-appended events are immutable; only ClientEndTime (written once)
// and Events (append-only) change after creation.
type Session struct {
	ID              string     `json:"id"`
	SetupInfo       string     `json:"setupInfo"`
	UserAgent       string     `json:"userAgent"`
	Location        *Location  `json:"locationInfo,omitempty"`
	Device          Device     `json:"device"`
	ClientStartTime time.Time  `json:"clientStartTime"`
	ClientEndTime   *time.Time `json:"clientEndTime,omitempty"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
	IPAddress       string     `json:"ipAddress,omitempty"`
	Events          []Event    `json:"events"`
}

// Closed reports whether an end time has been recorded for the session.
func (s *Session) Closed() bool {
	return s.ClientEndTime != nil
}

// Location carries client geolocation, or the reason it was unavailable.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Device describes the client display at session start.
type Device struct {
	Viewport Dimensions `json:"viewport"`
	Screen   Screen     `json:"screen"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Screen struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PixelRatio float64 `json:"pixelRatio"`
}

// Event is one immutable record within a session. Timestamp is the offset in
// milliseconds since session start on the client clock; Data is opaque and
// never interpreted by the store.
type Event struct {
	Timestamp int64           `json:"timestamp"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// Batch is one client flush: an ordered slice of buffered events and,
// on the final flush of a run, the session end time.
type Batch struct {
	Events        []Event    `json:"events"`
	ClientEndTime *time.Time `json:"clientEndTime,omitempty"`
}

// UnmarshalJSON accepts either the object form or a bare JSON array of
// events, which is the shape older clients send.
func (b *Batch) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		b.ClientEndTime = nil
		return json.Unmarshal(data, &b.Events)
	}

	type plain Batch
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = Batch(p)
	return nil
}
