// Package client is the HTTP collaborator for the felistrace ingestion API.
// It distinguishes terminal failures (unknown session, rejected payloads)
// from retriable ones (unreachable storage, transport errors, timeouts) so a
// caller's event buffer knows whether to keep a batch.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrSessionNotFound is terminal: the identifier must be discarded,
	// retrying the same append cannot succeed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnavailable covers transport failures, timeouts and 5xx
	// responses. The outcome of the request is unknown or retriable
	// either way; buffered events must be kept.
	ErrUnavailable = errors.New("ingestion service unavailable")

	// ErrRejected is terminal: the service refused the payload as
	// invalid. Resending the same request cannot succeed, so a caller
	// must not keep retrying it.
	ErrRejected = errors.New("request rejected as invalid")
)

// Event mirrors the wire shape of one telemetry record.
type Event struct {
	Timestamp int64           `json:"timestamp"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// Batch is one flush payload; ClientEndTime closes the session.
type Batch struct {
	Events        []Event    `json:"events"`
	ClientEndTime *time.Time `json:"clientEndTime,omitempty"`
}

// Location carries client geolocation, or the reason it was unavailable.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Error     string   `json:"error,omitempty"`
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

type Device struct {
	Viewport Dimensions `json:"viewport"`
	Screen   Screen     `json:"screen"`
}

// Setup is the session creation payload.
type Setup struct {
	SetupInfo       string    `json:"setupInfo"`
	LocationInfo    *Location `json:"locationInfo,omitempty"`
	UserAgent       string    `json:"userAgent"`
	Device          Device    `json:"device"`
	ClientStartTime time.Time `json:"clientStartTime"`
}

// SessionLog is the legacy one-shot payload: a complete session document.
type SessionLog struct {
	Setup
	ClientEndTime *time.Time `json:"clientEndTime,omitempty"`
	Events        []Event    `json:"events"`
}

// Status is the health probe response.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Client talks to one felistrace backend.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWithHTTPClient allows callers to control transport and timeout.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, http: httpClient}
}

// CreateSession opens a session and returns its server-assigned identifier.
func (c *Client) CreateSession(ctx context.Context, setup Setup) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/sessions", setup, http.StatusCreated, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// AppendEvents flushes a batch to an open session. On a nil error the batch
// is durably stored and may be evicted from the caller's buffer.
func (c *Client) AppendEvents(ctx context.Context, sessionID string, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/sessions/"+sessionID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return checkStatus(resp.StatusCode, http.StatusOK)
}

// LogSession submits a complete session document in one call.
func (c *Client) LogSession(ctx context.Context, doc SessionLog) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/log", doc, http.StatusOK, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// Health polls the storage reachability probe.
func (c *Client) Health(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/healthcheck", nil)
	if err != nil {
		return Status{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, http.StatusOK); err != nil {
		return Status{}, err
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, wantStatus int, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, wantStatus); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func checkStatus(got, want int) error {
	switch {
	case got == want:
		return nil
	case got == http.StatusNotFound:
		return ErrSessionNotFound
	case got >= 500:
		return fmt.Errorf("%w: server returned %d", ErrUnavailable, got)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, got)
	}
}
