// Package audit emits fire-and-forget audit events for queue and sync
// activity. Delivery is best effort: a failing sink never blocks or fails
// the operation that produced the event.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tildaslashalef/tillsync/internal/config"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/ulid"
)

// Event types emitted by the sync engine
const (
	EventActionQueued     = "action_queued"
	EventActionSynced     = "action_synced"
	EventActionFailed     = "action_failed"
	EventActionConflict   = "action_conflict"
	EventConflictResolved = "conflict_resolved"
	EventQueueCleared     = "queue_cleared"
)

// Event is a single audit record
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	ActionID  string            `json:"action_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink receives audit events
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NewEvent creates an event with a fresh id and timestamp
func NewEvent(eventType, actionID, deviceID string, detail map[string]string) Event {
	return Event{
		ID:        ulid.AuditID(),
		Type:      eventType,
		ActionID:  actionID,
		DeviceID:  deviceID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// NopSink discards all events
type NopSink struct{}

// Emit discards the event
func (NopSink) Emit(context.Context, Event) {}

// LogSink writes events to the application log
type LogSink struct {
	logger *loggy.Logger
}

// NewLogSink creates a sink that records events via the logger
func NewLogSink(logger *loggy.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the event
func (s *LogSink) Emit(_ context.Context, event Event) {
	s.logger.Info("Audit event",
		"event_id", event.ID,
		"type", event.Type,
		"action_id", event.ActionID,
		"device_id", event.DeviceID,
	)
}

// HTTPSink posts events to a remote audit collector. Emit returns
// immediately; delivery happens on a background goroutine.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	logger   *loggy.Logger
}

// NewHTTPSink creates a sink posting to the configured collector endpoint
func NewHTTPSink(cfg config.AuditConfig, logger *loggy.Logger) *HTTPSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPSink{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Emit schedules delivery of the event and returns immediately
func (s *HTTPSink) Emit(_ context.Context, event Event) {
	go func() {
		if err := s.deliver(event); err != nil {
			s.logger.Warn("Audit event delivery failed",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
		}
	}()
}

func (s *HTTPSink) deliver(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}

	return nil
}

// NewSink selects the sink implementation for the given configuration:
// disabled audit gets a NopSink, an empty endpoint logs locally, and a
// configured endpoint posts to the collector.
func NewSink(cfg config.AuditConfig, logger *loggy.Logger) Sink {
	if !cfg.Enabled {
		return NopSink{}
	}
	if cfg.Endpoint == "" {
		return NewLogSink(logger)
	}
	return NewHTTPSink(cfg, logger)
}
