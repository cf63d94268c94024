// Package observability provides event schemas, metrics and tracing for the capture pipeline.
package observability

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event channels for Redis pub/sub
const (
	ChannelMeetingStarted = "events.capture.new_meeting_started"
	ChannelDownload       = "events.capture.download"
)

// Event types carried on the channels.
const (
	EventMeetingStarted = "new_meeting_started"
	EventDownload       = "download"
)

// CaptureEvent is published when a session reaches a lifecycle milestone.
type CaptureEvent struct {
	EventID      string    `json:"event_id"`
	SessionID    string    `json:"session_id"`
	Type         string    `json:"type"`
	Transcript   int       `json:"transcript_entries,omitempty"`
	ChatMessages int       `json:"chat_messages,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewCaptureEvent creates an event stamped now.
func NewCaptureEvent(sessionID, eventType string) *CaptureEvent {
	return &CaptureEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// Channel returns the pub/sub channel for the event type.
func (e *CaptureEvent) Channel() string {
	return ChannelFor(e.Type)
}

// JSON serializes the event.
func (e *CaptureEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChannelFor maps an event type to its channel.
func ChannelFor(eventType string) string {
	switch eventType {
	case EventMeetingStarted:
		return ChannelMeetingStarted
	case EventDownload:
		return ChannelDownload
	default:
		return "events.capture." + eventType
	}
}

// ParseCaptureEvent decodes a published payload.
func ParseCaptureEvent(data []byte) (*CaptureEvent, error) {
	var e CaptureEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding capture event: %w", err)
	}
	if e.SessionID == "" {
		return nil, fmt.Errorf("capture event %s has no session_id", e.EventID)
	}
	return &e, nil
}
