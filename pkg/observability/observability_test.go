package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCaptureEvent(t *testing.T) {
	event := NewCaptureEvent("sess-1", EventDownload)

	if event.EventID == "" {
		t.Error("EventID should be generated")
	}
	if event.SessionID != "sess-1" {
		t.Errorf("SessionID = %s, want sess-1", event.SessionID)
	}
	if event.Channel() != ChannelDownload {
		t.Errorf("Channel = %s, want %s", event.Channel(), ChannelDownload)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestCaptureEvent_RoundTrip(t *testing.T) {
	event := NewCaptureEvent("sess-2", EventMeetingStarted)
	event.Transcript = 3

	data, err := event.JSON()
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	parsed, err := ParseCaptureEvent(data)
	if err != nil {
		t.Fatalf("ParseCaptureEvent() error: %v", err)
	}
	if parsed.SessionID != "sess-2" || parsed.Transcript != 3 || parsed.Type != EventMeetingStarted {
		t.Errorf("unexpected parsed event: %+v", parsed)
	}
}

func TestParseCaptureEvent_RequiresSession(t *testing.T) {
	if _, err := ParseCaptureEvent([]byte(`{"type":"download"}`)); err == nil {
		t.Error("expected error for missing session_id")
	}
	if _, err := ParseCaptureEvent([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestChannelFor(t *testing.T) {
	if got := ChannelFor("custom"); got != "events.capture.custom" {
		t.Errorf("ChannelFor(custom) = %s", got)
	}
}

func TestNewCaptureMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCaptureMetrics(reg)

	m.TranscriptChanges.WithLabelValues("appended").Inc()
	m.TranscriptChanges.WithLabelValues("appended").Inc()
	m.ActiveSessions.Inc()

	if got := testutil.ToFloat64(m.TranscriptChanges.WithLabelValues("appended")); got != 2 {
		t.Errorf("appended = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %f, want 1", got)
	}
}
