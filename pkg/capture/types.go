// Package capture turns the DOM mutations of a live meeting page into a clean
// caption transcript and chat log.
//
// A Session owns every buffer and flag for one page. It waits for the
// meeting to start, arms a caption observer and a chat observer, persists
// every change through a Bridge and finalises the record when the user leaves
// the call.
package capture

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout, upper-cased.
func FormatTimestamp(t time.Time) string {
	return strings.ToUpper(t.UTC().Format(TimestampLayout))
}

// ParseTimestamp parses a value produced by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// TranscriptEntry is one settled caption turn.
type TranscriptEntry struct {
	PersonName       string `json:"personName"`
	TimeStamp        string `json:"timeStamp"`
	PersonTranscript string `json:"personTranscript"`
}

// ChatEntry is one chat message.
type ChatEntry struct {
	PersonName      string `json:"personName"`
	TimeStamp       string `json:"timeStamp"`
	ChatMessageText string `json:"chatMessageText"`
}

// MeetingMetadata describes the meeting a session captured.
type MeetingMetadata struct {
	MeetingTitle          string `json:"meetingTitle"`
	MeetingStartTimeStamp string `json:"meetingStartTimeStamp"`
	UserName              string `json:"userName"`
}

// Flags gate duplicate notifications and post-end writes.
type Flags struct {
	HasMeetingStarted       bool
	HasMeetingEnded         bool
	CaptionDOMErrorCaptured bool
	ChatDOMErrorCaptured    bool
}

// DefaultUserName is persisted until the page shows the signed-in name.
const DefaultUserName = "You"

var invalidTitleChars = regexp.MustCompile(`[^\w\-_.() ]`)

// SanitizeTitle replaces every character outside [A-Za-z0-9_-.() ] with '_'.
func SanitizeTitle(title string) string {
	return invalidTitleChars.ReplaceAllString(title, "_")
}

// Field names a persisted key.
type Field string

const (
	FieldUserName              Field = "userName"
	FieldTranscript            Field = "transcript"
	FieldChatMessages          Field = "chatMessages"
	FieldMeetingTitle          Field = "meetingTitle"
	FieldMeetingStartTimeStamp Field = "meetingStartTimeStamp"
	FieldOperationMode         Field = "operationMode"
)

// AllFields lists the fields a session writes.
var AllFields = Fields{
	FieldUserName,
	FieldTranscript,
	FieldChatMessages,
	FieldMeetingTitle,
	FieldMeetingStartTimeStamp,
}

// Fields is a set of persisted keys.
type Fields []Field

// Has reports whether f is in the set.
func (fs Fields) Has(f Field) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Strings returns the field names.
func (fs Fields) Strings() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

// Snapshot is an immutable copy of the session state handed to a Bridge.
type Snapshot struct {
	SessionID    string            `json:"sessionId"`
	Metadata     MeetingMetadata   `json:"metadata"`
	Transcript   []TranscriptEntry `json:"transcript"`
	ChatMessages []ChatEntry       `json:"chatMessages"`
}

// Value returns the value persisted for f.
func (s Snapshot) Value(f Field) (interface{}, bool) {
	switch f {
	case FieldUserName:
		return s.Metadata.UserName, true
	case FieldTranscript:
		return s.Transcript, true
	case FieldChatMessages:
		return s.ChatMessages, true
	case FieldMeetingTitle:
		return s.Metadata.MeetingTitle, true
	case FieldMeetingStartTimeStamp:
		return s.Metadata.MeetingStartTimeStamp, true
	}
	return nil, false
}

// NotificationType is the kind of outbound signal.
type NotificationType string

const (
	NotificationNewMeetingStarted NotificationType = "new_meeting_started"
	NotificationDownload          NotificationType = "download"
)

// Notification is an outbound signal to the collaborator.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
}

// OperationMode decides whether captions are switched on automatically.
type OperationMode string

const (
	OperationModeAuto   OperationMode = "auto"
	OperationModeManual OperationMode = "manual"
)

// ParseOperationMode maps a stored value; anything but "manual" is auto.
func ParseOperationMode(s string) OperationMode {
	if strings.TrimSpace(s) == string(OperationModeManual) {
		return OperationModeManual
	}
	return OperationModeAuto
}

// Bridge is the persistence and notification sink.
//
// Persist stores the named fields of snap, last write wins per field. When
// triggerExport is set and the transcript is non-empty, the bridge emits a
// download notification once the fields of that same call are durable.
type Bridge interface {
	Persist(ctx context.Context, fields Fields, snap Snapshot, triggerExport bool) error
	Notify(ctx context.Context, n Notification) error
	OperationMode(ctx context.Context) (OperationMode, error)
}

// Status is a user-visible banner.
type Status struct {
	Code int
	HTML string
}

// StatusNotifier renders banners.
type StatusNotifier interface {
	Show(ctx context.Context, s Status) error
}

// Banner codes.
const (
	StatusOK    = 200
	StatusError = 400
)
