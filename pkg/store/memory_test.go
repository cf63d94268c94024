package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

func sampleSnapshot() capture.Snapshot {
	return capture.Snapshot{
		SessionID: "sess-1",
		Metadata: capture.MeetingMetadata{
			MeetingTitle:          "Weekly sync",
			MeetingStartTimeStamp: "2024-05-02T09:00:00.000Z",
			UserName:              "Dana",
		},
		Transcript: []capture.TranscriptEntry{
			{PersonName: "Alice", TimeStamp: "2024-05-02T09:00:02.500Z", PersonTranscript: "hello"},
		},
		ChatMessages: []capture.ChatEntry{
			{PersonName: "Ana", TimeStamp: "2024-05-02T09:00:03.000Z", ChatMessageText: "hi"},
		},
	}
}

func TestMemoryBridge_LastWriteWinsPerField(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBridge()

	snap := sampleSnapshot()
	require.NoError(t, m.Persist(ctx, capture.AllFields, snap, false))

	newer := sampleSnapshot()
	newer.Metadata.UserName = "Dana S."
	newer.Transcript[0].PersonTranscript = "hello there"
	require.NoError(t, m.Persist(ctx, capture.Fields{capture.FieldTranscript}, newer, false))

	got, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "hello there", got.Transcript[0].PersonTranscript)
	assert.Equal(t, "Dana", got.Metadata.UserName, "fields not named by the call keep their value")
	assert.Equal(t, snap.ChatMessages, got.ChatMessages)
}

func TestMemoryBridge_ExportRequiresTranscript(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBridge()

	var downloads []string
	m.OnDownload(func(_ context.Context, snap capture.Snapshot) {
		downloads = append(downloads, snap.SessionID)
	})

	empty := sampleSnapshot()
	empty.Transcript = nil
	require.NoError(t, m.Persist(ctx, capture.Fields{capture.FieldTranscript}, empty, true))
	assert.Empty(t, downloads)
	assert.Empty(t, m.Notifications())

	require.NoError(t, m.Persist(ctx, capture.Fields{capture.FieldTranscript}, sampleSnapshot(), true))
	assert.Equal(t, []string{"sess-1"}, downloads)
	assert.Equal(t, []capture.Notification{{Type: capture.NotificationDownload, SessionID: "sess-1"}}, m.Notifications())
}

func TestMemoryBridge_OperationModeAndLookup(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBridge()

	mode, err := m.OperationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, capture.OperationModeAuto, mode)

	m.SetOperationMode(capture.OperationModeManual)
	mode, _ = m.OperationMode(ctx)
	assert.Equal(t, capture.OperationModeManual, mode)

	_, err = m.Load(ctx, "missing")
	assert.True(t, pferrors.IsNotFound(err))

	require.NoError(t, m.Persist(ctx, capture.Fields{capture.FieldUserName}, sampleSnapshot(), false))
	assert.Equal(t, []string{"sess-1"}, m.Sessions())
}

func TestMemoryBridge_RejectsUnknownField(t *testing.T) {
	err := NewMemoryBridge().Persist(context.Background(), capture.Fields{capture.FieldOperationMode}, sampleSnapshot(), false)
	assert.True(t, pferrors.IsValidation(err))
}
