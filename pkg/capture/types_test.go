package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	ts := time.Date(2024, 5, 2, 11, 4, 5, 123456789, loc)

	assert.Equal(t, "2024-05-02T09:04:05.123Z", FormatTimestamp(ts))

	parsed, err := ParseTimestamp("2024-05-02T09:04:05.123Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts.Truncate(time.Millisecond)))
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Weekly sync", want: "Weekly sync"},
		{in: "Q3 (draft) v1.2-final", want: "Q3 (draft) v1.2-final"},
		{in: "Design: API/Auth", want: "Design_ API_Auth"},
		{in: "Café ☕", want: "Caf_ _"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeTitle(tt.in), tt.in)
	}
}

func TestParseOperationMode(t *testing.T) {
	assert.Equal(t, OperationModeManual, ParseOperationMode("manual"))
	assert.Equal(t, OperationModeAuto, ParseOperationMode(""))
	assert.Equal(t, OperationModeAuto, ParseOperationMode("MANUAL"))
}

func TestSnapshotValue(t *testing.T) {
	snap := Snapshot{
		Metadata:   MeetingMetadata{UserName: "Dana", MeetingTitle: "Sync"},
		Transcript: []TranscriptEntry{{PersonName: "A"}},
	}
	v, ok := snap.Value(FieldUserName)
	assert.True(t, ok)
	assert.Equal(t, "Dana", v)

	_, ok = snap.Value(FieldOperationMode)
	assert.False(t, ok)

	assert.True(t, AllFields.Has(FieldTranscript))
	assert.False(t, Fields{FieldUserName}.Has(FieldTranscript))
}
