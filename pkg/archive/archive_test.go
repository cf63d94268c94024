package archive

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/db"
	"github.com/otherjamesbrown/penf-capture/pkg/export"
)

func TestMigrations_Embedded(t *testing.T) {
	migrations, err := db.FindMigrations(Migrations())
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001_create_capture_meetings", migrations[0].Version)

	data, err := fs.ReadFile(Migrations(), migrations[0].Name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS capture_meetings")
}

func TestMeetingID_Stable(t *testing.T) {
	assert.Equal(t, MeetingID("sess-1"), MeetingID("sess-1"))
	assert.NotEqual(t, MeetingID("sess-1"), MeetingID("sess-2"))
	assert.Equal(t, uuid.Version(5), MeetingID("sess-1").Version())
}

func TestMeetingFromDocument(t *testing.T) {
	doc := export.Document{
		SessionID:        "sess-1",
		Title:            "Weekly_sync",
		MeetingStartTime: "2024-05-02T09:00:00.000Z",
		MeetingEndTime:   "not a time",
		Transcript: []capture.TranscriptEntry{
			{PersonName: "Alice", TimeStamp: "2024-05-02T09:00:02.500Z", PersonTranscript: "hello"},
		},
	}

	m := MeetingFromDocument(doc)
	assert.Equal(t, MeetingID("sess-1"), m.ID)
	require.NotNil(t, m.StartedAt)
	assert.Equal(t, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC), *m.StartedAt)
	assert.Nil(t, m.EndedAt)
	assert.Equal(t, 1, m.TranscriptEntries)
	assert.Equal(t, 0, m.ChatCount)
	assert.NotNil(t, m.ChatMessages)
}

func TestBuildGetQuery(t *testing.T) {
	t.Run("archive id", func(t *testing.T) {
		id := MeetingID("sess-1")
		query, args := buildGetQuery(id.String())
		assert.Contains(t, query, "WHERE id = $1 OR session_id = $2")
		assert.Equal(t, []interface{}{id, id.String()}, args)
	})

	t.Run("uuid session id", func(t *testing.T) {
		session := uuid.New().String()
		require.NotEqual(t, session, MeetingID(session).String())

		query, args := buildGetQuery(session)
		assert.Contains(t, query, "session_id = $2")
		assert.Contains(t, query, "LIMIT 1")
		require.Len(t, args, 2)
		assert.Equal(t, session, args[1], "a UUID ref is also matched as a session id")
	})

	t.Run("plain session id", func(t *testing.T) {
		query, args := buildGetQuery("sess-1")
		assert.Contains(t, query, "WHERE session_id = $1")
		assert.NotContains(t, query, "id = $1 OR")
		assert.Equal(t, []interface{}{"sess-1"}, args)
	})
}

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(Filter{})
	assert.Contains(t, query, "LIMIT $1")
	assert.Equal(t, []interface{}{50}, args)

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args = buildListQuery(Filter{Since: &since, Title: "Q3_plan%", Limit: 5})
	assert.Contains(t, query, "started_at >= $1")
	assert.Contains(t, query, "lower(title) LIKE $2")
	assert.True(t, strings.HasSuffix(query, "LIMIT $3"))
	assert.Equal(t, []interface{}{since, `%q3\_plan\%%`, 5}, args)
}
