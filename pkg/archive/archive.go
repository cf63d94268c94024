// Package archive stores finished meetings in PostgreSQL.
package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/export"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations of the archive.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// meetingNamespace derives stable meeting ids from session ids.
var meetingNamespace = uuid.MustParse("5b1c1a52-5d0e-4c45-9a3f-6f0d2f3c9e11")

// MeetingID returns the archive id of a session.
func MeetingID(sessionID string) uuid.UUID {
	return uuid.NewSHA1(meetingNamespace, []byte(sessionID))
}

// Meeting is one archived meeting.
type Meeting struct {
	ID                uuid.UUID                 `json:"id" yaml:"id"`
	SessionID         string                    `json:"session_id" yaml:"session_id"`
	Title             string                    `json:"title" yaml:"title"`
	UserName          string                    `json:"user_name,omitempty" yaml:"user_name,omitempty"`
	StartedAt         *time.Time                `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt           *time.Time                `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Transcript        []capture.TranscriptEntry `json:"transcript" yaml:"transcript"`
	ChatMessages      []capture.ChatEntry       `json:"chat_messages" yaml:"chat_messages"`
	TranscriptEntries int                       `json:"transcript_entries" yaml:"transcript_entries"`
	ChatCount         int                       `json:"chat_count" yaml:"chat_count"`
	CreatedAt         time.Time                 `json:"created_at" yaml:"created_at"`
}

// Summary is a Meeting without its content.
type Summary struct {
	ID                uuid.UUID  `json:"id" yaml:"id"`
	SessionID         string     `json:"session_id" yaml:"session_id"`
	Title             string     `json:"title" yaml:"title"`
	StartedAt         *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	TranscriptEntries int        `json:"transcript_entries" yaml:"transcript_entries"`
	ChatCount         int        `json:"chat_count" yaml:"chat_count"`
}

// Filter narrows List.
type Filter struct {
	Since *time.Time
	Title string // case-insensitive substring
	Limit int
}

// MeetingFromDocument converts an export document into an archive row.
// Unparseable timestamps are stored as NULL.
func MeetingFromDocument(doc export.Document) Meeting {
	m := Meeting{
		ID:                MeetingID(doc.SessionID),
		SessionID:         doc.SessionID,
		Title:             doc.Title,
		UserName:          doc.UserName,
		Transcript:        doc.Transcript,
		ChatMessages:      doc.ChatMessages,
		TranscriptEntries: len(doc.Transcript),
		ChatCount:         len(doc.ChatMessages),
	}
	if t, err := capture.ParseTimestamp(doc.MeetingStartTime); err == nil {
		m.StartedAt = &t
	}
	if t, err := capture.ParseTimestamp(doc.MeetingEndTime); err == nil {
		m.EndedAt = &t
	}
	if m.Transcript == nil {
		m.Transcript = []capture.TranscriptEntry{}
	}
	if m.ChatMessages == nil {
		m.ChatMessages = []capture.ChatEntry{}
	}
	return m
}

// Repository reads and writes the capture_meetings table.
type Repository struct {
	db  *pgxpool.Pool
	log logging.Logger
}

// NewRepository creates a repository on pool.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{db: pool, log: logger.With(logging.F("component", "archive"))}
}

// Save upserts the meeting of doc, keyed by session id.
func (r *Repository) Save(ctx context.Context, doc export.Document) (*Meeting, error) {
	if doc.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", pferrors.ErrValidation)
	}
	m := MeetingFromDocument(doc)

	transcriptJSON, err := json.Marshal(m.Transcript)
	if err != nil {
		return nil, fmt.Errorf("encoding transcript: %w", err)
	}
	chatJSON, err := json.Marshal(m.ChatMessages)
	if err != nil {
		return nil, fmt.Errorf("encoding chat messages: %w", err)
	}

	query := `
		INSERT INTO capture_meetings (
			id, session_id, title, user_name, started_at, ended_at,
			transcript, chat_messages, transcript_entries, chat_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			title = EXCLUDED.title,
			user_name = EXCLUDED.user_name,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			transcript = EXCLUDED.transcript,
			chat_messages = EXCLUDED.chat_messages,
			transcript_entries = EXCLUDED.transcript_entries,
			chat_count = EXCLUDED.chat_count,
			updated_at = NOW()
		RETURNING created_at`

	err = r.db.QueryRow(ctx, query,
		m.ID, m.SessionID, m.Title, m.UserName, m.StartedAt, m.EndedAt,
		transcriptJSON, chatJSON, m.TranscriptEntries, m.ChatCount,
	).Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("archiving session %s: %w", m.SessionID, err)
	}

	r.log.Info("Meeting archived",
		logging.F("session_id", m.SessionID),
		logging.F("meeting_id", m.ID.String()),
		logging.F("transcript_entries", m.TranscriptEntries))
	return &m, nil
}

// Get loads a meeting by archive id or session id.
func (r *Repository) Get(ctx context.Context, ref string) (*Meeting, error) {
	query, args := buildGetQuery(ref)

	var m Meeting
	var transcriptJSON, chatJSON []byte
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.SessionID, &m.Title, &m.UserName, &m.StartedAt, &m.EndedAt,
		&transcriptJSON, &chatJSON, &m.TranscriptEntries, &m.ChatCount, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("meeting %s: %w", ref, pferrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading meeting %s: %w", ref, err)
	}
	if err := json.Unmarshal(transcriptJSON, &m.Transcript); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}
	if err := json.Unmarshal(chatJSON, &m.ChatMessages); err != nil {
		return nil, fmt.Errorf("decoding chat messages: %w", err)
	}
	return &m, nil
}

// List returns meeting summaries, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Summary, error) {
	query, args := buildListQuery(filter)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing meetings: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Title, &s.StartedAt, &s.EndedAt, &s.TranscriptEntries, &s.ChatCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// buildGetQuery looks ref up as a session id, and also as an archive id when
// it parses as a UUID. Session ids are UUIDs by default, so both columns are
// tried; an archive id match wins.
func buildGetQuery(ref string) (string, []interface{}) {
	query := `
		SELECT id, session_id, title, user_name, started_at, ended_at,
			transcript, chat_messages, transcript_entries, chat_count, created_at
		FROM capture_meetings`
	id, err := uuid.Parse(ref)
	if err != nil {
		return query + ` WHERE session_id = $1`, []interface{}{ref}
	}
	return query + ` WHERE id = $1 OR session_id = $2
		ORDER BY (id = $1) DESC
		LIMIT 1`, []interface{}{id, ref}
}

func buildListQuery(filter Filter) (string, []interface{}) {
	query := `
		SELECT id, session_id, title, started_at, ended_at, transcript_entries, chat_count
		FROM capture_meetings WHERE 1=1`
	var args []interface{}
	argNum := 1

	if filter.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}
	if filter.Title != "" {
		query += fmt.Sprintf(" AND lower(title) LIKE $%d", argNum)
		args = append(args, "%"+escapeLike(strings.ToLower(filter.Title))+"%")
		argNum++
	}
	query += " ORDER BY started_at DESC NULLS LAST, created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, limit)
	return query, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
