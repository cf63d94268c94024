package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/db"
)

func TestNewDbCommand(t *testing.T) {
	cmd := NewDbCommand(DefaultDeps())

	assert.Equal(t, "db", cmd.Use)
	assert.Contains(t, cmd.Aliases, "migrations")

	migrate, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)
	assert.Equal(t, "migrate", migrate.Name())
	for _, name := range []string{"dry-run", "target", "yes"} {
		assert.NotNil(t, migrate.Flags().Lookup(name), "missing flag --%s", name)
	}
	assert.Equal(t, "t", migrate.Flags().Lookup("target").Shorthand)

	status, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "status", status.Name())
}

func TestDbOptions_DefaultMigrations(t *testing.T) {
	opts := &dbOptions{}
	assert.NotNil(t, opts.migrations())
}

func TestPendingUpTo(t *testing.T) {
	pending := []db.MigrationStatusEntry{
		{Version: "001_meetings", Name: "meetings"},
		{Version: "002_entries", Name: "entries"},
		{Version: "003_indexes", Name: "indexes"},
	}

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"no target", "", 3},
		{"prefix target", "002", 2},
		{"full version", "001_meetings", 1},
		{"unknown target keeps all", "009", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, pendingUpTo(pending, tt.target), tt.want)
		})
	}
}

func TestConfirmed(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes ", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, confirmed(strings.NewReader(tt.input)), "input %q", tt.input)
	}
}

func TestOutputMigrationStatusText(t *testing.T) {
	applied := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)
	status := &db.MigrationStatus{
		Applied: []db.MigrationStatusEntry{{Version: "001_meetings", Name: "meetings", AppliedAt: &applied}},
		Pending: []db.MigrationStatusEntry{{Version: "002_entries", Name: "entries"}},
		Drift:   []db.MigrationStatusEntry{{Version: "000_legacy", Name: "legacy", AppliedAt: &applied}},
	}

	var buf bytes.Buffer
	require.NoError(t, outputMigrationStatusText(&buf, status))
	out := buf.String()

	assert.Contains(t, out, "Applied Migrations (1)")
	assert.Contains(t, out, "2026-10-01 09:30:00")
	assert.Contains(t, out, "Pending Migrations (1)")
	assert.Contains(t, out, "002_entries")
	assert.Contains(t, out, "Drift (1)")
	assert.Contains(t, out, "Summary: 1 applied, 1 pending")
}

func TestOutputMigrationStatusText_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputMigrationStatusText(&buf, &db.MigrationStatus{}))
	assert.Equal(t, "No migrations found.\n", buf.String())
}
