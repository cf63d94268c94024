package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/archive"
	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/db"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// archiveListOptions holds the flags of 'archive list'.
type archiveListOptions struct {
	Since time.Duration
	Title string
	Limit int
}

// NewArchiveCommand creates the archive command with its subcommands.
func NewArchiveCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Browse archived meetings",
		Long: `Browse finished meetings stored in the PostgreSQL archive.

Meetings reach the archive through 'penf-capture export --archive' or
'penf-capture replay --archive'. Run 'penf-capture db migrate' once before
first use.`,
	}

	cmd.AddCommand(newArchiveListCommand(deps))
	cmd.AddCommand(newArchiveShowCommand(deps))

	return cmd
}

func newArchiveListCommand(deps *Deps) *cobra.Command {
	opts := &archiveListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived meetings, newest first",
		Example: `  penf-capture archive list
  penf-capture archive list --since 168h --title standup
  penf-capture archive list --limit 10 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveList(cmd.Context(), deps, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Since, "since", 0, "Only meetings started within this duration (e.g. 24h)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Only meetings whose title contains this text")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "l", 50, "Maximum number of meetings")

	return cmd
}

func newArchiveShowCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one archived meeting",
		Long: `Show one archived meeting with its transcript and chat.

The id is either the archive id or the capture session id.`,
		Example: `  penf-capture archive show 6f1c2a4e-0d7b-4c8e-9f57-2b1d0c3e4a5f
  penf-capture archive show 6f1c2a4e-0d7b-4c8e-9f57-2b1d0c3e4a5f --output yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveShow(cmd.Context(), deps, cmd.OutOrStdout(), args[0])
		},
	}
}

// openArchive connects to the archive database.
func openArchive(ctx context.Context, deps *Deps) (*archive.Repository, func(), config.OutputFormat, error) {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading configuration: %w", err)
	}
	logger := deps.NewLogger(cfg).With(logging.F("command", "archive"))

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("connecting to archive: %w", err)
	}
	if _, err := db.RegisterPoolStatsCollector(deps.registerer(), pool, metricsNamespace, "archive"); err != nil {
		logger.Warn("Pool stats collector not registered", logging.Err(err))
	}
	return archive.NewRepository(pool, logger), pool.Close, cfg.OutputFormat, nil
}

// runArchiveList executes the archive list command.
func runArchiveList(ctx context.Context, deps *Deps, out io.Writer, opts *archiveListOptions) error {
	repo, closeFn, format, err := openArchive(ctx, deps)
	if err != nil {
		return err
	}
	defer closeFn()

	filter := archive.Filter{Title: opts.Title, Limit: opts.Limit}
	if opts.Since > 0 {
		since := deps.now().Add(-opts.Since)
		filter.Since = &since
	}

	meetings, err := repo.List(ctx, filter)
	if err != nil {
		return err
	}
	if meetings == nil {
		meetings = []archive.Summary{}
	}
	return WriteOutput(out, format, meetings, func(w io.Writer) error {
		return outputMeetingListText(w, meetings)
	})
}

// runArchiveShow executes the archive show command.
func runArchiveShow(ctx context.Context, deps *Deps, out io.Writer, ref string) error {
	repo, closeFn, format, err := openArchive(ctx, deps)
	if err != nil {
		return err
	}
	defer closeFn()

	meeting, err := repo.Get(ctx, ref)
	if err != nil {
		return err
	}
	return WriteOutput(out, format, meeting, func(w io.Writer) error {
		return outputMeetingText(w, meeting)
	})
}

// outputMeetingListText formats meeting summaries as a table.
func outputMeetingListText(w io.Writer, meetings []archive.Summary) error {
	if len(meetings) == 0 {
		fmt.Fprintln(w, "No archived meetings.")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %-30s  %-16s  %7s  %5s\n", "ID", "TITLE", "STARTED", "ENTRIES", "CHAT")
	for _, m := range meetings {
		fmt.Fprintf(w, "%-36s  %-30s  %-16s  %7d  %5d\n",
			m.ID.String(),
			truncateString(m.Title, 30),
			formatMeetingTime(m.StartedAt),
			m.TranscriptEntries,
			m.ChatCount)
	}
	return nil
}

// outputMeetingText formats one meeting with its transcript and chat.
func outputMeetingText(w io.Writer, m *archive.Meeting) error {
	fmt.Fprintf(w, "Meeting:  %s\n", m.Title)
	fmt.Fprintf(w, "  ID:       %s\n", m.ID)
	fmt.Fprintf(w, "  Session:  %s\n", m.SessionID)
	if m.UserName != "" {
		fmt.Fprintf(w, "  User:     %s\n", m.UserName)
	}
	fmt.Fprintf(w, "  Started:  %s\n", formatMeetingTime(m.StartedAt))
	fmt.Fprintf(w, "  Ended:    %s\n", formatMeetingTime(m.EndedAt))

	fmt.Fprintf(w, "\nTranscript (%d):\n", len(m.Transcript))
	for _, e := range m.Transcript {
		fmt.Fprintf(w, "  [%s] %s: %s\n", clockTime(e.TimeStamp), e.PersonName, e.PersonTranscript)
	}
	if len(m.ChatMessages) > 0 {
		fmt.Fprintf(w, "\nChat (%d):\n", len(m.ChatMessages))
		for _, c := range m.ChatMessages {
			fmt.Fprintf(w, "  [%s] %s: %s\n", clockTime(c.TimeStamp), c.PersonName, c.ChatMessageText)
		}
	}
	return nil
}

func formatMeetingTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// clockTime shortens a capture timestamp to its time of day.
func clockTime(ts string) string {
	t, err := capture.ParseTimestamp(ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04:05")
}
