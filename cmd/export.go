package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// exportOptions holds the flags shared by the export subcommands.
type exportOptions struct {
	Dir     string
	Tar     bool
	Archive bool
}

// NewExportCommand creates the export command with its subcommands.
func NewExportCommand(deps *Deps) *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted sessions to files",
		Long: `Export captured meetings from the Redis store.

Sessions persisted to Redis publish a download notification when their
meeting ends. 'export watch' subscribes to those notifications and writes an
export document for each one; 'export session' exports a single session on
demand.

Each export is written to <export-dir>/<session>.json, optionally bundled into
<export-dir>/<session>.tar, and optionally stored in the PostgreSQL archive.

Examples:
  penf-capture export watch
  penf-capture export watch --archive
  penf-capture export session 6f1c2a4e-...`,
	}

	cmd.PersistentFlags().StringVar(&opts.Dir, "export-dir", "", "Directory for export documents (default from config)")
	cmd.PersistentFlags().BoolVar(&opts.Tar, "tar", false, "Also write a tar archive per export")
	cmd.PersistentFlags().BoolVar(&opts.Archive, "archive", false, "Store exported meetings in PostgreSQL")

	cmd.AddCommand(newExportWatchCommand(deps, opts))
	cmd.AddCommand(newExportSessionCommand(deps, opts))

	return cmd
}

// newExportWatchCommand creates the 'export watch' subcommand.
func newExportWatchCommand(deps *Deps, opts *exportOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Export every session whose meeting ends",
		Long: `Subscribe to download notifications and export each finished session.

Runs until interrupted. A session that fails to export is logged and skipped;
the watcher keeps running.`,
		Example: `  penf-capture export watch
  penf-capture export watch --tar --archive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExportWatch(cmd.Context(), deps, cmd.OutOrStdout(), opts)
		},
	}
}

// newExportSessionCommand creates the 'export session' subcommand.
func newExportSessionCommand(deps *Deps, opts *exportOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "Export one persisted session",
		Long: `Load one session from the Redis store and write its export document.

Sessions without transcript entries are not exported.`,
		Example: `  penf-capture export session 6f1c2a4e-0d7b-4c8e-9f57-2b1d0c3e4a5f
  penf-capture export session 6f1c2a4e-0d7b-4c8e-9f57-2b1d0c3e4a5f --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExportSession(cmd.Context(), deps, cmd.OutOrStdout(), opts, args[0])
		},
	}
}

// exportEnv is the state both export subcommands need.
type exportEnv struct {
	cfg      *config.CaptureConfig
	log      logging.Logger
	client   *redis.Client
	bridge   store.Loader
	pipeline *exportPipeline
	close    func()
}

func openExportEnv(ctx context.Context, deps *Deps, opts *exportOptions, component string) (*exportEnv, error) {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := deps.NewLogger(cfg).With(logging.F("command", component))

	dir := opts.Dir
	if dir == "" {
		if dir, err = cfg.ExportDir(); err != nil {
			return nil, err
		}
	}

	client, err := deps.ConnectToRedis(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	pipeline, cleanup, err := newExportPipeline(ctx, deps, cfg, logger, dir, opts.Tar || cfg.Export.Tar, opts.Archive || cfg.Export.Archive)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &exportEnv{
		cfg:      cfg,
		log:      logger,
		client:   client,
		bridge:   store.NewRedisBridge(client, store.RedisConfig{Prefix: cfg.Redis.Prefix, TTL: cfg.Redis.TTL}, logger),
		pipeline: pipeline,
		close: func() {
			cleanup()
			client.Close()
		},
	}, nil
}

// runExportWatch executes the export watch command.
func runExportWatch(ctx context.Context, deps *Deps, out io.Writer, opts *exportOptions) error {
	env, err := openExportEnv(ctx, deps, opts, "export_watch")
	if err != nil {
		return err
	}
	defer env.close()

	env.log.Info("Watching for finished meetings",
		logging.F("channel", observability.ChannelDownload),
		logging.F("export_dir", env.pipeline.exporter.Dir()))

	for event := range store.Subscribe(ctx, env.client, env.log) {
		outcome, err := exportOne(ctx, env, event.SessionID)
		if err != nil {
			env.log.Error("Export failed", logging.F("session_id", event.SessionID), logging.Err(err))
			continue
		}
		if err := WriteOutput(out, env.cfg.OutputFormat, outcome, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%s  %d entries  %s\n", outcome.SessionID, outcome.TranscriptEntries, outcome.JSONPath)
			return err
		}); err != nil {
			return err
		}
	}
	env.log.Info("Stopped watching")
	return nil
}

// runExportSession executes the export session command.
func runExportSession(ctx context.Context, deps *Deps, out io.Writer, opts *exportOptions, sessionID string) error {
	env, err := openExportEnv(ctx, deps, opts, "export_session")
	if err != nil {
		return err
	}
	defer env.close()

	outcome, err := exportOne(ctx, env, sessionID)
	if err != nil {
		return err
	}
	return WriteOutput(out, env.cfg.OutputFormat, outcome, func(w io.Writer) error {
		return outputExportOutcomeText(w, outcome)
	})
}

func exportOne(ctx context.Context, env *exportEnv, sessionID string) (*exportOutcome, error) {
	snap, err := env.bridge.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return env.pipeline.run(ctx, snap)
}

// outputExportOutcomeText formats one export for terminal display.
func outputExportOutcomeText(w io.Writer, o *exportOutcome) error {
	fmt.Fprintf(w, "Exported session %s\n", o.SessionID)
	if o.Title != "" {
		fmt.Fprintf(w, "  Title:       %s\n", o.Title)
	}
	fmt.Fprintf(w, "  Transcript:  %d entries\n", o.TranscriptEntries)
	fmt.Fprintf(w, "  Chat:        %d messages\n", o.ChatMessages)
	fmt.Fprintf(w, "  File:        %s\n", o.JSONPath)
	if o.TarPath != "" {
		fmt.Fprintf(w, "  Tar:         %s\n", o.TarPath)
	}
	if o.MeetingID != "" {
		fmt.Fprintf(w, "  Archived:    %s\n", o.MeetingID)
	}
	return nil
}
