package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/dom/htmldom"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/replay"
	"github.com/otherjamesbrown/penf-capture/pkg/status"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// replayOptions holds the flags of the replay command.
type replayOptions struct {
	Store         string
	ExportDir     string
	Tar           bool
	Archive       bool
	Manual        bool
	SessionID     string
	Charset       string
	Speed         float64
	FrameInterval time.Duration
	EndTimeout    time.Duration
}

// replaySummary reports what one replayed session captured.
type replaySummary struct {
	SessionID         string         `json:"session_id" yaml:"session_id"`
	Script            string         `json:"script" yaml:"script"`
	Events            int            `json:"events" yaml:"events"`
	Phase             string         `json:"phase" yaml:"phase"`
	Title             string         `json:"title" yaml:"title"`
	UserName          string         `json:"user_name" yaml:"user_name"`
	TranscriptEntries int            `json:"transcript_entries" yaml:"transcript_entries"`
	ChatMessages      int            `json:"chat_messages" yaml:"chat_messages"`
	DurationMs        int64          `json:"duration_ms" yaml:"duration_ms"`
	Export            *exportOutcome `json:"export,omitempty" yaml:"export,omitempty"`
	Error             string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(deps *Deps) *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <script.jsonl>",
		Short: "Run a capture session against a recorded page script",
		Long: `Run a full capture session against a recorded meeting page.

The script is a JSON-lines file of page events (load, append, set_text,
set_attr, remove, click, title, tick, sleep). Each event is applied to an
in-process HTML document while a capture session watches it, exactly as it
would watch the live meeting page.

When the meeting ends the captured transcript and chat are persisted to the
selected store. With the memory store the export document is written to the
export directory; with the redis store a download notification is published
for 'penf-capture export watch' (pass --export-dir to also export locally).

If the script finishes while the meeting is still active, the session is
ended as if the end-call button had been clicked.

Flags:
  --store          Persistence backend: memory or redis (default from config)
  --export-dir     Directory for export documents (default from config)
  --tar            Also bundle each export into a tar archive
  --archive        Store the exported meeting in PostgreSQL
  --manual         Run in manual operation mode (captions are not turned on)
  --speed          Replay speed multiplier for sleep events (default 1)
  --charset        Script encoding when not UTF-8 (e.g. utf-16, windows-1252)

Examples:
  penf-capture replay meeting.jsonl
  penf-capture replay meeting.jsonl --speed 10 --tar
  penf-capture replay meeting.jsonl --store redis --output json`,
		Example: `  penf-capture replay meeting.jsonl
  penf-capture replay meeting.jsonl --speed 10 --export-dir ./exports
  penf-capture replay meeting.jsonl --store redis --manual`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), deps, cmd.OutOrStdout(), args[0], opts, cmd.Flags().Changed("export-dir"))
		},
	}

	cmd.Flags().StringVar(&opts.Store, "store", "", "Persistence backend: memory or redis")
	cmd.Flags().StringVar(&opts.ExportDir, "export-dir", "", "Directory for export documents")
	cmd.Flags().BoolVar(&opts.Tar, "tar", false, "Also write a tar archive per export")
	cmd.Flags().BoolVar(&opts.Archive, "archive", false, "Store exported meetings in PostgreSQL")
	cmd.Flags().BoolVar(&opts.Manual, "manual", false, "Run in manual operation mode")
	cmd.Flags().StringVar(&opts.SessionID, "session-id", "", "Session identifier (default: random UUID)")
	cmd.Flags().StringVar(&opts.Charset, "charset", "", "Script character encoding (default: UTF-8)")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 1, "Replay speed multiplier for sleep events")
	cmd.Flags().DurationVar(&opts.FrameInterval, "frame-interval", htmldom.DefaultFrameInterval, "Interval between rendered frames")
	cmd.Flags().DurationVar(&opts.EndTimeout, "end-timeout", 30*time.Second, "How long to wait for the session to finish after the script")

	return cmd
}

// modeOverride reports a fixed operation mode in front of another bridge.
type modeOverride struct {
	capture.Bridge
	mode capture.OperationMode
}

func (m modeOverride) OperationMode(ctx context.Context) (capture.OperationMode, error) {
	return m.mode, nil
}

// runReplay executes the replay command.
func runReplay(ctx context.Context, deps *Deps, out io.Writer, path string, opts *replayOptions, exportDirSet bool) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := deps.NewLogger(cfg).With(logging.F("command", "replay"))

	backend := cfg.Store.Backend
	if opts.Store != "" {
		backend = opts.Store
	}
	if backend != config.StoreMemory && backend != config.StoreRedis {
		return fmt.Errorf("invalid store: %s (must be %s or %s)", backend, config.StoreMemory, config.StoreRedis)
	}

	script, err := replay.ParseFile(path, opts.Charset)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	exportDir := opts.ExportDir
	if exportDir == "" {
		if exportDir, err = cfg.ExportDir(); err != nil {
			return err
		}
	}

	summary := &replaySummary{Script: path, Events: len(script.Events)}

	// The export pipeline runs inside the memory store's download hook, or
	// after the session for redis when an export directory was requested.
	var pipeline *exportPipeline
	exportLocally := backend == config.StoreMemory || exportDirSet
	if exportLocally {
		p, cleanup, err := newExportPipeline(ctx, deps, cfg, logger, exportDir, opts.Tar || cfg.Export.Tar, opts.Archive || cfg.Export.Archive)
		if err != nil {
			return err
		}
		defer cleanup()
		pipeline = p
	}

	var (
		exportMu  sync.Mutex
		exportErr error
	)
	recordExport := func(ctx context.Context, snap capture.Snapshot) {
		outcome, err := pipeline.run(ctx, snap)
		exportMu.Lock()
		defer exportMu.Unlock()
		summary.Export = outcome
		exportErr = err
	}

	var bridge capture.Bridge
	switch backend {
	case config.StoreRedis:
		client, err := deps.ConnectToRedis(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer client.Close()
		bridge = store.NewRedisBridge(client, store.RedisConfig{Prefix: cfg.Redis.Prefix, TTL: cfg.Redis.TTL}, logger)
	default:
		mem := store.NewMemoryBridge()
		mem.SetOperationMode(cfg.OperationMode)
		mem.OnDownload(recordExport)
		bridge = mem
	}
	if opts.Manual {
		bridge = modeOverride{Bridge: bridge, mode: capture.OperationModeManual}
	}

	var coalescer *store.Coalescer
	if cfg.Store.CoalesceInterval > 0 {
		coalescer = store.NewCoalescer(store.CoalescerConfig{
			Next:          bridge,
			FlushInterval: cfg.Store.CoalesceInterval,
			FlushTimeout:  cfg.Timing.FlushTimeout,
			Logger:        logger,
		})
		bridge = coalescer
	}

	doc := htmldom.New()
	notifier := status.Multi{status.NewDOMNotifier(doc, logger), status.NewLogNotifier(logger)}

	sessionOpts := cfg.SessionOptions()
	sessionOpts.SessionID = opts.SessionID
	sessionOpts.Now = deps.now
	sessionOpts.Logger = logger
	sessionOpts.Metrics = deps.Metrics()
	sessionOpts.Tracer = observability.NewTracer()

	session, err := capture.NewSession(doc, bridge, notifier, sessionOpts)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	summary.SessionID = session.ID()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go doc.Run(runCtx, opts.FrameInterval)

	started := time.Now()
	sessionErr := make(chan error, 1)
	go func() { sessionErr <- session.Run(runCtx) }()

	player := &replay.Player{Doc: doc, Logger: logger, Speed: opts.Speed}
	playErr := player.Play(runCtx, script)

	runErr := finishReplay(runCtx, cancel, session, sessionErr, opts.EndTimeout, logger)
	summary.DurationMs = time.Since(started).Milliseconds()

	if coalescer != nil {
		if err := coalescer.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Final flush failed", logging.Err(err))
		}
	}

	snap := session.Snapshot()
	summary.Phase = session.Phase().String()
	summary.Title = snap.Metadata.MeetingTitle
	summary.UserName = snap.Metadata.UserName
	summary.TranscriptEntries = len(snap.Transcript)
	summary.ChatMessages = len(snap.ChatMessages)

	if backend == config.StoreRedis && pipeline != nil && len(snap.Transcript) > 0 {
		recordExport(context.WithoutCancel(ctx), snap)
	}

	exportMu.Lock()
	errs := []error{playErr, runErr, exportErr}
	exportMu.Unlock()
	err = errors.Join(errs...)
	if err != nil {
		summary.Error = err.Error()
	}

	if werr := WriteOutput(out, cfg.OutputFormat, summary, func(w io.Writer) error {
		return outputReplaySummaryText(w, summary)
	}); werr != nil {
		return werr
	}
	return err
}

// finishReplay waits for the session once the script is exhausted. An
// active session is asked to end; one that never started is cancelled.
func finishReplay(ctx context.Context, cancel context.CancelFunc, session *capture.Session, sessionErr <-chan error, timeout time.Duration, logger logging.Logger) error {
	select {
	case err := <-sessionErr:
		return err
	default:
	}

	switch session.Phase() {
	case capture.PhaseActive:
		logger.Info("Script finished while meeting active, ending session")
		session.RequestEnd()
	default:
		logger.Info("Script finished before the meeting ended", logging.F("phase", session.Phase().String()))
		cancel()
		<-sessionErr
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-sessionErr:
		return err
	case <-timer.C:
		cancel()
		err := <-sessionErr
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("session did not finish within %s", timeout)
		}
		return err
	case <-ctx.Done():
		return <-sessionErr
	}
}

// outputReplaySummaryText formats a replay summary for terminal display.
func outputReplaySummaryText(w io.Writer, s *replaySummary) error {
	fmt.Fprintf(w, "Session:     %s\n", s.SessionID)
	fmt.Fprintf(w, "Script:      %s (%d events, %s)\n", s.Script, s.Events, formatDurationMs(s.DurationMs))
	fmt.Fprintf(w, "Phase:       %s\n", s.Phase)
	if s.Title != "" {
		fmt.Fprintf(w, "Title:       %s\n", s.Title)
	}
	fmt.Fprintf(w, "User:        %s\n", s.UserName)
	fmt.Fprintf(w, "Transcript:  %d entries\n", s.TranscriptEntries)
	fmt.Fprintf(w, "Chat:        %d messages\n", s.ChatMessages)
	if s.Export != nil {
		fmt.Fprintf(w, "Exported:    %s\n", s.Export.JSONPath)
		if s.Export.TarPath != "" {
			fmt.Fprintf(w, "Tar:         %s\n", s.Export.TarPath)
		}
		if s.Export.MeetingID != "" {
			fmt.Fprintf(w, "Archived:    %s\n", s.Export.MeetingID)
		}
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", s.Error)
	}
	return nil
}
