package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/credentials"
	"github.com/otherjamesbrown/penf-capture/pkg/archive"
	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/db"
	"github.com/otherjamesbrown/penf-capture/pkg/export"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

// metricsNamespace prefixes collectors registered by commands.
const metricsNamespace = "penf_capture"

// Deps holds the dependencies shared by the capture commands.
type Deps struct {
	LoadConfig     func() (*config.CaptureConfig, error)
	NewLogger      func(*config.CaptureConfig) logging.Logger
	Registerer     prometheus.Registerer
	ConnectToDB    func(context.Context, *config.CaptureConfig) (*pgxpool.Pool, error)
	ConnectToRedis func(context.Context, *config.CaptureConfig) (*redis.Client, error)
	Now            func() time.Time

	metricsOnce sync.Once
	metrics     *observability.CaptureMetrics
}

// DefaultDeps returns the default dependencies for production use.
func DefaultDeps() *Deps {
	return &Deps{
		LoadConfig: func() (*config.CaptureConfig, error) {
			return config.LoadConfig("")
		},
		NewLogger: func(cfg *config.CaptureConfig) logging.Logger {
			return logging.NewLogger(cfg.LoggingConfig())
		},
		Registerer:     prometheus.DefaultRegisterer,
		ConnectToDB:    connectToDatabase,
		ConnectToRedis: connectToRedis,
		Now:            time.Now,
	}
}

// Metrics returns the capture metrics, registering them on first use.
func (d *Deps) Metrics() *observability.CaptureMetrics {
	d.metricsOnce.Do(func() {
		d.metrics = observability.NewCaptureMetrics(d.registerer())
	})
	return d.metrics
}

func (d *Deps) registerer() prometheus.Registerer {
	if d.Registerer == nil {
		d.Registerer = prometheus.NewRegistry()
	}
	return d.Registerer
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// loadSecrets resolves the Redis and Postgres passwords. Without a usable
// credential store only the environment is consulted.
func loadSecrets(logger logging.Logger) *credentials.Credentials {
	envOnly := &credentials.Credentials{
		RedisPassword:    os.Getenv(credentials.EnvRedisPassword),
		PostgresPassword: os.Getenv(credentials.EnvPostgresPassword),
	}
	store, err := newCredentialStore()
	if err != nil {
		logger.Warn("Credential store unavailable, using environment secrets only", logging.Err(err))
		return envOnly
	}
	creds, err := store.Resolve()
	if err != nil {
		logger.Warn("Stored secrets unreadable, using environment secrets only",
			logging.F("path", store.Path()), logging.Err(err))
		return envOnly
	}
	return creds
}

// connectToDatabase opens the archive database.
func connectToDatabase(ctx context.Context, cfg *config.CaptureConfig) (*pgxpool.Pool, error) {
	pg := cfg.Postgres
	pg.Password = loadSecrets(logging.NewLogger(cfg.LoggingConfig())).PostgresPassword

	pool, err := db.ConnectWithRetry(ctx, &pg, 3, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", pg.Redacted(), err)
	}
	return pool, nil
}

// connectToRedis establishes a Redis connection.
func connectToRedis(ctx context.Context, cfg *config.CaptureConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: loadSecrets(logging.NewLogger(cfg.LoggingConfig())).RedisPassword,
		DB:       cfg.Redis.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("testing connection to %s: %w", cfg.Redis.Addr, err)
	}
	return client, nil
}

// WriteOutput renders v as JSON or YAML, or calls text for plain output.
func WriteOutput(w io.Writer, format config.OutputFormat, v interface{}, text func(io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return text(w)
	}
}

// exportOutcome reports one exported meeting.
type exportOutcome struct {
	SessionID         string `json:"session_id" yaml:"session_id"`
	Title             string `json:"title" yaml:"title"`
	JSONPath          string `json:"json_path" yaml:"json_path"`
	TarPath           string `json:"tar_path,omitempty" yaml:"tar_path,omitempty"`
	MeetingID         string `json:"meeting_id,omitempty" yaml:"meeting_id,omitempty"`
	TranscriptEntries int    `json:"transcript_entries" yaml:"transcript_entries"`
	ChatMessages      int    `json:"chat_messages" yaml:"chat_messages"`
}

// exportPipeline writes export documents and optionally archives them.
type exportPipeline struct {
	exporter *export.Exporter
	archive  *archive.Repository // nil disables archiving
	log      logging.Logger
}

// run exports snap and archives the resulting document.
func (p *exportPipeline) run(ctx context.Context, snap capture.Snapshot) (*exportOutcome, error) {
	res, err := p.exporter.Export(ctx, snap)
	if err != nil {
		return nil, err
	}
	out := &exportOutcome{
		SessionID:         snap.SessionID,
		Title:             res.Document.Title,
		JSONPath:          res.JSONPath,
		TarPath:           res.TarPath,
		TranscriptEntries: len(res.Document.Transcript),
		ChatMessages:      len(res.Document.ChatMessages),
	}
	if p.archive != nil {
		m, err := p.archive.Save(ctx, res.Document)
		if err != nil {
			return out, fmt.Errorf("archiving session %s: %w", snap.SessionID, err)
		}
		out.MeetingID = m.ID.String()
	}
	return out, nil
}

// newExportPipeline builds the exporter for dir and, when archiving,
// connects to the archive database. The returned cleanup closes it.
func newExportPipeline(ctx context.Context, deps *Deps, cfg *config.CaptureConfig, logger logging.Logger, dir string, tar, archiving bool) (*exportPipeline, func(), error) {
	exporter, err := export.New(export.Config{
		Dir:     dir,
		Tar:     tar,
		Now:     deps.now,
		Logger:  logger,
		Metrics: deps.Metrics(),
		Tracer:  observability.NewTracer(),
	})
	if err != nil {
		return nil, nil, err
	}

	p := &exportPipeline{exporter: exporter, log: logger}
	if !archiving {
		return p, func() {}, nil
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to archive: %w", err)
	}
	if _, err := db.RegisterPoolStatsCollector(deps.registerer(), pool, metricsNamespace, "archive"); err != nil {
		logger.Warn("Pool stats collector not registered", logging.Err(err))
	}
	p.archive = archive.NewRepository(pool, logger)
	return p, pool.Close, nil
}

// formatDurationMs formats milliseconds as a human-readable duration.
func formatDurationMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return fmt.Sprintf("%.1fm", float64(ms)/60000)
}

// truncateString truncates a string to maxLen, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
