// Package export writes finished meetings to disk as JSON documents,
// optionally bundled into a tar archive.
package export

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

// Document is the exported form of one meeting.
type Document struct {
	SessionID        string                    `json:"session_id"`
	Title            string                    `json:"title"`
	UserName         string                    `json:"user_name,omitempty"`
	MeetingStartTime string                    `json:"meeting_start_time"`
	MeetingEndTime   string                    `json:"meeting_end_time"`
	Transcript       []capture.TranscriptEntry `json:"transcript"`
	ChatMessages     []capture.ChatEntry       `json:"chat_messages"`
}

// NewDocument builds the export document of snap, ended at end.
func NewDocument(snap capture.Snapshot, end time.Time) Document {
	doc := Document{
		SessionID:        snap.SessionID,
		Title:            snap.Metadata.MeetingTitle,
		UserName:         snap.Metadata.UserName,
		MeetingStartTime: snap.Metadata.MeetingStartTimeStamp,
		MeetingEndTime:   capture.FormatTimestamp(end),
		Transcript:       snap.Transcript,
		ChatMessages:     snap.ChatMessages,
	}
	if doc.Transcript == nil {
		doc.Transcript = []capture.TranscriptEntry{}
	}
	if doc.ChatMessages == nil {
		doc.ChatMessages = []capture.ChatEntry{}
	}
	return doc
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Decode reads a document written by Encode.
func Decode(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decoding export document: %w", err)
	}
	return doc, nil
}

// WriteTar writes a tar stream holding one regular file.
func WriteTar(w io.Writer, name string, data []byte, modTime time.Time) error {
	tw := tar.NewWriter(w)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	return tw.Close()
}

// Config configures an Exporter.
type Config struct {
	// Dir receives the export files; it is created when missing.
	Dir string
	// Tar additionally bundles each document into <session>.tar.
	Tar     bool
	Now     func() time.Time
	Logger  logging.Logger
	Metrics *observability.CaptureMetrics
	Tracer  *observability.Tracer
}

// Result names the files one export produced.
type Result struct {
	Document Document
	JSONPath string
	TarPath  string
}

// Exporter writes export documents into a directory.
type Exporter struct {
	cfg Config
	log logging.Logger
}

// New validates cfg and creates the export directory.
func New(cfg Config) (*Exporter, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: export directory is required", pferrors.ErrValidation)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewCaptureMetrics(prometheus.NewRegistry())
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewTracer()
	}
	return &Exporter{
		cfg: cfg,
		log: cfg.Logger.With(logging.F("component", "exporter")),
	}, nil
}

// Dir returns the export directory.
func (e *Exporter) Dir() string { return e.cfg.Dir }

// Export writes snap as <dir>/<session>.json, plus <dir>/<session>.tar when
// configured. A snapshot without transcript entries is not exported.
func (e *Exporter) Export(ctx context.Context, snap capture.Snapshot) (Result, error) {
	ctx, span := e.cfg.Tracer.StartExportSpan(ctx, snap.SessionID)
	defer span.End()
	helper := observability.NewSpanHelper(span)
	helper.SetCounts(len(snap.Transcript), len(snap.ChatMessages))

	result, err := e.export(ctx, snap)
	if err != nil {
		helper.SetError(err, string(pferrors.ErrCodeExport))
		e.cfg.Metrics.ExportsTotal.WithLabelValues("error").Inc()
		e.log.Error("Export failed", logging.F("session_id", snap.SessionID), logging.Err(err))
		return Result{}, err
	}
	helper.SetSuccess()
	e.cfg.Metrics.ExportsTotal.WithLabelValues("success").Inc()
	e.log.Info("Meeting exported",
		logging.F("session_id", snap.SessionID),
		logging.F("path", result.JSONPath),
		logging.F("transcript_entries", len(snap.Transcript)))
	return result, nil
}

func (e *Exporter) export(ctx context.Context, snap capture.Snapshot) (Result, error) {
	if snap.SessionID == "" {
		return Result{}, fmt.Errorf("%w: session id is required", pferrors.ErrValidation)
	}
	if len(snap.Transcript) == 0 {
		return Result{}, fmt.Errorf("%w: session %s has no transcript", pferrors.ErrValidation, snap.SessionID)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	end := e.cfg.Now()
	doc := NewDocument(snap, end)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encoding export document: %w", err)
	}
	data = append(data, '\n')

	base := FileBase(snap.SessionID)
	result := Result{Document: doc, JSONPath: filepath.Join(e.cfg.Dir, base+".json")}
	if err := writeFileAtomic(result.JSONPath, data); err != nil {
		return Result{}, err
	}

	if e.cfg.Tar {
		result.TarPath = filepath.Join(e.cfg.Dir, base+".tar")
		f, err := os.CreateTemp(e.cfg.Dir, base+".tar.*")
		if err != nil {
			return Result{}, fmt.Errorf("creating tar file: %w", err)
		}
		werr := WriteTar(f, base+".json", data, end)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(f.Name())
			return Result{}, werr
		}
		if err := os.Rename(f.Name(), result.TarPath); err != nil {
			os.Remove(f.Name())
			return Result{}, fmt.Errorf("renaming tar file: %w", err)
		}
	}
	return result, nil
}

// FileBase turns a session id into a safe file name stem.
func FileBase(sessionID string) string {
	return capture.SanitizeTitle(sessionID)
}

// writeFileAtomic writes data to a temp file in the same directory and renames it.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
