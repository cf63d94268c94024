// Package store implements capture.Bridge backends: an in-process memory
// store, a Redis store with pub/sub notifications and a write coalescer that
// batches high-frequency persists in front of either.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// Loader reads back what a bridge persisted for one session.
type Loader interface {
	Load(ctx context.Context, sessionID string) (capture.Snapshot, error)
}

// Backend is a bridge that can also be read back.
type Backend interface {
	capture.Bridge
	Loader
}

// DownloadFunc is called once a persist with export has become durable.
type DownloadFunc func(ctx context.Context, snap capture.Snapshot)

// encodeFields serializes the named fields of snap, one JSON document each.
func encodeFields(fields capture.Fields, snap capture.Snapshot) (map[capture.Field][]byte, error) {
	out := make(map[capture.Field][]byte, len(fields))
	for _, f := range fields {
		v, ok := snap.Value(f)
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", pferrors.ErrValidation, f)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", f, err)
		}
		out[f] = data
	}
	return out, nil
}

// decodeField sets field f of snap from its stored JSON.
func decodeField(snap *capture.Snapshot, f capture.Field, data []byte) error {
	var target interface{}
	switch f {
	case capture.FieldUserName:
		target = &snap.Metadata.UserName
	case capture.FieldMeetingTitle:
		target = &snap.Metadata.MeetingTitle
	case capture.FieldMeetingStartTimeStamp:
		target = &snap.Metadata.MeetingStartTimeStamp
	case capture.FieldTranscript:
		target = &snap.Transcript
	case capture.FieldChatMessages:
		target = &snap.ChatMessages
	default:
		return fmt.Errorf("%w: unknown field %q", pferrors.ErrValidation, f)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding %s: %w", f, err)
	}
	return nil
}

// shouldExport reports whether an export request produces a download.
func shouldExport(triggerExport bool, snap capture.Snapshot) bool {
	return triggerExport && len(snap.Transcript) > 0
}
