package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// MemoryBridge keeps persisted fields in process memory.
type MemoryBridge struct {
	mu            sync.Mutex
	sessions      map[string]map[capture.Field][]byte
	notifications []capture.Notification
	mode          capture.OperationMode
	onDownload    DownloadFunc
}

var _ Backend = (*MemoryBridge)(nil)

// NewMemoryBridge creates an empty store in auto operation mode.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{
		sessions: make(map[string]map[capture.Field][]byte),
		mode:     capture.OperationModeAuto,
	}
}

// SetOperationMode sets the mode returned to sessions.
func (m *MemoryBridge) SetOperationMode(mode capture.OperationMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// OnDownload registers fn to run after each export.
func (m *MemoryBridge) OnDownload(fn DownloadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDownload = fn
}

func (m *MemoryBridge) Persist(ctx context.Context, fields capture.Fields, snap capture.Snapshot, triggerExport bool) error {
	encoded, err := encodeFields(fields, snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec, ok := m.sessions[snap.SessionID]
	if !ok {
		rec = make(map[capture.Field][]byte)
		m.sessions[snap.SessionID] = rec
	}
	for f, data := range encoded {
		rec[f] = data
	}
	var download DownloadFunc
	if shouldExport(triggerExport, snap) {
		m.notifications = append(m.notifications, capture.Notification{Type: capture.NotificationDownload, SessionID: snap.SessionID})
		download = m.onDownload
	}
	m.mu.Unlock()

	if download != nil {
		download(ctx, snap)
	}
	return nil
}

func (m *MemoryBridge) Notify(ctx context.Context, n capture.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MemoryBridge) OperationMode(ctx context.Context) (capture.OperationMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, nil
}

// Notifications returns every notification sent so far.
func (m *MemoryBridge) Notifications() []capture.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capture.Notification(nil), m.notifications...)
}

// Sessions lists stored session ids in sorted order.
func (m *MemoryBridge) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load decodes the stored fields of a session.
func (m *MemoryBridge) Load(ctx context.Context, sessionID string) (capture.Snapshot, error) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	fields := make(map[capture.Field][]byte, len(rec))
	for f, data := range rec {
		fields[f] = data
	}
	m.mu.Unlock()

	if !ok {
		return capture.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	snap := capture.Snapshot{SessionID: sessionID}
	for f, data := range fields {
		if err := decodeField(&snap, f, data); err != nil {
			return capture.Snapshot{}, err
		}
	}
	return snap, nil
}
