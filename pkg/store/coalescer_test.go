package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
)

var errBridgeDown = errors.New("bridge down")

type recordingBridge struct {
	*MemoryBridge
	delay time.Duration

	mu       sync.Mutex
	calls    []capture.Fields
	failures int // fail this many upcoming calls
}

func (r *recordingBridge) Persist(ctx context.Context, fields capture.Fields, snap capture.Snapshot, triggerExport bool) error {
	r.mu.Lock()
	r.calls = append(r.calls, fields)
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if fail {
		return errBridgeDown
	}
	return r.MemoryBridge.Persist(ctx, fields, snap, triggerExport)
}

func (r *recordingBridge) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

func (r *recordingBridge) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestCoalescer_BatchesUntilExport(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge()}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: time.Hour})
	defer c.Close(ctx)

	snap := sampleSnapshot()
	for i := 0; i < 50; i++ {
		snap.Transcript[0].PersonTranscript = "revision"
		require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldTranscript}, snap, false))
	}
	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldUserName}, snap, false))
	assert.Zero(t, next.callCount())

	final := sampleSnapshot()
	final.Transcript[0].PersonTranscript = "final"
	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldTranscript, capture.FieldChatMessages}, final, true))

	require.Equal(t, 1, next.callCount())
	assert.Equal(t, capture.Fields{capture.FieldUserName, capture.FieldTranscript, capture.FieldChatMessages}, next.calls[0])

	got, err := next.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "final", got.Transcript[0].PersonTranscript)
	assert.Len(t, next.Notifications(), 1, "download fires once the batch is written")
}

func TestCoalescer_BackgroundFlush(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge()}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: 5 * time.Millisecond})
	defer c.Close(ctx)

	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldUserName}, sampleSnapshot(), false))
	assert.Eventually(t, func() bool { return next.callCount() == 1 }, time.Second, time.Millisecond)
}

func TestCoalescer_NotifyAndCloseFlush(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge()}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: time.Hour})

	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldMeetingTitle}, sampleSnapshot(), false))
	require.NoError(t, c.Notify(ctx, capture.Notification{Type: capture.NotificationNewMeetingStarted, SessionID: "sess-1"}))
	assert.Equal(t, 1, next.callCount(), "notify flushes first")

	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldUserName}, sampleSnapshot(), false))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 2, next.callCount())

	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldUserName}, sampleSnapshot(), false))
	assert.Equal(t, 3, next.callCount(), "after close writes go straight through")
	require.NoError(t, c.Close(ctx))
}

func TestCoalescer_ExportSurvivesBackgroundFlush(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge(), delay: 20 * time.Microsecond}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: 50 * time.Microsecond})

	const sessions = 200
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := sampleSnapshot()
			snap.SessionID = fmt.Sprintf("sess-%d", i)
			assert.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldUserName}, snap, false))
			assert.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldTranscript}, snap, true))
		}(i)
	}
	wg.Wait()
	require.NoError(t, c.Close(ctx))

	downloads := map[string]int{}
	for _, n := range next.Notifications() {
		if n.Type == capture.NotificationDownload {
			downloads[n.SessionID]++
		}
	}
	assert.Len(t, downloads, sessions, "every session gets its download")
	for id, count := range downloads {
		assert.Equal(t, 1, count, "session %s", id)
	}
}

func TestCoalescer_FailedFlushIsRetried(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge()}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: time.Hour})

	snap := sampleSnapshot()
	snap.Metadata.MeetingTitle = "Corrected_title"
	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldMeetingTitle}, snap, false))

	next.failNext(1)
	require.ErrorIs(t, c.Flush(ctx), errBridgeDown)

	later := sampleSnapshot()
	later.Metadata.MeetingTitle = "Corrected_title"
	later.Transcript[0].PersonTranscript = "final"
	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldTranscript}, later, true))
	require.NoError(t, c.Close(ctx))

	got, err := next.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Corrected_title", got.Metadata.MeetingTitle)
	assert.Equal(t, "final", got.Transcript[0].PersonTranscript)
	assert.Equal(t, capture.Fields{capture.FieldTranscript, capture.FieldMeetingTitle}, next.calls[len(next.calls)-1])
}

func TestCoalescer_FailedExportKeepsPending(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge()}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: time.Hour})

	next.failNext(1)
	require.ErrorIs(t, c.Persist(ctx, capture.Fields{capture.FieldTranscript}, sampleSnapshot(), true), errBridgeDown)
	assert.Empty(t, next.Notifications())

	require.NoError(t, c.Close(ctx))
	assert.Len(t, next.Notifications(), 1, "close retries the export")
}

func TestCoalescer_ConcurrentClose(t *testing.T) {
	ctx := context.Background()
	next := &recordingBridge{MemoryBridge: NewMemoryBridge()}
	c := NewCoalescer(CoalescerConfig{Next: next, FlushInterval: time.Millisecond})
	require.NoError(t, c.Persist(ctx, capture.Fields{capture.FieldUserName}, sampleSnapshot(), false))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, func() { _ = c.Close(ctx) })
		}()
	}
	wg.Wait()
}
