package store

import (
	"context"
	"sync"
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// CoalescerConfig configures a Coalescer.
type CoalescerConfig struct {
	// Next is the bridge that receives the batched writes.
	Next capture.Bridge
	// FlushInterval is how often pending fields are written (default: 250ms).
	FlushInterval time.Duration
	// FlushTimeout bounds one background flush (default: 5s).
	FlushTimeout time.Duration
	Logger       logging.Logger
}

// Coalescer batches persists in front of another bridge. Fields named by
// calls since the last flush are written together with the newest snapshot,
// so every field keeps its last written value. A persist with export, a
// notification and Close flush synchronously first.
type Coalescer struct {
	next         capture.Bridge
	log          logging.Logger
	flushTicker  *time.Ticker
	flushTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingWrite
	// stopping is set by the first Close; closed once the loop has stopped.
	stopping bool
	closed   bool

	// flushMu orders writes to next
	flushMu sync.Mutex

	wg   sync.WaitGroup
	done chan struct{}
}

// pendingWrite is what a session has queued since its last flush. export is
// sticky so whichever flush takes the write also triggers the download.
type pendingWrite struct {
	fields map[capture.Field]struct{}
	snap   capture.Snapshot
	export bool
}

var _ capture.Bridge = (*Coalescer)(nil)

// NewCoalescer starts a coalescer; Close stops it.
func NewCoalescer(cfg CoalescerConfig) *Coalescer {
	if cfg.Next == nil {
		panic("Coalescer requires a non-nil Next bridge")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}

	c := &Coalescer{
		next:         cfg.Next,
		log:          cfg.Logger.With(logging.F("component", "coalescer")),
		flushTicker:  time.NewTicker(cfg.FlushInterval),
		flushTimeout: cfg.FlushTimeout,
		pending:      make(map[string]*pendingWrite),
		done:         make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Persist queues the fields; with triggerExport it writes everything pending
// for the session, this call included, before returning. After Close every
// call is written through immediately.
func (c *Coalescer) Persist(ctx context.Context, fields capture.Fields, snap capture.Snapshot, triggerExport bool) error {
	c.mu.Lock()
	pw, ok := c.pending[snap.SessionID]
	if !ok {
		pw = &pendingWrite{fields: make(map[capture.Field]struct{})}
		c.pending[snap.SessionID] = pw
	}
	for _, f := range fields {
		pw.fields[f] = struct{}{}
	}
	pw.snap = snap
	pw.export = pw.export || triggerExport
	closed := c.closed
	c.mu.Unlock()

	if !triggerExport && !closed {
		return nil
	}
	return c.flushSession(ctx, snap.SessionID)
}

// Notify flushes pending writes of the session, then forwards n.
func (c *Coalescer) Notify(ctx context.Context, n capture.Notification) error {
	if err := c.flushSession(ctx, n.SessionID); err != nil {
		return err
	}
	return c.next.Notify(ctx, n)
}

func (c *Coalescer) OperationMode(ctx context.Context) (capture.OperationMode, error) {
	return c.next.OperationMode(ctx)
}

// Flush writes everything pending.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.flushSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes and stops the background loop. Later persists go straight
// to the next bridge.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	close(c.done)
	c.flushTicker.Stop()
	c.wg.Wait()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Flush(ctx)
}

// flushSession writes the session's pending fields. A failed write is queued
// again, merged under anything persisted meanwhile.
func (c *Coalescer) flushSession(ctx context.Context, sessionID string) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	pw, ok := c.pending[sessionID]
	delete(c.pending, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	fields := make(capture.Fields, 0, len(pw.fields))
	for _, f := range capture.AllFields {
		if _, ok := pw.fields[f]; ok {
			fields = append(fields, f)
		}
	}
	err := c.next.Persist(ctx, fields, pw.snap, pw.export)
	if err != nil {
		c.requeue(sessionID, pw)
	}
	return err
}

// requeue puts a failed write back. A newer pending write keeps its snapshot.
func (c *Coalescer) requeue(sessionID string, failed *pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	newer, ok := c.pending[sessionID]
	if !ok {
		c.pending[sessionID] = failed
		return
	}
	for f := range failed.fields {
		newer.fields[f] = struct{}{}
	}
	newer.export = newer.export || failed.export
}

// run is the background goroutine that flushes on every tick.
func (c *Coalescer) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
			if err := c.Flush(ctx); err != nil {
				c.log.Warn("Background flush failed", logging.Err(err))
			}
			cancel()
		}
	}
}
