package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

// Phase is the lifecycle state of a session.
type Phase int32

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "not_started"
	}
}

// Banner texts.
const (
	BannerRunning = "<strong>penf-capture is running</strong> <br /> Do not turn off captions"
	BannerManual  = "<strong>penf-capture is not running</strong> <br /> Turn on captions using the CC icon, if needed"
	BannerBug     = "penf-capture encountered a new error"
)

// Options configures a Session. Zero durations take the defaults.
type Options struct {
	SessionID string
	Markup    Markup

	TitleDelay           time.Duration
	CaptionRetryInterval time.Duration
	ChatOpenDelay        time.Duration
	UserNamePollInterval time.Duration
	// WaitTimeout bounds the wait for the meeting to start. Zero waits forever.
	WaitTimeout time.Duration
	// FlushTimeout bounds the final persist when the session is cancelled while active.
	FlushTimeout time.Duration

	CaptionExtractor CaptionExtractor
	ChatExtractor    ChatExtractor

	Now     func() time.Time
	Logger  logging.Logger
	Metrics *observability.CaptureMetrics
	Tracer  *observability.Tracer
}

// DefaultOptions returns the page timings of the live meeting UI.
func DefaultOptions() Options {
	return Options{
		Markup:               DefaultMarkup(),
		TitleDelay:           5 * time.Second,
		CaptionRetryInterval: time.Second,
		ChatOpenDelay:        500 * time.Millisecond,
		UserNamePollInterval: 100 * time.Millisecond,
		FlushTimeout:         10 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.SessionID == "" {
		o.SessionID = uuid.New().String()
	}
	if len(o.Markup.Variants) == 0 {
		o.Markup = def.Markup
	}
	if o.TitleDelay <= 0 {
		o.TitleDelay = def.TitleDelay
	}
	if o.CaptionRetryInterval <= 0 {
		o.CaptionRetryInterval = def.CaptionRetryInterval
	}
	if o.ChatOpenDelay <= 0 {
		o.ChatOpenDelay = def.ChatOpenDelay
	}
	if o.UserNamePollInterval <= 0 {
		o.UserNamePollInterval = def.UserNamePollInterval
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = def.FlushTimeout
	}
	if o.CaptionExtractor == nil {
		o.CaptionExtractor = MarkupExtractor{Markup: o.Markup}
	}
	if o.ChatExtractor == nil {
		o.ChatExtractor = MarkupExtractor{Markup: o.Markup}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewCaptureMetrics(prometheus.NewRegistry())
	}
	if o.Tracer == nil {
		o.Tracer = observability.NewTracer()
	}
}

type startResult struct {
	variant UIVariant
	err     error
}

// Session captures one meeting page.
//
// All capture state is owned by the goroutine running Run. Helper goroutines
// only read the page and post results back to it.
type Session struct {
	id       string
	doc      dom.Document
	bridge   Bridge
	notifier StatusNotifier
	opts     Options
	log      logging.Logger
	metrics  *observability.CaptureMetrics
	tracer   *observability.Tracer

	phase     atomic.Int32
	activated chan struct{}
	done      chan struct{}
	endCh     chan struct{}
	runOnce   sync.Once

	// owned by Run
	meta         MeetingMetadata
	flags        Flags
	captions     *CaptionObserver
	chat         *ChatObserver
	captionSub   dom.Subscription
	chatSub      dom.Subscription
	chatToggle   dom.Element
	removeEnd    func()
	titleTimer   *time.Timer
	captionRetry *time.Timer
	chatTimer    *time.Timer
	userNameCh   chan string
}

// NewSession creates a session for doc. Nothing happens until Run.
func NewSession(doc dom.Document, bridge Bridge, notifier StatusNotifier, opts Options) (*Session, error) {
	if doc == nil {
		return nil, errors.New("capture: document is required")
	}
	if bridge == nil {
		return nil, errors.New("capture: bridge is required")
	}
	opts.applyDefaults()
	if err := opts.Markup.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:         opts.SessionID,
		doc:        doc,
		bridge:     bridge,
		notifier:   notifier,
		opts:       opts,
		log:        opts.Logger.With(logging.F("component", "capture"), logging.F("session_id", opts.SessionID)),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		activated:  make(chan struct{}),
		done:       make(chan struct{}),
		endCh:      make(chan struct{}, 1),
		userNameCh: make(chan string, 1),
		captions:   NewCaptionObserver(doc, opts.CaptionExtractor),
		chat:       NewChatObserver(doc, opts.ChatExtractor),
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Activated is closed when the meeting starts.
func (s *Session) Activated() <-chan struct{} { return s.activated }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// RequestEnd asks an active session to end. Extra requests are dropped.
func (s *Session) RequestEnd() {
	select {
	case s.endCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the captured state. It must only be called
// after Done is closed.
func (s *Session) Snapshot() Snapshot {
	return s.snapshot()
}

// Flags returns the lifecycle flags. It must only be called after Done is closed.
func (s *Session) Flags() Flags {
	return s.flags
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:    s.id,
		Metadata:     s.meta,
		Transcript:   s.captions.Transcript(),
		ChatMessages: s.chat.Messages(),
	}
}

// Run drives the session until the meeting ends, setup fails or ctx is
// done. Cancelling ctx while the meeting is active still persists and exports
// everything captured. Run may only be called once.
func (s *Session) Run(ctx context.Context) error {
	err := errors.New("capture: session already ran")
	s.runOnce.Do(func() {
		defer close(s.done)
		err = s.run(ctx)
	})
	return err
}

func (s *Session) run(ctx context.Context) error {
	ctx = context.WithValue(ctx, logging.SessionIDKey, s.id)
	ctx, span := s.tracer.StartSessionSpan(ctx, s.id)
	defer span.End()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.stopTimers()

	s.meta = MeetingMetadata{
		MeetingTitle:          s.doc.Title(),
		MeetingStartTimeStamp: FormatTimestamp(s.opts.Now()),
		UserName:              DefaultUserName,
	}
	_ = s.persist(ctx, false, FieldUserName, FieldChatMessages, FieldMeetingStartTimeStamp, FieldMeetingTitle)

	if !s.opts.Markup.UserName.IsZero() {
		go s.watchUserName(loopCtx)
	}

	variants := s.opts.Markup.Variants
	startCh := make(chan startResult, len(variants))
	waiter := &Waiter{Doc: s.doc, Timeout: s.opts.WaitTimeout}
	for _, v := range variants {
		go func(v UIVariant) {
			_, err := waiter.Wait(loopCtx, v.EndCall)
			startCh <- startResult{variant: v, err: err}
		}(v)
	}
	s.log.Info("Waiting for meeting to start", logging.F("variants", len(variants)))

	var startFailures int
	for {
		select {
		case <-ctx.Done():
			if s.Phase() == PhaseActive {
				flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FlushTimeout)
				err := s.end(flushCtx, "shutdown")
				flushCancel()
				if err != nil {
					return err
				}
			}
			return ctx.Err()

		case res := <-startCh:
			if res.err != nil {
				startFailures++
				s.log.Debug("Start signal wait finished without match",
					logging.F("variant", res.variant.Name), logging.Err(res.err))
				if startFailures == len(variants) && s.Phase() == PhaseNotStarted {
					return fmt.Errorf("waiting for meeting start: %w", res.err)
				}
				continue
			}
			if s.Phase() != PhaseNotStarted {
				continue
			}
			if err := s.activate(ctx, loopCtx, res.variant); err != nil {
				return err
			}

		case name := <-s.userNameCh:
			s.meta.UserName = name
			_ = s.persist(ctx, false, FieldUserName)

		case <-timerC(s.titleTimer):
			s.titleTimer = nil
			s.updateTitle(ctx)

		case <-timerC(s.captionRetry):
			s.captionRetry = nil
			s.armCaptions(ctx)

		case <-timerC(s.chatTimer):
			s.chatTimer = nil
			s.armChat(ctx)

		case _, ok := <-batches(s.captionSub):
			if !ok {
				s.captionSub = nil
				continue
			}
			s.handleCaptions(ctx)

		case b, ok := <-batches(s.chatSub):
			if !ok {
				s.chatSub = nil
				continue
			}
			s.handleChat(ctx, b)

		case <-s.endCh:
			if s.Phase() != PhaseActive {
				continue
			}
			return s.end(ctx, "end_call")
		}
	}
}

// activate runs the NotStarted -> Active transition.
func (s *Session) activate(ctx, loopCtx context.Context, variant UIVariant) error {
	ctx, span := s.tracer.StartTransitionSpan(ctx, observability.SpanActivate, PhaseActive.String())
	defer span.End()

	s.flags.HasMeetingStarted = true
	s.phase.Store(int32(PhaseActive))
	close(s.activated)
	s.metrics.LifecycleTransitions.WithLabelValues(PhaseActive.String()).Inc()
	s.metrics.ActiveSessions.Inc()
	s.log.Info("Meeting started", logging.F("variant", variant.Name))

	if err := s.bridge.Notify(ctx, Notification{Type: NotificationNewMeetingStarted, SessionID: s.id}); err != nil {
		s.log.Warn("Failed to send meeting started notification", logging.Err(err))
	}

	if !s.opts.Markup.MeetingTitle.IsZero() {
		s.titleTimer = time.NewTimer(s.opts.TitleDelay)
	}

	mode, err := s.bridge.OperationMode(ctx)
	if err != nil {
		s.log.Warn("Failed to read operation mode, assuming auto", logging.Err(err))
		mode = OperationModeAuto
	}

	if mode == OperationModeManual {
		s.log.Info("Manual mode selected, leaving captions off")
	} else {
		toggle, err := Find(s.doc, variant.CaptionsToggle)
		if err == nil && toggle == nil {
			err = fmt.Errorf("captions toggle %s: %w", variant.CaptionsToggle, pferrors.ErrElementNotFound)
		}
		if err != nil {
			return s.setupFailed(ctx, "captions_toggle", err)
		}
		toggle.Click()
	}

	s.dimOverlay()
	s.armCaptions(ctx)

	chatToggle, err := Find(s.doc, s.opts.Markup.ChatToggle)
	if err == nil && chatToggle == nil {
		err = fmt.Errorf("chat toggle %s: %w", s.opts.Markup.ChatToggle, pferrors.ErrElementNotFound)
	}
	if err != nil {
		return s.setupFailed(ctx, "chat_toggle", err)
	}
	chatToggle.Click()
	s.chatToggle = chatToggle
	s.chatTimer = time.NewTimer(s.opts.ChatOpenDelay)

	if mode == OperationModeManual {
		s.show(ctx, Status{Code: StatusError, HTML: BannerManual})
	} else {
		s.show(ctx, Status{Code: StatusOK, HTML: BannerRunning})
	}

	if err := s.listenForEnd(variant); err != nil {
		return s.setupFailed(ctx, "end_call", err)
	}
	for _, l := range s.opts.Markup.MeetingEnded {
		go s.watchPageEnd(loopCtx, l)
	}
	return nil
}

// listenForEnd registers the end trigger on the end-call control's
// grandparent, which wraps the whole button.
func (s *Session) listenForEnd(variant UIVariant) error {
	endCall, err := Find(s.doc, variant.EndCall)
	if err != nil {
		return err
	}
	if endCall == nil {
		return fmt.Errorf("end call control %s: %w", variant.EndCall, pferrors.ErrElementNotFound)
	}
	target := endCall
	if p := endCall.Parent(); p != nil {
		target = p
		if gp := p.Parent(); gp != nil {
			target = gp
		}
	}
	remove, err := s.doc.AddClickListener(target, s.RequestEnd)
	if err != nil {
		return err
	}
	s.removeEnd = remove
	return nil
}

func (s *Session) setupFailed(ctx context.Context, component string, cause error) error {
	err := pferrors.NewSetupError(component, cause)
	s.log.Error("Capture setup failed", logging.F("step", component), logging.Err(cause))
	s.show(ctx, Status{Code: StatusError, HTML: BannerBug})
	s.teardown()
	s.flags.HasMeetingEnded = true
	s.phase.Store(int32(PhaseEnded))
	s.metrics.LifecycleTransitions.WithLabelValues(PhaseEnded.String()).Inc()
	s.metrics.ActiveSessions.Dec()
	return err
}

// dimOverlay fades the caption overlay so captions do not cover the call.
// Failures are logged only.
func (s *Session) dimOverlay() {
	region, err := Find(s.doc, s.opts.Markup.CaptionRegion)
	if err != nil || region == nil {
		s.log.Debug("Caption region not rendered yet, overlay left as is", logging.Err(err))
		return
	}
	children := region.Children()
	idx := s.opts.Markup.OverlayChild
	if idx < 0 || idx >= len(children) {
		s.log.Debug("Caption overlay not found", logging.F("index", idx), logging.F("children", len(children)))
		return
	}
	if err := children[idx].SetStyle("opacity", s.opts.Markup.OverlayOpacity); err != nil {
		s.log.Warn("Failed to dim caption overlay", logging.Err(err))
	}
}

// armCaptions subscribes to the caption region, retrying while it is missing.
func (s *Session) armCaptions(ctx context.Context) {
	if s.captionSub != nil || s.flags.HasMeetingEnded {
		return
	}
	region, err := Find(s.doc, s.opts.Markup.CaptionRegion)
	if err == nil && region != nil {
		s.captionSub, err = s.doc.Observe(region, dom.ObserveOptions{ChildList: true, Subtree: true, CharacterData: true})
		if err == nil {
			s.log.Info("Caption observer armed")
			return
		}
	}
	if err != nil {
		s.log.Warn("Failed to observe caption region", logging.Err(err))
	}
	s.captionRetry = time.NewTimer(s.opts.CaptionRetryInterval)
}

// armChat closes the chat panel opened at activation and observes it.
func (s *Session) armChat(ctx context.Context) {
	if s.flags.HasMeetingEnded {
		return
	}
	if s.chatToggle != nil {
		s.chatToggle.Click()
	}
	panel, err := Find(s.doc, s.opts.Markup.ChatPanel)
	if err == nil && panel == nil {
		err = fmt.Errorf("chat panel %s: %w", s.opts.Markup.ChatPanel, pferrors.ErrElementNotFound)
	}
	if err == nil {
		s.chatSub, err = s.doc.Observe(panel, dom.ObserveOptions{ChildList: true, Attributes: true, Subtree: true})
	}
	if err != nil {
		s.log.Error("Failed to arm chat observer", logging.Err(err))
		s.show(ctx, Status{Code: StatusError, HTML: BannerBug})
		return
	}
	s.log.Info("Chat observer armed")
}

func (s *Session) handleCaptions(ctx context.Context) {
	s.metrics.MutationBatchesTotal.WithLabelValues("captions").Inc()
	if s.processCaptions(ctx) {
		_ = s.persist(ctx, false, FieldTranscript)
	}
}

// processCaptions reads the latest caption once and reports whether the
// transcript changed.
func (s *Session) processCaptions(ctx context.Context) bool {
	outcome, err := s.captions.Handle(s.opts.Now())
	if err != nil {
		s.extractionFailed(ctx, "captions", &s.flags.CaptionDOMErrorCaptured, err)
		return false
	}
	if outcome != CaptionIgnored {
		s.metrics.TranscriptChanges.WithLabelValues(outcome.String()).Inc()
	}
	return outcome.Changed()
}

func (s *Session) handleChat(ctx context.Context, batch dom.MutationBatch) {
	s.metrics.MutationBatchesTotal.WithLabelValues("chat").Inc()
	if s.processChat(ctx, batch) {
		_ = s.persist(ctx, false, FieldChatMessages)
	}
}

func (s *Session) processChat(ctx context.Context, records []dom.MutationRecord) bool {
	res := s.chat.HandleRecords(records, s.opts.Now())
	s.metrics.ChatMessagesTotal.WithLabelValues("appended").Add(float64(res.Appended))
	s.metrics.ChatMessagesTotal.WithLabelValues("deduplicated").Add(float64(res.Duplicates))
	if res.Err != nil {
		s.extractionFailed(ctx, "chat", &s.flags.ChatDOMErrorCaptured, res.Err)
	}
	return res.Appended > 0
}

// extractionFailed logs err and shows the bug banner for the first failure
// of an observer, unless the meeting already ended.
func (s *Session) extractionFailed(ctx context.Context, observer string, captured *bool, err error) {
	s.metrics.ExtractionFailures.WithLabelValues(observer).Inc()
	s.log.Warn("Extraction failed", logging.F("observer", observer), logging.Err(err))
	if !*captured && !s.flags.HasMeetingEnded {
		s.show(ctx, Status{Code: StatusError, HTML: BannerBug})
	}
	*captured = true
}

// end runs the Active -> Ended transition: both subscriptions are
// disconnected, every mutation they still hold is committed once, and the
// final transcript and chat are persisted with export.
func (s *Session) end(ctx context.Context, reason string) error {
	if s.flags.HasMeetingEnded {
		return nil
	}
	ctx, span := s.tracer.StartTransitionSpan(ctx, observability.SpanEnd, PhaseEnded.String())
	defer span.End()

	s.flags.HasMeetingEnded = true
	s.phase.Store(int32(PhaseEnded))
	s.metrics.LifecycleTransitions.WithLabelValues(PhaseEnded.String()).Inc()
	s.metrics.ActiveSessions.Dec()
	s.stopTimers()
	if s.removeEnd != nil {
		s.removeEnd()
		s.removeEnd = nil
	}

	if sub := s.captionSub; sub != nil {
		s.captionSub = nil
		sub.Disconnect()
		for range sub.Batches() {
			s.processCaptions(ctx)
		}
		if len(sub.TakeRecords()) > 0 {
			s.processCaptions(ctx)
		}
	}
	if sub := s.chatSub; sub != nil {
		s.chatSub = nil
		sub.Disconnect()
		for b := range sub.Batches() {
			s.processChat(ctx, b)
		}
		if recs := sub.TakeRecords(); len(recs) > 0 {
			s.processChat(ctx, recs)
		}
	}

	s.log.Info("Meeting ended",
		logging.F("reason", reason),
		logging.F("transcript_entries", s.captions.Len()),
		logging.F("chat_messages", len(s.chat.messages)))
	observability.NewSpanHelper(span).SetCounts(s.captions.Len(), len(s.chat.messages))

	if err := s.persist(ctx, true, FieldTranscript, FieldChatMessages); err != nil {
		return fmt.Errorf("final persist: %w", err)
	}
	return nil
}

// teardown disconnects everything without committing.
func (s *Session) teardown() {
	s.stopTimers()
	if s.removeEnd != nil {
		s.removeEnd()
		s.removeEnd = nil
	}
	if s.captionSub != nil {
		s.captionSub.Disconnect()
		s.captionSub = nil
	}
	if s.chatSub != nil {
		s.chatSub.Disconnect()
		s.chatSub = nil
	}
}

func (s *Session) updateTitle(ctx context.Context) {
	el, err := Find(s.doc, s.opts.Markup.MeetingTitle)
	if err != nil || el == nil {
		s.log.Warn("Meeting title element not found", logging.Err(err))
		return
	}
	s.meta.MeetingTitle = SanitizeTitle(el.Text())
	s.log.Debug("Meeting title updated", logging.F("title", s.meta.MeetingTitle))
	_ = s.persist(ctx, false, FieldMeetingTitle)
}

// watchUserName waits for the self-name element and polls it until it has
// text or the meeting started.
func (s *Session) watchUserName(ctx context.Context) {
	w := &Waiter{Doc: s.doc}
	if _, err := w.Wait(ctx, s.opts.Markup.UserName); err != nil {
		return
	}
	ticker := time.NewTicker(s.opts.UserNamePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var name string
		if el, err := Find(s.doc, s.opts.Markup.UserName); err == nil && el != nil {
			name = el.Text()
		}
		if name != "" || s.Phase() != PhaseNotStarted {
			if name != "" {
				select {
				case s.userNameCh <- name:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

// watchPageEnd requests the end of the session once l appears.
func (s *Session) watchPageEnd(ctx context.Context, l Locator) {
	w := &Waiter{Doc: s.doc}
	if _, err := w.Wait(ctx, l); err != nil {
		return
	}
	s.log.Info("Page reports the meeting has ended", logging.F("locator", l.String()))
	s.RequestEnd()
}

func (s *Session) persist(ctx context.Context, triggerExport bool, fields ...Field) error {
	fs := Fields(fields)
	ctx, span := s.tracer.StartPersistSpan(ctx, fs.Strings(), triggerExport)
	defer span.End()

	start := time.Now()
	err := s.bridge.Persist(ctx, fs, s.snapshot(), triggerExport)
	s.metrics.PersistSeconds.WithLabelValues(fmt.Sprint(triggerExport)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.PersistTotal.WithLabelValues("error").Inc()
		observability.NewSpanHelper(span).SetError(err, string(pferrors.ErrCodePersistence))
		s.log.Error("Persist failed", logging.F("fields", fs.Strings()), logging.Err(err))
		return err
	}
	s.metrics.PersistTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Session) show(ctx context.Context, st Status) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Show(ctx, st); err != nil {
		s.log.Warn("Failed to show status banner", logging.F("code", st.Code), logging.Err(err))
	}
}

func (s *Session) stopTimers() {
	for _, t := range []**time.Timer{&s.titleTimer, &s.captionRetry, &s.chatTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func batches(sub dom.Subscription) <-chan dom.MutationBatch {
	if sub == nil {
		return nil
	}
	return sub.Batches()
}
