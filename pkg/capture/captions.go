package capture

import (
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
)

// CaptionOutcome is what one caption mutation did to the transcript.
type CaptionOutcome int

const (
	// CaptionIgnored means no caption could be read.
	CaptionIgnored CaptionOutcome = iota
	// CaptionSuppressed means the caption repeated text already recorded.
	CaptionSuppressed
	// CaptionAppended means a new speaker turn started.
	CaptionAppended
	// CaptionUpdated means the current turn's text was revised in place.
	CaptionUpdated
)

func (o CaptionOutcome) String() string {
	switch o {
	case CaptionSuppressed:
		return "suppressed"
	case CaptionAppended:
		return "appended"
	case CaptionUpdated:
		return "updated"
	default:
		return "ignored"
	}
}

// Changed reports whether the transcript was modified.
func (o CaptionOutcome) Changed() bool {
	return o == CaptionAppended || o == CaptionUpdated
}

// CaptionObserver collapses the stream of partial caption revisions into one
// transcript entry per speaker turn. It is not safe for concurrent use.
type CaptionObserver struct {
	doc       dom.Document
	extractor CaptionExtractor

	currentSpeaker        string
	hasSpeaker            bool
	lastProcessedKey      string
	lastMessagePerSpeaker map[string]string
	transcript            []TranscriptEntry
}

// NewCaptionObserver creates an observer reading captions from doc.
func NewCaptionObserver(doc dom.Document, extractor CaptionExtractor) *CaptionObserver {
	return &CaptionObserver{
		doc:                   doc,
		extractor:             extractor,
		lastMessagePerSpeaker: make(map[string]string),
	}
}

// Handle processes one mutation batch. The batch contents are not inspected;
// the latest caption is read from the page.
func (o *CaptionObserver) Handle(now time.Time) (CaptionOutcome, error) {
	c, ok, err := o.extractor.LatestCaption(o.doc)
	if err != nil {
		return CaptionIgnored, err
	}
	if !ok {
		return CaptionIgnored, nil
	}
	return o.Apply(c, now), nil
}

// Apply merges one caption reading into the transcript.
func (o *CaptionObserver) Apply(c Caption, now time.Time) CaptionOutcome {
	key := c.Speaker + ":" + c.Message
	if key == o.lastProcessedKey {
		return CaptionSuppressed
	}
	if prev, seen := o.lastMessagePerSpeaker[c.Speaker]; seen && prev == c.Message {
		return CaptionSuppressed
	}

	ts := FormatTimestamp(now)
	outcome := CaptionSuppressed
	if !o.hasSpeaker || o.currentSpeaker != c.Speaker {
		o.transcript = append(o.transcript, TranscriptEntry{
			PersonName:       c.Speaker,
			TimeStamp:        ts,
			PersonTranscript: c.Message,
		})
		o.currentSpeaker = c.Speaker
		o.hasSpeaker = true
		outcome = CaptionAppended
	} else if n := len(o.transcript); n > 0 && o.transcript[n-1].PersonName == c.Speaker {
		o.transcript[n-1].TimeStamp = ts
		o.transcript[n-1].PersonTranscript = c.Message
		outcome = CaptionUpdated
	}

	o.lastMessagePerSpeaker[c.Speaker] = c.Message
	o.lastProcessedKey = key
	return outcome
}

// Transcript returns a copy of the entries recorded so far.
func (o *CaptionObserver) Transcript() []TranscriptEntry {
	out := make([]TranscriptEntry, len(o.transcript))
	copy(out, o.transcript)
	return out
}

// Len returns the number of entries.
func (o *CaptionObserver) Len() int {
	return len(o.transcript)
}
