package capture

import (
	"strings"
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
)

// ChatResult summarises one processed batch.
type ChatResult struct {
	Appended   int
	Duplicates int
	Failures   int
	// Err is the first extraction failure of the batch.
	Err error
}

// ChatObserver records chat messages, dropping re-renders of messages it
// already holds. It is not safe for concurrent use.
type ChatObserver struct {
	doc       dom.Document
	extractor ChatExtractor
	messages  []ChatEntry
}

// NewChatObserver creates an observer reading the chat panel of doc.
func NewChatObserver(doc dom.Document, extractor ChatExtractor) *ChatObserver {
	return &ChatObserver{doc: doc, extractor: extractor}
}

// HandleRecords re-runs extraction once per record. Every message found in
// the batch is stamped with now.
func (o *ChatObserver) HandleRecords(records []dom.MutationRecord, now time.Time) ChatResult {
	var res ChatResult
	ts := FormatTimestamp(now)
	for range records {
		m, ok, err := o.extractor.LatestChatMessage(o.doc)
		if err != nil {
			res.Failures++
			if res.Err == nil {
				res.Err = err
			}
			continue
		}
		if !ok {
			continue
		}
		if o.PushUnique(ChatEntry{PersonName: m.Sender, TimeStamp: ts, ChatMessageText: m.Text}) {
			res.Appended++
		} else {
			res.Duplicates++
		}
	}
	return res
}

// PushUnique appends e unless an entry with the same sender and timestamp
// has text contained in e's text.
func (o *ChatObserver) PushUnique(e ChatEntry) bool {
	for _, existing := range o.messages {
		if existing.PersonName == e.PersonName &&
			existing.TimeStamp == e.TimeStamp &&
			strings.Contains(e.ChatMessageText, existing.ChatMessageText) {
			return false
		}
	}
	o.messages = append(o.messages, e)
	return true
}

// Messages returns a copy of the recorded chat.
func (o *ChatObserver) Messages() []ChatEntry {
	out := make([]ChatEntry, len(o.messages))
	copy(out, o.messages)
	return out
}
