package htmldom

import (
	"golang.org/x/net/html"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
)

// subscriptionBuffer is the number of undelivered batches a subscriber may lag behind.
const subscriptionBuffer = 64

type subscription struct {
	d       *Document
	target  *html.Node
	opts    dom.ObserveOptions
	ch      chan dom.MutationBatch
	pending []dom.MutationRecord
	closed  bool
}

// Observe subscribes to mutations under target.
func (d *Document) Observe(target dom.Element, opts dom.ObserveOptions) (dom.Subscription, error) {
	n, err := d.node(target)
	if err != nil {
		return nil, err
	}
	s := &subscription{
		d:      d,
		target: n,
		opts:   opts,
		ch:     make(chan dom.MutationBatch, subscriptionBuffer),
	}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s, nil
}

func (s *subscription) Batches() <-chan dom.MutationBatch {
	return s.ch
}

func (s *subscription) TakeRecords() []dom.MutationRecord {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Disconnect stops recording and delivery and closes the channel. It is
// safe to call more than once.
func (s *subscription) Disconnect() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	for i, other := range s.d.subs {
		if other == s {
			s.d.subs = append(s.d.subs[:i:i], s.d.subs[i+1:]...)
			break
		}
	}
}

// flushLocked delivers pending records without blocking.
func (s *subscription) flushLocked() {
	if s.closed || len(s.pending) == 0 {
		return
	}
	select {
	case s.ch <- dom.MutationBatch(s.pending):
		s.pending = nil
	default:
	}
}
