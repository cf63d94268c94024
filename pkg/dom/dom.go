// Package dom defines the page capabilities the capture pipeline depends on:
// element lookup, mutation subscriptions, click listeners and frame pacing.
//
// Implementations must be safe for use from multiple goroutines. A live
// browser driver and the in-process htmldom package both satisfy it.
package dom

import "context"

// Element is a node in the page's element tree. Element values are
// comparable with == and a nil Element means "no such node".
type Element interface {
	// TagName returns the lower-cased tag name.
	TagName() string

	// Text returns the concatenated text content of the element and its descendants.
	Text() string

	Attr(name string) (string, bool)

	// Parent returns the parent element, or nil at the document root.
	Parent() Element

	// Children returns the element children in document order. Text and
	// comment nodes are skipped.
	Children() []Element
	FirstChild() Element
	LastChild() Element

	// Query returns the first descendant matching selector, or nil.
	Query(selector string) (Element, error)
	QueryAll(selector string) ([]Element, error)
	Matches(selector string) (bool, error)

	// SetStyle sets one inline style property.
	SetStyle(property, value string) error

	// AppendHTML parses fragment in the context of the element and appends
	// the resulting nodes as its last children.
	AppendHTML(fragment string) error

	// Remove detaches the element from its parent.
	Remove() error

	// Click dispatches a click that bubbles through the ancestors.
	Click()
}

// Document is a rendered page.
type Document interface {
	Title() string
	Body() Element

	Query(selector string) (Element, error)
	QueryAll(selector string) ([]Element, error)

	// Observe subscribes to mutations of target (and its subtree when
	// opts.Subtree is set).
	Observe(target Element, opts ObserveOptions) (Subscription, error)

	// AddClickListener registers fn for clicks on target or any of its
	// descendants. The returned func removes the listener.
	AddClickListener(target Element, fn func()) (func(), error)

	// NextFrame blocks until the page renders its next frame or ctx is done.
	NextFrame(ctx context.Context) error
}

// MutationType names the kind of change a record describes.
type MutationType string

const (
	MutationChildList     MutationType = "childList"
	MutationAttributes    MutationType = "attributes"
	MutationCharacterData MutationType = "characterData"
)

// ObserveOptions selects which mutations a subscription records.
type ObserveOptions struct {
	ChildList     bool
	Attributes    bool
	CharacterData bool
	Subtree       bool
}

// Accepts reports whether records of type t are wanted.
func (o ObserveOptions) Accepts(t MutationType) bool {
	switch t {
	case MutationChildList:
		return o.ChildList
	case MutationAttributes:
		return o.Attributes
	case MutationCharacterData:
		return o.CharacterData
	}
	return false
}

// MutationRecord describes one change.
type MutationRecord struct {
	Type          MutationType
	Target        Element
	AddedNodes    []Element
	RemovedNodes  []Element
	AttributeName string
	OldValue      string
}

// MutationBatch is the set of records delivered together for one frame.
type MutationBatch []MutationRecord

// Subscription is a cancellable stream of mutation batches.
//
// Batches are delivered in the order they were recorded. After Disconnect
// returns no further batch is sent and the channel is closed; batches that
// were already sent stay readable. Records that were recorded but not yet
// delivered are handed out once by TakeRecords, before or after Disconnect.
type Subscription interface {
	Batches() <-chan MutationBatch
	TakeRecords() []MutationRecord
	Disconnect()
}
