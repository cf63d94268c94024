package capture

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// Locator identifies page elements by CSS selector, optionally narrowed to
// those whose text equals Text or matches the regular expression Pattern.
type Locator struct {
	Selector string `yaml:"selector" json:"selector"`
	Text     string `yaml:"text,omitempty" json:"text,omitempty"`
	Pattern  string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

func (l Locator) String() string {
	switch {
	case l.Text != "":
		return fmt.Sprintf("%s[text=%q]", l.Selector, l.Text)
	case l.Pattern != "":
		return fmt.Sprintf("%s[text~=%q]", l.Selector, l.Pattern)
	default:
		return l.Selector
	}
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l.Selector == ""
}

// Validate checks the selector is present and the pattern compiles.
func (l Locator) Validate() error {
	if l.Selector == "" {
		return fmt.Errorf("locator has no selector")
	}
	if l.Pattern != "" {
		if _, err := regexp.Compile(l.Pattern); err != nil {
			return fmt.Errorf("locator %s: invalid pattern: %w", l.Selector, err)
		}
	}
	return nil
}

// Querier is satisfied by dom.Document and dom.Element.
type Querier interface {
	QueryAll(selector string) ([]dom.Element, error)
}

// FindAll returns every element under q matching l, in document order.
func FindAll(q Querier, l Locator) ([]dom.Element, error) {
	els, err := q.QueryAll(l.Selector)
	if err != nil {
		return nil, err
	}
	if l.Text == "" && l.Pattern == "" {
		return els, nil
	}

	var re *regexp.Regexp
	if l.Pattern != "" {
		if re, err = regexp.Compile(l.Pattern); err != nil {
			return nil, fmt.Errorf("locator %s: %w", l, err)
		}
	}

	out := els[:0:0]
	for _, el := range els {
		text := el.Text()
		if l.Text != "" && text != l.Text {
			continue
		}
		if re != nil && !re.MatchString(text) {
			continue
		}
		out = append(out, el)
	}
	return out, nil
}

// Find returns the first element matching l, or nil.
func Find(q Querier, l Locator) (dom.Element, error) {
	els, err := FindAll(q, l)
	if err != nil || len(els) == 0 {
		return nil, err
	}
	return els[0], nil
}

// Waiter suspends until an element appears, checking once per rendered frame.
type Waiter struct {
	Doc dom.Document

	// Timeout bounds each Wait. Zero waits until ctx is done.
	Timeout time.Duration
}

// Wait returns the first element matching l. It fails with
// ErrElementNotFound when Timeout elapses and with ctx.Err() when ctx is done.
func (w *Waiter) Wait(ctx context.Context, l Locator) (dom.Element, error) {
	waitCtx := ctx
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	for {
		el, err := Find(w.Doc, l)
		if err != nil {
			return nil, err
		}
		if el != nil {
			return el, nil
		}
		if err := w.Doc.NextFrame(waitCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", pferrors.ErrElementNotFound, l, w.Timeout)
		}
	}
}
