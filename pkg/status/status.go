// Package status renders capture banners, either into the observed page or
// into the log.
package status

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	xhtml "golang.org/x/net/html"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/dom"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// DefaultDismissAfter is how long informational banners stay visible.
const DefaultDismissAfter = 5 * time.Second

const (
	colorInfo  = "#2A9ACA"
	colorError = "orange"
)

const commonCSS = "background: rgb(255 255 255 / 10%); backdrop-filter: blur(16px); position: fixed; " +
	"top: 5%; left: 0; right: 0; margin-left: auto; margin-right: auto; max-width: 780px; z-index: 1000; " +
	"padding: 0rem 1rem; border-radius: 8px; display: flex; justify-content: center; align-items: center; " +
	"gap: 16px; font-size: 1rem; line-height: 1.5; font-family: 'Google Sans',Roboto,Arial,sans-serif; " +
	"box-shadow: rgba(0, 0, 0, 0.16) 0px 10px 36px 0px, rgba(0, 0, 0, 0.06) 0px 0px 0px 1px"

// DOMNotifier appends banners to the page body.
type DOMNotifier struct {
	doc          dom.Document
	log          logging.Logger
	dismissAfter time.Duration
}

// NewDOMNotifier creates a notifier rendering into doc.
func NewDOMNotifier(doc dom.Document, logger logging.Logger) *DOMNotifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DOMNotifier{
		doc:          doc,
		log:          logger.With(logging.F("component", "status")),
		dismissAfter: DefaultDismissAfter,
	}
}

// WithDismissAfter overrides how long informational banners stay up.
func (n *DOMNotifier) WithDismissAfter(d time.Duration) *DOMNotifier {
	n.dismissAfter = d
	return n
}

// Show renders one banner. Status 200 is hidden again after the dismiss
// delay; error banners stay visible.
func (n *DOMNotifier) Show(ctx context.Context, st capture.Status) error {
	root := n.doc.Body()
	if root == nil {
		return errors.New("status: page has no body")
	}

	id := "penf-capture-status-" + uuid.New().String()
	color := colorError
	if st.Code == capture.StatusOK {
		color = colorInfo
	}
	banner := fmt.Sprintf(`<div id="%s" data-status="%d" style="color: %s; %s"><p>%s</p></div>`,
		id, st.Code, color, html.EscapeString(commonCSS), st.HTML)
	if err := root.AppendHTML(banner); err != nil {
		return fmt.Errorf("rendering banner: %w", err)
	}

	if st.Code == capture.StatusOK && n.dismissAfter > 0 {
		time.AfterFunc(n.dismissAfter, func() { n.hide(id) })
	}
	return nil
}

func (n *DOMNotifier) hide(id string) {
	el, err := n.doc.Query("#" + id)
	if err != nil || el == nil {
		return
	}
	if err := el.SetStyle("display", "none"); err != nil {
		n.log.Debug("Failed to hide banner", logging.Err(err))
	}
}

// LogNotifier writes banners to the log as plain text.
type LogNotifier struct {
	log logging.Logger
}

// NewLogNotifier creates a notifier logging through logger.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With(logging.F("component", "status"))}
}

// Show logs informational banners at info and the rest at warn.
func (n *LogNotifier) Show(ctx context.Context, st capture.Status) error {
	text := PlainText(st.HTML)
	if st.Code == capture.StatusOK {
		n.log.Info(text, logging.F("status", st.Code))
	} else {
		n.log.Warn(text, logging.F("status", st.Code))
	}
	return nil
}

// PlainText strips markup from a banner body and collapses whitespace.
func PlainText(fragment string) string {
	z := xhtml.NewTokenizer(strings.NewReader(fragment))
	var parts []string
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
		case xhtml.TextToken:
			parts = append(parts, string(z.Text()))
		}
	}
}

// Multi shows every banner on all notifiers and joins their errors.
type Multi []capture.StatusNotifier

func (m Multi) Show(ctx context.Context, st capture.Status) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Show(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
