package capture

import (
	"fmt"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// Caption is one reading of the live caption area.
type Caption struct {
	Speaker string
	Message string
}

// ChatMessage is one reading of the chat panel.
type ChatMessage struct {
	Sender string
	Text   string
}

// CaptionExtractor reads the most recent caption container. ok is false when
// no container is rendered or the speaker or text is absent.
type CaptionExtractor interface {
	LatestCaption(doc dom.Document) (c Caption, ok bool, err error)
}

// ChatExtractor reads the last message of the chat panel. ok is false while
// the panel is empty. A panel without the expected structure is an
// extraction failure.
type ChatExtractor interface {
	LatestChatMessage(doc dom.Document) (m ChatMessage, ok bool, err error)
}

// MarkupExtractor implements both extractors with the selectors of a Markup.
type MarkupExtractor struct {
	Markup Markup
}

var (
	_ CaptionExtractor = MarkupExtractor{}
	_ ChatExtractor    = MarkupExtractor{}
)

// LatestCaption considers only the last caption container; earlier ones are
// finished turns.
func (x MarkupExtractor) LatestCaption(doc dom.Document) (Caption, bool, error) {
	containers, err := doc.QueryAll(x.Markup.CaptionContainer)
	if err != nil {
		return Caption{}, false, pferrors.NewExtractionError("captions", "%v", err)
	}
	if len(containers) == 0 {
		return Caption{}, false, nil
	}
	container := containers[len(containers)-1]

	speakerEl, err := container.Query(x.Markup.CaptionSpeaker)
	if err != nil {
		return Caption{}, false, pferrors.NewExtractionError("captions", "%v", err)
	}
	textEl, err := container.Query(x.Markup.CaptionText)
	if err != nil {
		return Caption{}, false, pferrors.NewExtractionError("captions", "%v", err)
	}
	if speakerEl == nil || textEl == nil {
		return Caption{}, false, nil
	}

	c := Caption{Speaker: speakerEl.Text(), Message: textEl.Text()}
	if c.Speaker == "" || c.Message == "" {
		return Caption{}, false, nil
	}
	return c, true, nil
}

// LatestChatMessage reads the panel's last element child: the sender is the
// first child of its first child, the text the last child of its last child.
func (x MarkupExtractor) LatestChatMessage(doc dom.Document) (ChatMessage, bool, error) {
	panel, err := Find(doc, x.Markup.ChatPanel)
	if err != nil {
		return ChatMessage{}, false, pferrors.NewExtractionError("chat", "%v", err)
	}
	if panel == nil {
		return ChatMessage{}, false, pferrors.NewExtractionError("chat", "chat panel %s not found", x.Markup.ChatPanel)
	}

	msg := panel.LastChild()
	if msg == nil {
		return ChatMessage{}, false, nil
	}

	sender, err := descend(msg, true)
	if err != nil {
		return ChatMessage{}, false, pferrors.NewExtractionError("chat", "sender: %v", err)
	}
	text, err := descend(msg, false)
	if err != nil {
		return ChatMessage{}, false, pferrors.NewExtractionError("chat", "message text: %v", err)
	}
	return ChatMessage{Sender: sender.Text(), Text: text.Text()}, true, nil
}

// descend walks two levels down along the first or last element child.
func descend(el dom.Element, first bool) (dom.Element, error) {
	cur := el
	for depth := 1; depth <= 2; depth++ {
		if first {
			cur = cur.FirstChild()
		} else {
			cur = cur.LastChild()
		}
		if cur == nil {
			return nil, fmt.Errorf("message block has no element at depth %d", depth)
		}
	}
	return cur, nil
}
