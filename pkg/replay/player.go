package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
	"github.com/otherjamesbrown/penf-capture/pkg/dom/htmldom"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// Player applies script events to a document.
type Player struct {
	Doc    *htmldom.Document
	Logger logging.Logger

	// Speed divides sleep durations; 0 or 1 replays in real time.
	Speed float64

	// Sleep waits between events; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Play applies every event in order and stops at the first failure or
// when ctx is done.
func (p *Player) Play(ctx context.Context, script *Script) error {
	log := p.logger()
	log.Debug("Replaying script",
		logging.F("script", script.Name),
		logging.F("events", len(script.Events)))

	for _, ev := range script.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Apply(ctx, ev); err != nil {
			return fmt.Errorf("line %d (%s): %w", ev.Line, ev.Op, err)
		}
	}
	return nil
}

// Apply performs one event.
func (p *Player) Apply(ctx context.Context, ev Event) error {
	switch ev.Op {
	case OpLoad:
		return p.Doc.Load(ev.HTML)
	case OpTitle:
		p.Doc.SetTitle(ev.Text)
		return nil
	case OpTick:
		n := ev.Frames
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.Doc.Tick()
		}
		return nil
	case OpSleep:
		return p.sleep(ctx, p.scaled(time.Duration(ev.Duration)))
	}

	el, err := p.find(ev.Selector)
	if err != nil {
		return err
	}
	switch ev.Op {
	case OpAppend:
		return p.Doc.AppendHTML(el, ev.HTML)
	case OpSetText:
		return p.Doc.SetText(el, ev.Text)
	case OpSetAttr:
		return p.Doc.SetAttr(el, ev.Name, ev.Value)
	case OpRemove:
		return p.Doc.Remove(el)
	case OpClick:
		return p.Doc.Click(el)
	}
	return fmt.Errorf("%w: unknown op %q", pferrors.ErrValidation, ev.Op)
}

func (p *Player) find(selector string) (dom.Element, error) {
	el, err := p.Doc.Query(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: selector %q: %v", pferrors.ErrValidation, selector, err)
	}
	if el == nil {
		return nil, fmt.Errorf("selector %q: %w", selector, pferrors.ErrElementNotFound)
	}
	return el, nil
}

func (p *Player) scaled(d time.Duration) time.Duration {
	if p.Speed <= 0 || p.Speed == 1 {
		return d
	}
	return time.Duration(float64(d) / p.Speed)
}

func (p *Player) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Player) logger() logging.Logger {
	if p.Logger == nil {
		return logging.NewNopLogger()
	}
	return p.Logger.With(logging.F("component", "replay"))
}
