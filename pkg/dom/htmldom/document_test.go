package htmldom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
)

const fixture = `<html><head><title>  Weekly
  sync </title></head><body>
<div id="root">
  <div class="panel" aria-live="polite">
    <div class="msg"><div><span>Alice</span></div><div><span>hi</span></div></div>
  </div>
  <span class="icon">call_end</span>
  <span class="icon">chat</span>
</div>
</body></html>`

func mustParse(t *testing.T) *Document {
	t.Helper()
	d, err := ParseString(fixture)
	require.NoError(t, err)
	return d
}

func mustQuery(t *testing.T, d *Document, sel string) dom.Element {
	t.Helper()
	el, err := d.Query(sel)
	require.NoError(t, err)
	require.NotNil(t, el, "selector %s", sel)
	return el
}

func TestDocument_TitleCollapsesWhitespace(t *testing.T) {
	d := mustParse(t)
	assert.Equal(t, "Weekly sync", d.Title())

	d.SetTitle("Retro")
	assert.Equal(t, "Retro", d.Title())
}

func TestDocument_QueryAndNavigation(t *testing.T) {
	d := mustParse(t)

	icons, err := d.QueryAll(".icon")
	require.NoError(t, err)
	require.Len(t, icons, 2)
	assert.Equal(t, "call_end", icons[0].Text())

	panel := mustQuery(t, d, `div[aria-live="polite"]`)
	msg := panel.LastChild()
	require.NotNil(t, msg)
	assert.Equal(t, "Alice", msg.FirstChild().FirstChild().Text())
	assert.Equal(t, "hi", msg.LastChild().LastChild().Text())
	assert.Equal(t, panel, msg.Parent())

	root := mustQuery(t, d, "#root")
	self, err := root.Query("#root")
	require.NoError(t, err)
	assert.Nil(t, self, "element query must not match the element itself")

	ok, err := panel.Matches(".panel")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.Query("[[[")
	assert.Error(t, err)
}

func TestDocument_ObserveDeliversOnTick(t *testing.T) {
	d := mustParse(t)
	panel := mustQuery(t, d, ".panel")

	sub, err := d.Observe(panel, dom.ObserveOptions{ChildList: true, Subtree: true})
	require.NoError(t, err)

	require.NoError(t, d.AppendHTML(panel, `<div class="msg"><div>Bob</div><div>yo</div></div>`))
	assert.Empty(t, sub.Batches(), "records are held until the next frame")

	d.Tick()
	select {
	case batch := <-sub.Batches():
		require.Len(t, batch, 1)
		assert.Equal(t, dom.MutationChildList, batch[0].Type)
		require.Len(t, batch[0].AddedNodes, 1)
		assert.Equal(t, "Bobyo", batch[0].AddedNodes[0].Text())
	default:
		t.Fatal("expected a batch after Tick")
	}
}

func TestDocument_ObserveFiltersByOptions(t *testing.T) {
	d := mustParse(t)
	panel := mustQuery(t, d, ".panel")
	span := mustQuery(t, d, ".msg span")

	sub, err := d.Observe(panel, dom.ObserveOptions{ChildList: true})
	require.NoError(t, err)

	// not subtree, not characterData
	require.NoError(t, d.SetText(span, "Alicia"))
	require.NoError(t, d.SetAttr(panel, "data-x", "1"))
	d.Tick()
	assert.Empty(t, sub.Batches())
	assert.Empty(t, sub.TakeRecords())

	sub2, err := d.Observe(panel, dom.ObserveOptions{CharacterData: true, Subtree: true})
	require.NoError(t, err)
	require.NoError(t, d.SetText(span, "Alice"))
	recs := sub2.TakeRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, dom.MutationCharacterData, recs[0].Type)
	assert.Equal(t, "Alicia", recs[0].OldValue)
}

func TestSubscription_DisconnectKeepsUndelivered(t *testing.T) {
	d := mustParse(t)
	panel := mustQuery(t, d, ".panel")

	sub, err := d.Observe(panel, dom.ObserveOptions{ChildList: true, Subtree: true})
	require.NoError(t, err)

	require.NoError(t, d.AppendHTML(panel, `<div>one</div>`))
	d.Tick()
	require.NoError(t, d.AppendHTML(panel, `<div>two</div>`))

	sub.Disconnect()
	sub.Disconnect()

	var delivered []dom.MutationBatch
	for b := range sub.Batches() {
		delivered = append(delivered, b)
	}
	require.Len(t, delivered, 1)
	assert.Equal(t, "one", delivered[0][0].AddedNodes[0].Text())

	taken := sub.TakeRecords()
	require.Len(t, taken, 1)
	assert.Equal(t, "two", taken[0].AddedNodes[0].Text())
	assert.Empty(t, sub.TakeRecords())

	require.NoError(t, d.AppendHTML(panel, `<div>three</div>`))
	d.Tick()
	assert.Empty(t, sub.TakeRecords(), "no recording after disconnect")
}

func TestDocument_ClickBubbles(t *testing.T) {
	d := mustParse(t)
	root := mustQuery(t, d, "#root")
	icon := mustQuery(t, d, ".icon")

	var clicks int
	remove, err := d.AddClickListener(root, func() { clicks++ })
	require.NoError(t, err)

	icon.Click()
	assert.Equal(t, 1, clicks)

	remove()
	icon.Click()
	assert.Equal(t, 1, clicks)
}

func TestDocument_RemoveRecordsParent(t *testing.T) {
	d := mustParse(t)
	root := mustQuery(t, d, "#root")
	icon := mustQuery(t, d, ".icon")

	sub, err := d.Observe(root, dom.ObserveOptions{ChildList: true})
	require.NoError(t, err)
	require.NoError(t, icon.Remove())

	recs := sub.TakeRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, root, recs[0].Target)
	assert.Len(t, recs[0].RemovedNodes, 1)
	assert.Nil(t, icon.Parent())
}

func TestElement_SetStyle(t *testing.T) {
	d := mustParse(t)
	panel := mustQuery(t, d, ".panel")

	require.NoError(t, panel.SetStyle("display", "flex"))
	require.NoError(t, panel.SetStyle("opacity", "0.2"))
	require.NoError(t, panel.SetStyle("display", "none"))

	assert.Equal(t, "0.2", Style(panel, "opacity"))
	assert.Equal(t, "none", Style(panel, "display"))
	raw, _ := panel.Attr("style")
	assert.Equal(t, "display: none; opacity: 0.2", raw)
}

func TestDocument_NextFrame(t *testing.T) {
	d := New()

	done := make(chan error, 1)
	go func() { done <- d.NextFrame(context.Background()) }()

	assert.Eventually(t, func() bool {
		d.Tick()
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.NextFrame(ctx), context.Canceled)
}
