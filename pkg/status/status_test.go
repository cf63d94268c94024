package status

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/dom/htmldom"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

func TestDOMNotifier_InfoBannerDismisses(t *testing.T) {
	doc := htmldom.New()
	n := NewDOMNotifier(doc, nil).WithDismissAfter(10 * time.Millisecond)

	require.NoError(t, n.Show(context.Background(), capture.Status{Code: capture.StatusOK, HTML: capture.BannerRunning}))

	banners, err := doc.QueryAll("[data-status]")
	require.NoError(t, err)
	require.Len(t, banners, 1)
	assert.Equal(t, "penf-capture is running Do not turn off captions", PlainText(capture.BannerRunning))
	assert.Contains(t, banners[0].Text(), "penf-capture is running")
	assert.Equal(t, "#2A9ACA", htmldom.Style(banners[0], "color"))

	assert.Eventually(t, func() bool {
		return htmldom.Style(banners[0], "display") == "none"
	}, time.Second, 5*time.Millisecond)
}

func TestDOMNotifier_ErrorBannerStays(t *testing.T) {
	doc := htmldom.New()
	n := NewDOMNotifier(doc, nil).WithDismissAfter(5 * time.Millisecond)

	require.NoError(t, n.Show(context.Background(), capture.Status{Code: capture.StatusError, HTML: capture.BannerBug}))
	require.NoError(t, n.Show(context.Background(), capture.Status{Code: capture.StatusError, HTML: capture.BannerBug}))

	banners, err := doc.QueryAll(`[data-status="400"]`)
	require.NoError(t, err)
	require.Len(t, banners, 2, "no dedup across calls")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "flex", htmldom.Style(banners[0], "display"))
	assert.Equal(t, "orange", htmldom.Style(banners[0], "color"))
}

func TestLogNotifier(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logging.NewLogger(&logging.Config{Level: logging.LevelInfo, JSONFormat: true, Output: buf})

	n := NewLogNotifier(log)
	require.NoError(t, n.Show(context.Background(), capture.Status{Code: capture.StatusError, HTML: capture.BannerManual}))

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "penf-capture is not running Turn on captions using the CC icon, if needed")
}

func TestMulti(t *testing.T) {
	doc := htmldom.New()
	buf := &bytes.Buffer{}
	log := logging.NewLogger(&logging.Config{Level: logging.LevelInfo, JSONFormat: true, Output: buf})

	m := Multi{NewDOMNotifier(doc, nil), NewLogNotifier(log), nil}
	require.NoError(t, m.Show(context.Background(), capture.Status{Code: capture.StatusError, HTML: "<b>x</b>"}))

	banners, _ := doc.QueryAll("[data-status]")
	assert.Len(t, banners, 1)
	assert.Contains(t, buf.String(), `"message":"x"`)
}
