package capture

import (
	"errors"
	"fmt"
)

// UIVariant is one rendering of the meeting controls.
type UIVariant struct {
	Name           string  `yaml:"name"`
	EndCall        Locator `yaml:"end_call"`
	CaptionsToggle Locator `yaml:"captions_toggle"`
}

// Markup holds every page-shape assumption the observers rely on.
type Markup struct {
	// Variants are raced at start; the first whose end-call control appears wins.
	Variants []UIVariant `yaml:"variants"`

	UserName     Locator `yaml:"user_name"`
	MeetingTitle Locator `yaml:"meeting_title"`

	CaptionRegion    Locator `yaml:"caption_region"`
	CaptionContainer string  `yaml:"caption_container"`
	CaptionSpeaker   string  `yaml:"caption_speaker"`
	CaptionText      string  `yaml:"caption_text"`

	// OverlayChild is the index of the caption region child that is dimmed.
	OverlayChild   int    `yaml:"overlay_child"`
	OverlayOpacity string `yaml:"overlay_opacity"`

	ChatToggle Locator `yaml:"chat_toggle"`
	ChatPanel  Locator `yaml:"chat_panel"`

	// MeetingEnded locators end the session when the page itself shows the call is over.
	MeetingEnded []Locator `yaml:"meeting_ended"`
}

// DefaultMarkup returns the selectors of the current meeting page.
func DefaultMarkup() Markup {
	return Markup{
		Variants: []UIVariant{
			{
				Name:           "material",
				EndCall:        Locator{Selector: ".google-material-icons", Text: "call_end"},
				CaptionsToggle: Locator{Selector: ".material-icons-extended", Pattern: "closed_caption_off"},
			},
			{
				Name:           "symbols",
				EndCall:        Locator{Selector: ".google-symbols", Text: "call_end"},
				CaptionsToggle: Locator{Selector: ".google-symbols", Pattern: "closed_caption_off"},
			},
		},
		UserName:         Locator{Selector: ".awLEm"},
		MeetingTitle:     Locator{Selector: ".u6vdEc"},
		CaptionRegion:    Locator{Selector: `[role="region"][aria-label="Captions"]`},
		CaptionContainer: ".nMcdL.bj4p3b",
		CaptionSpeaker:   ".NWpY1d",
		CaptionText:      ".bh44bd.VbkSUe",
		OverlayChild:     1,
		OverlayOpacity:   "0.2",
		ChatToggle:       Locator{Selector: ".google-symbols", Pattern: "chat"},
		ChatPanel:        Locator{Selector: `div[aria-live="polite"]`},
		MeetingEnded: []Locator{
			{Selector: "span", Pattern: "Return to home screen"},
			{Selector: "span", Pattern: "The call ended because everyone left"},
		},
	}
}

// Validate checks that every required locator is set.
func (m Markup) Validate() error {
	var errs []error
	if len(m.Variants) == 0 {
		errs = append(errs, errors.New("markup: at least one UI variant is required"))
	}
	for _, v := range m.Variants {
		if err := v.EndCall.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("markup: variant %s end_call: %w", v.Name, err))
		}
		if err := v.CaptionsToggle.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("markup: variant %s captions_toggle: %w", v.Name, err))
		}
	}
	required := map[string]Locator{
		"caption_region": m.CaptionRegion,
		"chat_toggle":    m.ChatToggle,
		"chat_panel":     m.ChatPanel,
	}
	for name, l := range required {
		if err := l.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("markup: %s: %w", name, err))
		}
	}
	if m.CaptionContainer == "" || m.CaptionSpeaker == "" || m.CaptionText == "" {
		errs = append(errs, errors.New("markup: caption container, speaker and text selectors are required"))
	}
	for i, l := range m.MeetingEnded {
		if err := l.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("markup: meeting_ended[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
