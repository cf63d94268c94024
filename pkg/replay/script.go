// Package replay drives an htmldom.Document from a recorded page script so
// the capture pipeline can run without a browser.
//
// A script is a JSON-lines file; each line is one page event:
//
//	{"op":"load","html":"<html>...</html>"}
//	{"op":"append","selector":"#captions","html":"<div>...</div>"}
//	{"op":"set_text","selector":"#captions .text","text":"hello"}
//	{"op":"tick","frames":2}
//	{"op":"sleep","duration":"250ms"}
//
// Blank lines and lines starting with # are skipped.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/text/transform"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// Op is the kind of a page event.
type Op string

const (
	OpLoad    Op = "load"
	OpAppend  Op = "append"
	OpSetText Op = "set_text"
	OpSetAttr Op = "set_attr"
	OpRemove  Op = "remove"
	OpClick   Op = "click"
	OpTitle   Op = "title"
	OpTick    Op = "tick"
	OpSleep   Op = "sleep"
)

// maxLineSize bounds one script line; load events carry whole pages.
const maxLineSize = 8 << 20

// Duration is a time.Duration written as "250ms" or as milliseconds.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", data)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Event is one line of a script.
type Event struct {
	Op       Op       `json:"op"`
	Selector string   `json:"selector,omitempty"`
	HTML     string   `json:"html,omitempty"`
	Text     string   `json:"text,omitempty"`
	Name     string   `json:"name,omitempty"`
	Value    string   `json:"value,omitempty"`
	Frames   int      `json:"frames,omitempty"`
	Duration Duration `json:"duration,omitempty"`

	// Line is the 1-based script line of the event.
	Line int `json:"-"`
}

// Validate checks that the event carries what its op needs.
func (e Event) Validate() error {
	switch e.Op {
	case OpLoad:
		if e.HTML == "" {
			return fmt.Errorf("%s requires html", e.Op)
		}
	case OpAppend:
		if e.Selector == "" || e.HTML == "" {
			return fmt.Errorf("%s requires selector and html", e.Op)
		}
	case OpSetText, OpRemove, OpClick:
		if e.Selector == "" {
			return fmt.Errorf("%s requires selector", e.Op)
		}
	case OpSetAttr:
		if e.Selector == "" || e.Name == "" {
			return fmt.Errorf("%s requires selector and name", e.Op)
		}
	case OpTitle:
	case OpTick:
		if e.Frames < 0 {
			return fmt.Errorf("%s frames must not be negative", e.Op)
		}
	case OpSleep:
		if e.Duration < 0 {
			return fmt.Errorf("%s duration must not be negative", e.Op)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// Script is a parsed page script.
type Script struct {
	Name   string
	Events []Event
}

// Parse reads a script encoded in charset ("" means UTF-8). A byte order
// mark overrides charset.
func Parse(r io.Reader, charset string) (*Script, error) {
	dec, err := decoderFor(charset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pferrors.ErrValidation, err)
	}

	scanner := bufio.NewScanner(transform.NewReader(r, dec))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	script := &Script{}
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var ev Event
		jd := json.NewDecoder(strings.NewReader(text))
		jd.DisallowUnknownFields()
		if err := jd.Decode(&ev); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", pferrors.ErrValidation, line, err)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", pferrors.ErrValidation, line, err)
		}
		ev.Line = line
		script.Events = append(script.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return script, nil
}

// ParseFile reads the script at path.
func ParseFile(path, charset string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	script, err := Parse(f, charset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	script.Name = path
	return script, nil
}
