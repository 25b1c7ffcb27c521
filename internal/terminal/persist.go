package terminal

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MarshalPersistent encodes the terminal as a JSON document for saving.
// The format is independent of the network encoding: keys are stable and
// text is stored as Latin-1 decoded strings, one key per row.
func (t *Terminal) MarshalPersistent() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := []byte("{}")
	var err error
	set := func(path string, v any) {
		if err != nil {
			return
		}
		doc, err = sjson.SetBytes(doc, path, v)
	}

	set("term_width", t.width)
	set("term_height", t.height)
	set("term_colour", t.colour)
	set("term_cursorX", t.cursorX)
	set("term_cursorY", t.cursorY)
	set("term_cursorBlink", t.cursorBlink)
	set("term_textColour", t.textColour)
	set("term_bgColour", t.backgroundColour)
	for y, l := range t.lines {
		n := strconv.Itoa(y)
		set("term_text_"+n, DecodeString(l.Text))
		set("term_textColour_"+n, colourString(l.Foreground))
		set("term_textBgColour_"+n, colourString(l.Background))
	}
	palette := make([]int, PaletteSize)
	for i := range palette {
		palette[i] = t.palette.Packed(i)
	}
	set("term_palette", palette)

	if err != nil {
		return nil, fmt.Errorf("encode terminal: %w", err)
	}
	return doc, nil
}

// UnmarshalPersistent restores a terminal saved by MarshalPersistent.
// Missing rows are left blank; rows shorter than the width are padded.
func (t *Terminal) UnmarshalPersistent(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(data)

	width := int(doc.Get("term_width").Int())
	height := int(doc.Get("term_height").Int())
	if width < 0 || height < 0 || width > maxDimension || height > maxDimension {
		return fmt.Errorf("%w: dimensions %dx%d out of range", ErrMalformed, width, height)
	}

	lines := make([]Line, height)
	for y := range lines {
		n := strconv.Itoa(y)
		l := newLine(width, DefaultTextColour, DefaultBackgroundColour)
		copy(l.Text, EncodeLatin1(doc.Get("term_text_"+n).String()))
		parseColours(l.Foreground, doc.Get("term_textColour_"+n).String(), DefaultTextColour)
		parseColours(l.Background, doc.Get("term_textBgColour_"+n).String(), DefaultBackgroundColour)
		lines[y] = l
	}

	palette := DefaultPalette()
	for i, v := range doc.Get("term_palette").Array() {
		if i >= PaletteSize {
			break
		}
		palette[i] = fromPacked(int(v.Int()))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.width, t.height = width, height
	t.lines = lines
	t.colour = doc.Get("term_colour").Bool()
	t.cursorX = int(doc.Get("term_cursorX").Int())
	t.cursorY = int(doc.Get("term_cursorY").Int())
	t.cursorBlink = doc.Get("term_cursorBlink").Bool()
	t.textColour = uint8(doc.Get("term_textColour").Uint()) & 0xf
	t.backgroundColour = uint8(doc.Get("term_bgColour").Uint()) & 0xf
	if !doc.Get("term_bgColour").Exists() {
		t.backgroundColour = DefaultBackgroundColour
	}
	t.palette = palette
	t.markChanged()
	return nil
}

func parseColours(dst []uint8, s string, def uint8) {
	for i := range dst {
		if i >= len(s) {
			dst[i] = def
			continue
		}
		c, ok := ParseColourChar(s[i])
		if !ok {
			c = def
		}
		dst[i] = c
	}
}
