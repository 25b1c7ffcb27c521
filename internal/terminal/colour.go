package terminal

import (
	"fmt"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Colour indices. Index 0 is white and index 15 is black, matching the
// hexadecimal digits used by blit.
const (
	ColourWhite uint8 = iota
	ColourOrange
	ColourMagenta
	ColourLightBlue
	ColourYellow
	ColourLime
	ColourPink
	ColourGray
	ColourLightGray
	ColourCyan
	ColourPurple
	ColourBlue
	ColourBrown
	ColourGreen
	ColourRed
	ColourBlack
)

// PaletteSize is the number of entries in a terminal palette.
const PaletteSize = 16

// Default cell colours.
const (
	DefaultTextColour       = ColourWhite
	DefaultBackgroundColour = ColourBlack
)

const hexDigits = "0123456789abcdef"

var defaultPaletteHex = [PaletteSize]string{
	"#f0f0f0", "#f2b233", "#e57fd8", "#99b2f2",
	"#dede6c", "#7fcc19", "#f2b2cc", "#4c4c4c",
	"#999999", "#4c99b2", "#b266e5", "#3366cc",
	"#7f664c", "#57a64e", "#cc4c4c", "#111111",
}

// Palette maps the 16 colour indices to RGB values.
// Entries are quantised to 8 bits per channel so the palette survives
// both serialisation formats unchanged.
type Palette [PaletteSize]colorful.Color

// DefaultPalette returns the standard palette.
func DefaultPalette() Palette {
	var p Palette
	for i, h := range defaultPaletteHex {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(fmt.Sprintf("terminal: bad default palette entry %q: %v", h, err))
		}
		p[i] = c
	}
	return p
}

// Set stores a colour at index i. Out of range indices are ignored.
func (p *Palette) Set(i int, c colorful.Color) {
	if i < 0 || i >= PaletteSize {
		return
	}
	p[i] = quantise(c)
}

// RGB returns the colour at index i as floating point channels in [0, 1].
func (p *Palette) RGB(i int) (r, g, b float64) {
	if i < 0 || i >= PaletteSize {
		return 0, 0, 0
	}
	return p[i].R, p[i].G, p[i].B
}

// Packed returns the colour at index i as 0xRRGGBB.
func (p *Palette) Packed(i int) int {
	r, g, b := p[i].RGB255()
	return int(r)<<16 | int(g)<<8 | int(b)
}

func fromPacked(v int) colorful.Color {
	return rgb255(uint8(v>>16), uint8(v>>8), uint8(v))
}

func rgb255(r, g, b uint8) colorful.Color {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

func quantise(c colorful.Color) colorful.Color {
	r, g, b := c.Clamped().RGB255()
	return rgb255(r, g, b)
}

// ColourChar returns the blit character for a colour index.
func ColourChar(c uint8) byte {
	return hexDigits[c&0xf]
}

// ParseColourChar parses a blit colour character.
func ParseColourChar(ch byte) (uint8, bool) {
	switch {
	case '0' <= ch && ch <= '9':
		return ch - '0', true
	case 'a' <= ch && ch <= 'f':
		return ch - 'a' + 10, true
	case 'A' <= ch && ch <= 'F':
		return ch - 'A' + 10, true
	default:
		return 0, false
	}
}
