package terminal

import (
	"encoding/binary"
	"fmt"
	"io"
)

const wireVersion = 1

const (
	flagColour = 1 << iota
	flagCursorBlink
)

// Line tags in the network encoding.
const (
	lineUniform = 0 // all spaces in one colour pair: one packed colour byte follows
	lineFull    = 1 // width text bytes, then width packed colour bytes
)

func packColours(fg, bg uint8) byte {
	return bg<<4 | fg&0xf
}

func unpackColours(b byte) (fg, bg uint8) {
	return b & 0xf, b >> 4
}

// AppendBinary appends the network encoding of the terminal to b.
//
// Blank lines (all spaces in a single colour pair) are written as two bytes
// instead of three buffers, which keeps updates of a mostly empty screen small.
func (t *Terminal) AppendBinary(b []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b = append(b, wireVersion)
	b = binary.AppendUvarint(b, uint64(t.width))
	b = binary.AppendUvarint(b, uint64(t.height))

	var flags byte
	if t.colour {
		flags |= flagColour
	}
	if t.cursorBlink {
		flags |= flagCursorBlink
	}
	b = append(b, flags)
	b = binary.AppendVarint(b, int64(t.cursorX))
	b = binary.AppendVarint(b, int64(t.cursorY))
	b = append(b, packColours(t.textColour, t.backgroundColour))

	for _, l := range t.lines {
		if fg, bg, ok := l.uniform(); ok {
			b = append(b, lineUniform, packColours(fg, bg))
			continue
		}
		b = append(b, lineFull)
		b = append(b, l.Text...)
		for x := range l.Text {
			b = append(b, packColours(l.Foreground[x], l.Background[x]))
		}
	}

	for i := range t.palette {
		r, g, bl := t.palette[i].RGB255()
		b = append(b, r, g, bl)
	}
	return b, nil
}

// MarshalBinary returns the network encoding of the terminal.
func (t *Terminal) MarshalBinary() ([]byte, error) {
	return t.AppendBinary(nil)
}

// Encode writes the network encoding of the terminal to w.
func (t *Terminal) Encode(w io.Writer) error {
	b, err := t.AppendBinary(nil)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decode reads a network encoding from r until EOF.
func (t *Terminal) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("decode terminal: %w", err)
	}
	return t.UnmarshalBinary(data)
}

// UnmarshalBinary replaces the terminal's state, including its dimensions,
// with a network encoding produced by MarshalBinary.
func (t *Terminal) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}

	if v := d.byte(); v != wireVersion && d.err == nil {
		return fmt.Errorf("%w: unknown version %d", ErrMalformed, v)
	}
	width := d.uvarint()
	height := d.uvarint()
	if d.err == nil && (width > maxDimension || height > maxDimension) {
		return fmt.Errorf("%w: dimensions %dx%d too large", ErrMalformed, width, height)
	}
	flags := d.byte()
	cursorX := d.varint()
	cursorY := d.varint()
	textColour, bgColour := unpackColours(d.byte())
	if d.err != nil {
		return d.err
	}
	// A uniform line is the shortest encoding, at two bytes.
	if need := height*2 + PaletteSize*3; uint64(len(d.buf)) < need {
		d.fail()
		return d.err
	}

	lines := make([]Line, height)
	for y := range lines {
		switch tag := d.byte(); tag {
		case lineUniform:
			fg, bg := unpackColours(d.byte())
			lines[y] = newLine(int(width), fg, bg)
		case lineFull:
			l := newLine(int(width), DefaultTextColour, DefaultBackgroundColour)
			copy(l.Text, d.bytes(int(width)))
			for x, c := range d.bytes(int(width)) {
				l.Foreground[x], l.Background[x] = unpackColours(c)
			}
			lines[y] = l
		default:
			if d.err == nil {
				d.err = fmt.Errorf("%w: line %d has unknown tag %d", ErrMalformed, y, tag)
			}
		}
		if d.err != nil {
			return d.err
		}
	}

	var palette Palette
	for i := range palette {
		rgb := d.bytes(3)
		if d.err != nil {
			return d.err
		}
		palette[i] = rgb255(rgb[0], rgb[1], rgb[2])
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.width, t.height = int(width), int(height)
	t.lines = lines
	t.colour = flags&flagColour != 0
	t.cursorBlink = flags&flagCursorBlink != 0
	t.cursorX, t.cursorY = int(cursorX), int(cursorY)
	t.textColour, t.backgroundColour = textColour, bgColour
	t.palette = palette
	t.markChanged()
	return nil
}

const maxDimension = 4096

// decoder reads the network encoding, remembering the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: unexpected end of data", ErrMalformed)
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail()
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		d.fail()
		return make([]byte, n)
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}
