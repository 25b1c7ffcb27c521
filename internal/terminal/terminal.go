package terminal

import (
	"sync"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Line is a single row of the terminal grid.
// All three buffers have the terminal's width.
type Line struct {
	Text       []byte
	Foreground []uint8
	Background []uint8
}

func newLine(width int, fg, bg uint8) Line {
	l := Line{
		Text:       make([]byte, width),
		Foreground: make([]uint8, width),
		Background: make([]uint8, width),
	}
	l.fill(fg, bg)
	return l
}

func (l Line) fill(fg, bg uint8) {
	for i := range l.Text {
		l.Text[i] = ' '
		l.Foreground[i] = fg
		l.Background[i] = bg
	}
}

func (l Line) clone() Line {
	return Line{
		Text:       append([]byte(nil), l.Text...),
		Foreground: append([]uint8(nil), l.Foreground...),
		Background: append([]uint8(nil), l.Background...),
	}
}

// uniform reports whether the line is all spaces in a single pair of colours.
func (l Line) uniform() (fg, bg uint8, ok bool) {
	if len(l.Text) == 0 {
		return DefaultTextColour, DefaultBackgroundColour, true
	}
	fg, bg = l.Foreground[0], l.Background[0]
	for i := range l.Text {
		if l.Text[i] != ' ' || l.Foreground[i] != fg || l.Background[i] != bg {
			return 0, 0, false
		}
	}
	return fg, bg, true
}

// String returns the text of the line decoded for display on the host.
func (l Line) String() string {
	return DecodeString(l.Text)
}

// ForegroundString returns the foreground colours as blit characters.
func (l Line) ForegroundString() string {
	return colourString(l.Foreground)
}

// BackgroundString returns the background colours as blit characters.
func (l Line) BackgroundString() string {
	return colourString(l.Background)
}

func colourString(cs []uint8) string {
	b := make([]byte, len(cs))
	for i, c := range cs {
		b[i] = ColourChar(c)
	}
	return string(b)
}

// Terminal is a fixed-size grid of characters with a cursor and a colour palette.
//
// The cursor is not clamped: it may sit outside the grid, in which case writes
// are silently clipped. Mutations mark the terminal as changed; the change
// listener runs from Flush, at most once per batch of mutations.
//
// Terminal is safe for concurrent use.
type Terminal struct {
	mu sync.Mutex

	width  int
	height int
	colour bool
	lines  []Line

	cursorX     int
	cursorY     int
	cursorBlink bool

	textColour       uint8
	backgroundColour uint8
	palette          Palette

	changed  bool
	onChange func()
}

// New creates a blank terminal. Negative dimensions are treated as zero.
func New(width, height int, colour bool) *Terminal {
	width, height = max(width, 0), max(height, 0)
	t := &Terminal{
		width:            width,
		height:           height,
		colour:           colour,
		textColour:       DefaultTextColour,
		backgroundColour: DefaultBackgroundColour,
		palette:          DefaultPalette(),
	}
	t.lines = make([]Line, height)
	for y := range t.lines {
		t.lines[y] = newLine(width, DefaultTextColour, DefaultBackgroundColour)
	}
	return t
}

// SetOnChange installs the listener that Flush calls after a batch of changes.
func (t *Terminal) SetOnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Flush runs the change listener if anything changed since the last flush.
// It reports whether the terminal had changed.
func (t *Terminal) Flush() bool {
	t.mu.Lock()
	if !t.changed {
		t.mu.Unlock()
		return false
	}
	t.changed = false
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Changed reports whether there are unflushed changes.
func (t *Terminal) Changed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

func (t *Terminal) markChanged() {
	t.changed = true
}

// Width returns the number of columns.
func (t *Terminal) Width() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width
}

// Height returns the number of rows.
func (t *Terminal) Height() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height
}

// IsColour reports whether the terminal supports colours other than black and white.
func (t *Terminal) IsColour() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.colour
}

// Resize changes the grid dimensions. Existing content is kept anchored at
// the top left corner; cells that did not exist before are blank with the
// default colours.
func (t *Terminal) Resize(width, height int) {
	width, height = max(width, 0), max(height, 0)

	t.mu.Lock()
	defer t.mu.Unlock()

	if width == t.width && height == t.height {
		return
	}

	lines := make([]Line, height)
	for y := range lines {
		l := newLine(width, DefaultTextColour, DefaultBackgroundColour)
		if y < len(t.lines) {
			old := t.lines[y]
			copy(l.Text, old.Text)
			copy(l.Foreground, old.Foreground)
			copy(l.Background, old.Background)
		}
		lines[y] = l
	}

	t.width, t.height = width, height
	t.lines = lines
	t.markChanged()
}

// SetCursorPos moves the cursor. Coordinates are zero based.
func (t *Terminal) SetCursorPos(x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorX == x && t.cursorY == y {
		return
	}
	t.cursorX, t.cursorY = x, y
	t.markChanged()
}

// CursorPos returns the zero based cursor position.
func (t *Terminal) CursorPos() (x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursorX, t.cursorY
}

// SetCursorBlink sets whether the cursor is displayed.
func (t *Terminal) SetCursorBlink(blink bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorBlink == blink {
		return
	}
	t.cursorBlink = blink
	t.markChanged()
}

// CursorBlink reports whether the cursor is displayed.
func (t *Terminal) CursorBlink() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursorBlink
}

// SetTextColour sets the foreground colour used by Write.
func (t *Terminal) SetTextColour(c uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c &= 0xf
	if t.textColour == c {
		return
	}
	t.textColour = c
	t.markChanged()
}

// TextColour returns the current foreground colour.
func (t *Terminal) TextColour() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.textColour
}

// SetBackgroundColour sets the background colour used by Write and Clear.
func (t *Terminal) SetBackgroundColour(c uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c &= 0xf
	if t.backgroundColour == c {
		return
	}
	t.backgroundColour = c
	t.markChanged()
}

// BackgroundColour returns the current background colour.
func (t *Terminal) BackgroundColour() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backgroundColour
}

// Write places text at the cursor in the current colours.
// The cursor does not move and the text does not wrap.
func (t *Terminal) Write(text []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cursorY < 0 || t.cursorY >= t.height {
		return
	}
	line := t.lines[t.cursorY]
	wrote := false
	for i, ch := range text {
		x := t.cursorX + i
		if x < 0 {
			continue
		}
		if x >= t.width {
			break
		}
		line.Text[x] = ch
		line.Foreground[x] = t.textColour
		line.Background[x] = t.backgroundColour
		wrote = true
	}
	if wrote {
		t.markChanged()
	}
}

// Blit writes text with a colour per character. fg and bg hold blit colour
// characters ('0'-'9', 'a'-'f'); unrecognised characters use the current
// colours. All three arguments must have the same length.
// The cursor does not move and the text does not wrap.
func (t *Terminal) Blit(text, fg, bg []byte) error {
	if len(text) != len(fg) || len(text) != len(bg) {
		return ErrBlitLength
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cursorY < 0 || t.cursorY >= t.height {
		return nil
	}
	line := t.lines[t.cursorY]
	wrote := false
	for i := range text {
		x := t.cursorX + i
		if x < 0 {
			continue
		}
		if x >= t.width {
			break
		}
		f, ok := ParseColourChar(fg[i])
		if !ok {
			f = t.textColour
		}
		b, ok := ParseColourChar(bg[i])
		if !ok {
			b = t.backgroundColour
		}
		line.Text[x] = text[i]
		line.Foreground[x] = f
		line.Background[x] = b
		wrote = true
	}
	if wrote {
		t.markChanged()
	}
	return nil
}

// Clear blanks every cell using the current colours.
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.lines {
		l.fill(t.textColour, t.backgroundColour)
	}
	t.markChanged()
}

// ClearLine blanks the row the cursor is on.
func (t *Terminal) ClearLine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorY < 0 || t.cursorY >= t.height {
		return
	}
	t.lines[t.cursorY].fill(t.textColour, t.backgroundColour)
	t.markChanged()
}

// Scroll moves the content up by n rows (down when n is negative).
// Rows scrolled in are blank in the current colours.
func (t *Terminal) Scroll(n int) {
	if n == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	lines := make([]Line, t.height)
	for y := range lines {
		src := y + n
		if src >= 0 && src < t.height {
			lines[y] = t.lines[src]
		} else {
			lines[y] = newLine(t.width, t.textColour, t.backgroundColour)
		}
	}
	t.lines = lines
	t.markChanged()
}

// Line returns a copy of row y. The second result is false if y is out of range.
func (t *Terminal) Line(y int) (Line, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if y < 0 || y >= t.height {
		return Line{}, false
	}
	return t.lines[y].clone(), true
}

// Palette returns a copy of the palette.
func (t *Terminal) Palette() Palette {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.palette
}

// SetPaletteColour changes one palette entry. Channels are in [0, 1].
func (t *Terminal) SetPaletteColour(i int, r, g, b float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.palette.Set(i, colorful.Color{R: r, G: g, B: b})
	t.markChanged()
}

// PaletteColour returns one palette entry.
func (t *Terminal) PaletteColour(i int) (r, g, b float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.palette.RGB(i)
}

// Reset restores a blank screen, home cursor, default colours and palette.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursorX, t.cursorY = 0, 0
	t.cursorBlink = false
	t.textColour = DefaultTextColour
	t.backgroundColour = DefaultBackgroundColour
	t.palette = DefaultPalette()
	for _, l := range t.lines {
		l.fill(DefaultTextColour, DefaultBackgroundColour)
	}
	t.markChanged()
}

// WriteString writes host text (UTF-8) at the cursor.
// See EncodeString for the character mapping.
func (t *Terminal) WriteString(s string) {
	t.Write(EncodeString(s))
}
