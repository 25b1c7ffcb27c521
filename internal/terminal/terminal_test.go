package terminal

import (
	"encoding/binary"
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type snapshot struct {
	Width, Height    int
	Colour           bool
	CursorX, CursorY int
	Blink            bool
	Text, Bg         uint8
	Lines            []Line
	Palette          [PaletteSize]int
}

func snap(t *Terminal) snapshot {
	s := snapshot{
		Width:   t.Width(),
		Height:  t.Height(),
		Colour:  t.IsColour(),
		Blink:   t.CursorBlink(),
		Text:    t.TextColour(),
		Bg:      t.BackgroundColour(),
	}
	s.CursorX, s.CursorY = t.CursorPos()
	for y := 0; y < s.Height; y++ {
		l, _ := t.Line(y)
		s.Lines = append(s.Lines, l)
	}
	p := t.Palette()
	for i := range s.Palette {
		s.Palette[i] = p.Packed(i)
	}
	return s
}

func TestNewTerminalIsBlank(t *testing.T) {
	term := New(3, 2, true)
	for y := 0; y < 2; y++ {
		l, ok := term.Line(y)
		if !ok {
			t.Fatalf("Line(%d) not found", y)
		}
		if got := string(l.Text); got != "   " {
			t.Errorf("line %d text = %q, want blanks", y, got)
		}
		if got := l.ForegroundString(); got != "000" {
			t.Errorf("line %d fg = %q", y, got)
		}
		if got := l.BackgroundString(); got != "fff" {
			t.Errorf("line %d bg = %q", y, got)
		}
	}
}

func TestBlit(t *testing.T) {
	term := New(5, 1, true)
	term.SetCursorPos(1, 0)
	if err := term.Blit([]byte("hey"), []byte("123"), []byte("abc")); err != nil {
		t.Fatal(err)
	}

	l, _ := term.Line(0)
	if got, want := string(l.Text), " hey "; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	if got, want := l.ForegroundString(), "01230"; got != want {
		t.Errorf("fg = %q, want %q", got, want)
	}
	if got, want := l.BackgroundString(), "fabcf"; got != want {
		t.Errorf("bg = %q, want %q", got, want)
	}
	if x, y := term.CursorPos(); x != 1 || y != 0 {
		t.Errorf("cursor moved to (%d, %d)", x, y)
	}
}

func TestBlitLengthMismatch(t *testing.T) {
	term := New(5, 1, true)
	term.Flush()

	err := term.Blit([]byte("hi"), []byte("1"), []byte("ee"))
	if !errors.Is(err, ErrBlitLength) {
		t.Fatalf("Blit error = %v, want %v", err, ErrBlitLength)
	}
	if term.Changed() {
		t.Error("failed blit marked the terminal as changed")
	}
}

func TestWriteClipsOutsideGrid(t *testing.T) {
	term := New(4, 2, false)

	term.SetCursorPos(-2, 0)
	term.Write([]byte("abcdef"))
	term.SetCursorPos(0, 5)
	term.Write([]byte("zzz"))

	l, _ := term.Line(0)
	if got, want := string(l.Text), "cdef"; got != want {
		t.Errorf("line 0 = %q, want %q", got, want)
	}
	l, _ = term.Line(1)
	if got := string(l.Text); got != "    " {
		t.Errorf("line 1 = %q, want blank", got)
	}
}

func TestScroll(t *testing.T) {
	term := New(2, 3, true)
	for y, s := range []string{"aa", "bb", "cc"} {
		term.SetCursorPos(0, y)
		term.Write([]byte(s))
	}

	term.Scroll(1)
	want := []string{"bb", "cc", "  "}
	for y, w := range want {
		l, _ := term.Line(y)
		if got := string(l.Text); got != w {
			t.Errorf("after scroll line %d = %q, want %q", y, got, w)
		}
	}

	term.Scroll(-2)
	want = []string{"  ", "  ", "bb"}
	for y, w := range want {
		l, _ := term.Line(y)
		if got := string(l.Text); got != w {
			t.Errorf("after reverse scroll line %d = %q, want %q", y, got, w)
		}
	}
}

func TestResizeKeepsContent(t *testing.T) {
	term := New(3, 2, true)
	term.SetTextColour(ColourRed)
	term.Write([]byte("abc"))

	term.Resize(5, 3)

	l, _ := term.Line(0)
	if got, want := string(l.Text), "abc  "; got != want {
		t.Errorf("line 0 = %q, want %q", got, want)
	}
	if got, want := l.ForegroundString(), "eee00"; got != want {
		t.Errorf("fg = %q, want %q", got, want)
	}
	l, _ = term.Line(2)
	if got, want := l.BackgroundString(), "fffff"; got != want {
		t.Errorf("new line bg = %q, want %q", got, want)
	}

	term.Resize(2, 1)
	l, _ = term.Line(0)
	if got, want := string(l.Text), "ab"; got != want {
		t.Errorf("after shrink line 0 = %q, want %q", got, want)
	}
}

func TestResizeFromEmptyRoundTrip(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {51, 19}, {7, 3}} {
		term := New(0, 0, true)
		calls := 0
		term.SetOnChange(func() { calls++ })

		term.Resize(size[0], size[1])
		term.Flush()
		term.Flush()
		if calls != 1 {
			t.Errorf("%v: change listener ran %d times, want 1", size, calls)
		}

		data, err := term.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		got := New(0, 0, false)
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(snap(New(size[0], size[1], true)), snap(got)); diff != "" {
			t.Errorf("%v: round trip (-want +got):\n%s", size, diff)
		}
	}
}

func TestFlushBatchesChanges(t *testing.T) {
	term := New(10, 4, true)
	calls := 0
	term.SetOnChange(func() { calls++ })

	for i := 0; i < 100; i++ {
		term.SetCursorPos(i%10, i%4)
		term.Write([]byte("x"))
		term.SetTextColour(uint8(i % 16))
	}
	if calls != 0 {
		t.Fatalf("listener ran %d times before flush", calls)
	}
	if !term.Flush() {
		t.Error("Flush reported no changes")
	}
	if term.Flush() {
		t.Error("second Flush reported changes")
	}
	if calls != 1 {
		t.Errorf("listener ran %d times, want 1", calls)
	}
}

func TestNetworkRoundTrip(t *testing.T) {
	term := New(2, 1, true)
	if err := term.Blit([]byte("hi"), []byte("11"), []byte("ee")); err != nil {
		t.Fatal(err)
	}
	term.SetCursorPos(2, 5)
	term.SetTextColour(3)
	term.SetBackgroundColour(5)

	data, err := term.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got := New(0, 0, false)
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if x, y := got.CursorPos(); x != 2 || y != 5 {
		t.Errorf("cursor = (%d, %d), want (2, 5)", x, y)
	}
	if c := got.TextColour(); c != 3 {
		t.Errorf("text colour = %d, want 3", c)
	}
	if c := got.BackgroundColour(); c != 5 {
		t.Errorf("background colour = %d, want 5", c)
	}
	if diff := cmp.Diff(snap(term), snap(got)); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestNetworkEncodingBlankLinesAreCompact(t *testing.T) {
	blank := New(51, 19, true)
	small, err := blank.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(small) > 200 {
		t.Errorf("blank 51x19 terminal encoded to %d bytes", len(small))
	}

	busy := New(51, 19, true)
	busy.SetCursorPos(0, 3)
	busy.Write([]byte("hello"))
	big, err := busy.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(big)-len(small), 2*51-1; got != want {
		t.Errorf("one written line added %d bytes, want %d", got, want)
	}
}

func TestPersistentRoundTrip(t *testing.T) {
	term := New(4, 3, true)
	term.SetCursorPos(1, 1)
	term.Write([]byte{'a', 0xe9, 0x00, 0xff})
	term.SetCursorPos(0, 2)
	if err := term.Blit([]byte("zz"), []byte("9a"), []byte("b2")); err != nil {
		t.Fatal(err)
	}
	term.SetCursorPos(-3, 7)
	term.SetCursorBlink(true)
	term.SetTextColour(ColourLime)
	term.SetBackgroundColour(ColourBlue)
	term.SetPaletteColour(4, 0.25, 0.5, 1)

	data, err := term.MarshalPersistent()
	if err != nil {
		t.Fatal(err)
	}
	got := New(0, 0, false)
	if err := got.UnmarshalPersistent(data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snap(term), snap(got)); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestUnmarshalBinaryTruncated(t *testing.T) {
	term := New(3, 3, true)
	term.Write([]byte("abc"))
	data, err := term.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < len(data); n++ {
		if err := New(0, 0, false).UnmarshalBinary(data[:n]); !errors.Is(err, ErrMalformed) {
			t.Errorf("UnmarshalBinary(data[:%d]) error = %v, want ErrMalformed", n, err)
		}
	}
}

func TestUnmarshalBinaryLargeHeaderShortBody(t *testing.T) {
	data := []byte{wireVersion}
	data = binary.AppendUvarint(data, maxDimension)
	data = binary.AppendUvarint(data, maxDimension)
	data = append(data, 0)
	data = binary.AppendVarint(data, 0)
	data = binary.AppendVarint(data, 0)
	data = append(data, 0, lineUniform, 0)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err := New(0, 0, false).UnmarshalBinary(data)
	runtime.ReadMemStats(&after)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("UnmarshalBinary error = %v, want ErrMalformed", err)
	}
	if n := after.TotalAlloc - before.TotalAlloc; n > 64<<10 {
		t.Errorf("UnmarshalBinary allocated %d bytes before rejecting %d bytes of input", n, len(data))
	}
}

func TestEncodeString(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"hello", []byte("hello")},
		{"caf\u00e9", []byte{'c', 'a', 'f', 0xe9}},
		{"e\u0301", []byte("?")},
		{"\u65e5\u672c", []byte("??")},
		{"", []byte{}},
	}
	for _, test := range tests {
		if got := EncodeString(test.in); !cmp.Equal(got, test.want) {
			t.Errorf("EncodeString(%q) = %v, want %v", test.in, got, test.want)
		}
	}

	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if got := EncodeLatin1(DecodeString(all)); !cmp.Equal(got, all) {
		t.Error("DecodeString/EncodeLatin1 does not round trip every byte")
	}
}
