package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dshills/computercore/internal/terminal"
)

// screen prints a terminal's contents to the host. In ANSI mode it redraws
// in place using 24-bit colour from the palette; otherwise each frame is
// printed as plain text after a rule.
type screen struct {
	w    io.Writer
	ansi bool
}

func (s *screen) draw(t *terminal.Terminal) error {
	bw := bufio.NewWriter(s.w)
	if s.ansi {
		s.drawANSI(bw, t)
	} else {
		s.drawPlain(bw, t)
	}
	return bw.Flush()
}

func (s *screen) drawPlain(w *bufio.Writer, t *terminal.Terminal) {
	lines := make([]string, 0, t.Height())
	for y := range t.Height() {
		line, _ := t.Line(y)
		lines = append(lines, strings.TrimRight(line.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	w.WriteString(strings.Repeat("-", t.Width()))
	w.WriteString("\n")
	for _, l := range lines {
		w.WriteString(l)
		w.WriteString("\n")
	}
}

func (s *screen) drawANSI(w *bufio.Writer, t *terminal.Terminal) {
	palette := t.Palette()
	w.WriteString("\x1b[?25l\x1b[H")
	for y := range t.Height() {
		line, _ := t.Line(y)
		text := []rune(line.String())
		fg, bg := -1, -1
		for x, r := range text {
			if x >= len(line.Foreground) {
				break
			}
			if f := int(line.Foreground[x]); f != fg {
				fg = f
				writeColour(w, 38, &palette, fg)
			}
			if b := int(line.Background[x]); b != bg {
				bg = b
				writeColour(w, 48, &palette, bg)
			}
			w.WriteRune(r)
		}
		w.WriteString("\x1b[0m\r\n")
	}
	if x, y := t.CursorPos(); t.CursorBlink() && x >= 0 && x < t.Width() && y >= 0 && y < t.Height() {
		fmt.Fprintf(w, "\x1b[%d;%dH\x1b[?25h", y+1, x+1)
	}
}

func writeColour(w *bufio.Writer, sgr int, p *terminal.Palette, c int) {
	v := p.Packed(c)
	fmt.Fprintf(w, "\x1b[%d;2;%d;%d;%dm", sgr, v>>16&0xff, v>>8&0xff, v&0xff)
}
