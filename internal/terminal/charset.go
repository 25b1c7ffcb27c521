package terminal

import (
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/text/encoding/charmap"
)

// EncodeString converts host text to the terminal's single-byte character set.
// Each grapheme cluster occupies one cell; clusters that are not a single
// Latin-1 code point become '?'.
func EncodeString(s string) []byte {
	out := make([]byte, 0, len(s))
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		runes := g.Runes()
		if len(runes) == 1 {
			if b, ok := charmap.ISO8859_1.EncodeRune(runes[0]); ok {
				out = append(out, b)
				continue
			}
		}
		out = append(out, '?')
	}
	return out
}

// EncodeLatin1 converts a string produced by DecodeString back to bytes.
// Unlike EncodeString it maps code points one to one.
func EncodeLatin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.ISO8859_1.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}

// DecodeString converts terminal bytes to UTF-8 for display on the host.
func DecodeString(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(charmap.ISO8859_1.DecodeByte(c))
	}
	return sb.String()
}
