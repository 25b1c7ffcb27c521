package apis

import (
	"fmt"
	"math/bits"

	"github.com/dshills/computercore/internal/terminal"
	lua "github.com/yuin/gopher-lua"
)

// Colours are passed to and from guests as single-bit flags:
// colour index i is 1<<i.

func colourArg(args Arguments, i int) (uint8, error) {
	n, err := args.Int(i)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n >= 1<<terminal.PaletteSize {
		return 0, fmt.Errorf("colour out of range")
	}
	return uint8(bits.Len(uint(n)) - 1), nil
}

func colourFlag(c uint8) int { return 1 << c }

// TermAPI returns the term table, drawing on t.
func TermAPI(t *terminal.Terminal) *Table {
	api := NewTable("term")
	api.Add("write", func(_ *Context, args Arguments) (Results, error) {
		s, err := args.String(0)
		if err != nil {
			// write accepts any value and prints its string form.
			s = luaToString(args.Get(0))
		}
		t.Write([]byte(s))
		x, y := t.CursorPos()
		t.SetCursorPos(x+len(s), y)
		return nil, nil
	})
	api.Add("scroll", func(_ *Context, args Arguments) (Results, error) {
		n, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		t.Scroll(n)
		return nil, nil
	})
	api.Add("setCursorPos", func(_ *Context, args Arguments) (Results, error) {
		x, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		y, err := args.Int(1)
		if err != nil {
			return nil, err
		}
		t.SetCursorPos(x-1, y-1)
		return nil, nil
	})
	api.Add("getCursorPos", func(*Context, Arguments) (Results, error) {
		x, y := t.CursorPos()
		return Results{x + 1, y + 1}, nil
	})
	api.Add("setCursorBlink", func(_ *Context, args Arguments) (Results, error) {
		b, err := args.Bool(0)
		if err != nil {
			return nil, err
		}
		t.SetCursorBlink(b)
		return nil, nil
	})
	api.Add("getCursorBlink", func(*Context, Arguments) (Results, error) {
		return Results{t.CursorBlink()}, nil
	})
	api.Add("getSize", func(*Context, Arguments) (Results, error) {
		return Results{t.Width(), t.Height()}, nil
	})
	api.Add("clear", func(*Context, Arguments) (Results, error) {
		t.Clear()
		return nil, nil
	})
	api.Add("clearLine", func(*Context, Arguments) (Results, error) {
		t.ClearLine()
		return nil, nil
	})
	api.Add("setTextColour", func(_ *Context, args Arguments) (Results, error) {
		c, err := colourArg(args, 0)
		if err != nil {
			return nil, err
		}
		t.SetTextColour(c)
		return nil, nil
	})
	api.Alias("setTextColor", "setTextColour")
	api.Add("getTextColour", func(*Context, Arguments) (Results, error) {
		return Results{colourFlag(t.TextColour())}, nil
	})
	api.Alias("getTextColor", "getTextColour")
	api.Add("setBackgroundColour", func(_ *Context, args Arguments) (Results, error) {
		c, err := colourArg(args, 0)
		if err != nil {
			return nil, err
		}
		t.SetBackgroundColour(c)
		return nil, nil
	})
	api.Alias("setBackgroundColor", "setBackgroundColour")
	api.Add("getBackgroundColour", func(*Context, Arguments) (Results, error) {
		return Results{colourFlag(t.BackgroundColour())}, nil
	})
	api.Alias("getBackgroundColor", "getBackgroundColour")
	api.Add("isColour", func(*Context, Arguments) (Results, error) {
		return Results{t.IsColour()}, nil
	})
	api.Alias("isColor", "isColour")
	api.Add("blit", func(_ *Context, args Arguments) (Results, error) {
		var s [3]string
		for i := range s {
			var err error
			if s[i], err = args.String(i); err != nil {
				return nil, err
			}
		}
		if err := t.Blit([]byte(s[0]), []byte(s[1]), []byte(s[2])); err != nil {
			return nil, err
		}
		x, y := t.CursorPos()
		t.SetCursorPos(x+len(s[0]), y)
		return nil, nil
	})
	api.Add("setPaletteColour", func(_ *Context, args Arguments) (Results, error) {
		c, err := colourArg(args, 0)
		if err != nil {
			return nil, err
		}
		var r, g, b float64
		if args.Get(2) == lua.LNil {
			hex, err := args.Int(1)
			if err != nil {
				return nil, err
			}
			r = float64(hex>>16&0xff) / 255
			g = float64(hex>>8&0xff) / 255
			b = float64(hex&0xff) / 255
		} else {
			for i, dst := range []*float64{&r, &g, &b} {
				if *dst, err = args.Float(1 + i); err != nil {
					return nil, err
				}
			}
		}
		t.SetPaletteColour(int(c), r, g, b)
		return nil, nil
	})
	api.Alias("setPaletteColor", "setPaletteColour")
	api.Add("getPaletteColour", func(_ *Context, args Arguments) (Results, error) {
		c, err := colourArg(args, 0)
		if err != nil {
			return nil, err
		}
		r, g, b := t.PaletteColour(int(c))
		return Results{r, g, b}, nil
	})
	api.Alias("getPaletteColor", "getPaletteColour")
	api.Add("nativePaletteColour", func(_ *Context, args Arguments) (Results, error) {
		c, err := colourArg(args, 0)
		if err != nil {
			return nil, err
		}
		p := terminal.DefaultPalette()
		r, g, b := p.RGB(int(c))
		return Results{r, g, b}, nil
	})
	api.Alias("nativePaletteColor", "nativePaletteColour")
	return api
}

func luaToString(v lua.LValue) string {
	if v == lua.LNil {
		return ""
	}
	return v.String()
}
