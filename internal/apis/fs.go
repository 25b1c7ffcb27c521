package apis

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dshills/computercore/internal/filesystem"
	"github.com/dshills/computercore/internal/metrics"
	lua "github.com/yuin/gopher-lua"
)

// FSAPI returns the fs table over fsys.
func FSAPI(fsys *filesystem.FileSystem) *Table {
	api := NewTable("fs")
	add := func(name string, fn func(*Context, Arguments) (Results, error)) {
		api.Add(name, func(ctx *Context, args Arguments) (Results, error) {
			ctx.Observe(metrics.FSOps)
			return fn(ctx, args)
		})
	}
	path := func(args Arguments, i int, fn func(string) (Results, error)) (Results, error) {
		p, err := args.String(i)
		if err != nil {
			return nil, err
		}
		return fn(p)
	}

	add("list", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			names, err := fsys.List(p)
			if err != nil {
				return nil, err
			}
			return Results{names}, nil
		})
	})
	add("exists", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			ok, err := fsys.Exists(p)
			// Bad paths simply do not exist.
			return Results{ok && err == nil}, nil
		})
	})
	add("isDir", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			ok, err := fsys.IsDirectory(p)
			return Results{ok && err == nil}, nil
		})
	})
	add("isReadOnly", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			ok, err := fsys.IsReadOnly(p)
			return Results{ok && err == nil}, nil
		})
	})
	add("getSize", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			n, err := fsys.Size(p)
			if err != nil {
				return nil, err
			}
			return Results{n}, nil
		})
	})
	add("getFreeSpace", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			n, err := fsys.FreeSpace(p)
			if err != nil {
				return nil, err
			}
			return Results{n}, nil
		})
	})
	add("getCapacity", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			n, ok, err := fsys.Capacity(p)
			if err != nil {
				return nil, err
			}
			if !ok {
				return Results{nil}, nil
			}
			return Results{n}, nil
		})
	})
	add("getDrive", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			if ok, err := fsys.Exists(p); err != nil || !ok {
				return Results{nil}, nil
			}
			d, err := fsys.Drive(p)
			if err != nil {
				return nil, err
			}
			return Results{d}, nil
		})
	})
	add("makeDir", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			return nil, fsys.MakeDirectory(p)
		})
	})
	add("delete", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			return nil, fsys.Delete(p)
		})
	})
	add("move", func(_ *Context, args Arguments) (Results, error) {
		src, err := args.String(0)
		if err != nil {
			return nil, err
		}
		dst, err := args.String(1)
		if err != nil {
			return nil, err
		}
		return nil, fsys.Move(src, dst)
	})
	add("copy", func(_ *Context, args Arguments) (Results, error) {
		src, err := args.String(0)
		if err != nil {
			return nil, err
		}
		dst, err := args.String(1)
		if err != nil {
			return nil, err
		}
		return nil, fsys.Copy(src, dst)
	})
	add("find", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			matches, err := fsys.Find(p)
			if err != nil {
				return nil, err
			}
			return Results{matches}, nil
		})
	})
	add("attributes", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			a, err := fsys.Attributes(p)
			if err != nil {
				return nil, err
			}
			return Results{map[string]any{
				"size":       a.Size,
				"isDir":      a.IsDir,
				"isReadOnly": a.IsReadOnly,
				"created":    a.Created.UnixMilli(),
				"modified":   a.Modified.UnixMilli(),
			}}, nil
		})
	})

	// Path helpers do not touch the filesystem.
	api.Add("combine", func(_ *Context, args Arguments) (Results, error) {
		elems := make([]string, len(args))
		for i := range args {
			var err error
			if elems[i], err = args.String(i); err != nil {
				return nil, err
			}
		}
		p, err := filesystem.Combine(elems...)
		if err != nil {
			return nil, err
		}
		return Results{p}, nil
	})
	api.Add("getName", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			clean, err := filesystem.Sanitize(p, true)
			if err != nil {
				return Results{".."}, nil
			}
			return Results{filesystem.Name(clean)}, nil
		})
	})
	api.Add("getDir", func(_ *Context, args Arguments) (Results, error) {
		return path(args, 0, func(p string) (Results, error) {
			clean, err := filesystem.Sanitize(p, true)
			if err != nil {
				return Results{".."}, nil
			}
			if clean == "" {
				return Results{".."}, nil
			}
			return Results{filesystem.Dir(clean)}, nil
		})
	})

	add("open", func(ctx *Context, args Arguments) (Results, error) {
		p, err := args.String(0)
		if err != nil {
			return nil, err
		}
		mode, err := args.String(1)
		if err != nil {
			return nil, err
		}
		h, err := openFile(fsys, p, mode)
		if err != nil {
			var fe *filesystem.Error
			if errors.As(err, &fe) {
				// Expected failures are returned, not raised.
				return Results{nil, err.Error()}, nil
			}
			return nil, err
		}
		return Results{Build(ctx.L, h.methods(), nil)}, nil
	})
	return api
}

// fileHandle backs the table returned by fs.open.
type fileHandle struct {
	binary bool
	rh     filesystem.ReadHandle
	br     *bufio.Reader
	wh     filesystem.WriteHandle
	closed bool
}

var errClosedHandle = errors.New("attempt to use a closed file")

func openFile(fsys *filesystem.FileSystem, p, mode string) (*fileHandle, error) {
	switch mode {
	case "r", "rb":
		rh, err := fsys.OpenForRead(p)
		if err != nil {
			return nil, err
		}
		return &fileHandle{binary: mode == "rb", rh: rh, br: bufio.NewReader(rh)}, nil
	case "w", "wb", "a", "ab":
		wh, err := fsys.OpenForWrite(p, mode[0] == 'a')
		if err != nil {
			return nil, err
		}
		return &fileHandle{binary: len(mode) == 2, wh: wh}, nil
	default:
		return nil, fmt.Errorf("unsupported mode %q", mode)
	}
}

// ReadHandleMethods returns the methods of a handle reading from rh:
// read, readLine, readAll, seek and close. In binary mode read without a
// count returns a single byte as a number.
func ReadHandleMethods(rh filesystem.ReadHandle, binary bool) *Table {
	h := &fileHandle{binary: binary, rh: rh, br: bufio.NewReader(rh)}
	return h.methods()
}

func (h *fileHandle) methods() *Table {
	t := NewTable("handle")
	t.Add("close", h.close)
	if h.rh != nil {
		t.Add("read", h.read)
		t.Add("readLine", h.readLine)
		t.Add("readAll", h.readAll)
		t.Add("seek", h.seek)
	} else {
		t.Add("write", h.write)
		t.Add("writeLine", h.writeLine)
		t.Add("flush", h.flush)
	}
	return t
}

func (h *fileHandle) close(*Context, Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	h.closed = true
	if h.rh != nil {
		return nil, h.rh.Close()
	}
	return nil, h.wh.Close()
}

func (h *fileHandle) read(_ *Context, args Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	if h.binary && args.Get(0) == lua.LNil {
		b, err := h.br.ReadByte()
		if err == io.EOF {
			return Results{nil}, nil
		}
		if err != nil {
			return nil, err
		}
		return Results{int(b)}, nil
	}
	n, err := args.OptInt(0, 1)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("cannot read a negative number of bytes")
	}
	buf := make([]byte, n)
	m, err := io.ReadFull(h.br, buf)
	if m == 0 && n > 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		return Results{nil}, nil
	}
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return Results{buf[:m]}, nil
}

func (h *fileHandle) readLine(_ *Context, args Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	keep, err := args.OptBool(0, false)
	if err != nil {
		return nil, err
	}
	line, err := h.br.ReadBytes('\n')
	if len(line) == 0 && err == io.EOF {
		return Results{nil}, nil
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	if !keep {
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
	}
	return Results{line}, nil
}

func (h *fileHandle) readAll(*Context, Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	b, err := io.ReadAll(h.br)
	if err != nil {
		return nil, err
	}
	return Results{b}, nil
}

func (h *fileHandle) seek(_ *Context, args Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	whence, err := args.OptString(0, "cur")
	if err != nil {
		return nil, err
	}
	offset, err := args.OptInt(1, 0)
	if err != nil {
		return nil, err
	}
	var w int
	switch whence {
	case "set":
		w = io.SeekStart
	case "cur":
		w = io.SeekCurrent
		// The underlying reader is ahead by what bufio holds.
		offset -= h.br.Buffered()
	case "end":
		w = io.SeekEnd
	default:
		return nil, fmt.Errorf("bad argument #1 (invalid option '%s')", whence)
	}
	pos, err := h.rh.Seek(int64(offset), w)
	if err != nil {
		return Results{nil, err.Error()}, nil
	}
	h.br.Reset(h.rh)
	return Results{pos}, nil
}

func (h *fileHandle) write(_ *Context, args Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	var b []byte
	if n, ok := args.Get(0).(lua.LNumber); ok && h.binary {
		b = []byte{byte(int(n))}
	} else {
		b = []byte(luaToString(args.Get(0)))
	}
	_, err := h.wh.Write(b)
	return nil, err
}

func (h *fileHandle) writeLine(_ *Context, args Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	b := append([]byte(luaToString(args.Get(0))), '\n')
	_, err := h.wh.Write(b)
	return nil, err
}

func (h *fileHandle) flush(*Context, Arguments) (Results, error) {
	if h.closed {
		return nil, errClosedHandle
	}
	return nil, nil
}
