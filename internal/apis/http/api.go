package http

import (
	"github.com/dshills/computercore/internal/apis"
	luart "github.com/dshills/computercore/internal/lua"
	lua "github.com/yuin/gopher-lua"
)

// API returns the http table for c.
//
// request and websocket return true once the operation has started, or
// false and a message when it cannot start; the outcome arrives as events.
func API(c *Client) *apis.Table {
	api := apis.NewTable("http")
	api.Add("request", func(ctx *apis.Context, args apis.Arguments) (apis.Results, error) {
		opts, err := requestOptions(args)
		if err != nil {
			return nil, err
		}
		if _, err := c.Request(ctx, opts); err != nil {
			return apis.Results{false, err.Error()}, nil
		}
		return apis.Results{true}, nil
	})
	api.Add("checkURL", func(_ *apis.Context, args apis.Arguments) (apis.Results, error) {
		raw, err := args.String(0)
		if err != nil {
			return nil, err
		}
		if _, err := c.Rules.CheckURL(raw, "http", "https"); err != nil {
			return apis.Results{false, err.Error()}, nil
		}
		return apis.Results{true}, nil
	})
	api.Add("websocket", func(ctx *apis.Context, args apis.Arguments) (apis.Results, error) {
		raw, err := args.String(0)
		if err != nil {
			return nil, err
		}
		t, err := args.OptTable(1)
		if err != nil {
			return nil, err
		}
		if _, err := c.Websocket(ctx, raw, stringMap(t)); err != nil {
			return apis.Results{false, err.Error()}, nil
		}
		return apis.Results{true}, nil
	})
	return api
}

// requestOptions accepts either positional arguments
// (url, body, headers, binary) or a single table with the fields url, body,
// headers, method, binary and redirect.
func requestOptions(args apis.Arguments) (RequestOptions, error) {
	var opts RequestOptions
	if t, ok := args.Get(0).(*lua.LTable); ok {
		u, ok := t.RawGetString("url").(lua.LString)
		if !ok {
			return opts, &apis.ArgError{Index: 0, Expected: "string", Got: t.RawGetString("url").Type().String()}
		}
		opts.URL = string(u)
		if b, ok := t.RawGetString("body").(lua.LString); ok {
			opts.Body = []byte(b)
		}
		if m, ok := t.RawGetString("method").(lua.LString); ok {
			opts.Method = string(m)
		}
		if h, ok := t.RawGetString("headers").(*lua.LTable); ok {
			opts.Headers = stringMap(h)
		}
		opts.Binary = lua.LVAsBool(t.RawGetString("binary"))
		opts.NoRedirect = t.RawGetString("redirect") == lua.LFalse
		return opts, nil
	}

	var err error
	if opts.URL, err = args.String(0); err != nil {
		return opts, err
	}
	if args.Get(1) != lua.LNil {
		body, err := args.String(1)
		if err != nil {
			return opts, err
		}
		opts.Body = []byte(body)
	}
	h, err := args.OptTable(2)
	if err != nil {
		return opts, err
	}
	opts.Headers = stringMap(h)
	if opts.Binary, err = args.OptBool(3, false); err != nil {
		return opts, err
	}
	return opts, nil
}

// stringMap converts a header table, skipping entries that are not strings.
func stringMap(t *lua.LTable) map[string]string {
	if t == nil {
		return nil
	}
	m := make(map[string]string)
	for _, k := range luart.StringKeys(t) {
		switch v := t.RawGetString(k).(type) {
		case lua.LString:
			m[k] = string(v)
		case lua.LNumber:
			m[k] = v.String()
		}
	}
	return m
}
