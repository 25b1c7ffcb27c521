package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/dshills/computercore/internal/apis"
	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/resource"
	lua "github.com/yuin/gopher-lua"
	"zombiezen.com/go/log"
)

// Errors for requests rejected before they start.
var (
	ErrRequestTooLarge  = errors.New("Request body is too large")
	ErrResponseTooLarge = errors.New("Response is too large")
	ErrBadMethod        = errors.New("Unsupported HTTP method")
)

const maxRedirects = 16

// RequestOptions describe one request.
type RequestOptions struct {
	URL string
	// Method defaults to GET, or POST when there is a body.
	Method  string
	Headers map[string]string
	Body    []byte
	// Binary makes the response handle's read return bytes as numbers.
	Binary bool
	// NoRedirect returns 3xx responses instead of following them.
	NoRedirect bool
}

// Request is an HTTP request in flight.
// It queues exactly one of http_success or http_failure, unless it is
// closed first.
type Request struct {
	resource.Base
	c      *Client
	url    string
	cancel context.CancelFunc
}

// Close abandons the request. No event is queued after Close.
func (r *Request) Close() error {
	if r.TryClose() {
		r.cancel()
	}
	return nil
}

func (r *Request) finish(ctx context.Context, name string, args ...any) {
	if !r.TryClose() {
		return
	}
	r.c.queue(ctx, name, append([]any{r.url}, args...)...)
}

// Request checks opts and starts the request. Errors are returned for
// requests that cannot start: a forbidden URL, an oversized body, or too
// many requests in flight.
func (c *Client) Request(ctx context.Context, opts RequestOptions) (*Request, error) {
	u, err := c.Rules.CheckURL(opts.URL, "http", "https")
	if err != nil {
		return nil, err
	}
	if c.Options.MaxUpload > 0 && int64(len(opts.Body)) > c.Options.MaxUpload {
		return nil, ErrRequestTooLarge
	}
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = nethttp.MethodGet
		if opts.Body != nil {
			method = nethttp.MethodPost
		}
	}
	if !validMethod(method) {
		return nil, ErrBadMethod
	}

	// The request outlives the call that started it.
	ctx = context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if c.Options.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Options.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r := &Request{c: c, url: opts.URL, cancel: cancel}
	if err := c.Requests.Claim(r); err != nil {
		cancel()
		return nil, err
	}
	c.observe(metrics.HTTPRequests)
	go r.run(ctx, u, method, opts)
	return r, nil
}

func validMethod(m string) bool {
	switch m {
	case nethttp.MethodGet, nethttp.MethodPost, nethttp.MethodHead, nethttp.MethodPut,
		nethttp.MethodPatch, nethttp.MethodDelete, nethttp.MethodOptions, nethttp.MethodTrace:
		return true
	}
	return false
}

func (r *Request) run(ctx context.Context, u *url.URL, method string, opts RequestOptions) {
	defer r.cancel()

	var body io.Reader
	if opts.Body != nil {
		// The body is fed through a pipe so sending it draws on the upload
		// budget as the transport consumes it.
		pr, pw := io.Pipe()
		go func() {
			_, err := r.c.Bandwidth.Writer(ctx, pw).Write(opts.Body)
			pw.CloseWithError(err)
		}()
		body = pr
	}
	req, err := nethttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		r.finish(ctx, "http_failure", failureMessage(err))
		return
	}
	req.ContentLength = int64(len(opts.Body))
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "computercore/1.0")
	}

	hc := *r.c.HTTP
	hc.CheckRedirect = func(next *nethttp.Request, via []*nethttp.Request) error {
		if opts.NoRedirect {
			return nethttp.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return errors.New("Too many redirects")
		}
		_, err := r.c.Rules.CheckURL(next.URL.String(), "http", "https")
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		log.Debugf(ctx, "http: %s %s: %v", method, opts.URL, err)
		r.finish(ctx, "http_failure", failureMessage(err))
		return
	}
	defer resp.Body.Close()
	r.c.observeValue(metrics.HTTPUpload, int64(len(opts.Body)))

	limit := r.c.Options.MaxDownload
	if limit > 0 && resp.ContentLength > limit {
		r.finish(ctx, "http_failure", ErrResponseTooLarge.Error())
		return
	}
	var src io.Reader = r.c.Bandwidth.Reader(ctx, resp.Body)
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	data, err := io.ReadAll(src)
	r.c.observeValue(metrics.HTTPDownload, int64(len(data)))
	if err != nil {
		r.finish(ctx, "http_failure", failureMessage(err))
		return
	}
	if limit > 0 && int64(len(data)) > limit {
		r.finish(ctx, "http_failure", ErrResponseTooLarge.Error())
		return
	}

	res := &Response{
		Code:    resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
		Body:    data,
		Binary:  opts.Binary,
	}
	for k := range resp.Header {
		res.Headers[k] = resp.Header.Get(k)
	}
	if resp.StatusCode >= 400 {
		r.finish(ctx, "http_failure", res.StatusText(), res)
		return
	}
	r.finish(ctx, "http_success", res)
}

// failureMessage turns a transport error into the text a guest sees.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out"
	case errors.Is(err, ErrDomainNotPermitted):
		return ErrDomainNotPermitted.Error()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return "Could not connect"
	}
	return err.Error()
}

// Response is a completed request, handed to the guest as a readable
// handle.
type Response struct {
	Code    int
	Headers map[string]string
	Body    []byte
	Binary  bool
}

// StatusText returns the reason phrase for the response code.
func (r *Response) StatusText() string {
	if s := nethttp.StatusText(r.Code); s != "" {
		return s
	}
	return fmt.Sprintf("Status %d", r.Code)
}

type bodyReader struct{ *bytes.Reader }

func (bodyReader) Close() error { return nil }

// LuaValue builds the response handle: the read methods of a file handle
// plus getResponseCode and getResponseHeaders.
func (r *Response) LuaValue(L *lua.LState) lua.LValue {
	t := apis.ReadHandleMethods(bodyReader{bytes.NewReader(r.Body)}, r.Binary)
	t.Add("getResponseCode", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		return apis.Results{r.Code, r.StatusText()}, nil
	})
	t.Add("getResponseHeaders", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		return apis.Results{r.Headers}, nil
	})
	return apis.Build(L, t, nil)
}
