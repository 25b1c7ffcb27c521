// Package http lets guest programs make HTTP requests and open websockets.
//
// Every operation is asynchronous: the guest starts it, and the result
// arrives later as an event on the computer's queue. Each request and
// websocket is a [resource.Resource] claimed from the computer's groups, so
// the number in flight is bounded and a computer shutting down closes them
// all. A resource delivers at most one completion event.
package http

import (
	"context"
	"errors"
	"net"
	nethttp "net/http"
	"time"

	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/resource"
	"github.com/gorilla/websocket"
	"zombiezen.com/go/log"
)

// Options are the limits applied to each request and websocket.
type Options struct {
	// Timeout bounds a whole request, or a websocket handshake.
	Timeout time.Duration
	// MaxDownload and MaxUpload bound request and response bodies.
	MaxDownload int64
	MaxUpload   int64
	// MaxMessage bounds a single websocket message in either direction.
	MaxMessage int64
	// WebsocketEnabled turns websockets on.
	WebsocketEnabled bool
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		MaxDownload:      16 << 20,
		MaxUpload:        4 << 20,
		MaxMessage:       128 << 10,
		WebsocketEnabled: true,
	}
}

// QueueFunc delivers an event to the computer that started an operation.
type QueueFunc func(name string, args ...any) error

// Client runs the HTTP operations of one computer.
type Client struct {
	HTTP       *nethttp.Client
	Dialer     *websocket.Dialer
	Rules      Rules
	Options    Options
	Requests   *resource.Group
	Websockets *resource.Group
	Bandwidth  *resource.Bandwidth
	Queue      QueueFunc
	Observer   metrics.Observer
}

// NewTransport returns a transport that checks every connection against rules.
// It is meant to be shared by all computers.
func NewTransport(rules Rules) *nethttp.Transport {
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &nethttp.Transport{
		DialContext:           rules.DialContext(d),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewDialer returns a websocket dialer that checks connections against rules.
func NewDialer(rules Rules) *websocket.Dialer {
	d := &net.Dialer{Timeout: 30 * time.Second}
	return &websocket.Dialer{
		NetDialContext:   rules.DialContext(d),
		HandshakeTimeout: 30 * time.Second,
	}
}

func (c *Client) observe(m metrics.Metric) {
	if c.Observer != nil {
		c.Observer.ObserveCounter(m)
	}
}

func (c *Client) observeValue(m metrics.Metric, v int64) {
	if c.Observer != nil && v > 0 {
		c.Observer.ObserveEvent(m, v)
	}
}

func (c *Client) queue(ctx context.Context, name string, args ...any) {
	if c.Queue == nil {
		return
	}
	if err := c.Queue(name, args...); err != nil {
		log.Warnf(ctx, "http: dropped %s event: %v", name, err)
	}
}

// Close closes every request and websocket and refuses new ones until
// Reopen.
func (c *Client) Close() error {
	return errors.Join(c.Requests.CloseAll(), c.Websockets.CloseAll())
}

// Reopen lets a client that was closed start operations again.
func (c *Client) Reopen() {
	c.Requests.Reopen()
	c.Websockets.Reopen()
}
