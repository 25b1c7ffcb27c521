package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/dshills/computercore/internal/apis"
	"github.com/dshills/computercore/internal/metrics"
	"github.com/dshills/computercore/internal/resource"
	"github.com/gorilla/websocket"
	lua "github.com/yuin/gopher-lua"
	"zombiezen.com/go/log"
)

var (
	ErrWebsocketDisabled = errors.New("Websocket connections are disabled")
	ErrMessageTooLarge   = errors.New("Message is too large")
	ErrWebsocketClosed   = errors.New("attempt to use a closed websocket")
)

// Websocket is an open or connecting websocket.
//
// It queues websocket_success or websocket_failure once the handshake
// finishes, then websocket_message for each message received and
// websocket_closed if the server closes the connection. Nothing is queued
// after Close.
type Websocket struct {
	resource.Base
	c      *Client
	url    string
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// Websocket checks rawURL and starts connecting.
func (c *Client) Websocket(ctx context.Context, rawURL string, headers map[string]string) (*Websocket, error) {
	if !c.Options.WebsocketEnabled {
		return nil, ErrWebsocketDisabled
	}
	u, err := c.Rules.CheckURL(rawURL, "ws", "wss")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws := &Websocket{c: c, url: rawURL, cancel: cancel}
	if err := c.Websockets.Claim(ws); err != nil {
		cancel()
		return nil, err
	}
	h := make(nethttp.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	go ws.connect(ctx, u.String(), h)
	return ws, nil
}

func (ws *Websocket) connect(ctx context.Context, target string, h nethttp.Header) {
	dialCtx := ctx
	if t := ws.c.Options.Timeout; t > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	conn, _, err := ws.c.Dialer.DialContext(dialCtx, target, h)
	if err != nil {
		log.Debugf(ctx, "http: websocket %s: %v", ws.url, err)
		if ws.TryClose() {
			ws.cancel()
			ws.c.queue(ctx, "websocket_failure", ws.url, failureMessage(err))
		}
		return
	}
	if ws.c.Options.MaxMessage > 0 {
		conn.SetReadLimit(ws.c.Options.MaxMessage)
	}

	ws.mu.Lock()
	if ws.IsClosed() {
		ws.mu.Unlock()
		conn.Close()
		return
	}
	ws.conn = conn
	ws.mu.Unlock()

	ws.c.queue(ctx, "websocket_success", ws.url, ws)
	ws.readLoop(ctx, conn)
}

func (ws *Websocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if !ws.TryClose() {
				return
			}
			ws.cancel()
			conn.Close()
			reason, code := "", 0
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				reason, code = ce.Text, ce.Code
			} else if errors.Is(err, websocket.ErrReadLimit) {
				reason = ErrMessageTooLarge.Error()
			}
			ws.c.queue(ctx, "websocket_closed", ws.url, reason, code)
			return
		}
		if err := ws.c.Bandwidth.WaitDownload(ctx, len(msg)); err != nil {
			return
		}
		ws.c.observeValue(metrics.WebsocketIncoming, int64(len(msg)))
		if ws.IsClosed() {
			return
		}
		ws.c.queue(ctx, "websocket_message", ws.url, msg, typ == websocket.BinaryMessage)
	}
}

// Send writes one message, stalling until the upload budget allows it.
func (ws *Websocket) Send(ctx context.Context, msg []byte, binary bool) error {
	if ws.IsClosed() {
		return ErrWebsocketClosed
	}
	if limit := ws.c.Options.MaxMessage; limit > 0 && int64(len(msg)) > limit {
		return ErrMessageTooLarge
	}
	if err := ws.c.Bandwidth.WaitUpload(ctx, len(msg)); err != nil {
		return err
	}
	typ := websocket.TextMessage
	if binary {
		typ = websocket.BinaryMessage
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn == nil || ws.IsClosed() {
		return ErrWebsocketClosed
	}
	if err := ws.conn.WriteMessage(typ, msg); err != nil {
		return err
	}
	ws.c.observeValue(metrics.WebsocketOutgoing, int64(len(msg)))
	return nil
}

// Close closes the connection with a normal closure.
func (ws *Websocket) Close() error {
	if !ws.TryClose() {
		return nil
	}
	ws.cancel()
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

// LuaValue builds the websocket handle with send and close.
// Receiving is done by waiting for websocket_message events.
func (ws *Websocket) LuaValue(L *lua.LState) lua.LValue {
	t := apis.NewTable("websocket")
	t.Add("send", func(ctx *apis.Context, args apis.Arguments) (apis.Results, error) {
		msg, err := args.String(0)
		if err != nil {
			return nil, err
		}
		binary, err := args.OptBool(1, false)
		if err != nil {
			return nil, err
		}
		return nil, ws.Send(ctx, []byte(msg), binary)
	})
	t.Add("close", func(*apis.Context, apis.Arguments) (apis.Results, error) {
		return nil, ws.Close()
	})
	return apis.Build(L, t, nil)
}
