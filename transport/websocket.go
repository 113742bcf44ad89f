package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// MaxMessageSize is the read limit applied to every WebSocket link.
	MaxMessageSize = 4 << 20
	writeWait      = 10 * time.Second
)

// ErrNotAccepted is returned by Receive when the acceptor side reads before
// sending Accept.
var ErrNotAccepted = errors.New("transport: websocket not accepted")

// WebSocket carries events over a gorilla/websocket connection as text frames.
//
// On the accepting side the HTTP upgrade request is the connect intent: the
// first Receive reports Connect, and the upgrade itself is deferred until
// Send(Accept). Closing before Accept answers the request with 403.
type WebSocket struct {
	upgrader *websocket.Upgrader
	w        http.ResponseWriter
	r        *http.Request

	mu           sync.Mutex
	conn         *websocket.Conn
	greeted      bool
	disconnected bool
	responded    bool // the HTTP request has been answered (upgraded or rejected)

	sending sync.Mutex // gorilla allows one concurrent writer

	closeOnce sync.Once
	closed    chan struct{}
}

// AcceptWebSocket wraps an HTTP upgrade request. The response writer must stay
// valid until the transport is closed, i.e. the connection must be served from
// within the HTTP handler.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) *WebSocket {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	return &WebSocket{
		upgrader: upgrader,
		w:        w,
		r:        r,
		closed:   make(chan struct{}),
	}
}

// DialWebSocket opens a client connection to url ("ws://host/path").
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(MaxMessageSize)
	return &WebSocket{conn: conn, closed: make(chan struct{})}, nil
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func (ws *WebSocket) Receive(ctx context.Context) (Event, error) {
	ws.mu.Lock()
	if !ws.greeted {
		ws.greeted = true
		ws.mu.Unlock()
		return Event{Type: EventConnect}, nil
	}
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return Event{}, ErrNotAccepted
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.closed:
				return Event{}, ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return ws.disconnect()
			}
			return Event{}, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return Event{Type: EventData, Data: data}, nil
		}
	}
}

func (ws *WebSocket) disconnect() (Event, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.disconnected {
		return Event{}, ErrClosed
	}
	ws.disconnected = true
	return Event{Type: EventDisconnect}, nil
}

func (ws *WebSocket) Send(ctx context.Context, ev Event) error {
	select {
	case <-ws.closed:
		return ErrClosed
	default:
	}

	switch ev.Type {
	case EventAccept:
		return ws.accept()
	case EventData:
		conn, err := ws.current()
		if err != nil {
			return err
		}
		ws.sending.Lock()
		defer ws.sending.Unlock()
		conn.SetWriteDeadline(writeDeadline(ctx))
		return conn.WriteMessage(websocket.TextMessage, ev.Data)
	case EventClose:
		conn, err := ws.current()
		if err != nil {
			return ws.Close()
		}
		ws.sending.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = conn.WriteControl(websocket.CloseMessage, msg, writeDeadline(ctx))
		ws.sending.Unlock()
		ws.Close()
		return err
	default:
		return errUnsupported(ev.Type)
	}
}

func (ws *WebSocket) accept() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn != nil {
		return nil
	}
	ws.responded = true
	conn, err := ws.upgrader.Upgrade(ws.w, ws.r, nil)
	if err != nil {
		// Upgrade has already answered the HTTP request.
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)
	ws.conn = conn
	return nil
}

func (ws *WebSocket) current() (*websocket.Conn, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn == nil {
		return nil, ErrNotAccepted
	}
	return ws.conn, nil
}

func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closed)
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if ws.conn == nil {
			if ws.w != nil && !ws.responded {
				ws.responded = true
				http.Error(ws.w, "connection rejected", http.StatusForbidden)
			}
			return
		}
		err = ws.conn.Close()
	})
	return err
}

func writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(writeWait)
}
