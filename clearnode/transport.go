package clearnode

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Well-known ClearNode endpoints.
const (
	ProductionEndpoint = "wss://clearnet.yellow.com/ws"
	SandboxEndpoint    = "wss://clearnet-sandbox.yellow.com/ws"
)

// Transport is a full-duplex frame stream to a coordinator. The Conn owns
// exactly one transport; injecting it keeps the connection testable without a
// real network.
type Transport interface {
	Dial(ctx context.Context, url string) error
	// ReadMessage blocks until the next inbound frame or a transport error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WebsocketTransport carries UTF-8 text frames over a websocket.
type WebsocketTransport struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

var _ Transport = (*WebsocketTransport)(nil)

func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{}
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *WebsocketTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket not dialed")
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *WebsocketTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not dialed")
	}
	// gorilla/websocket allows one concurrent writer only.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
