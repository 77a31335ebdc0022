package feed

import (
	"context"

	"github.com/gorilla/websocket"
)

// Transport is the minimal streaming capability the manager needs:
// open once, write the subscribe request, read frames in FIFO order,
// close. The live feed (wss) and the synthetic feed (ws) sit behind
// the same interface, so the manager never special-cases either.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// DialFunc opens a fresh transport for one connection attempt.
type DialFunc func(ctx context.Context) (Transport, error)

// WebsocketDialer returns a DialFunc for the given ws:// or wss://
// endpoint. maxMessageBytes bounds a single inbound frame; the BTC
// book snapshot is known to exceed 1MB.
func WebsocketDialer(url string, maxMessageBytes int64) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		if maxMessageBytes > 0 {
			conn.SetReadLimit(maxMessageBytes)
		}
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteJSON(v interface{}) error {
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
