package phx

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// TransportCallbacks carries the socket-side handlers a transport invokes
// as frames and lifecycle events arrive. A transport must stop invoking
// callbacks once OnClose or OnError has fired.
type TransportCallbacks struct {
	OnFrame func(frame []byte)
	OnClose func(code int, reason string)
	OnError func(err error)
}

// Transport is an established bidirectional frame connection. The socket
// owns it exclusively; channels never write to it directly.
type Transport interface {
	Write(frame []byte) error
	Close() error
}

// Dialer opens a transport to the given URL and wires its inbound side to
// the provided callbacks. Injectable so tests can substitute an in-memory
// transport.
type Dialer func(ctx context.Context, url string, header http.Header, callbacks TransportCallbacks) (Transport, error)

type websocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
}

// WebsocketDialer dials a websocket endpoint and pumps inbound messages
// into the callbacks from a dedicated read goroutine.
func WebsocketDialer(ctx context.Context, url string, header http.Header, callbacks TransportCallbacks) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	transport := &websocketTransport{conn: conn}
	go transport.readLoop(callbacks)
	return transport, nil
}

func (transport *websocketTransport) readLoop(callbacks TransportCallbacks) {
	for {
		messageType, frame, err := transport.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if callbacks.OnClose != nil {
					callbacks.OnClose(closeErr.Code, closeErr.Text)
				}
				return
			}
			if callbacks.OnError != nil {
				callbacks.OnError(err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if callbacks.OnFrame != nil {
			callbacks.OnFrame(frame)
		}
	}
}

func (transport *websocketTransport) Write(frame []byte) error {
	transport.writeLock.Lock()
	defer transport.writeLock.Unlock()
	return transport.conn.WriteMessage(websocket.TextMessage, frame)
}

func (transport *websocketTransport) Close() error {
	var err error
	transport.closeOnce.Do(func() {
		transport.writeLock.Lock()
		_ = transport.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		transport.writeLock.Unlock()
		err = transport.conn.Close()
	})
	return err
}
