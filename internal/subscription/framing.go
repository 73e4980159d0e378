package subscription

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// MessageType enumerates the wire message kinds the Subscription Manager
// sends, per §4.12.
type MessageType string

const (
	MsgConnected    MessageType = "connected"
	MsgSubscribed   MessageType = "subscribed"
	MsgUnsubscribed MessageType = "unsubscribed"
	MsgChange       MessageType = "change"
	MsgPong         MessageType = "pong"
	MsgError        MessageType = "error"
)

// ChangeData is the payload of a MsgChange message.
type ChangeData struct {
	Seq      uint64         `json:"seq"`
	Ts       int64          `json:"ts"`
	Op       string         `json:"op"`
	Ns       string         `json:"ns"`
	EntityID string         `json:"entityId"`
	FullID   string         `json:"fullId"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
}

// Message is the envelope framed onto every transport (SSE event/data pair
// or a WebSocket JSON text frame).
type Message struct {
	Type           MessageType `json:"type"`
	ConnectionID   string      `json:"connectionId,omitempty"`
	SubscriptionID string      `json:"subscriptionId,omitempty"`
	Namespace      string      `json:"namespace,omitempty"`
	Timestamp      int64       `json:"ts,omitempty"`
	Code           string      `json:"code,omitempty"`
	Message        string      `json:"message,omitempty"`
	Data           *ChangeData `json:"data,omitempty"`
}

// Upgrader is shared across SSE-vs-WebSocket handshake decisions, mirroring
// _examples/mary-ext-tangled.sh-mirror/knotserver/events.go's package-level
// websocket.Upgrader with the same buffer sizing.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SSEWriter frames messages as Server-Sent Events: "event: <type>\ndata:
// <json>\n\n", flushing after every write so the client sees it immediately.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the SSE response headers on w and returns a Writer bound
// to it. Returns an error if w does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("subscription: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one SSE frame for msg.
func (s *SSEWriter) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", msg.Type, body); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close is a no-op: an SSE response body ends when the handler returns.
func (s *SSEWriter) Close() error { return nil }

// WebSocketWriter frames messages as JSON text frames over a gorilla
// websocket connection, the same write path
// knotserver/events.go uses for its own event stream.
type WebSocketWriter struct {
	conn *websocket.Conn
}

// NewWebSocketWriter upgrades r into a websocket connection using Upgrader,
// mirroring knotserver/events.go's upgrader.Upgrade(w, r, nil) call.
func NewWebSocketWriter(w http.ResponseWriter, r *http.Request) (*WebSocketWriter, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketWriterFromConn(conn), nil
}

// NewWebSocketWriterFromConn wraps an already-upgraded connection, for
// callers that need to start WatchDisconnect on the raw *websocket.Conn
// before handing it to the manager.
func NewWebSocketWriterFromConn(conn *websocket.Conn) *WebSocketWriter {
	return &WebSocketWriter{conn: conn}
}

// Send writes msg as a single JSON text frame.
func (w *WebSocketWriter) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, body)
}

// Close sends a close control frame and releases the underlying connection.
func (w *WebSocketWriter) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// WatchDisconnect runs a goroutine that blocks on conn.NextReader() the way
// knotserver/events.go does, invoking onClose the moment the client goes
// away (browser tab closed, network drop) since gorilla/websocket has no
// synchronous way to detect a half-closed read side otherwise.
func WatchDisconnect(conn *websocket.Conn, onClose func()) {
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				onClose()
				return
			}
		}
	}()
}
