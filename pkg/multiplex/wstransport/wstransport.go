// Package wstransport adapts a gorilla/websocket connection to the
// multiplex.Transport interface, sending and receiving one binary WebSocket
// message per multiplex frame.
package wstransport

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/nexigon/nexigon/pkg/multiplex"
)

// Transport wraps a *websocket.Conn so it can back a multiplex.Connection.
// Gorilla's Conn does not serialize concurrent writers (it is not safe for
// concurrent Write/Read from multiple goroutines at once on the same side),
// so Transport serializes sends and receives with its own locks, matching the single-reader/single-writer usage pattern the
// multiplex connection's reader and writer goroutines impose.
type Transport struct {
	conn *websocket.Conn

	sendMu    chan struct{}
	receiveMu chan struct{}
}

// New wraps conn, configuring it for unbounded binary message reads.
func New(conn *websocket.Conn) *Transport {
	conn.SetReadLimit(0)
	return &Transport{
		conn:      conn,
		sendMu:    make(chan struct{}, 1),
		receiveMu: make(chan struct{}, 1),
	}
}

// Send implements multiplex.Transport.Send.
func (t *Transport) Send(ctx context.Context, message []byte) error {
	select {
	case t.sendMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sendMu }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("unable to set write deadline: %w", err)
		}
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, message)
}

// Receive implements multiplex.Transport.Receive.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case t.receiveMu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.receiveMu }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("unable to set read deadline: %w", err)
		}
	}

	for {
		messageType, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

// Close implements multiplex.Transport.Close.
func (t *Transport) Close() error {
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

var _ multiplex.Transport = (*Transport)(nil)
