// Package memtransport provides an in-memory, message-oriented
// multiplex.Transport pair, intended for tests and for in-process
// connections that don't need a real network. Unlike net.Pipe, it is
// message-oriented rather than stream-oriented, matching the "one frame
// per transport message" contract multiplex.Transport requires.
package memtransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexigon/nexigon/pkg/multiplex"
)

// ErrClosed is returned by Send and Receive once the transport has been
// closed.
var ErrClosed = errors.New("memtransport: closed")

// Transport is one side of an in-memory transport pair created by New.
type Transport struct {
	outbound chan []byte
	inbound  chan []byte
	latency  time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a connected pair of transports: messages sent on one side
// are delivered, after the given latency, to the other. A latency of zero
// delivers immediately.
func New(latency time.Duration) (a, b *Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &Transport{outbound: ab, inbound: ba, latency: latency, closed: make(chan struct{})}
	b = &Transport{outbound: ba, inbound: ab, latency: latency, closed: make(chan struct{})}
	return a, b
}

// Send implements multiplex.Transport.Send.
func (t *Transport) Send(ctx context.Context, message []byte) error {
	buf := append([]byte(nil), message...)

	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrClosed
		}
	}

	select {
	case t.outbound <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

// Receive implements multiplex.Transport.Receive.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-t.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

// Close implements multiplex.Transport.Close. It closes only this side and
// does not notify the peer: the peer's Receive keeps waiting, and its Send
// keeps succeeding until the 64-message buffer fills and then blocks. The
// peer sees ErrClosed only after closing its own side.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

var _ multiplex.Transport = (*Transport)(nil)
