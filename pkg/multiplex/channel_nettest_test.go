package multiplex

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"golang.org/x/net/nettest"

	"github.com/nexigon/nexigon/pkg/logging"
	"github.com/nexigon/nexigon/pkg/multiplex/memtransport"
	"github.com/nexigon/nexigon/pkg/must"
)

// makeChannelPipe constructs a nettest.MakePipe out of a pair of Connections
// already past their Hello handshake: one side opens a channel while the
// other accepts the resulting request.
func makeChannelPipe(opener, acceptor *Connection, logger *logging.Logger) nettest.MakePipe {
	return func() (c1, c2 net.Conn, stop func(), err error) {
		var wait sync.WaitGroup
		wait.Add(2)

		var opened *Channel
		var openErr error
		go func() {
			defer wait.Done()
			opened, openErr = opener.Ref().Open(context.Background(), []byte("conformance"))
		}()

		var accepted *Channel
		var acceptErr error
		go func() {
			defer wait.Done()
			event, err := acceptor.NextEvent(context.Background())
			if err != nil {
				acceptErr = err
				return
			}
			if event.Kind != EventRequestChannel {
				acceptErr = errNotAChannelRequest
				return
			}
			done := make(chan struct{})
			acceptErr = event.Request.Accept(context.Background(), func(ch *Channel) {
				accepted = ch
				close(done)
			})
			if acceptErr == nil {
				<-done
			}
		}()

		wait.Wait()

		if openErr != nil || acceptErr != nil {
			if opened != nil {
				must.Close(opened, logger)
			}
			if accepted != nil {
				must.Close(accepted, logger)
			}
			if openErr != nil {
				err = openErr
			} else {
				err = acceptErr
			}
			stop = func() {}
			return
		}

		c1 = opened
		c2 = accepted
		stop = func() {
			must.Close(opened, logger)
			must.Close(accepted, logger)
		}
		return
	}
}

var errNotAChannelRequest = errors.New("expected EventRequestChannel")

// TestChannelConformsToNetConn runs the standard library's net.Conn
// conformance suite against Channel in both directions, grounded on the
// teacher's own use of nettest.TestConn for its stream type.
func TestChannelConformsToNetConn(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, &bytes.Buffer{})

	t1, t2 := memtransport.New(0)
	a := New(t1, RoleInitiator, nil, logger)
	b := New(t2, RoleResponder, nil, logger)
	defer a.Close()
	defer b.Close()

	if _, err := a.NextEvent(context.Background()); err != nil {
		t.Fatalf("A.NextEvent: %v", err)
	}
	if _, err := b.NextEvent(context.Background()); err != nil {
		t.Fatalf("B.NextEvent: %v", err)
	}

	nettest.TestConn(t, makeChannelPipe(a, b, logger))
}
