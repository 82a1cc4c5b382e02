// Package rpc implements a length-prefixed, JSON-based request/response
// protocol for invoking named actions over a byte stream. Each call is
// carried out on its own stream (typically a multiplex.Channel dedicated
// to that call), mirroring the original nexigon-rpc crate's one-call,
// one-connection execute function rather than a long-lived multiplexed
// method dispatch table.
package rpc

import (
	"context"
	stderrors "errors"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nexigon/nexigon/pkg/multiplex"
)

const (
	// MaxActionNameSize is the largest permitted action name, in bytes.
	MaxActionNameSize = 255
	// MaxInputSize is the largest permitted JSON-encoded action input.
	MaxInputSize = 8 * 1024 * 1024
	// MaxOutputSize is the largest permitted JSON-encoded action result.
	MaxOutputSize = 8 * 1024 * 1024
)

var (
	// ErrActionNameTooLarge is returned when an action name exceeds
	// MaxActionNameSize.
	ErrActionNameTooLarge = stderrors.New("action name too large")
	// ErrInputTooLarge is returned when a JSON-encoded action input exceeds
	// MaxInputSize.
	ErrInputTooLarge = stderrors.New("action input too large")
	// ErrOutputTooLarge is returned when a JSON-encoded action result
	// exceeds MaxOutputSize.
	ErrOutputTooLarge = stderrors.New("action output too large")
)

// ActionError is the structured error carried back in a failed action
// result.
type ActionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// actionResult is the wire representation of a completed action: exactly
// one of OK or Error is set.
type actionResult struct {
	OK    json.RawMessage `json:"ok,omitempty"`
	Error *ActionError    `json:"error,omitempty"`
}

type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

// applyDeadline arranges for stream's pending I/O to be interrupted when
// ctx is done, whether by an explicit deadline or by cancellation. The
// returned function must be called once the caller is done with stream to
// stop the watcher goroutine it may have started.
func applyDeadline(stream io.ReadWriter, ctx context.Context) func() {
	setter, ok := stream.(deadlineSetter)
	if !ok {
		return func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = setter.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = setter.SetDeadline(time.Unix(0, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}

func writeAction(w io.Writer, name string, input []byte) error {
	if len(name) > MaxActionNameSize {
		return ErrActionNameTooLarge
	}
	header := make([]byte, 2+len(name)+4)
	binary.BigEndian.PutUint16(header[0:2], uint16(len(name)))
	copy(header[2:], name)
	binary.BigEndian.PutUint32(header[2+len(name):], uint32(len(input)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "unable to write action header")
	}
	if len(input) > 0 {
		if _, err := w.Write(input); err != nil {
			return errors.Wrap(err, "unable to write action input")
		}
	}
	return nil
}

func readActionRequest(r io.Reader) (name string, input []byte, err error) {
	var nameLenBuf [2]byte
	if _, err := io.ReadFull(r, nameLenBuf[:]); err != nil {
		return "", nil, errors.Wrap(err, "unable to read action name length")
	}
	nameLen := binary.BigEndian.Uint16(nameLenBuf[:])
	if int(nameLen) > MaxActionNameSize {
		return "", nil, ErrActionNameTooLarge
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", nil, errors.Wrap(err, "unable to read action name")
	}

	var inputLenBuf [4]byte
	if _, err := io.ReadFull(r, inputLenBuf[:]); err != nil {
		return "", nil, errors.Wrap(err, "unable to read action input length")
	}
	inputLen := binary.BigEndian.Uint32(inputLenBuf[:])
	if inputLen > MaxInputSize {
		return "", nil, ErrInputTooLarge
	}
	input = make([]byte, inputLen)
	if inputLen > 0 {
		if _, err := io.ReadFull(r, input); err != nil {
			return "", nil, errors.Wrap(err, "unable to read action input")
		}
	}

	return string(nameBuf), input, nil
}

func readActionResult(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "unable to read action result length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxOutputSize {
		return nil, ErrOutputTooLarge
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "unable to read action result")
		}
	}
	return buf, nil
}

func writeActionResult(w io.Writer, result *actionResult) error {
	buf, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "unable to marshal action result")
	}
	if len(buf) > MaxOutputSize {
		return ErrOutputTooLarge
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(buf)))
	if _, err := w.Write(lenBuf); err != nil {
		return errors.Wrap(err, "unable to write action result length")
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "unable to write action result")
	}
	return nil
}

// Call invokes the named action on stream, writing the request and
// reading the response concurrently (grounded on the original
// implementation's tokio::try_join!, here via errgroup), then decodes the
// result into output. output may be nil if the caller doesn't care about
// the result.
func Call(ctx context.Context, stream io.ReadWriter, name string, input, output any) error {
	defer applyDeadline(stream, ctx)()

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return errors.Wrap(err, "unable to marshal action input")
	}
	if len(inputBytes) > MaxInputSize {
		return ErrInputTooLarge
	}

	var group errgroup.Group
	var resultBytes []byte

	group.Go(func() error {
		return writeAction(stream, name, inputBytes)
	})
	group.Go(func() error {
		b, err := readActionResult(stream)
		resultBytes = b
		return err
	})

	if err := group.Wait(); err != nil {
		return err
	}

	var result actionResult
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		return errors.Wrap(err, "unable to unmarshal action result")
	}
	if result.Error != nil {
		return result.Error
	}
	if output != nil && len(result.OK) > 0 {
		if err := json.Unmarshal(result.OK, output); err != nil {
			return errors.Wrap(err, "unable to unmarshal action output")
		}
	}
	return nil
}

// Handler executes one action invocation and returns its result (which
// will be JSON-marshaled) or an error. Returning an *ActionError preserves
// its Kind across the wire; any other error is reported with kind
// "internal".
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Service groups a set of named action handlers for registration with a
// Server.
type Service interface {
	Actions() map[string]Handler
}

// Server dispatches inbound action requests, one per stream, to
// registered handlers.
type Server struct {
	handlersLock sync.RWMutex
	handlers     map[string]Handler
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Register adds all of a service's actions to the server. It panics if
// two services register the same action name, which is a programming
// error.
func (s *Server) Register(service Service) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	for name, handler := range service.Actions() {
		if _, ok := s.handlers[name]; ok {
			panic("two actions registered with the same name: " + name)
		}
		s.handlers[name] = handler
	}
}

// ServeOne reads exactly one action request from stream, dispatches it,
// and writes exactly one action result.
func (s *Server) ServeOne(ctx context.Context, stream io.ReadWriter) error {
	defer applyDeadline(stream, ctx)()

	name, input, err := readActionRequest(stream)
	if err != nil {
		return err
	}

	s.handlersLock.RLock()
	handler := s.handlers[name]
	s.handlersLock.RUnlock()

	if handler == nil {
		return writeActionResult(stream, &actionResult{Error: &ActionError{
			Kind:    "unknown_action",
			Message: fmt.Sprintf("no handler registered for %q", name),
		}})
	}

	output, err := handler(ctx, input)
	if err != nil {
		var actionErr *ActionError
		if stderrors.As(err, &actionErr) {
			return writeActionResult(stream, &actionResult{Error: actionErr})
		}
		return writeActionResult(stream, &actionResult{Error: &ActionError{
			Kind:    "internal",
			Message: err.Error(),
		}})
	}

	outputBytes, err := json.Marshal(output)
	if err != nil {
		return writeActionResult(stream, &actionResult{Error: &ActionError{
			Kind:    "internal",
			Message: "unable to marshal action output",
		}})
	}
	return writeActionResult(stream, &actionResult{OK: outputBytes})
}

// Serve drains conn's event stream, accepting every inbound channel
// request and dispatching one action call per channel.
func (s *Server) Serve(ctx context.Context, conn *multiplex.Connection) error {
	for {
		event, err := conn.NextEvent(ctx)
		if err != nil {
			return err
		}
		if event.Kind != multiplex.EventRequestChannel {
			continue
		}

		request := event.Request
		acceptErr := request.Accept(ctx, func(channel *multiplex.Channel) {
			go func() {
				defer channel.Close()
				s.ServeOne(ctx, channel)
			}()
		})
		if acceptErr != nil {
			return acceptErr
		}
	}
}

// Client issues action calls by opening a fresh channel per call against
// a fixed endpoint on a Connection.
type Client struct {
	ref      *multiplex.ConnectionRef
	endpoint []byte
}

// NewClient creates a Client that opens channels addressed to endpoint.
func NewClient(ref *multiplex.ConnectionRef, endpoint []byte) *Client {
	return &Client{ref: ref, endpoint: endpoint}
}

// Call opens a channel, invokes the named action, and closes the channel.
func (c *Client) Call(ctx context.Context, name string, input, output any) error {
	channel, err := c.ref.Open(ctx, c.endpoint)
	if err != nil {
		return errors.Wrap(err, "unable to open channel")
	}
	defer channel.Close()
	return Call(ctx, channel, name, input, output)
}
