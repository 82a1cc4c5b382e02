package multiplex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexigon/nexigon/pkg/logging"
	"github.com/nexigon/nexigon/pkg/must"
)

// Role identifies which side of a Connection a peer plays. The role is
// recorded on the Connection but does not change its behavior; in
// particular, channel id assignment is symmetric and does not depend on role.
type Role int

const (
	// RoleInitiator is the side that established the underlying transport.
	RoleInitiator Role = iota
	// RoleResponder is the side that accepted the underlying transport.
	RoleResponder
)

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// EventKind identifies the kind of Event delivered by Connection.NextEvent.
type EventKind int

const (
	// EventConnected is emitted once, after the peer's Hello frame arrives.
	EventConnected EventKind = iota
	// EventClosed is emitted exactly once, when the connection terminates,
	// whether due to a local Close call, a peer Close frame, a protocol
	// violation, or a transport error.
	EventClosed
	// EventRequestChannel is emitted for each inbound ChannelRequest frame.
	// The accompanying Request must be accepted or rejected; if it is
	// dropped without either, it is rejected automatically and a warning is
	// logged.
	EventRequestChannel
)

// Event is a single item from a Connection's event stream.
type Event struct {
	Kind    EventKind
	Request *ChannelRequest
}

// command is processed exclusively by Connection.run, so that every piece
// of connection-owned state (the channel table, the channel id counter, the
// keepalive bookkeeping) is only ever touched by a single goroutine.
type command interface {
	apply(s *connState)
}

type openChannelCmd struct {
	endpoint []byte
	result   chan openResult
}

func (c *openChannelCmd) apply(s *connState) { s.handleOpenChannel(c) }

type acceptChannelCmd struct {
	req      *ChannelRequest
	callback func(*Channel)
}

func (c *acceptChannelCmd) apply(s *connState) { s.handleAcceptChannel(c) }

type removeChannelCmd struct {
	id ChannelID
}

func (c *removeChannelCmd) apply(s *connState) { delete(s.channels, c.id) }

type openResult struct {
	channel *Channel
	err     error
}

// Connection multiplexes many bidirectional byte-stream Channels over a
// single Transport. It is grounded on pkg/multiplexing.Multiplexer's
// reader/writer/run-loop goroutine triad, generalized from a fixed gRPC
// stream transport to the abstract Transport interface.
type Connection struct {
	id            uuid.UUID
	role          Role
	configuration *Configuration
	logger        *logging.Logger
	transport     Transport

	outbound chan []byte
	commands chan command
	events   chan Event

	stopOnce     sync.Once
	stopRequested chan struct{}

	closeOnce     sync.Once
	closed        chan struct{}
	internalErrMu sync.Mutex
	internalErr   error

	rttMu       sync.RWMutex
	smoothedRTT time.Duration

	framesSent     uint64
	framesReceived uint64
}

// New creates a Connection around transport and starts its processing
// loop. The caller must call NextEvent in a loop until it returns an error,
// and must call Close when finished with the connection.
func New(transport Transport, role Role, configuration *Configuration, logger *logging.Logger) *Connection {
	var cfg *Configuration
	if configuration == nil {
		cfg = DefaultConfiguration()
	} else {
		copied := *configuration
		cfg = &copied
		cfg.normalize()
	}

	id := uuid.New()

	c := &Connection{
		id:            id,
		role:          role,
		configuration: cfg,
		logger:        logger.Sublogger(id.String()),
		transport:     transport,
		outbound:      make(chan []byte, cfg.OutboundQueueSize),
		commands:      make(chan command),
		events:        make(chan Event, cfg.AcceptBacklog+4),
		stopRequested: make(chan struct{}),
		closed:        make(chan struct{}),
	}

	go c.run()

	return c
}

// Ref returns a handle to the connection that can be shared across
// goroutines to open channels and inspect connection-level statistics.
func (c *Connection) Ref() *ConnectionRef {
	return &ConnectionRef{conn: c}
}

// Addr identifies the connection for logging and diagnostics, mirroring the
// way the connection-level multiplexer this is grounded on exposes its own
// net.Addr alongside its streams'.
func (c *Connection) Addr() net.Addr {
	return &connectionAddress{id: c.id.String()}
}

// NextEvent blocks until an Event is available, ctx is done, or the
// connection closes.
func (c *Connection) NextEvent(ctx context.Context) (Event, error) {
	select {
	case e, ok := <-c.events:
		if !ok {
			return Event{}, c.closedError()
		}
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close terminates the connection and its transport. It is idempotent and
// blocks until the connection has terminated and its transport is closed.
// The processing loop itself returns once NextEvent has taken the final
// EventClosed.
func (c *Connection) Close() error {
	c.stopOnce.Do(func() { close(c.stopRequested) })
	<-c.closed
	return nil
}

func (c *Connection) closedError() error {
	c.internalErrMu.Lock()
	defer c.internalErrMu.Unlock()
	if c.internalErr != nil {
		return c.internalErr
	}
	return ErrConnectionClosed
}

func (c *Connection) currentSmoothedRTT() time.Duration {
	c.rttMu.RLock()
	defer c.rttMu.RUnlock()
	return c.smoothedRTT
}

// updateSmoothedRTT folds a fresh round-trip sample using the fixed 7/8
// smoothing rule. This is intentionally distinct from the generic ema type
// used for bandwidth estimation; the original implementation this is
// grounded on hardcodes this particular rule for RTT alone.
func (c *Connection) updateSmoothedRTT(sample time.Duration) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	if c.smoothedRTT == 0 {
		c.smoothedRTT = sample
		return
	}
	c.smoothedRTT = c.smoothedRTT*7/8 + sample/8
}

// emitEvent delivers e to NextEvent callers. It is only ever called from
// the run() goroutine, so it must not block unconditionally on a full
// events channel: a slow or absent event consumer must not also wedge
// Close(), which signals shutdown through stopRequested.
func (c *Connection) emitEvent(e Event) {
	select {
	case c.events <- e:
	case <-c.stopRequested:
	}
}

func (c *Connection) enqueueFrame(f Frame) {
	c.enqueueRaw(f.Bytes())
}

func (c *Connection) enqueueRaw(buf []byte) {
	select {
	case c.outbound <- buf:
	case <-c.closed:
	}
}

// removeChannel deregisters a channel from the connection's channel table,
// satisfying the requirement that a fully closed channel stop consuming
// connection resources.
func (c *Connection) removeChannel(id ChannelID) {
	select {
	case c.commands <- &removeChannelCmd{id: id}:
	case <-c.closed:
	}
}

// connState holds everything touched only by the run goroutine: the
// channel table, the outbound channel id counter, pending channel-open
// results, and keepalive bookkeeping.
type connState struct {
	conn *Connection

	nextChannelID ChannelID
	channels      map[ChannelID]*Channel
	pendingOpens  map[ChannelID]chan openResult

	pongOutstanding bool
	pingSentAt      time.Time
	pongTimer       *time.Timer
}

func (c *Connection) run() {
	state := &connState{
		conn:          c,
		nextChannelID: 1,
		channels:      make(map[ChannelID]*Channel),
		pendingOpens:  make(map[ChannelID]chan openResult),
	}

	c.enqueueFrame(NewHelloFrame(nil))

	inbound := make(chan []byte, 64)
	readErrors := make(chan error, 1)
	go c.read(inbound, readErrors)

	writeErrors := make(chan error, 1)
	go c.write(writeErrors)

	keepalive := time.NewTicker(c.configuration.KeepaliveInterval)
	defer keepalive.Stop()

	var pongTimer *time.Timer
	var pongDeadline <-chan time.Time
	if c.configuration.MaximumPongMissingInterval > 0 {
		pongTimer = time.NewTimer(c.configuration.MaximumPongMissingInterval)
		if !pongTimer.Stop() {
			<-pongTimer.C
		}
		pongDeadline = pongTimer.C
		state.pongTimer = pongTimer
	}

	var terminationErr error
	for {
		select {
		case <-keepalive.C:
			if !state.pongOutstanding {
				c.enqueueFrame(NewPingFrame())
				state.pongOutstanding = true
				state.pingSentAt = time.Now()
				if pongTimer != nil {
					pongTimer.Reset(c.configuration.MaximumPongMissingInterval)
				}
			}
		case cmd := <-c.commands:
			cmd.apply(state)
		case msg, ok := <-inbound:
			if !ok {
				continue
			}
			terminal, err := c.handleInbound(state, msg)
			if err != nil {
				terminationErr = err
			}
			if terminal || err != nil {
				c.terminate(state, terminationErr)
				return
			}
		case err := <-readErrors:
			c.terminate(state, fmt.Errorf("transport receive failed: %w", err))
			return
		case err := <-writeErrors:
			c.terminate(state, fmt.Errorf("transport send failed: %w", err))
			return
		case <-pongDeadline:
			c.terminate(state, errors.New("keepalive pong deadline exceeded"))
			return
		case <-c.stopRequested:
			c.terminate(state, nil)
			return
		}
	}
}

func (c *Connection) read(inbound chan<- []byte, errs chan<- error) {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			select {
			case errs <- err:
			case <-c.closed:
			}
			return
		}
		select {
		case inbound <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) write(errs chan<- error) {
	for {
		select {
		case msg := <-c.outbound:
			if err := c.transport.Send(context.Background(), msg); err != nil {
				select {
				case errs <- err:
				case <-c.closed:
				}
				return
			}
			atomic.AddUint64(&c.framesSent, 1)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) terminate(state *connState, err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.internalErrMu.Lock()
			c.internalErr = err
			c.internalErrMu.Unlock()
			c.logger.Warnf("connection terminating: %v", err)
		}
		must.Close(c.transport, c.logger)
		close(c.closed)
		c.events <- Event{Kind: EventClosed}
		close(c.events)
	})
}

// handleInbound parses and dispatches a single inbound transport message.
// It returns terminal=true when the connection should shut down cleanly
// (a Close frame), or a non-nil error when the connection should shut down
// due to a protocol violation.
func (c *Connection) handleInbound(state *connState, msg []byte) (terminal bool, err error) {
	frame, err := ParseFrame(msg)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	atomic.AddUint64(&c.framesReceived, 1)

	switch frame.Tag() {
	case TagHello:
		c.emitEvent(Event{Kind: EventConnected})
	case TagClose:
		return true, nil
	case TagChannelRequest:
		return false, state.handleChannelRequest(frame)
	case TagChannelAccept:
		return false, state.handleChannelAccept(frame)
	case TagChannelReject:
		return false, state.handleChannelReject(frame)
	case TagChannelData:
		return false, state.handleChannelData(frame)
	case TagChannelAdjust:
		return false, state.handleChannelAdjust(frame)
	case TagChannelClose:
		return false, state.handleChannelClose(frame)
	case TagChannelClosed:
		return false, state.handleChannelClosed(frame)
	case TagPing:
		c.enqueueFrame(NewPongFrame())
	case TagPong:
		return false, state.handlePong()
	default:
		return true, fmt.Errorf("%w: unhandled tag %s", ErrProtocolViolation, frame.Tag())
	}
	return false, nil
}

func (s *connState) handleOpenChannel(cmd *openChannelCmd) {
	id := s.nextChannelID
	s.nextChannelID++
	s.pendingOpens[id] = cmd.result
	s.conn.enqueueFrame(NewChannelRequestFrame(
		id,
		s.conn.configuration.InitialChannelFrameCredit,
		s.conn.configuration.InitialChannelByteCredit,
		cmd.endpoint,
	))
}

func (s *connState) handleAcceptChannel(cmd *acceptChannelCmd) {
	id := s.nextChannelID
	s.nextChannelID++
	ch := newChannel(
		s.conn, id, cmd.req.peerID,
		cmd.req.frameCredit, cmd.req.byteCredit,
		s.conn.configuration.InitialChannelFrameCredit, s.conn.configuration.InitialChannelByteCredit,
	)
	s.channels[id] = ch
	s.conn.enqueueFrame(NewChannelAcceptFrame(
		cmd.req.peerID, id,
		s.conn.configuration.InitialChannelFrameCredit, s.conn.configuration.InitialChannelByteCredit,
	))
	cmd.callback(ch)
}

func (s *connState) handleChannelRequest(frame Frame) error {
	req := newChannelRequest(
		s.conn,
		frame.ChannelRequestSenderID(),
		frame.ChannelRequestFrameCredit(),
		frame.ChannelRequestByteCredit(),
		append([]byte(nil), frame.ChannelRequestEndpoint()...),
	)
	s.conn.emitEvent(Event{Kind: EventRequestChannel, Request: req})
	return nil
}

func (s *connState) handleChannelAccept(frame Frame) error {
	localID := frame.ChannelAcceptReceiverID()
	result, ok := s.pendingOpens[localID]
	if !ok {
		return fmt.Errorf("%w: channel accept for unknown pending open %d", ErrProtocolViolation, localID)
	}
	delete(s.pendingOpens, localID)

	remoteID := frame.ChannelAcceptSenderID()
	ch := newChannel(
		s.conn, localID, remoteID,
		frame.ChannelAcceptFrameCredit(), frame.ChannelAcceptByteCredit(),
		s.conn.configuration.InitialChannelFrameCredit, s.conn.configuration.InitialChannelByteCredit,
	)
	s.channels[localID] = ch
	result <- openResult{channel: ch}
	return nil
}

func (s *connState) handleChannelReject(frame Frame) error {
	localID := frame.ChannelRejectReceiverID()
	result, ok := s.pendingOpens[localID]
	if !ok {
		return fmt.Errorf("%w: channel reject for unknown pending open %d", ErrProtocolViolation, localID)
	}
	delete(s.pendingOpens, localID)
	result <- openResult{err: &RejectionError{Reason: append([]byte(nil), frame.ChannelRejectReason()...)}}
	return nil
}

func (s *connState) handleChannelData(frame Frame) error {
	ch, ok := s.channels[frame.ChannelDataReceiverID()]
	if !ok {
		return nil
	}
	return ch.receiver.deliver(append([]byte(nil), frame.ChannelDataPayload()...))
}

func (s *connState) handleChannelAdjust(frame Frame) error {
	ch, ok := s.channels[frame.ChannelAdjustReceiverID()]
	if !ok {
		return nil
	}
	ch.sender.grantCredit(frame.ChannelAdjustFrameCredit(), frame.ChannelAdjustByteCredit())
	return nil
}

func (s *connState) handleChannelClose(frame Frame) error {
	ch, ok := s.channels[frame.ChannelCloseReceiverID()]
	if !ok {
		return nil
	}
	ch.sender.peerClosed(append([]byte(nil), frame.ChannelCloseReason()...))
	return nil
}

func (s *connState) handleChannelClosed(frame Frame) error {
	ch, ok := s.channels[frame.ChannelClosedReceiverID()]
	if !ok {
		return nil
	}
	ch.receiver.peerClosed()
	return nil
}

func (s *connState) handlePong() error {
	if !s.pongOutstanding {
		return fmt.Errorf("%w: unsolicited pong", ErrProtocolViolation)
	}
	s.pongOutstanding = false
	s.conn.updateSmoothedRTT(time.Since(s.pingSentAt))
	if s.pongTimer != nil {
		if !s.pongTimer.Stop() {
			select {
			case <-s.pongTimer.C:
			default:
			}
		}
	}
	return nil
}

// ConnectionRef is a shareable handle to a Connection, used to open
// channels and query statistics from goroutines other than the one
// draining NextEvent.
type ConnectionRef struct {
	conn *Connection
}

// IsClosing reports whether the connection has begun terminating.
func (r *ConnectionRef) IsClosing() bool {
	select {
	case <-r.conn.closed:
		return true
	default:
		return false
	}
}

// RoundTripTime returns the current smoothed round-trip time estimate. It
// is zero until the first pong has been received.
func (r *ConnectionRef) RoundTripTime() time.Duration {
	return r.conn.currentSmoothedRTT()
}

// FramesSent returns the total number of frames written to the transport.
func (r *ConnectionRef) FramesSent() uint64 {
	return atomic.LoadUint64(&r.conn.framesSent)
}

// FramesReceived returns the total number of frames read from the
// transport.
func (r *ConnectionRef) FramesReceived() uint64 {
	return atomic.LoadUint64(&r.conn.framesReceived)
}

// Close terminates the underlying connection.
func (r *ConnectionRef) Close() error {
	return r.conn.Close()
}

// Open requests a new channel addressed to endpoint and blocks until the
// peer accepts or rejects it, ctx is done, or the connection closes.
func (r *ConnectionRef) Open(ctx context.Context, endpoint []byte) (*Channel, error) {
	result := make(chan openResult, 1)
	cmd := &openChannelCmd{endpoint: endpoint, result: result}

	select {
	case r.conn.commands <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.conn.closed:
		return nil, r.conn.closedError()
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		return res.channel, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.conn.closed:
		return nil, r.conn.closedError()
	}
}
