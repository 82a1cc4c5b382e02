package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/nexigon/nexigon/pkg/must"
)

// ChannelRequest represents an inbound ChannelRequest frame awaiting a
// decision. If it is dropped without a call to Accept or Reject, it is
// rejected automatically by its finalizer and a warning is logged, mirroring
// the "drop implies reject" contract described in spec.md §4.2 without
// requiring every caller to remember to clean up explicitly.
type ChannelRequest struct {
	conn        *Connection
	peerID      ChannelID
	frameCredit uint32
	byteCredit  uint32
	endpoint    []byte

	mu      sync.Mutex
	handled bool
}

func newChannelRequest(conn *Connection, peerID ChannelID, frameCredit, byteCredit uint32, endpoint []byte) *ChannelRequest {
	req := &ChannelRequest{
		conn:        conn,
		peerID:      peerID,
		frameCredit: frameCredit,
		byteCredit:  byteCredit,
		endpoint:    endpoint,
	}
	runtime.SetFinalizer(req, func(r *ChannelRequest) {
		if r.markHandled() {
			r.conn.logger.Warnf("channel request for endpoint %q dropped without accept or reject; rejecting", r.endpoint)
			r.conn.enqueueFrame(NewChannelRejectFrame(r.peerID, []byte("request dropped")))
		}
	})
	return req
}

// Endpoint returns the endpoint the peer is requesting a channel to.
func (r *ChannelRequest) Endpoint() []byte {
	return r.endpoint
}

func (r *ChannelRequest) markHandled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled {
		return false
	}
	r.handled = true
	runtime.SetFinalizer(r, nil)
	return true
}

// Reject rejects the channel request with an optional reason.
func (r *ChannelRequest) Reject(reason []byte) error {
	if !r.markHandled() {
		return errors.New("channel request already handled")
	}
	r.conn.enqueueFrame(NewChannelRejectFrame(r.peerID, reason))
	return nil
}

// Accept accepts the channel request. callback is invoked synchronously
// from the connection's processing loop with the new Channel once the
// ChannelAccept frame has been queued; it must not block.
func (r *ChannelRequest) Accept(ctx context.Context, callback func(*Channel)) error {
	if !r.markHandled() {
		return errors.New("channel request already handled")
	}
	done := make(chan struct{})
	cmd := &acceptChannelCmd{
		req: r,
		callback: func(ch *Channel) {
			callback(ch)
			close(done)
		},
	}
	select {
	case r.conn.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.conn.closed:
		return r.conn.closedError()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.conn.closed:
		return r.conn.closedError()
	}
}

// Chunk is a zero-copy view of one ChannelData frame's payload, as returned
// by Receiver.NextChunk.
type Chunk struct {
	payload []byte
}

// Bytes returns the chunk's payload.
func (c Chunk) Bytes() []byte { return c.payload }

// Len returns the length of the chunk's payload.
func (c Chunk) Len() int { return len(c.payload) }

// Sender is the write half of a Channel. Its Close is deliberately
// non-idempotent: calling it more than once sends ChannelClosed more than
// once. This mirrors the original implementation's poll_close, which has
// the same property; see DESIGN.md Open Question 2.
type Sender struct {
	conn    *Connection
	localID ChannelID
	peerID  ChannelID

	mu                   sync.Mutex
	remainingFrameCredit uint32
	remainingByteCredit  uint32
	usedFrameCredit      uint32
	usedByteCredit       uint32
	lastCreditUpdate     time.Time
	closedByPeer         bool
	closedByPeerReason   []byte

	ready chan struct{}

	bandwidthFramesEMA ema
	bandwidthBytesEMA  ema
}

func newSender(conn *Connection, localID, peerID ChannelID, frameCredit, byteCredit uint32) *Sender {
	return &Sender{
		conn:                 conn,
		localID:              localID,
		peerID:               peerID,
		remainingFrameCredit: frameCredit,
		remainingByteCredit:  byteCredit,
		lastCreditUpdate:     time.Now(),
		ready:                make(chan struct{}, 1),
		bandwidthFramesEMA:   newEMA(bandwidthSmootheningFactor),
		bandwidthBytesEMA:    newEMA(bandwidthSmootheningFactor),
	}
}

func (s *Sender) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// grantCredit folds a ChannelAdjust frame's grant into the sender's
// remaining credit and updates the transmitted-bandwidth estimate.
func (s *Sender) grantCredit(frameCredit, byteCredit uint32) {
	s.mu.Lock()
	now := time.Now()
	if elapsed := now.Sub(s.lastCreditUpdate).Seconds(); elapsed > 0 {
		s.bandwidthFramesEMA.update(float64(s.usedFrameCredit) / elapsed)
		s.bandwidthBytesEMA.update(float64(s.usedByteCredit) / elapsed)
	}
	s.usedFrameCredit = 0
	s.usedByteCredit = 0
	s.lastCreditUpdate = now
	s.remainingFrameCredit += frameCredit
	s.remainingByteCredit += byteCredit
	s.mu.Unlock()
	s.wake()
}

// peerClosed records that the peer has half-closed its read side
// (ChannelClose), meaning further writes will never be consumed.
func (s *Sender) peerClosed(reason []byte) {
	s.mu.Lock()
	s.closedByPeer = true
	s.closedByPeerReason = reason
	s.mu.Unlock()
	s.wake()
}

// Write implements io.Writer, fragmenting data into ChannelData frames no
// larger than the currently granted byte credit and blocking when credit
// runs below the backpressure threshold.
func (s *Sender) Write(data []byte) (int, error) {
	return s.WriteContext(context.Background(), data)
}

// WriteContext is equivalent to Write but allows the wait for credit to be
// interrupted by ctx.
func (s *Sender) WriteContext(ctx context.Context, data []byte) (int, error) {
	var total int
	for len(data) > 0 {
		n, err := s.writeChunk(ctx, data)
		total += n
		if err != nil {
			return total, err
		}
		data = data[n:]
	}
	return total, nil
}

func (s *Sender) writeChunk(ctx context.Context, data []byte) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		s.mu.Lock()
		if s.closedByPeer {
			s.mu.Unlock()
			return 0, ErrWriteClosed
		}
		if s.remainingFrameCredit > 0 && s.remainingByteCredit >= senderBackpressureThreshold {
			n := len(data)
			if uint32(n) > s.remainingByteCredit {
				n = int(s.remainingByteCredit)
			}
			s.remainingFrameCredit--
			s.remainingByteCredit -= uint32(n)
			s.usedFrameCredit++
			s.usedByteCredit += uint32(n)
			s.mu.Unlock()

			buf := NewChannelDataBuffer(s.peerID, n)
			buf = append(buf, data[:n]...)
			s.conn.enqueueRaw(buf)
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.conn.closed:
			return 0, s.conn.closedError()
		}
	}
}

// Close sends ChannelClosed, indicating that no further data will be sent
// on this channel. It may be called more than once.
func (s *Sender) Close() error {
	s.conn.enqueueFrame(NewChannelClosedFrame(s.peerID, nil))
	return nil
}

// Receiver is the read half of a Channel.
type Receiver struct {
	conn    *Connection
	localID ChannelID
	peerID  ChannelID

	mu                            sync.Mutex
	queue                         [][]byte
	remainingFrameCredit          uint32
	remainingByteCredit           uint32
	maxFrameCredit                uint32
	maxByteCredit                 uint32
	lastReplenish                 time.Time
	usedFrameCreditSinceReplenish uint32
	usedByteCreditSinceReplenish  uint32
	closedByPeer                  bool

	ready chan struct{}

	bandwidthFramesEMA ema
	bandwidthBytesEMA  ema

	pending []byte
}

func newReceiver(conn *Connection, localID, peerID ChannelID, frameCredit, byteCredit uint32) *Receiver {
	return &Receiver{
		conn:                 conn,
		localID:              localID,
		peerID:               peerID,
		remainingFrameCredit: frameCredit,
		remainingByteCredit:  byteCredit,
		maxFrameCredit:       frameCredit,
		maxByteCredit:        byteCredit,
		lastReplenish:        time.Now(),
		ready:                make(chan struct{}, 1),
		bandwidthFramesEMA:   newEMA(bandwidthSmootheningFactor),
		bandwidthBytesEMA:    newEMA(bandwidthSmootheningFactor),
	}
}

func (r *Receiver) wake() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// deliver pushes an inbound ChannelData payload onto the receive queue,
// enforcing the granted frame and byte credit.
func (r *Receiver) deliver(payload []byte) error {
	r.mu.Lock()
	if r.remainingFrameCredit == 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: channel data arrived with no remaining frame credit", ErrProtocolViolation)
	}
	if uint32(len(payload)) > r.remainingByteCredit {
		r.mu.Unlock()
		return fmt.Errorf("%w: channel data of %d bytes exceeds remaining byte credit of %d", ErrProtocolViolation, len(payload), r.remainingByteCredit)
	}
	r.remainingFrameCredit--
	r.remainingByteCredit -= uint32(len(payload))
	r.queue = append(r.queue, payload)
	r.mu.Unlock()
	r.wake()
	return nil
}

// peerClosed records that the peer has sent ChannelClosed: once the queue
// drains, NextChunk and Read report io.EOF.
func (r *Receiver) peerClosed() {
	r.mu.Lock()
	r.closedByPeer = true
	r.mu.Unlock()
	r.wake()
}

// afterConsume must be called with r.mu held, immediately after popping an
// entry of length payloadLen from the queue. It implements the doubling
// credit-replenishment rule: the receive window grows when consumption is
// keeping up with the peer (a replenishment happened within the last two
// smoothed round-trip times), and otherwise holds steady.
func (r *Receiver) afterConsume(payloadLen int) {
	r.usedFrameCreditSinceReplenish++
	r.usedByteCreditSinceReplenish += uint32(payloadLen)

	lowFrame := r.remainingFrameCredit < r.maxFrameCredit/2
	lowByte := r.remainingByteCredit < r.maxByteCredit/2
	if !lowFrame && !lowByte {
		return
	}

	now := time.Now()
	if rtt := r.conn.currentSmoothedRTT(); rtt > 0 && now.Sub(r.lastReplenish) < 2*rtt {
		if lowFrame && r.maxFrameCredit < ChannelMaxFrameCredit {
			if doubled := r.maxFrameCredit * 2; doubled > ChannelMaxFrameCredit {
				r.maxFrameCredit = ChannelMaxFrameCredit
			} else {
				r.maxFrameCredit = doubled
			}
		}
		if lowByte && r.maxByteCredit < ChannelMaxByteCredit {
			if doubled := r.maxByteCredit * 2; doubled > ChannelMaxByteCredit {
				r.maxByteCredit = ChannelMaxByteCredit
			} else {
				r.maxByteCredit = doubled
			}
		}
	}

	addFrame := r.maxFrameCredit - r.remainingFrameCredit
	addByte := r.maxByteCredit - r.remainingByteCredit

	if elapsed := now.Sub(r.lastReplenish).Seconds(); elapsed > 0 {
		r.bandwidthFramesEMA.update(float64(r.usedFrameCreditSinceReplenish) / elapsed)
		r.bandwidthBytesEMA.update(float64(r.usedByteCreditSinceReplenish) / elapsed)
	}
	r.usedFrameCreditSinceReplenish = 0
	r.usedByteCreditSinceReplenish = 0
	r.remainingFrameCredit = r.maxFrameCredit
	r.remainingByteCredit = r.maxByteCredit
	r.lastReplenish = now

	r.conn.enqueueFrame(NewChannelAdjustFrame(r.peerID, addFrame, addByte))
}

// NextChunk returns the next zero-copy chunk of inbound data, blocking
// until one arrives, the peer closes the channel (io.EOF), ctx is done, or
// the connection closes.
func (r *Receiver) NextChunk(ctx context.Context) (Chunk, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			payload := r.queue[0]
			r.queue = r.queue[1:]
			r.afterConsume(len(payload))
			r.mu.Unlock()
			return Chunk{payload: payload}, nil
		}
		if r.closedByPeer {
			r.mu.Unlock()
			return Chunk{}, io.EOF
		}
		r.mu.Unlock()

		select {
		case <-r.ready:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-r.conn.closed:
			return Chunk{}, r.conn.closedError()
		}
	}
}

// Read implements io.Reader in terms of NextChunk, matching spec.md §8's
// requirement that Read return io.EOF once the peer's ChannelClosed has
// been received and the buffer drains, rather than blocking forever.
func (r *Receiver) Read(buf []byte) (int, error) {
	return r.ReadContext(context.Background(), buf)
}

// ReadContext is equivalent to Read but allows the wait for data to be
// interrupted by ctx.
func (r *Receiver) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		if len(r.pending) > 0 {
			n := copy(buf, r.pending)
			r.pending = r.pending[n:]
			return n, nil
		}
		chunk, err := r.NextChunk(ctx)
		if err != nil {
			return 0, err
		}
		r.pending = chunk.payload
	}
}

// Close sends ChannelClose unconditionally, even if the channel has
// already been closed locally; see DESIGN.md Open Question 3.
func (r *Receiver) Close() error {
	r.conn.enqueueFrame(NewChannelCloseFrame(r.peerID, nil))
	return nil
}

// Channel is a bidirectional byte stream multiplexed over a Connection. It
// implements net.Conn.
type Channel struct {
	conn     *Connection
	localID  ChannelID
	remoteID ChannelID
	sender   *Sender
	receiver *Receiver

	closeOnce sync.Once

	readDeadlineMu  sync.Mutex
	readDeadline    time.Time
	writeDeadlineMu sync.Mutex
	writeDeadline   time.Time
}

func newChannel(conn *Connection, localID, peerID ChannelID, senderFrameCredit, senderByteCredit, receiverFrameCredit, receiverByteCredit uint32) *Channel {
	return &Channel{
		conn:     conn,
		localID:  localID,
		remoteID: peerID,
		sender:   newSender(conn, localID, peerID, senderFrameCredit, senderByteCredit),
		receiver: newReceiver(conn, localID, peerID, receiverFrameCredit, receiverByteCredit),
	}
}

// Split decomposes the channel into its independent read and write halves,
// which may be used concurrently and passed to different goroutines.
func (c *Channel) Split() (*Sender, *Receiver) {
	return c.sender, c.receiver
}

// Merge recomposes a Sender and Receiver obtained from the same Split call
// back into a Channel.
func Merge(sender *Sender, receiver *Receiver) (*Channel, error) {
	if sender.conn != receiver.conn || sender.peerID != receiver.peerID || sender.localID != receiver.localID {
		return nil, errors.New("sender and receiver do not belong to the same channel")
	}
	return &Channel{conn: sender.conn, localID: sender.localID, remoteID: sender.peerID, sender: sender, receiver: receiver}, nil
}

func deadlineContext(mu *sync.Mutex, deadline *time.Time) (context.Context, context.CancelFunc) {
	mu.Lock()
	d := *deadline
	mu.Unlock()
	if d.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), d)
}

func mapDeadlineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return os.ErrDeadlineExceeded
	}
	return err
}

// Read implements net.Conn.Read.
func (c *Channel) Read(buf []byte) (int, error) {
	ctx, cancel := deadlineContext(&c.readDeadlineMu, &c.readDeadline)
	defer cancel()
	n, err := c.receiver.ReadContext(ctx, buf)
	return n, mapDeadlineErr(err)
}

// Write implements net.Conn.Write.
func (c *Channel) Write(buf []byte) (int, error) {
	ctx, cancel := deadlineContext(&c.writeDeadlineMu, &c.writeDeadline)
	defer cancel()
	n, err := c.sender.WriteContext(ctx, buf)
	return n, mapDeadlineErr(err)
}

// Close closes both halves of the channel and deregisters it from the
// owning connection.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		must.Close(c.sender, c.conn.logger)
		must.Close(c.receiver, c.conn.logger)
		c.conn.removeChannel(c.localID)
	})
	return nil
}

// LocalAddr implements net.Conn.LocalAddr.
func (c *Channel) LocalAddr() net.Addr { return &channelAddress{id: c.localID} }

// RemoteAddr implements net.Conn.RemoteAddr.
func (c *Channel) RemoteAddr() net.Addr { return &channelAddress{remote: true, id: c.remoteID} }

// SetDeadline implements net.Conn.SetDeadline.
func (c *Channel) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline implements net.Conn.SetReadDeadline.
func (c *Channel) SetReadDeadline(t time.Time) error {
	c.readDeadlineMu.Lock()
	c.readDeadline = t
	c.readDeadlineMu.Unlock()
	return nil
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline.
func (c *Channel) SetWriteDeadline(t time.Time) error {
	c.writeDeadlineMu.Lock()
	c.writeDeadline = t
	c.writeDeadlineMu.Unlock()
	return nil
}

var _ net.Conn = (*Channel)(nil)
