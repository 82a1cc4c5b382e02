package multiplex

import "time"

const (
	// ChannelMaxFrameCredit is the global cap on a receiver's max frame
	// credit; it never grows past this value.
	ChannelMaxFrameCredit = 1024
	// ChannelMaxByteCredit is the global cap on a receiver's max byte
	// credit; it never grows past this value.
	ChannelMaxByteCredit = 1 << 30 // 1 GiB

	// defaultInitialChannelFrameCredit is the frame credit granted to a
	// fresh channel before any replenishment.
	defaultInitialChannelFrameCredit = 128
	// defaultInitialChannelByteCredit is the byte credit granted to a fresh
	// channel before any replenishment.
	defaultInitialChannelByteCredit = 16 * 1024

	// senderBackpressureThreshold is the remaining byte credit below which
	// Sender.Write blocks rather than emitting a tiny frame.
	senderBackpressureThreshold = 512

	// bandwidthSmootheningFactor is the smoothing factor for the generic
	// exponential moving averages used for bandwidth estimation, distinct
	// from the fixed 7/8 RTT smoothing rule.
	bandwidthSmootheningFactor = 0.5

	// defaultKeepaliveInterval is the ping cadence described in spec.md §4.3.
	defaultKeepaliveInterval = 5 * time.Second
)

// Configuration encodes Connection configuration.
type Configuration struct {
	// KeepaliveInterval is the interval on which Ping frames are sent when
	// the connection is otherwise idle. If less than or equal to zero, the
	// default of 5 seconds is used.
	KeepaliveInterval time.Duration
	// MaximumPongMissingInterval, if greater than zero, closes the
	// connection once this much time has elapsed with a ping outstanding
	// and no pong received. The zero value (default) disables this check,
	// matching the behavior described in spec.md §9 Open Question 1: a
	// dead peer can otherwise hang forever.
	MaximumPongMissingInterval time.Duration
	// AcceptBacklog is the maximum number of pending inbound channel
	// requests that will be buffered awaiting a call to NextEvent. If less
	// than or equal to zero, it is set to 1.
	AcceptBacklog int
	// OutboundQueueSize is the capacity of the outbound frame queue. If
	// less than or equal to zero, it is set to a reasonable default. The
	// queue is a plain buffered Go channel rather than a true unbounded
	// MPMC queue; enqueuing blocks while it is full. The transport itself
	// is the real backpressure boundary per spec.md §9.
	OutboundQueueSize int
	// InitialChannelFrameCredit is the frame credit a fresh channel's
	// receiver grants before any replenishment. Defaults to 128.
	InitialChannelFrameCredit uint32
	// InitialChannelByteCredit is the byte credit a fresh channel's
	// receiver grants before any replenishment. Defaults to 16 KiB.
	InitialChannelByteCredit uint32
}

// DefaultConfiguration returns the default Connection configuration.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		KeepaliveInterval:          defaultKeepaliveInterval,
		MaximumPongMissingInterval: 0,
		AcceptBacklog:              16,
		OutboundQueueSize:          256,
		InitialChannelFrameCredit:  defaultInitialChannelFrameCredit,
		InitialChannelByteCredit:   defaultInitialChannelByteCredit,
	}
}

// normalize normalizes out-of-range configuration values.
func (c *Configuration) normalize() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.MaximumPongMissingInterval < 0 {
		c.MaximumPongMissingInterval = 0
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = 1
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	if c.InitialChannelFrameCredit == 0 {
		c.InitialChannelFrameCredit = defaultInitialChannelFrameCredit
	}
	if c.InitialChannelByteCredit == 0 {
		c.InitialChannelByteCredit = defaultInitialChannelByteCredit
	}
}
