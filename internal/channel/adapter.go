package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is a callback invoked when a normalized message arrives from a channel.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Capabilities describes what a channel platform supports.
type Capabilities struct {
	Text       bool `json:"text"`
	Markdown   bool `json:"markdown"`
	Media      bool `json:"media"`
	Typing     bool `json:"typing"`
	Reply      bool `json:"reply"`
	Threads    bool `json:"threads"`
	Mentions   bool `json:"mentions"`
	Proactive  bool `json:"proactive"`
	DirectOnly bool `json:"direct_only"`
}

// Descriptor holds read-only metadata for a registered channel type.
// Behavior is expressed through the optional interfaces below.
type Descriptor struct {
	Type         ChannelType
	DisplayName  string
	Capabilities Capabilities
	// OutboundPolicy carries the platform hard limit and default retry settings.
	OutboundPolicy OutboundPolicy
}

// Deliverer sends outbound content into a conversation.
type Deliverer interface {
	Send(ctx context.Context, ref ConversationRef, content OutboundContent) (DeliveryReceipt, error)
	SendTyping(ctx context.Context, ref ConversationRef) error
}

// TypingStopper is implemented by deliverers whose typing indicator must be
// cleared explicitly (for example a reaction placed on the inbound message).
type TypingStopper interface {
	StopTyping(ctx context.Context, ref ConversationRef) error
}

// SelfDiscoverer retrieves the adapter bot's own identity from the platform.
type SelfDiscoverer interface {
	DiscoverSelf(ctx context.Context) (id string, name string, err error)
}

// Receiver is an adapter capable of establishing a long-lived connection to receive messages.
type Receiver interface {
	Connect(ctx context.Context, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the given channel and stop function.
func NewConnection(channelType ChannelType, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		channelType: channelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
