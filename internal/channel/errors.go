package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSender is wrapped by NormalizationError when the provider event has no sender id.
	ErrMissingSender = errors.New("inbound message has no sender")
	// ErrMissingConversation is wrapped by NormalizationError when no conversation id can be derived.
	ErrMissingConversation = errors.New("inbound message has no conversation")
	// ErrEmptyContent is returned when a deliverer is asked to send nothing.
	ErrEmptyContent = errors.New("outbound content is empty")
	// ErrUnknownTarget is returned when a proactive target cannot be resolved.
	ErrUnknownTarget = errors.New("unknown delivery target")
)

// NormalizationError reports a provider event that could not be turned into an InboundMessage.
type NormalizationError struct {
	Channel   ChannelType
	MessageID string
	Err       error
}

func (e *NormalizationError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("normalize %s message %s: %v", e.Channel, e.MessageID, e.Err)
	}
	return fmt.Sprintf("normalize %s message: %v", e.Channel, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// DeliveryError describes one failed outbound send. The dispatcher reports
// it through its error callback and keeps going with the next unit.
type DeliveryError struct {
	Kind   ReplyKind
	Index  int
	Target string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s reply #%d to %s: %v", e.Kind, e.Index, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
