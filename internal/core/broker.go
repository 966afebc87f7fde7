package core

import (
	"errors"
)

// Channel names shared by every process in the system.
const (
	ChannelTWModified      = "tw_modified"
	ChannelNewNotice       = "new_notice"
	ChannelFinishedModules = "finished_modules"
	ChannelEvidenceAdded   = "evidence_added"
)

// StopToken is the universal shutdown sentinel understood by every subscriber
// regardless of channel.
const StopToken = "stop_process"

// StopRequestToken asks the coordinator to begin a shutdown when published on
// ChannelFinishedModules.
const StopRequestToken = "stop_slips"

var (
	// ErrBrokerClosed is returned when a subscription stops delivering because
	// the broker connection went away.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrMalformed marks a payload that could not be decoded. Workers treat it
	// as a wasted wake-up.
	ErrMalformed = errors.New("malformed payload")
)

// Message is the wire unit exchanged over the broker.
type Message struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

// IsStop reports whether the message carries the shutdown sentinel.
func (m Message) IsStop() bool {
	return m.Data == StopToken
}

// IntendedFor reports whether msg is a dispatchable payload for channel: it
// must not be the stop sentinel and must originate from that channel.
func IntendedFor(msg *Message, channel string) bool {
	return msg != nil &&
		msg.Data != StopToken &&
		msg.Channel == channel
}

// Broker is the publish/subscribe fan-out used for cross-process coordination.
// Delivery is unordered across channels and at-most-once per subscriber.
type Broker interface {
	Publish(channel, data string) error
	Subscribe(channel string) (Subscription, error)
	Close() error
}

// Subscription delivers messages for a single channel. Closed is closed once
// the subscription can no longer deliver, either because it was unsubscribed
// or because the broker connection is gone.
type Subscription interface {
	Channel() string
	C() <-chan Message
	Closed() <-chan struct{}
	Unsubscribe() error
}
