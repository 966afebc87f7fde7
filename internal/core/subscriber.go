package core

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Subscriber multiplexes several subscriptions for one worker. Subscriptions
// are polled round-robin: a pass takes at most one message from each, in
// channel order, and Next hands out that pass's messages before the next pass
// starts. Only when a pass comes up empty does Next wait on all of them.
type Subscriber struct {
	subs        []Subscription
	pollTimeout time.Duration
	queue       []delivery
}

type delivery struct {
	msg     Message
	channel string
}

// NewSubscriber subscribes to channels on b. The order of channels is the
// order of every polling pass.
func NewSubscriber(b Broker, channels []string, pollTimeout time.Duration) (*Subscriber, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("subscriber needs at least one channel")
	}
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Millisecond
	}
	s := &Subscriber{pollTimeout: pollTimeout}
	for _, ch := range channels {
		sub, err := b.Subscribe(ch)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

// Channels returns the subscribed channels in polling order.
func (s *Subscriber) Channels() []string {
	out := make([]string, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.Channel()
	}
	return out
}

// Next returns the next message and the channel of the subscription that
// delivered it. It returns ctx.Err() when ctx is done and ErrBrokerClosed when
// a subscription closed with nothing left to deliver.
func (s *Subscriber) Next(ctx context.Context) (Message, string, error) {
	for {
		if msg, ch, ok := s.poll(); ok {
			return msg, ch, nil
		}
		if err := ctx.Err(); err != nil {
			return Message{}, "", err
		}
		for _, sub := range s.subs {
			select {
			case <-sub.Closed():
				return Message{}, "", fmt.Errorf("%s: %w", sub.Channel(), ErrBrokerClosed)
			default:
			}
		}

		msg, ch, ok, err := s.wait(ctx)
		if err != nil {
			return Message{}, "", err
		}
		if ok {
			return msg, ch, nil
		}
	}
}

// poll returns the next message of the current pass, starting a new
// non-blocking pass when the previous one is used up.
func (s *Subscriber) poll() (Message, string, bool) {
	if len(s.queue) == 0 {
		for _, sub := range s.subs {
			select {
			case msg, open := <-sub.C():
				if open {
					s.queue = append(s.queue, delivery{msg: msg, channel: sub.Channel()})
				}
			default:
			}
		}
	}
	if len(s.queue) == 0 {
		return Message{}, "", false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d.msg, d.channel, true
}

// wait blocks until a message arrives, a subscription closes, ctx ends or
// the poll timer fires. Only the first case yields a message.
func (s *Subscriber) wait(ctx context.Context) (Message, string, bool, error) {
	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()

	n := len(s.subs)
	cases := make([]reflect.SelectCase, 0, 2*n+2)
	for _, sub := range s.subs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.C())})
	}
	for _, sub := range s.subs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.Closed())})
	}
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)},
	)

	chosen, value, recvOK := reflect.Select(cases)
	switch {
	case chosen < n && recvOK:
		return value.Interface().(Message), s.subs[chosen].Channel(), true, nil
	case chosen < 2*n:
		// A closed delivery channel lands here too. Next re-polls and reports the closed subscription.
		return Message{}, "", false, nil
	case chosen == 2*n:
		return Message{}, "", false, ctx.Err()
	default:
		return Message{}, "", false, nil
	}
}

// Close unsubscribes from every channel.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}
