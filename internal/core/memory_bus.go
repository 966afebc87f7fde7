package core

import (
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process Broker. It is used when every worker runs in
// the same process and by tests. A full subscriber buffer drops the message,
// matching the at-most-once contract of the networked broker.
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string][]*memorySubscription
	closed  bool
	dropped atomic.Int64
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySubscription)}
}

// Publish fans data out to every current subscriber of channel.
func (b *MemoryBroker) Publish(channel, data string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	msg := Message{Channel: channel, Data: data}
	for _, s := range b.subs[channel] {
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers interest in channel.
func (b *MemoryBroker) Subscribe(channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	s := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan Message, subscriptionBuffer),
		closed:  make(chan struct{}),
	}
	b.subs[channel] = append(b.subs[channel], s)
	return s, nil
}

// Close marks every subscription closed. Further publishes fail.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.markClosed()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

// Dropped returns how many messages were discarded because a subscriber
// buffer was full.
func (b *MemoryBroker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.channel]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	ch      chan Message
	closed  chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Channel() string         { return s.channel }
func (s *memorySubscription) C() <-chan Message       { return s.ch }
func (s *memorySubscription) Closed() <-chan struct{} { return s.closed }

func (s *memorySubscription) markClosed() {
	s.once.Do(func() { close(s.closed) })
}

func (s *memorySubscription) Unsubscribe() error {
	s.broker.remove(s)
	s.markClosed()
	return nil
}
