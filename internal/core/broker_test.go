package core

import (
	"errors"
	"testing"
	"time"
)

// ─── Message ─────────────────────────────────────────────────────────────────

func TestMessage_IsStop(t *testing.T) {
	if !(Message{Channel: ChannelTWModified, Data: StopToken}).IsStop() {
		t.Error("stop_process should be a stop message")
	}
	if (Message{Channel: ChannelTWModified, Data: "profile_1.2.3.4:timewindow1"}).IsStop() {
		t.Error("window update should not be a stop message")
	}
}

func TestIntendedFor(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		channel string
		want    bool
	}{
		{"payload on its channel", &Message{Channel: ChannelTWModified, Data: "p_1:tw1"}, ChannelTWModified, true},
		{"stop sentinel", &Message{Channel: ChannelTWModified, Data: StopToken}, ChannelTWModified, false},
		{"other channel", &Message{Channel: ChannelNewNotice, Data: "{}"}, ChannelTWModified, false},
		{"nil message", nil, ChannelTWModified, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IntendedFor(tc.msg, tc.channel); got != tc.want {
				t.Errorf("IntendedFor = %v, want %v", got, tc.want)
			}
		})
	}
}

// ─── MemoryBroker ────────────────────────────────────────────────────────────

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message on %s", sub.Channel())
		return Message{}
	}
}

func TestMemoryBroker_FanOut(t *testing.T) {
	b := NewMemoryBroker()
	a, _ := b.Subscribe(ChannelTWModified)
	c, _ := b.Subscribe(ChannelTWModified)
	other, _ := b.Subscribe(ChannelNewNotice)

	if err := b.Publish(ChannelTWModified, "p_1:tw1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, sub := range []Subscription{a, c} {
		msg := recv(t, sub)
		if msg.Channel != ChannelTWModified || msg.Data != "p_1:tw1" {
			t.Errorf("got %+v", msg)
		}
	}
	select {
	case msg := <-other.C():
		t.Errorf("unexpected message on new_notice: %+v", msg)
	default:
	}
}

func TestMemoryBroker_NoSubscribers(t *testing.T) {
	b := NewMemoryBroker()
	if err := b.Publish(ChannelTWModified, "x"); err != nil {
		t.Errorf("Publish without subscribers: %v", err)
	}
}

func TestMemoryBroker_DropsWhenFull(t *testing.T) {
	b := NewMemoryBroker()
	b.Subscribe(ChannelTWModified)
	for i := 0; i < subscriptionBuffer+5; i++ {
		b.Publish(ChannelTWModified, "x")
	}
	if got := b.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestMemoryBroker_Unsubscribe(t *testing.T) {
	b := NewMemoryBroker()
	sub, _ := b.Subscribe(ChannelTWModified)
	sub.Unsubscribe()

	select {
	case <-sub.Closed():
	default:
		t.Fatal("Closed() should be closed after Unsubscribe")
	}
	b.Publish(ChannelTWModified, "x")
	select {
	case msg := <-sub.C():
		t.Errorf("unsubscribed subscription received %+v", msg)
	default:
	}
}

func TestMemoryBroker_Close(t *testing.T) {
	b := NewMemoryBroker()
	sub, _ := b.Subscribe(ChannelTWModified)
	b.Close()

	select {
	case <-sub.Closed():
	default:
		t.Error("subscriptions should be closed with the broker")
	}
	if err := b.Publish(ChannelTWModified, "x"); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Publish after Close = %v, want ErrBrokerClosed", err)
	}
	if _, err := b.Subscribe(ChannelTWModified); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrBrokerClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
