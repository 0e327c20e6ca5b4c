package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvEnvelope(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope within deadline")
		return Envelope{}
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(0)

	subs := []*Subscription{bus.Subscribe(), bus.Subscribe(), bus.Subscribe()}
	require.Equal(t, 3, bus.SubscriberCount())

	env := Envelope{From: "10.0.0.1:4000", Msg: &Text{Body: "hi all"}}
	bus.Publish(env)

	// Every subscriber gets the envelope, the publisher's own included.
	for _, sub := range subs {
		require.Equal(t, env, recvEnvelope(t, sub))
	}
}

func TestBusSubscribeSeesOnlyLaterTraffic(t *testing.T) {
	bus := NewBus(0)
	early := bus.Subscribe()

	bus.Publish(Envelope{From: "a", Msg: &Text{Body: "before"}})

	late := bus.Subscribe()
	bus.Publish(Envelope{From: "a", Msg: &Text{Body: "after"}})

	require.Equal(t, "before", recvEnvelope(t, early).Msg.(*Text).Body)
	require.Equal(t, "after", recvEnvelope(t, early).Msg.(*Text).Body)
	require.Equal(t, "after", recvEnvelope(t, late).Msg.(*Text).Body)
	require.Empty(t, late.C())
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Envelope{From: "a", Msg: &Text{Body: fmt.Sprintf("m%d", i)}})
	}

	// The queue keeps the newest two, older envelopes were evicted.
	require.Equal(t, "m3", recvEnvelope(t, sub).Msg.(*Text).Body)
	require.Equal(t, "m4", recvEnvelope(t, sub).Msg.(*Text).Body)
	require.EqualValues(t, 3, sub.Dropped())
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(0)
	// Must not block or panic.
	bus.Publish(Envelope{From: "a", Msg: &Quit{}})
	require.Zero(t, bus.SubscriberCount())
}

func TestBusClose(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe()
	other := bus.Subscribe()

	sub.Close()
	sub.Close() // idempotent
	require.Equal(t, 1, bus.SubscriberCount())

	_, ok := <-sub.C()
	require.False(t, ok)

	// Publishing after a close only reaches the live subscriber.
	bus.Publish(Envelope{From: "a", Msg: &Text{Body: "still here"}})
	require.Equal(t, "still here", recvEnvelope(t, other).Msg.(*Text).Body)
}
