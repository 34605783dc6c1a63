package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	hub := NewHub(WithBuffer(8))
	sub := hub.Subscribe("m-1")
	defer sub.Close()

	for tick := uint64(1); tick <= 5; tick++ {
		assert.Equal(t, 1, hub.Publish("m-1", Message{Tick: tick, Lossy: true}))
	}
	for want := uint64(1); want <= 5; want++ {
		msg := <-sub.C()
		require.Equal(t, want, msg.Tick)
	}
}

func TestLossyMessagesDropForFullSubscriber(t *testing.T) {
	hub := NewHub(WithBuffer(2))
	sub := hub.Subscribe("m-1")
	defer sub.Close()

	for tick := uint64(1); tick <= 4; tick++ {
		hub.Publish("m-1", Message{Tick: tick, Lossy: true})
	}
	assert.Equal(t, uint64(2), hub.Dropped())
	assert.Equal(t, uint64(1), (<-sub.C()).Tick)
	assert.Equal(t, uint64(2), (<-sub.C()).Tick)
}

func TestReliableMessageWaitsForSpace(t *testing.T) {
	hub := NewHub(WithBuffer(1), WithReliableWait(time.Second))
	sub := hub.Subscribe("m-1")
	defer sub.Close()

	hub.Publish("m-1", Message{Tick: 1, Lossy: true})
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-sub.C()
	}()
	assert.Equal(t, 1, hub.Publish("m-1", Message{Tick: 2}))
	assert.Equal(t, uint64(2), (<-sub.C()).Tick)
}

func TestCloseGroupClosesSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("m-1")
	b := hub.Subscribe("m-1")
	other := hub.Subscribe("m-2")
	defer other.Close()

	hub.CloseGroup("m-1")
	_, okA := <-a.C()
	_, okB := <-b.C()
	assert.False(t, okA)
	assert.False(t, okB)
	assert.Zero(t, hub.Count("m-1"))
	assert.Equal(t, 1, hub.Count("m-2"))

	//1.- Closing after the group is gone must not panic.
	a.Close()
	b.Close()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("m-1")
	sub.Close()
	sub.Close()
	assert.Zero(t, hub.Count("m-1"))
	assert.Zero(t, hub.Publish("m-1", Message{Tick: 1}))
}
