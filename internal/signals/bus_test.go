package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, MlsMessageReceived)
	b.Publish(MlsMessageReceived, MessageReceived{MessageID: "m1"})

	select {
	case got := <-ch:
		assert.Equal(t, MessageReceived{MessageID: "m1"}, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestBusPublishNoSubscribersIsNoop(t *testing.T) {
	b := New(nil)
	assert.NotPanics(t, func() { b.Publish(MlsWelcomeReceived, WelcomeReceived{}) })
}

func TestBusUnsubscribeOnContextCancel(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, MlsMessageSent)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestBusCloseClosesAllChannels(t *testing.T) {
	b := New(nil)
	ch1, _ := b.Subscribe(context.Background(), MlsMessageReceived)
	ch2, _ := b.Subscribe(context.Background(), MlsMessageSent)

	b.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}
