package secrets

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) *CallbackBroker {
	t.Helper()
	b, err := NewCallbackBroker(bytes.Repeat([]byte("s"), 32), time.Minute)
	require.NoError(t, err)
	return b
}

func TestCallbackBrokerRoundTrip(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	requestID, token, wait, err := b.Begin(ctx)
	require.NoError(t, err)

	go func() {
		_ = b.Deliver(requestID, token, CallbackResult{Payload: "signed-event-json"})
	}()

	payload, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "signed-event-json", payload)
}

func TestCallbackBrokerRejectsForeignToken(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	req1, _, _, err := b.Begin(ctx)
	require.NoError(t, err)
	_, token2, _, err := b.Begin(ctx)
	require.NoError(t, err)

	assert.Error(t, b.Deliver(req1, token2, CallbackResult{Payload: "x"}),
		"a token minted for another request must not answer this one")
}

func TestCallbackBrokerRejectsGarbageToken(t *testing.T) {
	b := newBroker(t)
	requestID, _, _, err := b.Begin(context.Background())
	require.NoError(t, err)
	assert.Error(t, b.Deliver(requestID, "not-a-jwt", CallbackResult{Payload: "x"}))
}

func TestCallbackBrokerWaitHonorsContext(t *testing.T) {
	b := newBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, wait, err := b.Begin(ctx)
	require.NoError(t, err)

	_, err = wait(ctx)
	assert.Error(t, err, "wait must give up when the context expires")
}

func TestCallbackBrokerUnknownRequest(t *testing.T) {
	b := newBroker(t)
	_, token, _, err := b.Begin(context.Background())
	require.NoError(t, err)
	assert.Error(t, b.Deliver("bogus-id", token, CallbackResult{}))
}

func TestCallbackBrokerWeakSecret(t *testing.T) {
	_, err := NewCallbackBroker([]byte("short"), time.Minute)
	assert.Error(t, err)
}
