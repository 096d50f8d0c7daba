// ABOUTME: Correlation broker for external-signer callbacks: pairs each
// ABOUTME: outstanding request with the platform response that answers it.

package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whitenoise/core/internal/auth"
	"github.com/whitenoise/core/internal/werr"
)

// CallbackResult is what the platform layer delivers for one request.
type CallbackResult struct {
	Payload string
	Err     error
}

// CallbackBroker correlates asynchronous external-signer requests with
// their responses. Each request is handed a short-lived signed token; the
// platform callback must echo it, and a response with a missing, expired,
// or foreign token is rejected. This keeps a hostile app on the same
// platform from answering another app's signing request.
type CallbackBroker struct {
	verifier *auth.JWTVerifier
	ttl      time.Duration

	mu      sync.Mutex
	pending map[string]chan CallbackResult
}

// NewCallbackBroker builds a broker with the given HMAC secret and token
// lifetime.
func NewCallbackBroker(secret []byte, ttl time.Duration) (*CallbackBroker, error) {
	verifier, err := auth.NewJWTVerifier(secret)
	if err != nil {
		return nil, werr.New(werr.KindSecretsStore, "secrets.NewCallbackBroker", err)
	}
	return &CallbackBroker{
		verifier: verifier,
		ttl:      ttl,
		pending:  make(map[string]chan CallbackResult),
	}, nil
}

// Begin registers a new outstanding request and returns its id, the token
// the platform must echo, and a wait function that blocks until Deliver
// answers or ctx expires. The request is deregistered when wait returns.
func (b *CallbackBroker) Begin(ctx context.Context) (requestID, token string, wait func(context.Context) (string, error), err error) {
	requestID = uuid.New().String()
	token, err = b.verifier.Generate(requestID, b.ttl)
	if err != nil {
		return "", "", nil, werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.Begin", err)
	}

	ch := make(chan CallbackResult, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()

	wait = func(ctx context.Context) (string, error) {
		defer func() {
			b.mu.Lock()
			delete(b.pending, requestID)
			b.mu.Unlock()
		}()
		select {
		case res := <-ch:
			if res.Err != nil {
				return "", werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.wait", res.Err)
			}
			return res.Payload, nil
		case <-ctx.Done():
			return "", werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.wait", ctx.Err())
		}
	}
	return requestID, token, wait, nil
}

// Deliver answers an outstanding request. The echoed token must verify and
// its subject must match requestID.
func (b *CallbackBroker) Deliver(requestID, token string, result CallbackResult) error {
	sub, err := b.verifier.Verify(token)
	if err != nil {
		return werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.Deliver", err)
	}
	if sub != requestID {
		return werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.Deliver",
			fmt.Errorf("token subject %q does not match request %q", sub, requestID))
	}

	b.mu.Lock()
	ch, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.Deliver",
			fmt.Errorf("no outstanding request %q", requestID))
	}

	select {
	case ch <- result:
		return nil
	default:
		return werr.New(werr.KindSecretsStore, "secrets.CallbackBroker.Deliver",
			fmt.Errorf("request %q already answered", requestID))
	}
}
