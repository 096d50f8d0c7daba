//go:build nip55

// ABOUTME: External signer: an app-layer callback (e.g. Android NIP-55
// ABOUTME: intent broker), grounded on nip55_signer.rs. Build-tag gated.

package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/werr"
)

// Nip55Callback is the platform-layer surface an External signer calls
// into; the FFI host implements it on top of the actual signer app IPC
// (e.g. an Android content-provider intent round trip), correlating
// requests with the internal/auth token scheme.
type Nip55Callback interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, unsignedJSON string) (signedJSON string, err error)
	Nip44Encrypt(ctx context.Context, plaintext, recipientPubkey string) (string, error)
	Nip44Decrypt(ctx context.Context, ciphertext, senderPubkey string) (string, error)
}

// External is a signer whose key material never enters process memory;
// every cryptographic operation is delegated to the platform callback.
type External struct {
	callback     Nip55Callback
	cachedPubkey string
}

// NewExternal wraps a platform callback.
func NewExternal(callback Nip55Callback) *External {
	return &External{callback: callback}
}

func (e *External) GetPublicKey(ctx context.Context) (string, error) {
	if e.cachedPubkey != "" {
		return e.cachedPubkey, nil
	}
	pub, err := e.callback.GetPublicKey(ctx)
	if err != nil {
		return "", werr.New(werr.KindSecretsStore, "secrets.External.GetPublicKey", err)
	}
	e.cachedPubkey = pub
	return pub, nil
}

func (e *External) SignEvent(ctx context.Context, evt *nostrtypes.Event) error {
	pub, err := e.GetPublicKey(ctx)
	if err != nil {
		return err
	}
	evt.PubKey = pub

	unsigned, err := json.Marshal(evt)
	if err != nil {
		return werr.New(werr.KindInvalidEvent, "secrets.External.SignEvent", err)
	}
	signed, err := e.callback.SignEvent(ctx, string(unsigned))
	if err != nil {
		return werr.New(werr.KindSecretsStore, "secrets.External.SignEvent", err)
	}
	if err := json.Unmarshal([]byte(signed), evt); err != nil {
		return werr.New(werr.KindInvalidEvent, "secrets.External.SignEvent", fmt.Errorf("decoding signed event: %w", err))
	}
	return nil
}

func (e *External) Encrypt(ctx context.Context, plaintext, recipientPubkey string) (string, error) {
	ciphertext, err := e.callback.Nip44Encrypt(ctx, plaintext, recipientPubkey)
	if err != nil {
		return "", werr.New(werr.KindSecretsStore, "secrets.External.Encrypt", err)
	}
	return ciphertext, nil
}

func (e *External) Decrypt(ctx context.Context, ciphertext, senderPubkey string) (string, error) {
	plaintext, err := e.callback.Nip44Decrypt(ctx, ciphertext, senderPubkey)
	if err != nil {
		return "", werr.New(werr.KindSecretsStore, "secrets.External.Decrypt", err)
	}
	return plaintext, nil
}

var _ Signer = (*External)(nil)
