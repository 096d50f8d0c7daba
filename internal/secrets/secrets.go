// ABOUTME: Signer capability surface and per-account file-backed key storage.
// ABOUTME: Grounded on original_source's secrets_store.rs, upgraded to HKDF.

package secrets

import (
	"context"

	"github.com/whitenoise/core/internal/nostrtypes"
)

// Signer is the capability the rest of the core programs against: get the
// account's public key, sign an unsigned event, and optionally NIP-44
// encrypt/decrypt for this account's private key. Its method set matches
// github.com/nbd-wtf/go-nostr's Keyer interface so a Signer value can be
// passed directly to pool/relay calls that expect one.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostrtypes.Event) error
	Encrypt(ctx context.Context, plaintext, recipientPubkey string) (string, error)
	Decrypt(ctx context.Context, ciphertext, senderPubkey string) (string, error)
}
