package secrets

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/werr"
)

// Ephemeral is an in-memory signer: the private key never touches disk or
// a keyring. Used for short-lived test/throwaway accounts.
type Ephemeral struct {
	sk     string
	pubkey string
}

// NewEphemeral generates a fresh keypair.
func NewEphemeral() (*Ephemeral, error) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, werr.New(werr.KindNostrKey, "secrets.NewEphemeral", err)
	}
	return &Ephemeral{sk: sk, pubkey: pub}, nil
}

func (e *Ephemeral) GetPublicKey(ctx context.Context) (string, error) {
	return e.pubkey, nil
}

func (e *Ephemeral) SignEvent(ctx context.Context, evt *nostrtypes.Event) error {
	return signWith(e.sk, evt)
}

func (e *Ephemeral) Encrypt(ctx context.Context, plaintext, recipientPubkey string) (string, error) {
	return encryptWith(e.sk, plaintext, recipientPubkey)
}

func (e *Ephemeral) Decrypt(ctx context.Context, ciphertext, senderPubkey string) (string, error) {
	return decryptWith(e.sk, ciphertext, senderPubkey)
}

var _ Signer = (*Ephemeral)(nil)

// signWith computes the event id, sets pubkey, and signs it with sk --
// shared by every Signer variant backed by a raw private key.
func signWith(sk string, evt *nostrtypes.Event) error {
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return werr.New(werr.KindNostrKey, "secrets.signWith", err)
	}
	evt.PubKey = pub
	if err := evt.Sign(sk); err != nil {
		return werr.New(werr.KindNostrKey, "secrets.signWith", fmt.Errorf("signing event: %w", err))
	}
	return nil
}

func encryptWith(sk, plaintext, recipientPubkey string) (string, error) {
	convKey, err := nip44.GenerateConversationKey(recipientPubkey, sk)
	if err != nil {
		return "", werr.New(werr.KindNostrKey, "secrets.encryptWith", err)
	}
	ciphertext, err := nip44.Encrypt(plaintext, convKey)
	if err != nil {
		return "", werr.New(werr.KindNostrKey, "secrets.encryptWith", err)
	}
	return ciphertext, nil
}

func decryptWith(sk, ciphertext, senderPubkey string) (string, error) {
	convKey, err := nip44.GenerateConversationKey(senderPubkey, sk)
	if err != nil {
		return "", werr.New(werr.KindNostrKey, "secrets.decryptWith", err)
	}
	plaintext, err := nip44.Decrypt(ciphertext, convKey)
	if err != nil {
		return "", werr.New(werr.KindNostrKey, "secrets.decryptWith", err)
	}
	return plaintext, nil
}
