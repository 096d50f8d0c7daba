package secrets

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/werr"
)

// Local is a signer backed by a persisted private key: the system keyring
// where available, the AEAD-sealed FileStore otherwise. This reference
// implementation always uses FileStore; a keyring-backed variant would
// satisfy the same Signer interface and is a drop-in replacement.
type Local struct {
	store  *FileStore
	pubkey string
	sk     string
}

// NewLocal loads the private key for pubkeyHex from store.
func NewLocal(store *FileStore, pubkeyHex string) (*Local, error) {
	sk, err := store.PrivateKeyFor(pubkeyHex)
	if err != nil {
		return nil, werr.New(werr.KindSecretsStore, "secrets.NewLocal", err)
	}
	return &Local{store: store, pubkey: pubkeyHex, sk: sk}, nil
}

// GenerateLocal creates a fresh keypair and persists it under store,
// returning a ready-to-use signer.
func GenerateLocal(store *FileStore) (*Local, error) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, werr.New(werr.KindNostrKey, "secrets.GenerateLocal", err)
	}
	if err := store.StorePrivateKey(pub, sk); err != nil {
		return nil, werr.New(werr.KindSecretsStore, "secrets.GenerateLocal", fmt.Errorf("persisting key: %w", err))
	}
	return &Local{store: store, pubkey: pub, sk: sk}, nil
}

func (l *Local) GetPublicKey(ctx context.Context) (string, error) {
	return l.pubkey, nil
}

func (l *Local) SignEvent(ctx context.Context, evt *nostrtypes.Event) error {
	return signWith(l.sk, evt)
}

func (l *Local) Encrypt(ctx context.Context, plaintext, recipientPubkey string) (string, error) {
	return encryptWith(l.sk, plaintext, recipientPubkey)
}

func (l *Local) Decrypt(ctx context.Context, ciphertext, senderPubkey string) (string, error) {
	return decryptWith(l.sk, ciphertext, senderPubkey)
}

var _ Signer = (*Local)(nil)
