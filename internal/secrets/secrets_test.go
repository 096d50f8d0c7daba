package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
)

func TestEphemeralSignEventSetsIDAndSig(t *testing.T) {
	s, err := NewEphemeral()
	require.NoError(t, err)

	evt := &nostrtypes.Event{Kind: nostrtypes.KindChatMessage, Content: "hi", CreatedAt: 1}
	require.NoError(t, s.SignEvent(context.Background(), evt))
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Sig)
	pub, _ := s.GetPublicKey(context.Background())
	assert.Equal(t, pub, evt.PubKey)
}

func TestEphemeralEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, err := NewEphemeral()
	require.NoError(t, err)
	bob, err := NewEphemeral()
	require.NoError(t, err)

	alicePub, _ := alice.GetPublicKey(ctx)
	bobPub, _ := bob.GetPublicKey(ctx)

	ciphertext, err := alice.Encrypt(ctx, "secret message", bobPub)
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(ctx, ciphertext, alicePub)
	require.NoError(t, err)
	assert.Equal(t, "secret message", plaintext)
}

func TestFileStoreObfuscateRoundTrip(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	require.NoError(t, fs.StorePrivateKey("deadbeef", "cafebabe"))

	got, err := fs.PrivateKeyFor("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", got)
}

func TestFileStoreMissingKey(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	_, err := fs.PrivateKeyFor("nonexistent")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileStoreDeletePrivateKeyIsIdempotent(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	require.NoError(t, fs.StorePrivateKey("deadbeef", "cafebabe"))
	require.NoError(t, fs.DeletePrivateKey("deadbeef"))
	require.NoError(t, fs.DeletePrivateKey("deadbeef"))

	_, err := fs.PrivateKeyFor("deadbeef")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGenerateLocalPersistsAndReloads(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	l, err := GenerateLocal(fs)
	require.NoError(t, err)

	pub, _ := l.GetPublicKey(context.Background())
	reloaded, err := NewLocal(fs, pub)
	require.NoError(t, err)

	evt := &nostrtypes.Event{Kind: nostrtypes.KindChatMessage, Content: "hi"}
	require.NoError(t, reloaded.SignEvent(context.Background(), evt))
	assert.Equal(t, pub, evt.PubKey)
}

func TestResolverCachesSignerPerAccount(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	r := NewResolver(fs, nil)

	eph, err := NewEphemeral()
	require.NoError(t, err)
	pub, err := eph.GetPublicKey(context.Background())
	require.NoError(t, err)
	r.Register(pub, eph)

	acct := &store.Account{Pubkey: pub, SignerKind: store.SignerEphemeral}
	s1, err := r.For(acct)
	require.NoError(t, err)
	s2, err := r.For(acct)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestResolverEphemeralNotRegistered(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	r := NewResolver(fs, nil)
	_, err := r.For(&store.Account{Pubkey: "p1", SignerKind: store.SignerEphemeral})
	assert.Error(t, err, "an ephemeral key from a previous process cannot be reconstructed")
}

func TestResolverUnknownSignerKind(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	r := NewResolver(fs, nil)
	_, err := r.For(&store.Account{Pubkey: "p1", SignerKind: "bogus"})
	assert.Error(t, err)
}

func TestResolverExternalWithoutFactory(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	r := NewResolver(fs, nil)
	_, err := r.For(&store.Account{Pubkey: "p1", SignerKind: store.SignerExternal})
	assert.Error(t, err)
}
