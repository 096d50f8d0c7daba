package secrets

import (
	"fmt"
	"sync"

	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/werr"
)

// Resolver maps a logged-in account to its Signer, caching instances so the
// same underlying key material is reused for the process lifetime instead
// of re-reading the file store on every call.
type Resolver struct {
	mu        sync.Mutex
	fileStore *FileStore
	external  func(pubkey string) (Signer, error)
	cache     map[string]Signer
}

// NewResolver builds a resolver backed by fileStore for local signers.
// externalFactory may be nil when the nip55 build tag is not in use; it is
// called to mint an External signer for SignerExternal accounts.
func NewResolver(fileStore *FileStore, externalFactory func(pubkey string) (Signer, error)) *Resolver {
	return &Resolver{
		fileStore: fileStore,
		external:  externalFactory,
		cache:     make(map[string]Signer),
	}
}

// For returns the Signer for an account, constructing and caching it on
// first use.
func (r *Resolver) For(account *store.Account) (Signer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.cache[account.Pubkey]; ok {
		return s, nil
	}

	var (
		s   Signer
		err error
	)
	switch account.SignerKind {
	case store.SignerEphemeral:
		// Ephemeral signers exist only in memory; they are registered at
		// login and cannot be reconstructed. An unregistered one means
		// the key died with a previous process.
		return nil, werr.New(werr.KindSecretsStore, "secrets.Resolver.For", fmt.Errorf("ephemeral signer for %s not registered in this session", account.Pubkey))
	case store.SignerLocal:
		s, err = NewLocal(r.fileStore, account.Pubkey)
	case store.SignerExternal:
		if r.external == nil {
			return nil, werr.New(werr.KindSecretsStore, "secrets.Resolver.For", fmt.Errorf("external signer support not built in"))
		}
		s, err = r.external(account.Pubkey)
	default:
		return nil, werr.New(werr.KindSecretsStore, "secrets.Resolver.For", fmt.Errorf("unknown signer kind %q", account.SignerKind))
	}
	if err != nil {
		return nil, err
	}

	r.cache[account.Pubkey] = s
	return s, nil
}

// Register caches a signer constructed outside the resolver, e.g. the
// ephemeral signer minted at login time.
func (r *Resolver) Register(pubkey string, s Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[pubkey] = s
}

// Forget drops a cached signer, e.g. on account logout.
func (r *Resolver) Forget(pubkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, pubkey)
}
