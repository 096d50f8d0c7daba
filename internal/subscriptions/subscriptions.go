// ABOUTME: Subscription id derivation and deterministic user batching.
// ABOUTME: Ported from the client's NostrManager subscription scheduling.

package subscriptions

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MaxUsersPerGlobalSubscription caps how many authors a single batched
// global subscription filter may carry.
const MaxUsersPerGlobalSubscription = 1000

// Suffixes of the three per-account subscription ids.
const (
	SuffixFollowList  = "_user_follow_list"
	SuffixGiftwrap    = "_giftwrap"
	SuffixMlsMessages = "_mls_messages"
)

// globalPrefix leads every batched global subscription id.
const globalPrefix = "global_users_"

// PubkeyHash derives the short per-account subscription-id prefix: the
// first 12 hex chars of SHA256(salt || pubkey_bytes). Salting per session
// keeps subscription ids unpredictable across restarts.
func PubkeyHash(salt [16]byte, pubkeyHex string) string {
	h := sha256.New()
	h.Write(salt[:])
	h.Write(pubkeyBytes(pubkeyHex))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// RelayHash derives the 12-hex-char relay component of a batched
// subscription id. Unsalted: batch ids must be stable across sessions so
// refreshes replace rather than duplicate.
func RelayHash(relayURL string) string {
	sum := sha256.Sum256([]byte(relayURL))
	return hex.EncodeToString(sum[:])[:12]
}

// BatchCount returns how many batches a relay's user set splits into:
// ceil(n / MaxUsersPerGlobalSubscription), minimum 1.
func BatchCount(userCount int) int {
	if userCount == 0 {
		return 1
	}
	return (userCount + MaxUsersPerGlobalSubscription - 1) / MaxUsersPerGlobalSubscription
}

// UserToBatchID is the pure deterministic batch assignment: the first four
// bytes of SHA256(pubkey_bytes) as a big-endian integer, mod batchCount.
func UserToBatchID(pubkeyHex string, batchCount int) int {
	sum := sha256.Sum256(pubkeyBytes(pubkeyHex))
	n := binary.BigEndian.Uint32(sum[:4])
	return int(n % uint32(batchCount))
}

// BatchedSubscriptionID is the id of the global subscription covering one
// batch on one relay.
func BatchedSubscriptionID(relayURL string, batchID int) string {
	return fmt.Sprintf("%s%s_%d", globalPrefix, RelayHash(relayURL), batchID)
}

// AccountSubscriptionIDs returns the three subscription ids belonging to an
// account, used both to open them and to tear them down on logout.
func AccountSubscriptionIDs(salt [16]byte, pubkeyHex string) []string {
	prefix := PubkeyHash(salt, pubkeyHex)
	return []string{
		prefix + SuffixFollowList,
		prefix + SuffixGiftwrap,
		prefix + SuffixMlsMessages,
	}
}

// pubkeyBytes decodes a hex pubkey to raw bytes; a malformed pubkey falls
// back to its string bytes so hashing still yields a deterministic id.
func pubkeyBytes(pubkeyHex string) []byte {
	if b, err := hex.DecodeString(pubkeyHex); err == nil {
		return b
	}
	return []byte(pubkeyHex)
}

// Scope classifies which processing path a subscription id routes to.
type Scope int

const (
	// ScopeUnknown covers events with no or an unrecognized subscription id.
	ScopeUnknown Scope = iota
	// ScopeGlobal marks an event from a batched global subscription.
	ScopeGlobal
	// ScopeAccount marks an event from one of an account's subscriptions.
	ScopeAccount
)

// Classification is the parsed form of a subscription id.
type Classification struct {
	Scope Scope
	// PubkeyHashPrefix is the 12-char account hash for ScopeAccount ids.
	PubkeyHashPrefix string
	// Stream is the account stream suffix (one of the Suffix constants)
	// for ScopeAccount ids.
	Stream string
	// BatchID is the batch index for ScopeGlobal ids.
	BatchID int
}

// Classify parses a subscription id into its scope. Account-scoped ids are
// "{hash12}{suffix}"; global ids are "global_users_{relayhash12}_{batch}".
func Classify(subID string) Classification {
	if strings.HasPrefix(subID, globalPrefix) {
		rest := subID[len(globalPrefix):]
		i := strings.LastIndex(rest, "_")
		if i == 12 {
			if batch, err := strconv.Atoi(rest[i+1:]); err == nil {
				return Classification{Scope: ScopeGlobal, BatchID: batch}
			}
		}
		return Classification{Scope: ScopeUnknown}
	}
	for _, suffix := range []string{SuffixFollowList, SuffixGiftwrap, SuffixMlsMessages} {
		if strings.HasSuffix(subID, suffix) {
			prefix := strings.TrimSuffix(subID, suffix)
			if len(prefix) == 12 {
				return Classification{Scope: ScopeAccount, PubkeyHashPrefix: prefix, Stream: suffix}
			}
		}
	}
	return Classification{Scope: ScopeUnknown}
}

// UserRelays pairs a pubkey with the relays it should be watched on.
type UserRelays struct {
	Pubkey string
	Relays []string
}

// GroupUsersByRelay inverts a user->relays listing into relay->users,
// substituting defaultRelays for users that have published no relay list.
func GroupUsersByRelay(users []UserRelays, defaultRelays []string) map[string][]string {
	out := make(map[string][]string)
	for _, u := range users {
		relays := u.Relays
		if len(relays) == 0 {
			relays = defaultRelays
		}
		for _, r := range relays {
			out[r] = append(out[r], u.Pubkey)
		}
	}
	return out
}

// BuildBatches splits one relay's user set into its deterministic batches.
// The returned slice always has BatchCount(len(users)) entries; some may be
// empty.
func BuildBatches(users []string) [][]string {
	count := BatchCount(len(users))
	batches := make([][]string, count)
	for _, u := range users {
		id := UserToBatchID(u, count)
		batches[id] = append(batches[id], u)
	}
	return batches
}
