// ABOUTME: Nostr kind constants and tag-extraction helpers for the core.
// ABOUTME: Built on github.com/nbd-wtf/go-nostr's Event/Tag types.

package nostrtypes

import (
	"encoding/hex"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds the core routes on, per the external interface contract.
const (
	KindMetadata           = 0
	KindContactList        = 3
	KindDeletion           = 5
	KindReaction           = 7
	KindChatMessage        = 9
	KindPrivateDM          = 14
	KindGiftWrap           = 1059
	KindRelayList          = 10002
	KindInboxRelays        = 10050
	KindMlsKeyPackageRelay = 10051
	KindMlsGroupMessage    = 445
	KindMlsKeyPackage      = 443
	KindMlsWelcome         = 444
)

// Event and Filter are aliases over the go-nostr wire types so the rest of
// the core depends on one vocabulary.
type Event = nostr.Event
type Filter = nostr.Filter
type Tag = nostr.Tag
type Tags = nostr.Tags

// ETags returns the values of every "e" tag on the event, in tag order.
func ETags(evt *Event) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "e" {
			out = append(out, t[1])
		}
	}
	return out
}

// LastETag returns the value of the last "e" tag, per NIP-10 "last e tag
// wins" reply-linkage convention. Returns "" if none present.
func LastETag(evt *Event) string {
	tags := ETags(evt)
	if len(tags) == 0 {
		return ""
	}
	return tags[len(tags)-1]
}

// PTags returns the values of every "p" tag on the event.
func PTags(evt *Event) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" {
			out = append(out, t[1])
		}
	}
	return out
}

// HTag returns the value of the single "h" tag used to route MLS group
// messages, or "" if absent.
func HTag(evt *Event) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "h" {
			return t[1]
		}
	}
	return ""
}

// RelayURLTags extracts relay URLs using the kind-specific tag convention:
// kind 10002 uses "r" tags, kinds 10050/10051 use "relay" tags. Invalid
// (non-websocket) URLs are silently dropped.
func RelayURLTags(evt *Event) []string {
	tagName := "relay"
	if evt.Kind == KindRelayList {
		tagName = "r"
	}
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == tagName {
			if isValidRelayURL(t[1]) {
				out = append(out, t[1])
			}
		}
	}
	return out
}

func isValidRelayURL(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// ImetaHash extracts a validated "x" (plaintext file hash) sub-field from a
// single imeta tag, e.g. ["imeta", "url https://...", "x deadbeef...",
// "m image/png"]. Returns "", false if no valid 64-hex-char hash is present.
func ImetaHash(tag Tag) (string, bool) {
	if len(tag) == 0 || tag[0] != "imeta" {
		return "", false
	}
	for _, field := range tag[1:] {
		if !strings.HasPrefix(field, "x ") {
			continue
		}
		hash := strings.TrimSpace(strings.TrimPrefix(field, "x "))
		if isHex64(hash) {
			return hash, true
		}
	}
	return "", false
}

// ImetaHashes returns every valid plaintext media hash referenced by the
// event's imeta tags.
func ImetaHashes(evt *Event) []string {
	var out []string
	for _, t := range evt.Tags {
		if h, ok := ImetaHash(t); ok {
			out = append(out, h)
		}
	}
	return out
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
