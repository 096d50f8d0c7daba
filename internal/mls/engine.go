// ABOUTME: In-memory reference engine implementing Facade, used for tests
// ABOUTME: and as the shape a production MLS engine binding would follow.

package mls

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/werr"
)

// groupState is the reference engine's notion of a group: member set,
// relay list, and the raw message history in arrival order.
type groupState struct {
	members  map[string]bool
	relays   []string
	messages []Message
}

// Engine is a non-cryptographic stand-in for the real MLS library: it
// tracks group membership and message history in memory, persisting only a
// per-account storage directory marker on disk (mirroring the real
// engine's one-session-per-account-directory convention), so the rest of
// the core can be built and tested against the Facade boundary without a
// real MLS dependency.
type Engine struct {
	mu      sync.Mutex
	dataDir string
	groups  map[string]*groupState // keyed by mls_group_id
}

// NewEngine creates a reference engine rooted at dataDir/mls.
func NewEngine(dataDir string) *Engine {
	return &Engine{
		dataDir: dataDir,
		groups:  make(map[string]*groupState),
	}
}

// accountDir returns (and ensures) the per-account MLS storage directory
// under data_dir/mls/{account_pubkey_hex}.
func (e *Engine) accountDir(accountPubkey string) (string, error) {
	dir := filepath.Join(e.dataDir, "mls", accountPubkey)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", werr.New(werr.KindFilesystem, "mls.accountDir", err)
	}
	return dir, nil
}

func (e *Engine) CreateGroup(ctx context.Context, creator string, members []string, cfg GroupConfig) (*CreatedGroup, error) {
	if _, err := e.accountDir(creator); err != nil {
		return nil, err
	}

	groupID := uuid.New().String()

	e.mu.Lock()
	memberSet := make(map[string]bool, len(members)+1)
	memberSet[creator] = true
	for _, m := range members {
		memberSet[m] = true
	}
	e.groups[groupID] = &groupState{members: memberSet}
	e.mu.Unlock()

	welcomes := make([]WelcomeRumor, 0, len(members))
	for _, m := range members {
		welcomes = append(welcomes, WelcomeRumor{
			MemberPubkey: m,
			Rumor: nostrtypes.Event{
				Kind:      nostrtypes.KindMlsWelcome,
				Content:   groupID,
				CreatedAt: 0,
				Tags:      nostrtypes.Tags{{"h", groupID}},
			},
		})
	}

	return &CreatedGroup{
		Handle:  GroupHandle{AccountPubkey: creator, MlsGroupID: groupID},
		Welcome: welcomes,
	}, nil
}

func (e *Engine) AcceptWelcome(ctx context.Context, accountPubkey, eventID string, rumor nostrtypes.Event) (*AcceptedWelcome, error) {
	if _, err := e.accountDir(accountPubkey); err != nil {
		return nil, err
	}

	groupID := nostrtypes.HTag(&rumor)
	if groupID == "" {
		groupID = rumor.Content
	}
	if groupID == "" {
		return nil, werr.New(werr.KindMls, "mls.AcceptWelcome", fmt.Errorf("welcome rumor %s carries no group id", eventID))
	}

	e.mu.Lock()
	g, ok := e.groups[groupID]
	if !ok {
		g = &groupState{members: map[string]bool{}}
		e.groups[groupID] = g
	}
	g.members[accountPubkey] = true
	e.mu.Unlock()

	return &AcceptedWelcome{
		Handle: GroupHandle{AccountPubkey: accountPubkey, MlsGroupID: groupID},
		Relays: g.relays,
	}, nil
}

func (e *Engine) group(groupID string) (*groupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return nil, werr.New(werr.KindGroupNotFound, "mls.group", fmt.Errorf("group %s not found", groupID))
	}
	return g, nil
}

func (e *Engine) CreateMessage(ctx context.Context, handle GroupHandle, inner nostrtypes.Event) (*nostrtypes.Event, error) {
	g, err := e.group(handle.MlsGroupID)
	if err != nil {
		return nil, err
	}
	if !g.members[handle.AccountPubkey] {
		return nil, werr.New(werr.KindMembersNotInGroup, "mls.CreateMessage", fmt.Errorf("%s is not a member of %s", handle.AccountPubkey, handle.MlsGroupID))
	}

	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, werr.New(werr.KindMls, "mls.CreateMessage", err)
	}

	outbound := nostrtypes.Event{
		Kind:      nostrtypes.KindMlsGroupMessage,
		PubKey:    handle.AccountPubkey,
		Content:   string(payload),
		CreatedAt: inner.CreatedAt,
		Tags:      nostrtypes.Tags{{"h", handle.MlsGroupID}},
	}

	e.mu.Lock()
	g.messages = append(g.messages, Message{
		ID:        inner.ID,
		Author:    inner.PubKey,
		Content:   inner.Content,
		CreatedAt: int64(inner.CreatedAt),
		Kind:      inner.Kind,
		Tags:      inner.Tags,
	})
	e.mu.Unlock()

	return &outbound, nil
}

func (e *Engine) ProcessMessage(ctx context.Context, accountPubkey string, evt nostrtypes.Event) (*ProcessResult, error) {
	groupID := nostrtypes.HTag(&evt)
	if groupID == "" {
		return nil, werr.New(werr.KindInvalidEvent, "mls.ProcessMessage", fmt.Errorf("group message %s carries no h tag", evt.ID))
	}
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}
	if !g.members[accountPubkey] {
		return nil, werr.New(werr.KindMembersNotInGroup, "mls.ProcessMessage", fmt.Errorf("%s is not a member of %s", accountPubkey, groupID))
	}

	var inner nostrtypes.Event
	if err := json.Unmarshal([]byte(evt.Content), &inner); err != nil {
		return nil, werr.New(werr.KindMls, "mls.ProcessMessage", err)
	}

	switch inner.Kind {
	case nostrtypes.KindChatMessage, nostrtypes.KindReaction, nostrtypes.KindDeletion:
		msg := Message{
			ID:        inner.ID,
			Author:    inner.PubKey,
			Content:   inner.Content,
			CreatedAt: int64(inner.CreatedAt),
			Kind:      inner.Kind,
			Tags:      inner.Tags,
		}
		e.mu.Lock()
		g.messages = append(g.messages, msg)
		e.mu.Unlock()
		return &ProcessResult{Message: &msg}, nil
	default:
		// Protocol-only event (commit/proposal): no chat record, group
		// state considered updated.
		return &ProcessResult{GroupState: true}, nil
	}
}

func (e *Engine) GetMessages(ctx context.Context, handle GroupHandle) ([]Message, error) {
	g, err := e.group(handle.MlsGroupID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	out := make([]Message, len(g.messages))
	copy(out, g.messages)
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (e *Engine) GetRelays(ctx context.Context, handle GroupHandle) ([]string, error) {
	g, err := e.group(handle.MlsGroupID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(g.relays))
	copy(out, g.relays)
	return out, nil
}

// SetRelays lets a caller (e.g. the group handler, after reading a
// key-package relay list) bind the relay set a group uses. The real MLS
// engine registers these as a side effect of AcceptWelcome/CreateGroup; the
// reference engine exposes it directly since it has no wire format of its
// own to carry them in.
func (e *Engine) SetRelays(groupID string, relays []string) error {
	g, err := e.group(groupID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	g.relays = relays
	e.mu.Unlock()
	return nil
}

var _ Facade = (*Engine)(nil)
