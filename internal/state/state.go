// Package state provides the per-user conversation state store consumed by
// the built-in bot engine. The default implementation is an in-process
// sharded map; deployments that scale horizontally can substitute a durable
// keyed store behind the same interface.
package state

import (
	"sync"
)

// State is one tag from a bot's finite state set.
type State string

// States shared by the built-in bot flows. Idle means no wizard is active.
const (
	Idle                    State = "idle"
	AwaitingName            State = "awaiting_name"
	AwaitingUsername        State = "awaiting_username"
	AwaitingDescription     State = "awaiting_description"
	AwaitingKeyword         State = "awaiting_keyword"
	AwaitingResponse        State = "awaiting_response"
	AwaitingFieldValue      State = "awaiting_field_value"
	SelectingDeleteBot      State = "selecting_delete_bot"
	SelectingTokenBot       State = "selecting_token_bot"
	SelectingDescriptionBot State = "selecting_description_bot"
	SelectingEditEntry      State = "selecting_edit_entry"
	SelectingDeleteEntry    State = "selecting_delete_entry"
)

// Conversation holds the current state tag and the wizard's accumulated data
// for one (bot, user) pair. Data is overwritten on every transition and
// discarded when the flow completes or is cancelled.
type Conversation struct {
	State State
	Data  map[string]string
}

// Store is the keyed conversation state register.
type Store interface {
	// Get returns the conversation for (botID, userID). A user with no prior
	// interaction is reported as Idle with empty data.
	Get(botID, userID int64) Conversation

	// Set overwrites the conversation for (botID, userID).
	Set(botID, userID int64, conv Conversation)

	// Clear resets (botID, userID) back to Idle and discards associated data.
	Clear(botID, userID int64)
}

type key struct {
	botID  int64
	userID int64
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	convs map[key]Conversation
}

// MemoryStore is a sharded concurrent map implementation of Store.
// Sharding keeps rapid-fire messages from the same or different users from
// contending on a single lock.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty in-process state store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{convs: make(map[key]Conversation)}
	}
	return s
}

func (s *MemoryStore) shardFor(k key) *shard {
	// Cheap mix of both ids; distribution only needs to be rough.
	h := uint64(k.botID)*31 + uint64(k.userID)
	return s.shards[h%shardCount]
}

// Get returns the conversation for (botID, userID), defaulting to Idle.
func (s *MemoryStore) Get(botID, userID int64) Conversation {
	k := key{botID, userID}
	sh := s.shardFor(k)
	sh.mu.RLock()
	conv, ok := sh.convs[k]
	sh.mu.RUnlock()
	if !ok {
		return Conversation{State: Idle, Data: map[string]string{}}
	}
	// Copy the data map so callers can't mutate stored state in place.
	data := make(map[string]string, len(conv.Data))
	for dk, dv := range conv.Data {
		data[dk] = dv
	}
	return Conversation{State: conv.State, Data: data}
}

// Set overwrites the conversation for (botID, userID).
func (s *MemoryStore) Set(botID, userID int64, conv Conversation) {
	if conv.Data == nil {
		conv.Data = map[string]string{}
	}
	k := key{botID, userID}
	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.convs[k] = conv
	sh.mu.Unlock()
}

// Clear resets (botID, userID) back to Idle and discards associated data.
func (s *MemoryStore) Clear(botID, userID int64) {
	k := key{botID, userID}
	sh := s.shardFor(k)
	sh.mu.Lock()
	delete(sh.convs, k)
	sh.mu.Unlock()
}
