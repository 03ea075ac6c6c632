package main

import (
	"encoding/json"
	"sync"
)

// topicRegistry owns every live topic.
type topicRegistry struct {
	lock   sync.Mutex
	topics map[string]*topicState
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{topics: make(map[string]*topicState)}
}

func (registry *topicRegistry) topic(name string) *topicState {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	state, exists := registry.topics[name]
	if !exists {
		state = &topicState{
			name:     name,
			sessions: make(map[*session]struct{}),
			presence: make(map[string][]presenceEntry),
		}
		registry.topics[name] = state
	}
	return state
}

// dropSession removes a disconnected session from every topic, emitting
// presence leaves for whatever it was still tracking.
func (registry *topicRegistry) dropSession(s *session) {
	registry.lock.Lock()
	topics := make([]*topicState, 0, len(registry.topics))
	for _, state := range registry.topics {
		topics = append(topics, state)
	}
	registry.lock.Unlock()

	for _, state := range topics {
		state.removeSession(s)
	}
}

type presenceEntry struct {
	owner *session
	meta  json.RawMessage
}

// topicState is one topic's subscriber set and presence table.
type topicState struct {
	name string

	lock     sync.Mutex
	sessions map[*session]struct{}
	presence map[string][]presenceEntry
}

func (state *topicState) addSession(s *session) {
	state.lock.Lock()
	state.sessions[s] = struct{}{}
	state.lock.Unlock()
}

func (state *topicState) removeSession(s *session) {
	state.lock.Lock()
	if _, member := state.sessions[s]; !member {
		state.lock.Unlock()
		return
	}
	delete(state.sessions, s)

	leaves := make(map[string][]json.RawMessage)
	for key, entries := range state.presence {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.owner == s {
				leaves[key] = append(leaves[key], entry.meta)
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(state.presence, key)
		} else {
			state.presence[key] = kept
		}
	}
	state.lock.Unlock()

	if len(leaves) > 0 {
		state.broadcastDiff(nil, leaves)
	}
}

func (state *topicState) track(s *session, key string, meta json.RawMessage) {
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	state.lock.Lock()
	state.presence[key] = append(state.presence[key], presenceEntry{owner: s, meta: meta})
	state.lock.Unlock()

	state.broadcastDiff(map[string][]json.RawMessage{key: {meta}}, nil)
}

func (state *topicState) untrack(s *session, key string) {
	state.lock.Lock()
	entries := state.presence[key]
	kept := entries[:0]
	var removed []json.RawMessage
	for _, entry := range entries {
		if entry.owner == s {
			removed = append(removed, entry.meta)
		} else {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(state.presence, key)
	} else {
		state.presence[key] = kept
	}
	state.lock.Unlock()

	if len(removed) > 0 {
		state.broadcastDiff(nil, map[string][]json.RawMessage{key: removed})
	}
}

func (state *topicState) presenceSnapshot() json.RawMessage {
	state.lock.Lock()
	snapshot := make(map[string][]json.RawMessage, len(state.presence))
	for key, entries := range state.presence {
		metas := make([]json.RawMessage, 0, len(entries))
		for _, entry := range entries {
			metas = append(metas, entry.meta)
		}
		snapshot[key] = metas
	}
	state.lock.Unlock()
	return encodePresence(snapshot)
}

func (state *topicState) fanOut(sender *session, includeSender bool, event string, payload json.RawMessage) {
	state.lock.Lock()
	recipients := make([]*session, 0, len(state.sessions))
	for member := range state.sessions {
		if member == sender && !includeSender {
			continue
		}
		recipients = append(recipients, member)
	}
	state.lock.Unlock()

	for _, recipient := range recipients {
		recipient.deliver(state.name, event, payload)
	}
}

func (state *topicState) broadcastDiff(joins map[string][]json.RawMessage, leaves map[string][]json.RawMessage) {
	diff, err := json.Marshal(struct {
		Joins  json.RawMessage `json:"joins"`
		Leaves json.RawMessage `json:"leaves"`
	}{Joins: encodePresence(joins), Leaves: encodePresence(leaves)})
	if err != nil {
		return
	}
	state.fanOut(nil, true, "presence_diff", diff)
}

func encodePresence(metas map[string][]json.RawMessage) json.RawMessage {
	shaped := make(map[string]struct {
		Metas []json.RawMessage `json:"metas"`
	}, len(metas))
	for key, list := range metas {
		shaped[key] = struct {
			Metas []json.RawMessage `json:"metas"`
		}{Metas: list}
	}
	encoded, err := json.Marshal(shaped)
	if err != nil {
		return json.RawMessage("{}")
	}
	return encoded
}
