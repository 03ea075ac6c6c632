package phx

import (
	"bytes"
	"encoding/json"
)

// PresenceState maps a presence key to the ordered metadata records of
// every live instance of that key. A key present in the map always has a
// non-empty metadata list.
type PresenceState map[string][]json.RawMessage

// PresenceDiff is one incremental joins/leaves update to a presence map.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

type presenceEntry struct {
	Metas []json.RawMessage `json:"metas"`
}

// UnmarshalJSON decodes the wire shape key -> {"metas": [...]}.
func (state *PresenceState) UnmarshalJSON(data []byte) error {
	var entries map[string]presenceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	decoded := make(PresenceState, len(entries))
	for key, entry := range entries {
		if len(entry.Metas) == 0 {
			continue
		}
		decoded[key] = entry.Metas
	}
	*state = decoded
	return nil
}

// MarshalJSON encodes the wire shape key -> {"metas": [...]}.
func (state PresenceState) MarshalJSON() ([]byte, error) {
	entries := make(map[string]presenceEntry, len(state))
	for key, metas := range state {
		entries[key] = presenceEntry{Metas: metas}
	}
	return json.Marshal(entries)
}

// Clone returns a deep-enough copy of the state: the metadata slices are
// copied, the raw records themselves are shared and treated as immutable.
func (state PresenceState) Clone() PresenceState {
	cloned := make(PresenceState, len(state))
	for key, metas := range state {
		cloned[key] = append([]json.RawMessage(nil), metas...)
	}
	return cloned
}

// SyncDiff merges one diff into a presence state and returns the merged
// state without mutating the input. Within a diff, leaves apply before
// joins. A leave removes the listed metadata records by byte equality;
// a key whose metadata list empties is deleted. A join appends the listed
// records to the key's list, creating the key when absent.
func SyncDiff(state PresenceState, diff PresenceDiff) PresenceState {
	merged := state.Clone()

	for key, leaving := range diff.Leaves {
		remaining := merged[key]
		for _, meta := range leaving {
			remaining = removeMeta(remaining, meta)
		}
		if len(remaining) == 0 {
			delete(merged, key)
		} else {
			merged[key] = remaining
		}
	}

	for key, joining := range diff.Joins {
		merged[key] = append(merged[key], joining...)
	}

	return merged
}

// SyncState replaces a presence state wholesale and reports the delta:
// keys and records present only in the new state are joins, those present
// only in the old state are leaves.
func SyncState(current PresenceState, incoming PresenceState) (joins PresenceState, leaves PresenceState) {
	joins = make(PresenceState)
	leaves = make(PresenceState)

	for key, metas := range incoming {
		existing := current[key]
		added := make([]json.RawMessage, 0, len(metas))
		for _, meta := range metas {
			if !containsMeta(existing, meta) {
				added = append(added, meta)
			}
		}
		if len(added) > 0 {
			joins[key] = added
		}
	}

	for key, metas := range current {
		next := incoming[key]
		removed := make([]json.RawMessage, 0, len(metas))
		for _, meta := range metas {
			if !containsMeta(next, meta) {
				removed = append(removed, meta)
			}
		}
		if len(removed) > 0 {
			leaves[key] = removed
		}
	}

	return joins, leaves
}

func removeMeta(metas []json.RawMessage, target json.RawMessage) []json.RawMessage {
	for index, meta := range metas {
		if bytes.Equal(meta, target) {
			return append(append([]json.RawMessage(nil), metas[:index]...), metas[index+1:]...)
		}
	}
	return metas
}

func containsMeta(metas []json.RawMessage, target json.RawMessage) bool {
	for _, meta := range metas {
		if bytes.Equal(meta, target) {
			return true
		}
	}
	return false
}

// PresenceHandler observes presence membership changes on a channel. The
// state argument carries only the entries added or removed by the update
// that triggered the call.
type PresenceHandler func(delta PresenceState)

// Presence is a convenience view over one channel's presence map.
type Presence struct {
	channel *Channel
}

// NewPresence returns a Presence bound to the channel.
func NewPresence(channel *Channel) *Presence {
	return &Presence{channel: channel}
}

// OnJoin registers a callback for presence additions.
func (presence *Presence) OnJoin(handler PresenceHandler) {
	presence.channel.OnPresenceJoin(handler)
}

// OnLeave registers a callback for presence removals.
func (presence *Presence) OnLeave(handler PresenceHandler) {
	presence.channel.OnPresenceLeave(handler)
}

// List returns a snapshot of the channel's presence map.
func (presence *Presence) List() PresenceState {
	return presence.channel.PresenceList()
}
