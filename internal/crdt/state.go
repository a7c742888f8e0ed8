package crdt

import (
	"maps"
	"sort"
)

// Bot is a materialized record: an id plus its tag map.
type Bot struct {
	Tags map[string]any `json:"tags"`
	ID   string         `json:"id"`
}

// BotPatch is a partial update of a bot. A nil tag value deletes the tag.
type BotPatch struct {
	Tags map[string]any `json:"tags"`
}

// Patch maps bot ids to bot patches. A nil entry deletes the bot.
type Patch map[string]*BotPatch

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p) == 0
}

// BotsState is the materialized view built by applying patches.
type BotsState map[string]*Bot

// NewBotsState creates an empty state.
func NewBotsState() BotsState {
	return make(BotsState)
}

// Apply merges the patch into the state.
// Applying the same patch twice leaves the state unchanged; nil tag values are
// pruned, never stored.
func (s BotsState) Apply(p Patch) {
	for id, bp := range p {
		if bp == nil {
			delete(s, id)
			continue
		}

		bot, ok := s[id]
		if !ok {
			bot = &Bot{ID: id, Tags: make(map[string]any)}
			s[id] = bot
		}
		for name, value := range bp.Tags {
			if value == nil {
				delete(bot.Tags, name)
				continue
			}
			bot.Tags[name] = value
		}
	}
}

// Clone returns a deep copy of the state map. Tag values are shared.
func (s BotsState) Clone() BotsState {
	out := make(BotsState, len(s))
	for id, bot := range s {
		out[id] = &Bot{ID: bot.ID, Tags: maps.Clone(bot.Tags)}
	}
	return out
}

// IDs returns the bot ids in sorted order.
func (s BotsState) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
