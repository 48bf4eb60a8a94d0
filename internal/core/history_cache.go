package core

import (
	"sync"

	"edustack.com/course-assistant/internal/llm"
)

const (
	// historyCacheLimit caps how many recent messages are kept per
	// conversation for prompt building.
	historyCacheLimit = 10
	// historyHydrateLimit is how many persisted messages are loaded when
	// a conversation is not yet cached.
	historyHydrateLimit = 20
)

// HistoryCache keeps the recent messages of each conversation in memory
// so prompt building does not hit the database on every turn. All values
// are copied on the way in and out so callers can never alias the cached
// slices.
type HistoryCache struct {
	mu      sync.RWMutex
	entries map[string][]llm.Message
	limit   int
}

func NewHistoryCache() *HistoryCache {
	return &HistoryCache{
		entries: make(map[string][]llm.Message),
		limit:   historyCacheLimit,
	}
}

// Get returns a copy of the cached history for a conversation. The
// second return value reports whether the conversation was cached.
func (c *HistoryCache) Get(conversationID string) ([]llm.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	return cloneHistory(history), true
}

// Set replaces the cached history for a conversation with a copy of the
// given messages, trimmed to the cache limit.
func (c *HistoryCache) Set(conversationID string, history []llm.Message) {
	history = cloneHistory(history)
	if len(history) > c.limit {
		history = history[len(history)-c.limit:]
	}
	c.mu.Lock()
	c.entries[conversationID] = history
	c.mu.Unlock()
}

// Append adds messages to a conversation's cached history, keeping only
// the most recent entries up to the cache limit.
func (c *HistoryCache) Append(conversationID string, messages ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := append(c.entries[conversationID], messages...)
	if len(history) > c.limit {
		history = history[len(history)-c.limit:]
	}
	c.entries[conversationID] = history
}

func (c *HistoryCache) Delete(conversationID string) {
	c.mu.Lock()
	delete(c.entries, conversationID)
	c.mu.Unlock()
}

// SeedFrom initializes the history of a new conversation derived from an
// existing one. The source entry is copied before any mutation and the
// copy is then cleared, so a fresh conversation starts empty while the
// source's cached history stays intact. When initialContext is non-empty
// it becomes the opening system message of the new entry.
func (c *HistoryCache) SeedFrom(newID, sourceID, initialContext string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Copy first, mutate only the copy. Writing the source slice into
	// the new slot and truncating it in place would wipe the source
	// conversation's cached history as well.
	seeded := cloneHistory(c.entries[sourceID])
	seeded = seeded[:0]
	if initialContext != "" {
		seeded = append(seeded, llm.Message{Role: llm.RoleSystem, Content: initialContext})
	}
	c.entries[newID] = seeded
}

func cloneHistory(history []llm.Message) []llm.Message {
	if history == nil {
		return nil
	}
	out := make([]llm.Message, len(history))
	copy(out, history)
	return out
}
