// Package unitcache keeps per-unit scratch state shared by every procedure
// call made on behalf of the same work unit.
package unitcache

import "sync"

// Fieldset is one answered round of an interactive unit.
type Fieldset struct {
	Prompt string `json:"prompt"`
	Score  int    `json:"score"`
}

// Entry is the cached state of one unit.
type Entry struct {
	CurrentAnswerIndex int        `json:"current_answer_index"`
	FieldsetHistory    []Fieldset `json:"fieldset_history"`
}

func (e *Entry) clone() Entry {
	out := Entry{
		CurrentAnswerIndex: e.CurrentAnswerIndex,
		FieldsetHistory:    make([]Fieldset, len(e.FieldsetHistory)),
	}
	copy(out.FieldsetHistory, e.FieldsetHistory)
	return out
}

// Cache maps unit IDs to entries. Entries are created lazily on first access
// and live for the lifetime of the cache. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// entry returns the entry for unitID, creating it. Caller holds c.mu.
func (c *Cache) entry(unitID string) *Entry {
	e, ok := c.entries[unitID]
	if !ok {
		e = &Entry{FieldsetHistory: []Fieldset{}}
		c.entries[unitID] = e
	}
	return e
}

// Get returns a snapshot of the unit's entry. An unseen unit starts at
// index 0 with an empty history.
func (c *Cache) Get(unitID string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(unitID).clone()
}

// AppendHistory appends f to the unit's fieldset history.
func (c *Cache) AppendHistory(unitID string, f Fieldset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(unitID)
	e.FieldsetHistory = append(e.FieldsetHistory, f)
}

// IncrementIndex advances the unit's answer index by one and returns the new value.
func (c *Cache) IncrementIndex(unitID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(unitID)
	e.CurrentAnswerIndex++
	return e.CurrentAnswerIndex
}

// Update runs fn on the unit's entry while holding the cache lock, so a
// read-check-write sequence cannot interleave with other calls for any unit.
// fn must not call back into the cache.
func (c *Cache) Update(unitID string, fn func(e *Entry)) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(unitID)
	fn(e)
	return e.clone()
}

// Len returns the number of units with an entry.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
