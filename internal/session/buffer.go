// Package session holds the in-memory conversation state: a TTL-evicting
// store of sessions and the bounded context buffer attached to each one.
package session

import (
	"fmt"
	"strings"

	"github.com/cloudsage/cloud-sage/internal/llm"
	"github.com/cloudsage/cloud-sage/internal/util"
)

// ToolCallRecord annotates a turn with one tool invocation it performed.
// Only short digests travel in the buffer, never the full payloads.
type ToolCallRecord struct {
	Name         string
	ArgsDigest   string
	ResultDigest string
}

// Entry is one turn of the conversation buffer.
type Entry struct {
	Role      string // llm.RoleSystem / RoleUser / RoleAssistant
	Content   string
	Pinned    bool // system prompts and canonical schemas are never evicted
	ToolCalls []ToolCallRecord
	Citations []string
}

// ContextBuffer is an ordered, bounded sequence of turns. When the
// character budget is exceeded it drops the oldest non-pinned turns,
// folding each into a one-line summary so evicted context is not lost
// silently. The most recent user/assistant pair is always kept intact.
type ContextBuffer struct {
	budget  int
	entries []Entry
	summary string
}

// NewContextBuffer creates a buffer with the given character budget.
// budget <= 0 means unbounded.
func NewContextBuffer(budget int) *ContextBuffer {
	return &ContextBuffer{budget: budget}
}

// Append adds a turn and evicts until the buffer is back within budget.
func (b *ContextBuffer) Append(e Entry) {
	b.entries = append(b.entries, e)
	b.evict()
}

// PinSystem appends a pinned system turn unless an identical one exists.
// Used for mode system prompts and canonical schemas.
func (b *ContextBuffer) PinSystem(content string) {
	for _, e := range b.entries {
		if e.Pinned && e.Role == llm.RoleSystem && e.Content == content {
			return
		}
	}
	b.Append(Entry{Role: llm.RoleSystem, Content: content, Pinned: true})
}

// Chars returns the buffer's current character cost (rune count of all
// entry contents; summary and digests are excluded from the budget).
func (b *ContextBuffer) Chars() int {
	total := 0
	for _, e := range b.entries {
		total += len([]rune(e.Content))
	}
	return total
}

// Len returns the number of entries.
func (b *ContextBuffer) Len() int { return len(b.entries) }

// Entries returns a copy of the buffer contents.
func (b *ContextBuffer) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Summary returns the folded digest of evicted turns.
func (b *ContextBuffer) Summary() string { return b.summary }

// Messages converts the buffer to an oracle message list. The eviction
// summary, when present, is prepended as a system message.
func (b *ContextBuffer) Messages() []llm.Message {
	var msgs []llm.Message
	if b.summary != "" {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: "[earlier context, summarized]\n" + b.summary,
		})
	}
	for _, e := range b.entries {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}
	return msgs
}

// evict drops the oldest non-pinned turns until the buffer fits the
// budget. The most recent user turn and everything after it are
// protected, so the latest user/assistant pair survives even when it
// alone exceeds the budget.
func (b *ContextBuffer) evict() {
	if b.budget <= 0 {
		return
	}

	for b.Chars() > b.budget {
		protectFrom := b.lastUserIndex()
		victim := -1
		for i := 0; i < len(b.entries); i++ {
			if protectFrom >= 0 && i >= protectFrom {
				break
			}
			if !b.entries[i].Pinned {
				victim = i
				break
			}
		}
		if victim < 0 {
			return // nothing evictable left
		}
		b.fold(b.entries[victim])
		b.entries = append(b.entries[:victim], b.entries[victim+1:]...)
	}
}

// lastUserIndex returns the index of the most recent user turn, -1 if none.
func (b *ContextBuffer) lastUserIndex() int {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].Role == llm.RoleUser {
			return i
		}
	}
	return -1
}

// fold appends a one-line digest of an evicted turn to the summary.
func (b *ContextBuffer) fold(e Entry) {
	line := fmt.Sprintf("%s: %s", e.Role, util.TruncateRunes(strings.ReplaceAll(e.Content, "\n", " "), 80))
	if b.summary == "" {
		b.summary = line
		return
	}
	b.summary += "\n" + line
}
