package session

import (
	"strings"
	"testing"

	"github.com/cloudsage/cloud-sage/internal/llm"
)

func TestBuffer_AppendWithinBudget(t *testing.T) {
	b := NewContextBuffer(100)
	b.Append(Entry{Role: llm.RoleUser, Content: "hello"})
	b.Append(Entry{Role: llm.RoleAssistant, Content: "world"})

	if b.Len() != 2 {
		t.Fatalf("len = %d, want 2", b.Len())
	}
	if b.Summary() != "" {
		t.Errorf("unexpected summary: %q", b.Summary())
	}
}

func TestBuffer_EvictsOldestFirst(t *testing.T) {
	b := NewContextBuffer(30)
	b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("a", 15)})
	b.Append(Entry{Role: llm.RoleAssistant, Content: strings.Repeat("b", 15)})
	// Pushes over budget: the oldest turn must go.
	b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("c", 15)})

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Role != llm.RoleAssistant {
		t.Errorf("oldest surviving role = %s, want assistant", entries[0].Role)
	}
	if b.Summary() == "" {
		t.Error("evicted turn not folded into summary")
	}
	if !strings.Contains(b.Summary(), "user") {
		t.Errorf("summary missing evicted role: %q", b.Summary())
	}
}

func TestBuffer_PinnedSurvivesEviction(t *testing.T) {
	b := NewContextBuffer(40)
	b.PinSystem(strings.Repeat("s", 10))
	for i := 0; i < 5; i++ {
		b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("u", 20)})
		b.Append(Entry{Role: llm.RoleAssistant, Content: strings.Repeat("a", 20)})
	}

	entries := b.Entries()
	if len(entries) == 0 || !entries[0].Pinned {
		t.Fatal("pinned system turn was evicted")
	}
	if b.Chars() > 40+len([]rune(entries[len(entries)-1].Content)) {
		// The protected tail pair may overhang; everything else must fit.
		t.Errorf("chars = %d after eviction", b.Chars())
	}
}

func TestBuffer_LatestUserPairProtected(t *testing.T) {
	// A single user/assistant pair larger than the whole budget stays.
	b := NewContextBuffer(10)
	b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("u", 50)})
	b.Append(Entry{Role: llm.RoleAssistant, Content: strings.Repeat("a", 50)})

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2 (latest pair must never be evicted)", len(entries))
	}
}

func TestBuffer_PinSystemDeduplicates(t *testing.T) {
	b := NewContextBuffer(1000)
	b.PinSystem("prompt")
	b.PinSystem("prompt")
	if b.Len() != 1 {
		t.Errorf("len = %d, want 1", b.Len())
	}
}

func TestBuffer_MessagesIncludeSummary(t *testing.T) {
	b := NewContextBuffer(20)
	b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("x", 15)})
	b.Append(Entry{Role: llm.RoleAssistant, Content: strings.Repeat("y", 15)})
	b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("z", 15)})

	msgs := b.Messages()
	if len(msgs) == 0 {
		t.Fatal("no messages")
	}
	if msgs[0].Role != llm.RoleSystem || !strings.Contains(msgs[0].Content, "summarized") {
		t.Errorf("first message should carry the eviction summary, got role=%s content=%q", msgs[0].Role, msgs[0].Content)
	}
}

func TestBuffer_UnboundedWhenNoBudget(t *testing.T) {
	b := NewContextBuffer(0)
	for i := 0; i < 100; i++ {
		b.Append(Entry{Role: llm.RoleUser, Content: strings.Repeat("q", 100)})
	}
	if b.Len() != 100 {
		t.Errorf("len = %d, want 100", b.Len())
	}
}
