package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voltlens/voltlens/core"
)

func testContextConfig() core.ContextConfig {
	return core.ContextConfig{
		ExpirationHours:    24,
		MaxTurnsPerContext: 50,
	}
}

func TestCreateContextReusesSessionContext(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()

	first, err := store.CreateContext(ctx, "session-1")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	second, err := store.CreateContext(ctx, "session-1")
	if err != nil {
		t.Fatalf("CreateContext again: %v", err)
	}
	if first.ContextID != second.ContextID {
		t.Errorf("expected same context for session, got %s and %s", first.ContextID, second.ContextID)
	}

	other, err := store.CreateContext(ctx, "session-2")
	if err != nil {
		t.Fatalf("CreateContext other session: %v", err)
	}
	if other.ContextID == first.ContextID {
		t.Error("distinct sessions must get distinct contexts")
	}
}

func TestCreateContextRequiresSession(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	if _, err := store.CreateContext(context.Background(), ""); !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestAddTurnAssignsSequentialNumbers(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	for i := 1; i <= 5; i++ {
		turn, err := store.AddTurn(ctx, c.ContextID,
			QueryRecord{Text: fmt.Sprintf("query %d about the resistor", i)},
			ResponseRecord{Summary: "answer", Confidence: 0.9}, false)
		if err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
		if turn.TurnNumber != i {
			t.Errorf("turn %d: got turnNumber %d", i, turn.TurnNumber)
		}
		if turn.TurnID == "" {
			t.Error("turn id must be assigned")
		}
	}

	got, err := store.GetContext(ctx, c.ContextID)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got.Metadata.TurnCount != 5 || len(got.ConversationThread) != 5 {
		t.Errorf("turnCount %d, thread %d, want both 5", got.Metadata.TurnCount, len(got.ConversationThread))
	}
	for i, turn := range got.ConversationThread {
		if turn.TurnNumber != i+1 {
			t.Errorf("thread[%d].TurnNumber = %d", i, turn.TurnNumber)
		}
	}
}

func TestAddTurnLastUpdatedStrictlyIncreases(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	frozen := time.Now()
	store.now = func() time.Time { return frozen }

	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	var prev time.Time
	for i := 0; i < 3; i++ {
		if _, err := store.AddTurn(ctx, c.ContextID,
			QueryRecord{Text: "check the fuse"}, ResponseRecord{Summary: "ok"}, false); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
		got, _ := store.GetContext(ctx, c.ContextID)
		if !got.LastUpdated.After(prev) {
			t.Fatalf("lastUpdated %v did not advance past %v with a frozen clock", got.LastUpdated, prev)
		}
		prev = got.LastUpdated
	}
}

func TestAddTurnMergesEntities(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	turn, err := store.AddTurn(ctx, c.ContextID,
		QueryRecord{
			Text:     "What is the resistance of resistor R12?",
			Entities: []string{"critical_component_X"},
		},
		ResponseRecord{Summary: "4.7k ohms", Confidence: 0.95}, false)
	if err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	want := map[string]bool{"resistance": true, "resistor": true, "r12": true, "critical_component_x": true}
	for _, key := range turn.Query.Entities {
		delete(want, key)
	}
	if len(want) > 0 {
		t.Errorf("turn entities missing %v (got %v)", want, turn.Query.Entities)
	}

	got, _ := store.GetContext(ctx, c.ContextID)
	rec := got.Cumulative.ExtractedEntities["critical_component_x"]
	if rec == nil {
		t.Fatal("provided entity not merged into cumulative index")
	}
	if rec.Mentions[0].Type != "provided" {
		t.Errorf("provided entity type = %q", rec.Mentions[0].Type)
	}
	if got.Cumulative.ExtractedEntities["resistor"] == nil {
		t.Error("extracted entity resistor missing from cumulative index")
	}
}

func TestEntityMentionCountsAreMonotonic(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	prev := 0
	for i := 0; i < 4; i++ {
		if _, err := store.AddTurn(ctx, c.ContextID,
			QueryRecord{Text: "inspect the capacitor again"}, ResponseRecord{Summary: "done"}, false); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
		got, _ := store.GetContext(ctx, c.ContextID)
		rec := got.Cumulative.ExtractedEntities["capacitor"]
		if rec == nil {
			t.Fatal("capacitor not indexed")
		}
		if rec.MentionCount <= prev && i > 0 {
			t.Fatalf("mention count %d did not grow past %d", rec.MentionCount, prev)
		}
		prev = rec.MentionCount
	}
	if prev != 4 {
		t.Errorf("mention count = %d, want 4", prev)
	}
}

func TestAddTurnEnforcesTurnCap(t *testing.T) {
	cfg := testContextConfig()
	cfg.MaxTurnsPerContext = 2
	store := NewMemoryStore(cfg, nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	for i := 0; i < 2; i++ {
		if _, err := store.AddTurn(ctx, c.ContextID,
			QueryRecord{Text: "q"}, ResponseRecord{}, false); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}
	_, err := store.AddTurn(ctx, c.ContextID, QueryRecord{Text: "q"}, ResponseRecord{}, false)
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected ErrValidation at turn cap, got %v", err)
	}
}

func TestGetContextExpiry(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	base := time.Now()
	store.now = func() time.Time { return base }

	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	store.now = func() time.Time { return base.Add(25 * time.Hour) }
	if _, err := store.GetContext(ctx, c.ContextID); !errors.Is(err, core.ErrContextExpired) {
		t.Errorf("expected ErrContextExpired, got %v", err)
	}
	if _, err := store.AddTurn(ctx, c.ContextID, QueryRecord{Text: "q"}, ResponseRecord{}, false); !errors.Is(err, core.ErrContextExpired) {
		t.Errorf("AddTurn on expired context: got %v", err)
	}

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.GetContext(ctx, c.ContextID); !errors.Is(err, core.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound after cleanup, got %v", err)
	}
}

func TestCleanupByIdle(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	base := time.Now()
	store.now = func() time.Time { return base }

	ctx := context.Background()
	idle, _ := store.CreateContext(ctx, "session-idle")
	active, _ := store.CreateContext(ctx, "session-active")

	store.now = func() time.Time { return base.Add(3 * time.Hour) }
	if _, err := store.GetContext(ctx, active.ContextID); err != nil {
		t.Fatalf("touch active: %v", err)
	}

	removed, err := store.CleanupByIdle(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("CleanupByIdle: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.GetContext(ctx, idle.ContextID); !errors.Is(err, core.ErrContextNotFound) {
		t.Errorf("idle context should be gone, got %v", err)
	}
	if _, err := store.GetContext(ctx, active.ContextID); err != nil {
		t.Errorf("active context should survive: %v", err)
	}
}

func TestGetContextBySession(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	got, err := store.GetContextBySession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetContextBySession: %v", err)
	}
	if got.ContextID != c.ContextID {
		t.Errorf("resolved %s, want %s", got.ContextID, c.ContextID)
	}
	if _, err := store.GetContextBySession(ctx, "unknown"); !errors.Is(err, core.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound, got %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")
	if _, err := store.AddTurn(ctx, c.ContextID,
		QueryRecord{Text: "trace the ground wire"}, ResponseRecord{Summary: "ok"}, false); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	snap, _ := store.GetContext(ctx, c.ContextID)
	snap.ConversationThread[0].Query.Text = "mutated"
	snap.Cumulative.ExtractedEntities["ground"].MentionCount = 99

	fresh, _ := store.GetContext(ctx, c.ContextID)
	if fresh.ConversationThread[0].Query.Text != "trace the ground wire" {
		t.Error("snapshot mutation leaked into stored thread")
	}
	if fresh.Cumulative.ExtractedEntities["ground"].MentionCount != 1 {
		t.Error("snapshot mutation leaked into stored entity index")
	}
}

func TestContextMarshalRoundTrip(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")
	if _, err := store.AddTurn(ctx, c.ContextID,
		QueryRecord{Text: "what is the voltage at U3?"},
		ResponseRecord{Summary: "3.3V", Confidence: 0.92, Evidence: []string{"page 2"}}, true); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	original, _ := store.GetContext(ctx, c.ContextID)
	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	restored, err := UnmarshalContext(data)
	if err != nil {
		t.Fatalf("UnmarshalContext: %v", err)
	}

	if restored.ContextID != original.ContextID || restored.SessionID != original.SessionID {
		t.Error("identity fields lost in round trip")
	}
	if len(restored.ConversationThread) != 1 {
		t.Fatalf("thread length %d after round trip", len(restored.ConversationThread))
	}
	if !restored.ConversationThread[0].FollowUpDetected {
		t.Error("followUpDetected lost in round trip")
	}
	if restored.Cumulative.ExtractedEntities["voltage"] == nil {
		t.Error("entity index lost in round trip")
	}
	if restored.Metadata.TurnCount != original.Metadata.TurnCount {
		t.Error("metadata lost in round trip")
	}
}

func TestSearchContexts(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()

	a, _ := store.CreateContext(ctx, "session-a")
	b, _ := store.CreateContext(ctx, "session-b")
	if _, err := store.AddTurn(ctx, a.ContextID,
		QueryRecord{Text: "identify the transformer on page 3"}, ResponseRecord{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddTurn(ctx, b.ContextID,
		QueryRecord{Text: "list every diode"}, ResponseRecord{}, false); err != nil {
		t.Fatal(err)
	}

	matches, err := store.SearchContexts(ctx, "transformer", 10)
	if err != nil {
		t.Fatalf("SearchContexts: %v", err)
	}
	if len(matches) != 1 || matches[0].ContextID != a.ContextID {
		t.Errorf("search matched %d contexts, want only %s", len(matches), a.ContextID)
	}

	if _, err := store.SearchContexts(ctx, "   ", 10); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty search: got %v", err)
	}
}

func TestDeleteContext(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	c, _ := store.CreateContext(ctx, "session-1")

	if err := store.DeleteContext(ctx, c.ContextID); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	if _, err := store.GetContext(ctx, c.ContextID); !errors.Is(err, core.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound, got %v", err)
	}
	if _, err := store.GetContextBySession(ctx, "session-1"); !errors.Is(err, core.ErrContextNotFound) {
		t.Errorf("session index should be cleared, got %v", err)
	}
	if err := store.DeleteContext(ctx, c.ContextID); !errors.Is(err, core.ErrContextNotFound) {
		t.Errorf("double delete: got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	store := NewMemoryStore(testContextConfig(), nil)
	ctx := context.Background()
	a, _ := store.CreateContext(ctx, "session-a")
	if _, err := store.AddTurn(ctx, a.ContextID, QueryRecord{Text: "q1"}, ResponseRecord{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddTurn(ctx, a.ContextID, QueryRecord{Text: "q2"}, ResponseRecord{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateContext(ctx, "session-b"); err != nil {
		t.Fatal(err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Contexts != 2 {
		t.Errorf("contexts = %d, want 2", stats.Contexts)
	}
	if stats.TotalTurns != 2 {
		t.Errorf("totalTurns = %d, want 2", stats.TotalTurns)
	}
	if stats.StorageBytes <= 0 {
		t.Error("storageBytes should be positive")
	}
}
