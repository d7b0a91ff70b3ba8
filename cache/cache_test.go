package cache

import (
	"testing"
	"time"
)

func TestGroup_GetAddDelete(t *testing.T) {
	g := NewGroup("reports", time.Minute, time.Minute)

	if _, ok := g.Get("1"); ok {
		t.Fatalf("expected miss on empty group")
	}

	g.Add("1", "first")
	g.Add("1", "second") // Add never replaces.
	v, ok := g.Get("1")
	if !ok || v.(string) != "first" {
		t.Errorf("Get(1) = %v, %v; want first, true", v, ok)
	}

	g.Set("1", "third")
	v, _ = g.Get("1")
	if v.(string) != "third" {
		t.Errorf("Get(1) after Set = %v; want third", v)
	}

	g.Delete("1")
	if _, ok := g.Get("1"); ok {
		t.Errorf("expected miss after Delete")
	}
}

func TestGroup_LastChanged(t *testing.T) {
	g := NewGroup("reports", time.Minute, time.Minute)

	first := g.LastChanged()
	if first == "" {
		t.Fatalf("LastChanged returned empty token")
	}
	if again := g.LastChanged(); again != first {
		t.Errorf("LastChanged not stable: %q then %q", first, again)
	}

	g.Bump()
	second := g.LastChanged()
	if second == first {
		t.Errorf("LastChanged unchanged after Bump: %q", second)
	}
}

func TestGroup_BumpBeforeRead(t *testing.T) {
	g := NewGroup("report_logs", time.Minute, time.Minute)
	g.Bump()
	tok := g.LastChanged()
	g.Bump()
	if g.LastChanged() == tok {
		t.Errorf("expected a new token after second Bump")
	}
}
