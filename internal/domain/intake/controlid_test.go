package intake

import (
	"strings"
	"testing"
	"time"
)

func TestControlIDs(t *testing.T) {
	g := NewControlIDs("intake-service")
	g.now = func() time.Time { return time.Unix(1735689600, 0) }

	first := g.Next()
	second := g.Next()
	if first != "INTAK173568960000001" {
		t.Errorf("unexpected first id %q", first)
	}
	if first == second {
		t.Error("expected distinct ids")
	}
	if len(first) > 20 {
		t.Errorf("expected at most 20 characters, got %d", len(first))
	}
	if !strings.HasPrefix(second, "INTAK") {
		t.Errorf("expected prefix to be kept, got %q", second)
	}
}

func TestControlIDs_Unique(t *testing.T) {
	g := NewControlIDs("T")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
