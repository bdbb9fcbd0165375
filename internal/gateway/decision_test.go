package gateway

import (
	"fmt"
	"testing"
)

func TestDecisionLog_Ring(t *testing.T) {
	log := NewDecisionLog(3)
	for i := 1; i <= 5; i++ {
		log.Append(Decision{RequestID: fmt.Sprintf("r%d", i), Attempts: []Attempt{{Backend: "a"}}})
	}

	if log.Len() != 3 {
		t.Fatalf("expected 3 decisions, got %d", log.Len())
	}
	got := log.Recent(0)
	want := []string{"r5", "r4", "r3"}
	for i, w := range want {
		if got[i].RequestID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].RequestID)
		}
	}

	if limited := log.Recent(2); len(limited) != 2 || limited[1].RequestID != "r4" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	got[0].Attempts[0].Backend = "mutated"
	if log.Recent(1)[0].Attempts[0].Backend != "a" {
		t.Fatalf("Recent must return copies")
	}
}

func TestDecisionLog_Empty(t *testing.T) {
	log := NewDecisionLog(0)
	if got := log.Recent(10); len(got) != 0 {
		t.Fatalf("expected no decisions, got %d", len(got))
	}
}
