package containerstate

import (
	"reflect"
	"testing"
)

func TestUpdateOverwritesOnlyGivenKeys(t *testing.T) {
	s := New()
	s.Update("web", map[string]any{"worktrees": []string{"a", "b"}, "branch": "main"})
	s.Update("web", map[string]any{"branch": "feature"})

	got, ok := s.Get("web")
	if !ok {
		t.Fatalf("expected state present")
	}
	if got["branch"] != "feature" {
		t.Fatalf("expected branch overwritten, got %v", got["branch"])
	}
	if !reflect.DeepEqual(got["worktrees"], []string{"a", "b"}) {
		t.Fatalf("expected worktrees untouched, got %v", got["worktrees"])
	}
}

func TestWorktreesHandlesJSONDecodedSlice(t *testing.T) {
	s := New()
	s.Update("web", map[string]any{"worktrees": []any{"a", "b", "c"}})

	got, ok := s.Worktrees("web")
	if !ok {
		t.Fatalf("expected worktrees present")
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestClearRemovesContainer(t *testing.T) {
	s := New()
	s.Update("web", map[string]any{"branch": "main"})
	s.Clear("web")

	if _, ok := s.Get("web"); ok {
		t.Fatalf("expected state cleared on disconnect")
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := New()
	s.Update("web", map[string]any{"branch": "main"})

	got, _ := s.Get("web")
	got["branch"] = "mutated"

	again, _ := s.Get("web")
	if again["branch"] != "main" {
		t.Fatalf("expected internal state unaffected by caller mutation, got %v", again["branch"])
	}
}

func TestContainersListsAllTrackedNames(t *testing.T) {
	s := New()
	s.Update("web", map[string]any{})
	s.Update("api", map[string]any{})

	names := s.Containers()
	if len(names) != 2 {
		t.Fatalf("expected 2 containers, got %v", names)
	}
}
