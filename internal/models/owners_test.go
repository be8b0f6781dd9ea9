package models

import "testing"

func TestOwnerSet(t *testing.T) {
	s := NewOwnerSet("a", "b")
	if !s.Has("a") || !s.Has("b") {
		t.Error("expected initial addresses to be present")
	}
	if s.Has("c") {
		t.Error("unexpected address present")
	}

	s.Add("c")
	s.Add("a") // duplicate
	s.Add("")  // ignored

	if s.Len() != 3 {
		t.Errorf("expected 3 owners, got %d", s.Len())
	}

	list := s.List()
	if len(list) != 3 || list[0] != "a" || list[1] != "b" || list[2] != "c" {
		t.Errorf("unexpected insertion order: %v", list)
	}
}
