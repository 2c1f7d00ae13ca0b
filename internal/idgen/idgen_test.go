package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixBooking)
	if !strings.HasPrefix(id, "bk_") {
		t.Fatalf("expected bk_ prefix, got %q", id)
	}
	if len(id) != len("bk_")+32 {
		t.Errorf("expected 32 hex chars after prefix, got %d", len(id)-len("bk_"))
	}
	if strings.Contains(id, "-") {
		t.Errorf("expected no dashes in %q", id)
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(PrefixJob)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestHex(t *testing.T) {
	if got := Hex(8); len(got) != 16 {
		t.Errorf("Hex(8) length = %d, want 16", len(got))
	}
}
