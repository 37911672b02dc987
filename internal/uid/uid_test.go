package uid

import "testing"

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %q after %d iterations", id, i)
		}
		seen[id] = true
		if !Valid(id) {
			t.Fatalf("New() = %q, not a valid UUID", id)
		}
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("Valid(\"not-a-uuid\") = true, want false")
	}
}
