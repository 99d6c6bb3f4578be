package commit

import "testing"

func TestNewDerivesStableID(t *testing.T) {
	c1, err := New("", "", map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c2, err := New("", "", map[string]any{"a": "x", "b": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c1.ID() != c2.ID() {
		t.Fatalf("expected key-order-independent IDs, got %s vs %s", c1.ID(), c2.ID())
	}
	if c1.SchemaMarker() != NullMarker {
		t.Fatalf("expected default marker %q, got %q", NullMarker, c1.SchemaMarker())
	}
}

func TestNewHonorsExplicitID(t *testing.T) {
	c, err := New("explicit-id", "User/1", map[string]any{"name": "alice"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.ID() != "explicit-id" {
		t.Fatalf("expected explicit id to be preserved, got %s", c.ID())
	}
}

func TestWithSchemaPreservesID(t *testing.T) {
	c, _ := New("abc", "User/1", map[string]any{"name": "alice"})
	upgraded := c.WithSchema("User/2", map[string]any{"name": "alice", "stats": 0})
	if upgraded.ID() != c.ID() {
		t.Fatalf("WithSchema must preserve identity: got %s want %s", upgraded.ID(), c.ID())
	}
	if upgraded.SchemaMarker() != "User/2" {
		t.Fatalf("expected marker User/2, got %s", upgraded.SchemaMarker())
	}
	// Original must be untouched (immutability).
	if c.SchemaMarker() != "User/1" {
		t.Fatalf("original commit mutated")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	nested := map[string]any{
		"outer": map[string]any{"z": 1, "a": 2},
		"list":  []any{map[string]any{"y": 1, "x": 2}},
	}
	fp1, err := Fingerprint(nested)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fp2, err := Fingerprint(nested)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprint not deterministic: %s vs %s", fp1, fp2)
	}
}
