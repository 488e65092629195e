package relay

import (
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if got := r.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0", got)
	}
	if got := r.Lookup("nope"); got != nil {
		t.Fatalf("Lookup(nope) = %v, want nil", got)
	}

	a := &Conn{code: "A"}
	b := &Conn{code: "B"}
	if err := r.Insert("A", a); err != nil {
		t.Fatalf("Insert(A) error = %v", err)
	}
	if err := r.Insert("B", b); err != nil {
		t.Fatalf("Insert(B) error = %v", err)
	}
	if err := r.Insert("A", b); !errors.Is(err, ErrCodeExists) {
		t.Fatalf("duplicate Insert error = %v, want ErrCodeExists", err)
	}

	if got := r.Lookup("A"); got != a {
		t.Fatalf("Lookup(A) = %v, want %v", got, a)
	}
	if got := r.Size(); got != 2 {
		t.Fatalf("Size() = %d, want 2", got)
	}
	if got := r.All(); len(got) != 2 {
		t.Fatalf("All() returned %d conns, want 2", len(got))
	}

	r.Remove("A")
	r.Remove("A") // idempotent
	if got := r.Lookup("A"); got != nil {
		t.Fatalf("Lookup(A) after Remove = %v, want nil", got)
	}
	if got := r.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1", got)
	}
}
