package permission

import (
	"errors"
	"reflect"
	"testing"
)

func newTestRegistry(t *testing.T, codes ...string) *Registry {
	t.Helper()
	r, err := NewRegistry(64)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, c := range codes {
		if _, err := r.Register(Definition{Code: c, Module: "test"}); err != nil {
			t.Fatalf("register %q: %v", c, err)
		}
	}
	r.Freeze()
	return r
}

func TestUnionOfOverlappingRolesIsExact(t *testing.T) {
	r := newTestRegistry(t, "a.read", "b.read", "c.read", "d.read")

	roleOne, _ := r.SetOf("a.read", "b.read")
	roleTwo, _ := r.SetOf("b.read", "c.read")

	var effective Set
	effective.Union(roleOne)
	effective.Union(roleTwo)

	if got, want := effective.Codes(), []string{"a.read", "b.read", "c.read"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if effective.Has("d.read") {
		t.Fatal("d.read must not be granted")
	}
	if effective.Len() != 3 {
		t.Fatalf("expected 3 members, got %d", effective.Len())
	}
}

func TestZeroSetGrantsNothing(t *testing.T) {
	var s Set
	if s.Has("a.read") || !s.Empty() || len(s.Codes()) != 0 {
		t.Fatal("zero set must be empty")
	}
	if s.Add("a.read") {
		t.Fatal("zero set has no registry to resolve codes")
	}
}

func TestSetOfReportsUnknownCodes(t *testing.T) {
	r := newTestRegistry(t, "a.read")
	s, unknown := r.SetOf("a.read", "ghost.write")
	if !s.Has("a.read") || !reflect.DeepEqual(unknown, []string{"ghost.write"}) {
		t.Fatalf("unexpected set %v unknown %v", s.Codes(), unknown)
	}
}

func TestRegistryRules(t *testing.T) {
	r, _ := NewRegistry(64)
	if _, err := r.Register(Definition{Code: "Invoice Read"}); err == nil {
		t.Fatal("expected malformed code to be rejected")
	}
	if _, err := r.Register(Definition{Code: "invoice.read"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(Definition{Code: "invoice.read"}); err == nil {
		t.Fatal("expected duplicate to be rejected")
	}
	r.Freeze()
	if _, err := r.Register(Definition{Code: "invoice.write"}); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if _, err := NewRegistry(100); err == nil {
		t.Fatal("expected unsupported width to be rejected")
	}
}

func TestRegistryCapacity(t *testing.T) {
	r, _ := NewRegistry(64)
	for i := 0; i < 64; i++ {
		code := "p" + string(rune('a'+i/26)) + string(rune('a'+i%26))
		if _, err := r.Register(Definition{Code: code}); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := r.Register(Definition{Code: "overflow"}); err == nil {
		t.Fatal("expected limit exceeded")
	}
	s := r.NewSet()
	s.Add("pcl")
	if !s.Has("pcl") || s.Len() != 1 {
		t.Fatal("last bit must be addressable")
	}
}
