package internaldefs

import (
	"strings"
	"testing"
)

func TestDefinitionsAreUnique(t *testing.T) {
	names := map[string]bool{AuditDroppedName: true, AuditFailedName: true}
	for _, def := range CounterDefs {
		if !strings.HasPrefix(def.Name, "tenantauth_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter %q breaks naming convention", def.Name)
		}
		if names[def.Name] {
			t.Fatalf("duplicate metric %q", def.Name)
		}
		names[def.Name] = true
	}
	for _, def := range HistogramDefs {
		if names[def.Name] {
			t.Fatalf("duplicate metric %q", def.Name)
		}
		names[def.Name] = true
	}
	if len(HistogramUpperBounds)+1 != len(HistogramBoundSuffix) {
		t.Fatal("bounds and suffixes disagree")
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
