package derecho

import (
	"testing"
)

func Test100_omap_basics(t *testing.T) {
	m := newOmap[int64, string]()
	if m.Len() != 0 {
		t.Fatalf("fresh omap not empty")
	}
	if _, _, ok := m.min(); ok {
		t.Fatalf("min on empty omap")
	}

	// inserts arrive out of order; iteration is sorted.
	for _, k := range []int64{5, 1, 3, 2, 4} {
		if !m.set(k, "v") {
			t.Fatalf("set(%v) should be a fresh insert", k)
		}
	}
	if m.set(3, "v3") {
		t.Fatalf("set(3) again should be an update, not an insert")
	}
	if v, ok := m.get2(3); !ok || v != "v3" {
		t.Fatalf("get2(3) = %v, %v", v, ok)
	}
	var keys []int64
	for k := range m.all() {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Fatalf("iteration out of order: %v", keys)
		}
	}
	if k, _, _ := m.min(); k != 1 {
		t.Fatalf("min = %v, want 1", k)
	}

	if !m.delkey(1) || m.delkey(1) {
		t.Fatalf("delkey semantics wrong")
	}
	if k, _, _ := m.min(); k != 2 {
		t.Fatalf("min after delete = %v, want 2", k)
	}

	// deleting every key collected from a walk empties the map (the
	// engine's drain collects keys, then discards them).
	var drop []int64
	for k := range m.all() {
		drop = append(drop, k)
	}
	for _, k := range drop {
		m.delkey(k)
	}
	if m.Len() != 0 {
		t.Fatalf("len = %v after deleting everything", m.Len())
	}
}
