package tunnel

import "testing"

func TestHashIDDeterministic(t *testing.T) {
	a := HashID("profile-a")
	b := HashID("profile-a")
	if a != b {
		t.Fatalf("HashID not deterministic: %v != %v", a, b)
	}
}

func TestHashIDDistinctInputs(t *testing.T) {
	a := HashID("profile-a")
	b := HashID("profile-b")
	if a == b {
		t.Fatalf("HashID collided for distinct inputs")
	}
}

func TestHashIsZero(t *testing.T) {
	var z Hash
	if !z.IsZero() {
		t.Fatalf("zero-value Hash reported non-zero")
	}
	if HashID("anything").IsZero() {
		t.Fatalf("HashID output reported as zero")
	}
}

func TestHashString(t *testing.T) {
	h := HashID("x")
	s := h.String()
	if len(s) != HashSize*2 {
		t.Fatalf("String() length = %d, want %d", len(s), HashSize*2)
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("String() produced non-hex rune %q", r)
		}
	}
}
