package tunnel

import "testing"

func TestProfileRegistryInsertAndLookup(t *testing.T) {
	r := NewProfileRegistry()
	p := Profile{UniqueID: "svc", VisitorAddr: "127.0.0.1:0"}
	if err := r.InsertProfile(p); err != nil {
		t.Fatalf("InsertProfile: %v", err)
	}
	got, ok := r.Lookup(p.Hash())
	if !ok {
		t.Fatalf("Lookup did not find inserted profile")
	}
	if got.UniqueID != p.UniqueID {
		t.Fatalf("Lookup returned %+v, want %+v", got, p)
	}
	if !r.IsProfileOnline(p.Hash()) {
		t.Fatalf("IsProfileOnline = false for inserted profile")
	}
}

func TestProfileRegistryRejectsInvalid(t *testing.T) {
	r := NewProfileRegistry()
	bad := Profile{UniqueID: "svc", VisitorAddr: "not-a-valid-addr"}
	if err := r.InsertProfile(bad); err == nil {
		t.Fatalf("InsertProfile accepted an unparsable visitor_addr")
	}

	empty := Profile{VisitorAddr: "127.0.0.1:0"}
	if err := r.InsertProfile(empty); err == nil {
		t.Fatalf("InsertProfile accepted an empty unique id")
	}
}

func TestProfileRegistryRemoveInvokesCallback(t *testing.T) {
	r := NewProfileRegistry()
	p := Profile{UniqueID: "svc", VisitorAddr: "127.0.0.1:0"}
	if err := r.InsertProfile(p); err != nil {
		t.Fatalf("InsertProfile: %v", err)
	}

	var removed Hash
	called := make(chan struct{}, 1)
	r.onRemove = func(h Hash) {
		removed = h
		called <- struct{}{}
	}

	r.RemoveProfile(p.UniqueID)

	select {
	case <-called:
	default:
		t.Fatalf("onRemove was not invoked")
	}
	if removed != p.Hash() {
		t.Fatalf("onRemove received %v, want %v", removed, p.Hash())
	}
	if _, ok := r.Lookup(p.Hash()); ok {
		t.Fatalf("profile still present after RemoveProfile")
	}
}

func TestProfileRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewProfileRegistry()
	called := false
	r.onRemove = func(Hash) { called = true }
	r.RemoveProfile("never-registered")
	if called {
		t.Fatalf("onRemove invoked for a profile that was never registered")
	}
}

func TestProfileTokenHash(t *testing.T) {
	p := Profile{UniqueID: "svc", VisitorAddr: "127.0.0.1:0", VisitorToken: "secret"}
	if !p.hasToken() {
		t.Fatalf("hasToken = false for a profile with a token")
	}
	if p.tokenHash() != HashID("secret") {
		t.Fatalf("tokenHash mismatch")
	}

	noToken := Profile{UniqueID: "svc", VisitorAddr: "127.0.0.1:0"}
	if noToken.hasToken() {
		t.Fatalf("hasToken = true for a profile with no token")
	}
}
