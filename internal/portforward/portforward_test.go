package portforward

import "testing"

func TestInstallRejectsDuplicateDirectionAndPort(t *testing.T) {
	r := NewConnRegistry()
	if err := r.Install(Forward{Name: "a", HostPort: 8080, ContainerPort: 80, Direction: Remote}); err != nil {
		t.Fatalf("first install: %v", err)
	}
	if err := r.Install(Forward{Name: "b", HostPort: 8080, ContainerPort: 81, Direction: Remote}); err == nil {
		t.Fatalf("expected duplicate (direction, host_port) to be rejected")
	}
	// Same host_port, different direction, is fine.
	if err := r.Install(Forward{Name: "c", HostPort: 8080, ContainerPort: 80, Direction: Local}); err != nil {
		t.Fatalf("different direction should not conflict: %v", err)
	}
}

func TestRemoveThenInstallRoundTrips(t *testing.T) {
	r := NewConnRegistry()
	f := Forward{Name: "a", HostPort: 9090, ContainerPort: 90, Direction: Remote}
	if err := r.Install(f); err != nil {
		t.Fatalf("install: %v", err)
	}
	removed, ok := r.Remove(Remote, 9090)
	if !ok || removed.Name != "a" {
		t.Fatalf("expected to remove the installed forward, got %+v, %v", removed, ok)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after remove, got %d entries", r.Len())
	}
	// Round-trip: re-install succeeds identically.
	if err := r.Install(f); err != nil {
		t.Fatalf("reinstall after remove: %v", err)
	}
}

func TestAllowSetRevokeOnlyAffectsOwner(t *testing.T) {
	a := NewAllowSet()
	a.Allow(5000, "connA")
	a.Allow(5000, "connB")

	a.Revoke(5000, "connA")
	if !a.Allowed(5000) {
		t.Fatalf("expected connB's grant to survive connA's revoke")
	}
	if a.AllowedFor(5000, "connA") {
		t.Fatalf("connA should no longer hold a grant")
	}
	if !a.AllowedFor(5000, "connB") {
		t.Fatalf("connB should still hold a grant")
	}

	a.Revoke(5000, "connB")
	if a.Allowed(5000) {
		t.Fatalf("expected no grants left for port 5000")
	}
}

func TestRemoteRegistryConflict(t *testing.T) {
	r := NewRemoteRegistry()
	if err := r.Claim(8080, "web"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := r.Claim(8080, "api"); err == nil {
		t.Fatalf("expected conflict claiming an already-bound remote port")
	}
	// The same owner claiming again (e.g. idempotent retry) is fine.
	if err := r.Claim(8080, "web"); err != nil {
		t.Fatalf("re-claim by same owner: %v", err)
	}
}

func TestRemoteRegistryReleaseAll(t *testing.T) {
	r := NewRemoteRegistry()
	r.Claim(8080, "web")
	r.Claim(9090, "web")
	r.Claim(7000, "other")

	r.ReleaseAll("web")

	if err := r.Claim(8080, "anyone"); err != nil {
		t.Fatalf("expected port freed after ReleaseAll: %v", err)
	}
	if err := r.Claim(7000, "anyone"); err == nil {
		t.Fatalf("expected other's claim on 7000 to remain after web's ReleaseAll")
	}
}

func TestValidateHostPortRejectsPrivileged(t *testing.T) {
	if err := ValidateHostPort(80); err == nil {
		t.Fatalf("expected port 80 to be rejected")
	}
	if err := ValidateHostPort(1024); err != nil {
		t.Fatalf("expected port 1024 to be allowed: %v", err)
	}
}
