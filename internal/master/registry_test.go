package master

import (
	"testing"
	"time"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestTouchAndFind(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := reg.Touch("192.0.2.5", 28000, 2, now); err != nil {
		t.Fatal(err)
	}
	e, err := reg.Find("192.0.2.5", 28000)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Region != 2 {
		t.Fatalf("entry = %+v", e)
	}

	// A later heartbeat refreshes last_seen but leaves the region hint.
	later := now.Add(10 * time.Second)
	if err := reg.Touch("192.0.2.5", 28000, 4, later); err != nil {
		t.Fatal(err)
	}
	e, _ = reg.Find("192.0.2.5", 28000)
	if e.Region != 2 {
		t.Errorf("region hint overwritten: %d", e.Region)
	}
	if !e.LastSeen.After(now.Add(5 * time.Second)) {
		t.Errorf("last_seen not refreshed: %v", e.LastSeen)
	}

	if missing, _ := reg.Find("192.0.2.99", 1); missing != nil {
		t.Error("unknown address should return nil")
	}
}

func TestUpdateInfoRequiresRegistration(t *testing.T) {
	reg := openTestRegistry(t)
	err := reg.UpdateInfo(Entry{IP: "192.0.2.8", Port: 28000, GameType: "CTF"})
	if err == nil {
		t.Fatal("update without a registration must fail")
	}

	now := time.Now().UTC()
	_ = reg.Touch("192.0.2.8", 28000, 0, now)
	if err := reg.UpdateInfo(Entry{IP: "192.0.2.8", Port: 28000, GameType: "CTF", Region: 4, InviteCode: "XYZ", Version: 2026}); err != nil {
		t.Fatal(err)
	}

	e, _ := reg.Find("192.0.2.8", 28000)
	if e.GameType != "CTF" || e.Region != 4 || e.Version != 2026 {
		t.Errorf("info not applied: %+v", e)
	}
}

func TestFindByInvite(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now().UTC()
	_ = reg.Touch("192.0.2.8", 28000, 0, now)
	_ = reg.UpdateInfo(Entry{IP: "192.0.2.8", Port: 28000, InviteCode: "SESAME"})

	e, err := reg.FindByInvite("SESAME")
	if err != nil || e == nil || e.IP != "192.0.2.8" {
		t.Fatalf("lookup failed: %+v, %v", e, err)
	}
	if e, _ := reg.FindByInvite("NOPE"); e != nil {
		t.Error("unknown invite should return nil")
	}
	if e, _ := reg.FindByInvite(""); e != nil {
		t.Error("empty invite must never match")
	}
}

func TestPrune(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now().UTC()
	_ = reg.Touch("192.0.2.1", 28000, 0, now.Add(-time.Hour))
	_ = reg.Touch("192.0.2.2", 28000, 0, now)

	removed, err := reg.Prune(now.Add(-30 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("pruned %d, want 1", removed)
	}
	if n, _ := reg.Count(); n != 1 {
		t.Errorf("count = %d", n)
	}
}
