package serverlist

import (
	"testing"

	"github.com/opentorque/servergrid/internal/netaddr"
)

func TestListAddressUniqueness(t *testing.T) {
	l := NewList()
	addr := netaddr.NewIPv4(192, 0, 2, 1, 28000)

	a, created := l.FindOrCreate(addr)
	if !created {
		t.Fatal("first FindOrCreate should create")
	}
	b, created := l.FindOrCreate(addr)
	if created || a != b {
		t.Error("second FindOrCreate must return the same entry")
	}
	if l.Len() != 1 {
		t.Errorf("len = %d", l.Len())
	}
}

func TestListRemoveAndClear(t *testing.T) {
	l := NewList()
	a := netaddr.NewIPv4(192, 0, 2, 1, 28000)
	b := netaddr.NewIPv4(192, 0, 2, 2, 28000)
	l.FindOrCreate(a)
	l.FindOrCreate(b)

	l.Remove(a)
	if l.Find(a) != nil || l.Len() != 1 {
		t.Error("remove did not drop the entry")
	}
	l.Remove(a) // idempotent

	l.Clear()
	if l.Len() != 0 || l.Find(b) != nil {
		t.Error("clear left entries behind")
	}
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	l := NewList()
	for i := byte(1); i <= 5; i++ {
		l.FindOrCreate(netaddr.NewIPv4(192, 0, 2, i, 28000))
	}
	snap := l.Snapshot()
	for i, s := range snap {
		if s.Address.IP[3] != byte(i+1) {
			t.Fatalf("snapshot out of order at %d: %v", i, s.Address)
		}
	}
}

func TestRespondedTimedOutExclusive(t *testing.T) {
	var s ServerInfo
	s.SetResponded()
	s.SetTimedOut()
	if s.Flags.Has(FlagResponded) {
		t.Error("timed out must clear responded")
	}
	s.SetResponded()
	if s.Flags.Has(FlagTimedOut) {
		t.Error("responded must clear timed out")
	}
}

func TestCountResponded(t *testing.T) {
	l := NewList()
	a, _ := l.FindOrCreate(netaddr.NewIPv4(192, 0, 2, 1, 28000))
	b, _ := l.FindOrCreate(netaddr.NewIPv4(192, 0, 2, 2, 28000))
	a.SetResponded()
	b.SetTimedOut()
	if got := l.CountResponded(); got != 1 {
		t.Errorf("CountResponded = %d", got)
	}
}
