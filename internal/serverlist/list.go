package serverlist

import "github.com/opentorque/servergrid/internal/netaddr"

// List is the process-wide server table. Address uniqueness is enforced
// entirely by keying on netaddr.NetAddress.Key().
type List struct {
	byAddr map[string]*ServerInfo
	order  []string // insertion order, for stable enumeration
}

func NewList() *List {
	return &List{byAddr: make(map[string]*ServerInfo)}
}

// Find returns the existing entry for addr, or nil.
func (l *List) Find(addr netaddr.NetAddress) *ServerInfo {
	return l.byAddr[addr.Key()]
}

// FindOrCreate returns the existing entry for addr, creating a fresh
// FlagNew entry if none exists yet. Entries come into being on the first
// ping response for an address, or up front for favorites.
func (l *List) FindOrCreate(addr netaddr.NetAddress) (*ServerInfo, bool) {
	k := addr.Key()
	if s, ok := l.byAddr[k]; ok {
		return s, false
	}
	s := &ServerInfo{Address: addr, Flags: FlagNew}
	l.byAddr[k] = s
	l.order = append(l.order, k)
	return s, true
}

// Remove deletes addr's entry, if any.
func (l *List) Remove(addr netaddr.NetAddress) {
	k := addr.Key()
	if _, ok := l.byAddr[k]; !ok {
		return
	}
	delete(l.byAddr, k)
	for i, o := range l.order {
		if o == k {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Clear empties the list, e.g. on queryFavorites or a fresh queryLan.
func (l *List) Clear() {
	l.byAddr = make(map[string]*ServerInfo)
	l.order = nil
}

// Len reports the server count, used by getServerCount / the "done" event.
func (l *List) Len() int { return len(l.order) }

// Snapshot returns entries in insertion order, the indexing setServerInfo(index)
// operates over.
func (l *List) Snapshot() []*ServerInfo {
	out := make([]*ServerInfo, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.byAddr[k])
	}
	return out
}

// CountResponded counts entries with FlagResponded set. The done event's
// "<N> servers found" total is Len, not this count.
func (l *List) CountResponded() int {
	n := 0
	for _, s := range l.byAddr {
		if s.Flags.Has(FlagResponded) {
			n++
		}
	}
	return n
}
