package addrtable

import "github.com/endoor-net/endoor/internal/frame"

// AddrSnapshot is one address record of a table dump. The field set and
// naming follow the established JSON dump format: "type" is the numeric
// address family, "time" the last-seen unix timestamp, and "addresses"
// the protocol addresses owned by a MAC entry.
type AddrSnapshot struct {
	Type      int            `json:"type"`
	Addr      string         `json:"addr"`
	Time      int64          `json:"time"`
	Hits      uint64         `json:"hits"`
	Flags     int            `json:"flags"`
	Name      string         `json:"name,omitempty"`
	Addresses []AddrSnapshot `json:"addresses"`
}

// Snapshot returns a copy of the table contents for serialization. The
// returned slice is detached from the live table.
func (t *Table) Snapshot() []AddrSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Table) snapshotLocked() []AddrSnapshot {
	out := make([]AddrSnapshot, 0, t.live)

	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		e := &t.entries[i]
		if e.empty() {
			continue
		}
		seen++

		snap := AddrSnapshot{
			Type:      int(e.family),
			Addr:      formatAddr(e.family, e.addr[:]),
			Time:      e.lastSeen.Unix(),
			Hits:      e.hits,
			Flags:     e.flags,
			Name:      e.name,
			Addresses: []AddrSnapshot{},
		}
		if e.children != nil {
			snap.Addresses = e.children.snapshotLocked()
		}
		out = append(out, snap)
	}

	return out
}

// Hits returns the hit count of (family, addr) at the outer level, for
// diagnostics. The second result is false when the address is unknown.
func (t *Table) Hits(family frame.Family, addr []byte) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.findIndex(family, addr); i >= 0 {
		return t.entries[i].hits, true
	}
	return 0, false
}
