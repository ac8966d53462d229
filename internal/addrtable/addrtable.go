// Package addrtable implements the passive address learning table.
//
// The table has two levels: the outer level is keyed by MAC address, and
// each MAC owns an inner table of the protocol addresses (IPv4/IPv6) it
// has been seen announcing. Entries carry a hit counter and a last-seen
// timestamp; hit weight drives the router and client identification
// heuristics, and age drives eviction.
package addrtable

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/endoor-net/endoor/internal/frame"
)

// MinHits is the minimum hit count before a MAC is trusted as the router.
// A single spoofed router advertisement must not redirect the uplink; the
// busiest-talker fallback needs the same floor.
const MinHits = 100

// ErrTableFull indicates no free slot is left at the required level.
var ErrTableFull = errors.New("address table full")

// entry is one protocol address record. The same record shape serves both
// levels; only outer (MAC) entries ever populate children.
type entry struct {
	family   frame.Family
	addr     [16]byte
	lastSeen time.Time
	hits     uint64
	flags    int

	// name is an optional host name learned from NetBIOS traffic.
	// Only set on outer entries.
	name string

	// children is the per-MAC protocol address table. It is created when
	// the slot first records a protocol address and never replaced
	// afterwards; a MAC slot is freed only once its child table is empty,
	// so a reused slot starts with no children.
	children *Table
}

// empty reports whether the slot is free.
func (e *entry) empty() bool {
	return e.family == frame.FamilyNone
}

// matches reports whether the entry holds the given address.
func (e *entry) matches(family frame.Family, addr []byte) bool {
	if e.family != family {
		return false
	}
	n := family.AddrLen()
	for i := 0; i < n; i++ {
		if e.addr[i] != addr[i] {
			return false
		}
	}
	return true
}

// Table is a fixed-capacity protocol address list. The zero value is not
// usable; create tables with NewTable.
type Table struct {
	mu        sync.Mutex
	entries   []entry
	live      int
	innerSize int
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces the time source, letting tests control aging.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger attaches a logger for entry add/expire debug events.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// NewTable creates an outer address table with size MAC slots, each
// allowing innerSize protocol addresses.
func NewTable(size, innerSize int, opts ...Option) *Table {
	t := &Table{
		entries:   make([]entry, size),
		innerSize: innerSize,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// newInner creates a child table sharing the parent's clock and logger.
func (t *Table) newInner() *Table {
	return &Table{
		entries: make([]entry, t.innerSize),
		now:     t.now,
		logger:  t.logger,
	}
}

// Len returns the number of live entries at the outer level.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// findIndex returns the slot of (family, addr), or -1.
// Caller holds the lock.
func (t *Table) findIndex(family frame.Family, addr []byte) int {
	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		if t.entries[i].empty() {
			continue
		}
		seen++
		if t.entries[i].matches(family, addr) {
			return i
		}
	}
	return -1
}

// emptyIndex returns the first free slot, or -1 when the table is full.
// Caller holds the lock.
func (t *Table) emptyIndex() int {
	for i := range t.entries {
		if t.entries[i].empty() {
			return i
		}
	}
	return -1
}

// updateEntry refreshes (or inserts) the record for (family, addr),
// bumping its hit counter, timestamp, and flag set.
// Caller holds the lock.
func (t *Table) updateEntry(family frame.Family, addr []byte, flags int) (int, error) {
	i := t.findIndex(family, addr)
	if i < 0 {
		if i = t.emptyIndex(); i < 0 {
			return 0, ErrTableFull
		}
		e := &t.entries[i]
		e.family = family
		copy(e.addr[:], addr[:family.AddrLen()])
		e.hits = 0
		e.flags = 0
		e.name = ""
		t.live++
		t.logger.Debug("adding address entry", slog.String("addr", formatAddr(family, e.addr[:])))
	}

	e := &t.entries[i]
	e.lastSeen = t.now()
	e.hits++
	e.flags |= flags
	return i, nil
}

// Update records an observation of hw, optionally paired with a protocol
// address. The MAC entry is refreshed first; when family is IPv4 or IPv6
// the address is refreshed in that MAC's inner table. flags are attached
// at both levels. Returns ErrTableFull when either level has no free slot.
func (t *Table) Update(hw net.HardwareAddr, family frame.Family, addr netip.Addr, flags int) error {
	if len(hw) != frame.FamilyMAC.AddrLen() {
		return frame.ErrTruncated
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.updateEntry(frame.FamilyMAC, hw, flags)
	if err != nil {
		return err
	}

	if family != frame.FamilyIPv4 && family != frame.FamilyIPv6 {
		return nil
	}

	e := &t.entries[i]
	if e.children == nil {
		e.children = t.newInner()
	}

	raw := addr.As16()
	b := raw[:]
	if family == frame.FamilyIPv4 {
		a4 := addr.As4()
		b = a4[:]
	}
	if _, err := e.children.updateEntry(family, b, flags); err != nil {
		return err
	}
	return nil
}

// SetName attaches a learned host name to the MAC's outer entry. Unknown
// MACs are ignored; the name is only an annotation, never a reason to
// create an entry.
func (t *Table) SetName(hw net.HardwareAddr, name string) {
	if len(hw) != frame.FamilyMAC.AddrLen() || name == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.findIndex(frame.FamilyMAC, hw); i >= 0 {
		t.entries[i].name = name
	}
}

// SearchRouter returns the most plausible router MAC: the highest-hit
// entry flagged as a router, or, when no router advertisement was ever
// seen, the busiest MAC overall. Candidates below MinHits are rejected,
// as is an empty table. Ties break toward the lowest slot index.
func (t *Table) SearchRouter() (net.HardwareAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.bestIndex(frame.FamilyMAC, frame.FlagRouter)
	if i < 0 {
		i = t.bestIndex(frame.FamilyMAC, 0)
	}
	if i < 0 || t.entries[i].hits <= MinHits {
		return nil, false
	}

	return net.HardwareAddr(append([]byte(nil), t.entries[i].addr[:6]...)), true
}

// SearchClient returns the most plausible client: the busiest MAC and its
// busiest usable IPv4 address. Unspecified (0.0.0.0) and link-local
// (169.254.0.0/16) sources are skipped since neither yields a usable
// tunnel address. Fails when no MAC or no usable address exists.
func (t *Table) SearchClient() (net.HardwareAddr, netip.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.bestIndex(frame.FamilyMAC, 0)
	if i < 0 {
		return nil, netip.Addr{}, false
	}

	hw := net.HardwareAddr(append([]byte(nil), t.entries[i].addr[:6]...))

	children := t.entries[i].children
	if children == nil {
		return nil, netip.Addr{}, false
	}

	var (
		best     netip.Addr
		bestHits uint64
		found    bool
	)
	for j, seen := 0, 0; j < len(children.entries) && seen < children.live; j++ {
		e := &children.entries[j]
		if e.empty() {
			continue
		}
		seen++
		if e.family != frame.FamilyIPv4 || e.hits <= bestHits {
			continue
		}
		addr := netip.AddrFrom4([4]byte(e.addr[:4]))
		if addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
			continue
		}
		best = addr
		bestHits = e.hits
		found = true
	}

	if !found {
		return nil, netip.Addr{}, false
	}
	return hw, best, true
}

// bestIndex returns the slot with the strictly highest hit count among
// entries of the given family carrying all bits of flags. Returns -1
// when no entry qualifies. Caller holds the lock.
func (t *Table) bestIndex(family frame.Family, flags int) int {
	best := -1
	var bestHits uint64
	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		e := &t.entries[i]
		if e.empty() {
			continue
		}
		seen++
		if e.family != family || e.flags&flags != flags {
			continue
		}
		if e.hits > bestHits {
			best = i
			bestHits = e.hits
		}
	}
	return best
}

// Cleanup drops entries whose last observation is older than maxAge,
// leaves first: a MAC entry survives as long as any of its protocol
// addresses does. maxAge zero disables expiry.
func (t *Table) Cleanup(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupLocked(maxAge)
}

func (t *Table) cleanupLocked(maxAge time.Duration) {
	now := t.now()

	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		e := &t.entries[i]
		if e.empty() {
			continue
		}
		seen++

		if e.children != nil {
			e.children.cleanupLocked(maxAge)
			// A parent with surviving children stays, whatever its age.
			if e.children.live > 0 {
				continue
			}
		}

		if maxAge == 0 || !e.lastSeen.Add(maxAge).Before(now) {
			continue
		}

		t.logger.Debug("deleting address", slog.String("addr", formatAddr(e.family, e.addr[:])))
		e.family = frame.FamilyNone
		t.live--
	}
}

// formatAddr renders raw address bytes for logging and snapshots.
func formatAddr(family frame.Family, addr []byte) string {
	switch family {
	case frame.FamilyMAC:
		return net.HardwareAddr(addr[:6]).String()
	case frame.FamilyIPv4:
		return netip.AddrFrom4([4]byte(addr[:4])).String()
	case frame.FamilyIPv6:
		return netip.AddrFrom16([16]byte(addr[:16])).String()
	default:
		return "?"
	}
}
