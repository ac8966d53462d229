// Package state implements the connection state table.
//
// A state is a 5-tuple flow inserted when the host originates traffic
// through the tunnel. Incoming frames on the outside interface are
// matched with endpoints reversed, so replies to host-originated flows
// are recognized and stolen into the tunnel while everything else
// bridges through to the client untouched.
package state

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/endoor-net/endoor/internal/frame"
)

// MaxStateAge is how long a state survives without a matching frame.
const MaxStateAge = 180 * time.Second

// ErrTableFull indicates no free state slot is left.
var ErrTableFull = errors.New("state table full")

// entry is one tracked flow. A zero family marks a free slot.
type entry struct {
	flow     frame.Flow
	lastSeen time.Time
}

func (e *entry) empty() bool {
	return e.flow.Family == frame.FamilyNone
}

// Table is a fixed-capacity set of tracked flows. All operations are
// serialized by one mutex; matching is a linear scan bounded by the
// live count.
type Table struct {
	mu      sync.Mutex
	entries []entry
	live    int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces the time source, letting tests control aging.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger attaches a logger for state add/expire debug events.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// New creates a state table with capacity size.
func New(size int, opts ...Option) *Table {
	t := &Table{
		entries: make([]entry, size),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of live states.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// key normalizes a flow for lookup: states are stored in their outgoing
// orientation, so incoming flows are matched reversed.
func key(fl frame.Flow, dir frame.Direction) frame.Flow {
	if dir == frame.Incoming {
		return fl.Reverse()
	}
	return fl
}

// findLocked returns the slot holding fl (already normalized), or -1.
func (t *Table) findLocked(fl frame.Flow) int {
	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		if t.entries[i].empty() {
			continue
		}
		seen++
		if t.entries[i].flow == fl {
			return i
		}
	}
	return -1
}

// Refresh updates the timestamp of the state matching fl in the given
// direction. Returns false when no such state exists; no state is ever
// created.
func (t *Table) Refresh(fl frame.Flow, dir frame.Direction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findLocked(key(fl, dir))
	if i < 0 {
		return false
	}
	t.entries[i].lastSeen = t.now()
	return true
}

// Track refreshes the state matching fl or inserts a new one. Only
// trackable flows reach this point (the parser already rejected
// unsupported protocols); insertion fails only when the table is full.
// Reports whether a new state was created.
func (t *Table) Track(fl frame.Flow, dir frame.Direction) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(fl, dir)

	created := false
	i := t.findLocked(k)
	if i < 0 {
		i = t.emptyLocked()
		if i < 0 {
			return false, ErrTableFull
		}
		created = true
		t.entries[i].flow = k
		t.live++
		t.logger.Debug("adding state",
			slog.Int("slot", i),
			slog.String("proto", k.Proto.String()),
			slog.String("src", k.SrcIP.String()),
			slog.String("dst", k.DstIP.String()),
		)
	}

	t.entries[i].lastSeen = t.now()
	return created, nil
}

// emptyLocked returns the first free slot, or -1 when the table is full.
func (t *Table) emptyLocked() int {
	for i := range t.entries {
		if t.entries[i].empty() {
			return i
		}
	}
	return -1
}

// Cleanup drops states older than MaxStateAge.
func (t *Table) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		if t.entries[i].empty() {
			continue
		}
		seen++
		if t.entries[i].lastSeen.Add(MaxStateAge).Before(now) {
			t.logger.Debug("deleting state", slog.Int("slot", i))
			t.entries[i].flow = frame.Flow{}
			t.live--
		}
	}
}

// StateSnapshot is one tracked flow of a table dump.
type StateSnapshot struct {
	Proto   string `json:"proto"`
	SrcAddr string `json:"src"`
	SrcPort uint16 `json:"sport"`
	DstAddr string `json:"dst"`
	DstPort uint16 `json:"dport"`
	Age     int64  `json:"age"`
}

// Snapshot returns a copy of the tracked flows for serialization. The
// ICMP identifier appears in the destination port slot, as stored.
func (t *Table) Snapshot() []StateSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]StateSnapshot, 0, t.live)
	for i, seen := 0, 0; i < len(t.entries) && seen < t.live; i++ {
		e := &t.entries[i]
		if e.empty() {
			continue
		}
		seen++
		out = append(out, StateSnapshot{
			Proto:   protoName(e.flow.Proto),
			SrcAddr: e.flow.SrcIP.String(),
			SrcPort: e.flow.SrcPort,
			DstAddr: e.flow.DstIP.String(),
			DstPort: e.flow.DstPort,
			Age:     int64(now.Sub(e.lastSeen) / time.Second),
		})
	}
	return out
}

// protoName renders the layer-4 protocol for the dump.
func protoName(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolTCP:
		return "tcp"
	case layers.IPProtocolUDP:
		return "udp"
	case layers.IPProtocolICMPv4:
		return "icmp"
	default:
		return p.String()
	}
}
