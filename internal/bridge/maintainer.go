package bridge

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"
)

// MaintainInterval is how often the maintainer sweeps the tables.
const MaintainInterval = 10 * time.Second

// TunnelPrefixLen is the prefix the discovered client address is
// configured with on the tunnel: a single host route.
const TunnelPrefixLen = 32

// TunConfigFunc assigns an IPv4 address to the tunnel device. Production
// wires netio.TunSetIPv4; tests substitute a recorder.
type TunConfigFunc func(ifname string, addr netip.Addr, prefixLen int) error

// Maintainer periodically ages the learned tables and promotes address
// table candidates into the per-port client and router identities.
type Maintainer struct {
	sw        *Switch
	interval  time.Duration
	maxAge    atomic.Int64 // nanoseconds; 0 disables address expiry
	tunConfig TunConfigFunc
	logger    *slog.Logger
}

// NewMaintainer creates a maintainer for sw. maxAge bounds the age of
// learned addresses (0 disables expiry); tunConfig is invoked once the
// client address has been identified.
func NewMaintainer(sw *Switch, maxAge time.Duration, tunConfig TunConfigFunc) *Maintainer {
	m := &Maintainer{
		sw:        sw,
		interval:  MaintainInterval,
		tunConfig: tunConfig,
		logger:    sw.logger,
	}
	m.maxAge.Store(int64(maxAge))
	return m
}

// SetMaxAge changes the address expiry limit; takes effect on the next
// sweep. Used by configuration reload.
func (m *Maintainer) SetMaxAge(maxAge time.Duration) {
	if maxAge < 0 {
		return
	}
	m.maxAge.Store(int64(maxAge))
}

// MaxAge returns the current address expiry limit.
func (m *Maintainer) MaxAge() time.Duration {
	return time.Duration(m.maxAge.Load())
}

// Run wakes every MaintainInterval and sweeps until the context is
// cancelled. ready, if non-nil, is called once before the first sleep
// (startup rendezvous).
func (m *Maintainer) Run(ctx context.Context, ready func()) error {
	if ready != nil {
		ready()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one maintenance pass over all three ports: age the address
// tables, re-evaluate the router, identify the client, and expire
// states. Exported so tests can drive maintenance synchronously.
func (m *Maintainer) Sweep() {
	maxAge := m.MaxAge()
	for _, p := range m.sw.Ports() {
		p.addrs.Cleanup(maxAge)
	}

	m.maintainRouter(m.sw.outside)
	m.maintainClient(m.sw.inside)
	m.sw.states.Cleanup()

	if c := m.sw.metrics; c != nil {
		for _, p := range m.sw.Ports() {
			c.SetAddressTableSize(p.name, p.addrs.Len())
		}
		c.SetStates(m.sw.states.Len())
	}
}

// maintainRouter re-evaluates the router identity from the outside
// port's address table unless the operator pinned it.
func (m *Maintainer) maintainRouter(outside *Port) {
	if _, validity := outside.Router(); validity == RouterPinned {
		return
	}

	hw, ok := outside.addrs.SearchRouter()
	if !ok {
		return
	}

	if outside.adoptRouter(hw) {
		m.logger.Warn("router address changed",
			slog.String("ifname", outside.name),
			slog.String("hwrouter", hw.String()),
		)
	}
}

// maintainClient identifies the client from the inside port's address
// table and programs the tunnel with its IPv4 address. The validity
// flag is published last, after the tunnel is configured, and re-checked
// under the port lock so a concurrent pass cannot publish twice.
func (m *Maintainer) maintainClient(inside *Port) {
	if _, ok := inside.Client(); ok {
		return
	}

	hw, addr, ok := inside.addrs.SearchClient()
	if !ok {
		return
	}

	var configure func(netip.Addr) error
	if m.tunConfig != nil {
		tunName := m.sw.tunnel.name
		configure = func(a netip.Addr) error {
			return m.tunConfig(tunName, a, TunnelPrefixLen)
		}
	}

	if inside.adoptClient(hw, addr, configure) {
		m.logger.Warn("client identified",
			slog.String("ifname", inside.name),
			slog.String("hwclient", hw.String()),
			slog.String("addr", addr.String()),
		)
	}
}
