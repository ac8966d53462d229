// Package bridge implements the three-port switching core: per-interface
// receive loops, the filter pipeline, and the periodic maintainer that
// turns passively learned addresses into the client and router identities.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/endoor-net/endoor/internal/addrtable"
	"github.com/endoor-net/endoor/internal/frame"
	endoormetrics "github.com/endoor-net/endoor/internal/metrics"
	"github.com/endoor-net/endoor/internal/pcapw"
)

// Snaplen is the receive buffer size; frames larger than this do not
// occur on the supported link types.
const Snaplen = 4096

// readRetryDelay is how long a receive loop backs off after a read error
// before trying again.
const readRetryDelay = 10 * time.Second

// FrameIO is the byte-stream a port reads frames from and writes frames
// to: an AF_PACKET socket, a TUN device, or an in-memory pipe in tests.
type FrameIO interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// RouterValidity tags how the router identity was established.
type RouterValidity int

const (
	// RouterUnknown means no router has been identified yet.
	RouterUnknown RouterValidity = iota
	// RouterLearned means the maintainer picked the router from the
	// address table; it may be replaced by a better candidate.
	RouterLearned
	// RouterPinned means the operator fixed the router address; the
	// maintainer never overrides it.
	RouterPinned
)

// Port is one interface agent: a receive loop, a filter, and references
// to its peer ports. Identity fields are immutable after construction;
// the learned peer identities are guarded by mu.
type Port struct {
	name    string
	io      FrameIO
	off     int
	hw      net.HardwareAddr // nil: port has no L2 identity (tunnel)
	filter  Filter
	out     *Port
	gate    *Port
	addrs   *addrtable.Table
	pcap    *pcapw.Writer
	parser  *frame.Parser
	logger  *slog.Logger
	metrics *endoormetrics.Collector

	mu            sync.Mutex
	hwclient      net.HardwareAddr
	hwclientValid bool
	hwrouter      net.HardwareAddr
	routerValid   RouterValidity
}

// Name returns the interface name.
func (p *Port) Name() string { return p.name }

// AddrTable returns the port's learned address table.
func (p *Port) AddrTable() *addrtable.Table { return p.addrs }

// HWAddr returns the port's own hardware address (nil for the tunnel).
func (p *Port) HWAddr() net.HardwareAddr { return p.hw }

// Client returns the learned client hardware address. The second result
// is false until the maintainer has identified one.
func (p *Port) Client() (net.HardwareAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hwclientValid {
		return nil, false
	}
	return append(net.HardwareAddr(nil), p.hwclient...), true
}

// Router returns the router hardware address and how it was established.
func (p *Port) Router() (net.HardwareAddr, RouterValidity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.routerValid == RouterUnknown {
		return nil, RouterUnknown
	}
	return append(net.HardwareAddr(nil), p.hwrouter...), p.routerValid
}

// PinRouter fixes the router hardware address; the maintainer will not
// replace an operator-pinned router.
func (p *Port) PinRouter(hw net.HardwareAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hwrouter = append(net.HardwareAddr(nil), hw...)
	p.routerValid = RouterPinned
}

// adoptRouter publishes a learned router address unless it is pinned or
// unchanged. Reports whether the address was replaced.
func (p *Port) adoptRouter(hw net.HardwareAddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.routerValid == RouterPinned || bytes.Equal(p.hwrouter, hw) {
		return false
	}
	p.hwrouter = append(net.HardwareAddr(nil), hw...)
	p.routerValid = RouterLearned
	return true
}

// adoptClient configures the tunnel and publishes the client identity.
// The validity flag is re-checked under the lock and set only after the
// tunnel is configured, so observers never see a valid client with an
// unconfigured tunnel. Reports whether the identity was published.
func (p *Port) adoptClient(hw net.HardwareAddr, addr netip.Addr, configure func(netip.Addr) error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hwclientValid {
		return false
	}

	if configure != nil {
		if err := configure(addr); err != nil {
			p.logger.Error("tunnel address configuration failed",
				slog.String("addr", addr.String()),
				slog.String("error", err.Error()),
			)
			return false
		}
	}

	p.hwclient = append(net.HardwareAddr(nil), hw...)
	p.hwclientValid = true
	return true
}

// -------------------------------------------------------------------------
// Receive loop
// -------------------------------------------------------------------------

// Run is the port's receive loop: read a frame, record it, learn its
// source, filter, and forward or divert. Returns when the context is
// cancelled or the descriptor reports EOF.
func (p *Port) Run(ctx context.Context, ready func()) error {
	buf := make([]byte, Snaplen)
	if ready != nil {
		ready()
	}

	for {
		// The offset region is synthesized L2 context and must not leak
		// bytes from the previous frame.
		clear(buf[:p.off])

		n, err := p.io.Read(buf[p.off:])
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				p.logger.Info("descriptor closed, stopping receiver")
				return nil
			}
			p.logger.Error("read failed, retrying soon",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}

		if n == 0 {
			p.logger.Warn("received EOF, stopping receiver")
			return nil
		}

		p.handleFrame(buf[:p.off+n])

		if ctx.Err() != nil {
			return nil
		}
	}
}

// handleFrame runs one frame through the pipeline.
func (p *Port) handleFrame(buf []byte) {
	p.countReceived()

	if err := p.pcap.Save(buf); err != nil {
		p.logger.Error("packet capture failed", slog.String("error", err.Error()))
	}

	if p.learn(buf) == Drop {
		p.countDropped(endoormetrics.ReasonSelf)
		return
	}

	if p.filter.Check(p, buf) == Drop {
		// The filter has already accounted for its drop reason; a port
		// with a gate diverts instead of discarding.
		if p.gate != nil {
			p.logger.Debug("diverting", slog.String("gate", p.gate.name))
			p.gate.writeOut(buf)
			p.countDiverted()
		}
		return
	}

	p.out.writeOut(buf)
	p.countForwarded()
}

// learn records the frame's source addresses in the port's table.
// Frames sourced from the port's own address are dropped: promiscuous
// capture sees locally transmitted frames, and self-learning would
// poison the table. The tunnel has no L2 identity, so nothing it emits
// can ever match.
func (p *Port) learn(buf []byte) Verdict {
	src, err := p.parser.Source(buf)
	if err != nil {
		p.logger.Warn("frame too short", slog.Int("len", len(buf)))
		return Accept
	}

	if p.hw != nil && bytes.Equal(src.HW, p.hw) {
		return Drop
	}

	if err := p.addrs.Update(src.HW, src.Family, src.Addr, src.Flags); err != nil {
		if errors.Is(err, addrtable.ErrTableFull) {
			p.logger.Error("address table full")
			p.countOverflow()
		}
		return Accept
	}
	p.countLearned()

	if name, ok := p.parser.HostName(buf); ok {
		p.addrs.SetName(src.HW, name)
	}

	return Accept
}

// writeOut writes the frame to the port's descriptor, skipping the
// synthesized offset region. Short writes are logged but not retried.
func (p *Port) writeOut(buf []byte) {
	payload := buf[p.off:]

	n, err := p.io.Write(payload)
	if err != nil {
		p.logger.Error("write failed",
			slog.Int("len", len(payload)),
			slog.String("error", err.Error()),
		)
		return
	}

	if n < len(payload) {
		p.logger.Warn("short write",
			slog.Int("wrote", n),
			slog.Int("len", len(payload)),
		)
	}
}

// -------------------------------------------------------------------------
// Metrics helpers (collector is optional)
// -------------------------------------------------------------------------

func (p *Port) countReceived() {
	if p.metrics != nil {
		p.metrics.IncReceived(p.name)
	}
}

func (p *Port) countForwarded() {
	if p.metrics != nil {
		p.metrics.IncForwarded(p.name)
	}
}

func (p *Port) countDiverted() {
	if p.metrics != nil {
		p.metrics.IncDiverted(p.name)
	}
}

func (p *Port) countDropped(reason string) {
	if p.metrics != nil {
		p.metrics.IncDropped(p.name, reason)
	}
}

func (p *Port) countLearned() {
	if p.metrics != nil {
		p.metrics.IncLearned(p.name)
	}
}

func (p *Port) countOverflow() {
	if p.metrics != nil {
		p.metrics.IncOverflow(p.name)
	}
}
