package bridge

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/endoor-net/endoor/internal/addrtable"
	"github.com/endoor-net/endoor/internal/frame"
	endoormetrics "github.com/endoor-net/endoor/internal/metrics"
	"github.com/endoor-net/endoor/internal/pcapw"
	"github.com/endoor-net/endoor/internal/state"
)

// PortConfig describes one interface handed to the switch.
type PortConfig struct {
	// Name is the interface name (for logs, dumps, and metrics).
	Name string
	// IO is the frame descriptor. A nil IO creates the port without a
	// receive loop; its tables and peer slots still participate.
	IO FrameIO
	// HW is the interface's own hardware address; nil for the tunnel,
	// which has no L2 identity of its own.
	HW net.HardwareAddr
	// Off is the number of zero bytes synthesized in front of each read.
	Off int
	// Capture enables recording this port's frames to the shared pcap
	// writer.
	Capture bool
}

// Config wires a Switch.
type Config struct {
	Outside PortConfig
	Inside  PortConfig
	Tunnel  PortConfig

	// MACTableSize is the per-port address table capacity (outer level
	// and per-MAC inner level alike).
	MACTableSize int
	// StateTableSize is the shared connection state table capacity.
	StateTableSize int

	// Pcap is the optional shared capture writer.
	Pcap *pcapw.Writer
	// Metrics is the optional Prometheus collector.
	Metrics *endoormetrics.Collector
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now; tests override it.
	Clock func() time.Time
}

// Switch owns the three ports and the shared state table. The ports
// reference one another in a fixed cycle: outside bridges to inside and
// diverts to the tunnel, inside bridges to outside, and the tunnel
// masquerades out through the outside interface.
type Switch struct {
	outside *Port
	inside  *Port
	tunnel  *Port
	states  *state.Table

	logger  *slog.Logger
	metrics *endoormetrics.Collector

	closeOnce sync.Once
	closeErr  error
}

// New builds the port graph. No goroutines start until Run.
func New(cfg Config) *Switch {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.MACTableSize < 1 {
		cfg.MACTableSize = 1
	}
	if cfg.StateTableSize < 1 {
		cfg.StateTableSize = 1
	}

	states := state.New(cfg.StateTableSize,
		state.WithClock(clock),
		state.WithLogger(logger),
	)

	s := &Switch{
		states:  states,
		logger:  logger,
		metrics: cfg.Metrics,
	}

	s.outside = s.newPort(cfg, cfg.Outside, outsideIn{states: states}, clock)
	s.inside = s.newPort(cfg, cfg.Inside, acceptAll{}, clock)
	s.tunnel = s.newPort(cfg, cfg.Tunnel, tunnelOut{states: states}, clock)

	// The port cycle: outside.out=inside, outside.gate=tunnel,
	// inside.out=outside, tunnel.out=outside.
	s.outside.out = s.inside
	s.outside.gate = s.tunnel
	s.inside.out = s.outside
	s.tunnel.out = s.outside

	return s
}

// newPort constructs one port with its own address table and parser.
func (s *Switch) newPort(cfg Config, pc PortConfig, filter Filter, clock func() time.Time) *Port {
	logger := s.logger.With(slog.String("ifname", pc.Name))

	var pcap *pcapw.Writer
	if pc.Capture {
		pcap = cfg.Pcap
	}

	return &Port{
		name:   pc.Name,
		io:     pc.IO,
		off:    pc.Off,
		hw:     pc.HW,
		filter: filter,
		addrs: addrtable.NewTable(cfg.MACTableSize, cfg.MACTableSize,
			addrtable.WithClock(clock),
			addrtable.WithLogger(logger),
		),
		pcap:    pcap,
		parser:  frame.NewParser(),
		logger:  logger,
		metrics: s.metrics,
	}
}

// Outside returns the router-facing port.
func (s *Switch) Outside() *Port { return s.outside }

// Inside returns the client-facing port.
func (s *Switch) Inside() *Port { return s.inside }

// Tunnel returns the tunnel port.
func (s *Switch) Tunnel() *Port { return s.tunnel }

// States returns the shared connection state table.
func (s *Switch) States() *state.Table { return s.states }

// Ports returns the three ports in outside, inside, tunnel order.
func (s *Switch) Ports() []*Port {
	return []*Port{s.outside, s.inside, s.tunnel}
}

// Run starts the receive loops and blocks until all of them return.
// ready, if non-nil, is called once every started loop has entered its
// steady state — the startup rendezvous that keeps operator queries from
// racing uninitialized ports.
func (s *Switch) Run(ctx context.Context, ready func()) error {
	g, gCtx := errgroup.WithContext(ctx)

	var wg sync.WaitGroup
	for _, p := range s.Ports() {
		if p.io == nil {
			s.logger.Info("port has no descriptor, receiver disabled",
				slog.String("ifname", p.name),
			)
			continue
		}

		p := p
		wg.Add(1)
		g.Go(func() error {
			return p.Run(gCtx, wg.Done)
		})
	}

	if ready != nil {
		go func() {
			wg.Wait()
			ready()
		}()
	}

	return g.Wait()
}

// Close releases every port descriptor, unblocking pending reads.
// Safe to call more than once.
func (s *Switch) Close() error {
	s.closeOnce.Do(func() {
		for _, p := range s.Ports() {
			if p.io == nil {
				continue
			}
			if err := p.io.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// -------------------------------------------------------------------------
// Snapshots — the status API view
// -------------------------------------------------------------------------

// IfaceSnapshot is the per-interface record of the address table dump.
type IfaceSnapshot struct {
	Ifname    string                   `json:"ifname"`
	Gate      string                   `json:"gate"`
	HWAddr    string                   `json:"hwaddr"`
	HWClient  string                   `json:"hwclient"`
	HWRouter  string                   `json:"hwrouter"`
	Addresses []addrtable.AddrSnapshot `json:"addresses"`
}

// Snapshot captures all three ports for serialization.
func (s *Switch) Snapshot() []IfaceSnapshot {
	out := make([]IfaceSnapshot, 0, 3)
	for _, p := range s.Ports() {
		out = append(out, p.snapshot())
	}
	return out
}

// snapshot captures one port.
func (p *Port) snapshot() IfaceSnapshot {
	snap := IfaceSnapshot{
		Ifname:    p.name,
		Addresses: p.addrs.Snapshot(),
	}
	if p.gate != nil {
		snap.Gate = p.gate.name
	}
	if p.hw != nil {
		snap.HWAddr = p.hw.String()
	}

	p.mu.Lock()
	if p.hwclientValid {
		snap.HWClient = p.hwclient.String()
	}
	if p.routerValid != RouterUnknown {
		snap.HWRouter = p.hwrouter.String()
	}
	p.mu.Unlock()

	return snap
}
