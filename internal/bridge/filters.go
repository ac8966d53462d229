package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"

	"github.com/endoor-net/endoor/internal/frame"
	endoormetrics "github.com/endoor-net/endoor/internal/metrics"
	"github.com/endoor-net/endoor/internal/state"
)

// Verdict is a filter decision.
type Verdict int

const (
	// Accept forwards the frame to the port's out peer.
	Accept Verdict = iota
	// Drop discards the frame, or diverts it to the gate peer when the
	// port has one.
	Drop
)

// Filter is the per-port forwarding policy, selected at port
// construction. Implementations must not retain buf.
type Filter interface {
	// Check decides the frame's fate. It runs on the port's receive
	// goroutine and may use the port's parser.
	Check(p *Port, buf []byte) Verdict
}

// -------------------------------------------------------------------------
// acceptAll — inside port
// -------------------------------------------------------------------------

// acceptAll passes every frame through unchanged. The inside port
// bridges all client traffic to the outside; its real contribution is
// the passive learning that feeds client identification.
type acceptAll struct{}

func (acceptAll) Check(*Port, []byte) Verdict {
	return Accept
}

// -------------------------------------------------------------------------
// outsideIn — outside port: the demultiplexer
// -------------------------------------------------------------------------

// outsideIn claims replies to host-originated flows. A frame matching a
// tracked state (endpoints reversed) is stripped of its Ethernet header
// and diverted into the tunnel; everything else bridges straight through
// to the client.
type outsideIn struct {
	states *state.Table
}

func (f outsideIn) Check(p *Port, buf []byte) Verdict {
	fl, err := p.parser.Flow(buf, frame.Incoming)
	if err != nil {
		// Not a trackable packet; bridge it through.
		return Accept
	}

	if !f.states.Refresh(fl, frame.Incoming) {
		return Accept
	}

	// The tunnel expects a raw IP payload: blank the frame's L2 header
	// up to the gate's read offset before the diversion write.
	clear(buf[:p.gate.off])
	return Drop
}

// -------------------------------------------------------------------------
// tunnelOut — tunnel port: masquerade as the client
// -------------------------------------------------------------------------

// tunnelOut rewrites host-originated packets so the router sees them
// coming from the client: Ethernet source becomes the learned client
// address, destination the learned router, and the flow is inserted
// into the state table so the reply can be claimed on its way back.
type tunnelOut struct {
	states *state.Table
}

func (f tunnelOut) Check(p *Port, buf []byte) Verdict {
	et, err := frame.EtherType(buf)
	if err != nil {
		p.countDropped(endoormetrics.ReasonMalformed)
		return Drop
	}
	if et != layers.EthernetTypeIPv4 {
		p.logger.Info("ethertype not implemented",
			slog.String("ethertype", et.String()),
		)
		p.countDropped(endoormetrics.ReasonUnsupported)
		return Drop
	}

	if p.logger.Enabled(context.Background(), slog.LevelDebug) {
		if hdr, err := ipv4.ParseHeader(buf[frame.EthernetHeaderLen:]); err == nil {
			p.logger.Debug("tunnel packet",
				slog.String("src", hdr.Src.String()),
				slog.String("dst", hdr.Dst.String()),
				slog.Int("len", hdr.TotalLen),
			)
		}
	}

	outside := p.out
	inside := outside.out

	// Client first, router second, never both locks at once.
	client, ok := inside.Client()
	if !ok {
		p.logger.Warn("no valid client address yet",
			slog.String("ifname", inside.name),
		)
		p.countDropped(endoormetrics.ReasonNoPeer)
		return Drop
	}
	copy(frame.SrcMACSlot(buf), client)

	router, validity := outside.Router()
	if validity == RouterUnknown {
		p.logger.Warn("no valid router address yet",
			slog.String("ifname", outside.name),
		)
		p.countDropped(endoormetrics.ReasonNoPeer)
		return Drop
	}
	copy(frame.DstMACSlot(buf), router)

	fl, err := p.parser.Flow(buf, frame.Outgoing)
	if err != nil {
		if errors.Is(err, frame.ErrUnsupported) {
			p.logger.Warn("l4 protocol not supported for state tracking")
			p.countDropped(endoormetrics.ReasonUnsupported)
		} else {
			p.countDropped(endoormetrics.ReasonMalformed)
		}
		return Drop
	}

	created, err := f.states.Track(fl, frame.Outgoing)
	if err != nil {
		p.logger.Error("state table full")
		p.countOverflow()
		p.countDropped(endoormetrics.ReasonTableFull)
		return Drop
	}
	if created && p.metrics != nil {
		p.metrics.IncStatesCreated()
	}

	return Accept
}
