// Package endoormetrics exposes Prometheus metrics for the bridge.
package endoormetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "endoor"
	subsystem = "bridge"
)

// Label names for bridge metrics.
const (
	labelIfname = "ifname"
	labelReason = "reason"
)

// Drop reasons for FramesDropped.
const (
	ReasonSelf        = "self"
	ReasonNoPeer      = "no_peer"
	ReasonUnsupported = "unsupported"
	ReasonMalformed   = "malformed"
	ReasonTableFull   = "table_full"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Bridge Metrics
// -------------------------------------------------------------------------

// Collector holds all bridge Prometheus metrics.
//
// Per-interface counters track the frame pipeline (received, forwarded,
// diverted, dropped) and the passive learner; gauges track the live
// sizes of the learned tables.
type Collector struct {
	// FramesReceived counts frames read per interface.
	FramesReceived *prometheus.CounterVec

	// FramesForwarded counts frames written to the out port per interface.
	FramesForwarded *prometheus.CounterVec

	// FramesDiverted counts frames stolen into the gate (tunnel) per
	// interface.
	FramesDiverted *prometheus.CounterVec

	// FramesDropped counts discarded frames per interface, labeled with
	// the drop reason.
	FramesDropped *prometheus.CounterVec

	// AddressesLearned counts address table updates per interface.
	AddressesLearned *prometheus.CounterVec

	// AddressTableSize tracks live outer entries per interface.
	AddressTableSize *prometheus.GaugeVec

	// StatesTracked tracks live connection states.
	StatesTracked prometheus.Gauge

	// StatesCreated counts state insertions.
	StatesCreated prometheus.Counter

	// TableOverflows counts capacity-exhausted updates per interface,
	// covering both the address and the state tables.
	TableOverflows *prometheus.CounterVec
}

// NewCollector creates a Collector with all bridge metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "endoor_bridge_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesReceived,
		c.FramesForwarded,
		c.FramesDiverted,
		c.FramesDropped,
		c.AddressesLearned,
		c.AddressTableSize,
		c.StatesTracked,
		c.StatesCreated,
		c.TableOverflows,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	ifLabels := []string{labelIfname}
	dropLabels := []string{labelIfname, labelReason}

	return &Collector{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total frames read from each interface.",
		}, ifLabels),

		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_forwarded_total",
			Help:      "Total frames bridged to the out interface.",
		}, ifLabels),

		FramesDiverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_diverted_total",
			Help:      "Total frames diverted into the tunnel.",
		}, ifLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames discarded, by reason.",
		}, dropLabels),

		AddressesLearned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "addresses_learned_total",
			Help:      "Total passive address table updates.",
		}, ifLabels),

		AddressTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "address_table_entries",
			Help:      "Live MAC entries in the per-interface address table.",
		}, ifLabels),

		StatesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "states",
			Help:      "Live entries in the connection state table.",
		}),

		StatesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "states_created_total",
			Help:      "Total connection states inserted.",
		}),

		TableOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "table_overflows_total",
			Help:      "Total updates rejected because a table was full.",
		}, ifLabels),
	}
}

// -------------------------------------------------------------------------
// Frame Pipeline
// -------------------------------------------------------------------------

// IncReceived increments the received counter for ifname.
func (c *Collector) IncReceived(ifname string) {
	c.FramesReceived.WithLabelValues(ifname).Inc()
}

// IncForwarded increments the forwarded counter for ifname.
func (c *Collector) IncForwarded(ifname string) {
	c.FramesForwarded.WithLabelValues(ifname).Inc()
}

// IncDiverted increments the diverted counter for ifname.
func (c *Collector) IncDiverted(ifname string) {
	c.FramesDiverted.WithLabelValues(ifname).Inc()
}

// IncDropped increments the dropped counter for ifname with a reason.
func (c *Collector) IncDropped(ifname, reason string) {
	c.FramesDropped.WithLabelValues(ifname, reason).Inc()
}

// -------------------------------------------------------------------------
// Tables
// -------------------------------------------------------------------------

// IncLearned increments the address-learned counter for ifname.
func (c *Collector) IncLearned(ifname string) {
	c.AddressesLearned.WithLabelValues(ifname).Inc()
}

// SetAddressTableSize records the live outer entry count for ifname.
func (c *Collector) SetAddressTableSize(ifname string, n int) {
	c.AddressTableSize.WithLabelValues(ifname).Set(float64(n))
}

// SetStates records the live state count.
func (c *Collector) SetStates(n int) {
	c.StatesTracked.Set(float64(n))
}

// IncStatesCreated counts one state insertion.
func (c *Collector) IncStatesCreated() {
	c.StatesCreated.Inc()
}

// IncOverflow counts one capacity-exhausted update for ifname.
func (c *Collector) IncOverflow(ifname string) {
	c.TableOverflows.WithLabelValues(ifname).Inc()
}
