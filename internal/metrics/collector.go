// Package metrics implements the PCP-SDN controller's Prometheus metrics
// surface: a struct of Gauge/Counter vectors registered against an
// injected prometheus.Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "pcpsdn"
	subsystem = "controller"
)

// Label names.
const (
	labelOpcode     = "opcode"
	labelResultCode = "result_code"
	labelReason     = "reason"
	labelDirection  = "direction"
)

// Collector holds every PCP-SDN controller Prometheus metric.
type Collector struct {
	// ActiveMappings tracks the number of currently active NAT mappings.
	ActiveMappings prometheus.Gauge

	// PCPRequests counts PCP requests processed, labeled by opcode and the
	// result code returned (RFC 6887 Section 7.4).
	PCPRequests *prometheus.CounterVec

	// FlowInstalls counts flow entries installed on a forwarder, labeled
	// by direction ("internal_to_external" / "external_to_internal" /
	// "arp_punt" / "pcp_punt" / "mac_rewrite").
	FlowInstalls *prometheus.CounterVec

	// FlowRemovals counts flow entries removed, labeled the same way as
	// FlowInstalls plus a reason ("requested_by_client" /
	// "removed_by_forwarder").
	FlowRemovals *prometheus.CounterVec

	// MappingsExpired counts NAT mappings torn down because the forwarder
	// reported an idle-timeout flow removal.
	MappingsExpired prometheus.Counter

	// AllocationFailures counts external (address, port) allocation
	// failures (NO_RESOURCES), a leading indicator of pool exhaustion.
	AllocationFailures prometheus.Counter

	// ARPBindingsLearned counts distinct (IP, MAC) bindings learned by
	// proxy ARP.
	ARPBindingsLearned prometheus.Counter

	// ARPResolutions counts completed peer MAC resolutions (the ARP
	// reply that lets the controller install MAC-rewrite flow entries).
	ARPResolutions prometheus.Counter

	// ForwarderConnects counts forwarder "features" (session-up) events.
	ForwarderConnects prometheus.Counter

	// ForwarderDisconnects counts forwarder disconnects, each of which
	// drops the in-memory NAT state for that forwarder.
	ForwarderDisconnects prometheus.Counter
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveMappings,
		c.PCPRequests,
		c.FlowInstalls,
		c.FlowRemovals,
		c.MappingsExpired,
		c.AllocationFailures,
		c.ARPBindingsLearned,
		c.ARPResolutions,
		c.ForwarderConnects,
		c.ForwarderDisconnects,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ActiveMappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_mappings",
			Help:      "Number of currently active NAT mappings.",
		}),

		PCPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pcp_requests_total",
			Help:      "Total PCP requests processed, by opcode and result code.",
		}, []string{labelOpcode, labelResultCode}),

		FlowInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flow_installs_total",
			Help:      "Total flow entries installed on the forwarder, by direction.",
		}, []string{labelDirection}),

		FlowRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flow_removals_total",
			Help:      "Total flow entries removed from the forwarder, by direction and reason.",
		}, []string{labelDirection, labelReason}),

		MappingsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mappings_expired_total",
			Help:      "Total NAT mappings torn down by forwarder-reported idle timeout.",
		}),

		AllocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "allocation_failures_total",
			Help:      "Total external (address, port) allocation failures (NO_RESOURCES).",
		}),

		ARPBindingsLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "arp_bindings_learned_total",
			Help:      "Total distinct (IP, MAC) bindings learned by proxy ARP.",
		}),

		ARPResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "arp_resolutions_total",
			Help:      "Total completed peer MAC resolutions triggering MAC-rewrite flow installs.",
		}),

		ForwarderConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarder_connects_total",
			Help:      "Total forwarder features/session-up events.",
		}),

		ForwarderDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarder_disconnects_total",
			Help:      "Total forwarder disconnects.",
		}),
	}
}

// SetActiveMappings sets the active-mappings gauge to n.
func (c *Collector) SetActiveMappings(n int) {
	c.ActiveMappings.Set(float64(n))
}

// RecordPCPRequest increments the PCP request counter for the given opcode
// and result code.
func (c *Collector) RecordPCPRequest(opcode, resultCode string) {
	c.PCPRequests.WithLabelValues(opcode, resultCode).Inc()
}

// RecordFlowInstall increments the flow-install counter for direction.
func (c *Collector) RecordFlowInstall(direction string) {
	c.FlowInstalls.WithLabelValues(direction).Inc()
}

// RecordFlowRemoval increments the flow-removal counter for direction and
// reason.
func (c *Collector) RecordFlowRemoval(direction, reason string) {
	c.FlowRemovals.WithLabelValues(direction, reason).Inc()
}
