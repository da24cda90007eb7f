// metrics.go - Prometheus instrumentation for queue depth and pending acks.
// Copyright (C) 2022  Nym Technologies SA
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package metrics exports the core's Prometheus gauges: per-lane outbound
// queue depth and the ack controller's pending-entry count. Collectors are
// declared with a Namespace/Subsystem/Help triple and registered once at
// construction rather than lazily.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace and Subsystem name every metric this package registers.
const (
	Namespace = "nymclient"
	Subsystem = "core"
)

// Metrics bundles every gauge the core reports. A nil *Metrics is valid
// everywhere it is accepted; callers that don't want instrumentation simply
// pass nil and every recording method becomes a no-op.
type Metrics struct {
	QueueDepth  *prometheus.GaugeVec
	PendingAcks prometheus.Gauge
	Dropped     *prometheus.CounterVec
}

// New constructs a Metrics bundle with fresh, unregistered collectors.
func New() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "outbound_queue_depth",
				Help:      "Number of packets currently queued per transmission lane.",
			},
			[]string{"lane"},
		),
		PendingAcks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "pending_acks",
				Help:      "Number of fragments awaiting acknowledgement.",
			},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "dropped_total",
				Help:      "Number of packets or messages dropped, by reason.",
			},
			[]string{"reason"},
		),
	}
}

// MustRegister registers every collector in the bundle against reg. Callers
// typically pass prometheus.DefaultRegisterer.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	if m == nil {
		return
	}
	reg.MustRegister(m.QueueDepth, m.PendingAcks, m.Dropped)
}

// SetPendingAcks records the ack controller's current pending-entry count.
func (m *Metrics) SetPendingAcks(n int) {
	if m == nil {
		return
	}
	m.PendingAcks.Set(float64(n))
}

// IncDropped records one dropped item for the given reason (e.g.
// "reassembly_set_evicted", "inbox_buffer_full", "ack_channel_full").
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}
