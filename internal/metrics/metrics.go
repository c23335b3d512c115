// Package metrics holds the server's prometheus collectors. Exposition is
// left to the embedding process; collectors register on the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redisd_commands_total",
		Help: "Commands dispatched, by verb.",
	}, []string{"command"})

	ConnectedReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redisd_connected_replicas",
		Help: "Replica writers currently registered.",
	})

	PropagatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redisd_propagated_bytes_total",
		Help: "Raw RESP bytes forwarded to replicas.",
	})
)
