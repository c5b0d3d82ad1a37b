package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/497672776/zenow/pkg/types"
)

var (
	serverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zenow",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "1 for the current status of each mode's llama-server, 0 otherwise",
		},
		[]string{"mode", "status"},
	)

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zenow",
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "llama-server start attempts by result",
		},
		[]string{"mode", "result"},
	)
)

func init() {
	prometheus.MustRegister(serverState, serverStarts)
}

var allStatuses = []types.ServerStatus{
	types.StatusNotStarted, types.StatusStarting, types.StatusRunning, types.StatusError, types.StatusStopped,
}

func observeState(mode types.Mode, status types.ServerStatus) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		serverState.WithLabelValues(string(mode), string(s)).Set(v)
	}
}
