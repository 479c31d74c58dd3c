/*
Copyright The SLRP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics collects the prometheus series that cover every
// subsystem: plugin restarts, operation outcomes, status-update
// retries, and volume-state transitions, registered the way the
// teacher registers its liveness gauge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PluginRestarts counts Plugin Supervisor container relaunches (§4.5).
	PluginRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slrp",
		Name:      "plugin_restarts_total",
		Help:      "Number of times the Plugin Supervisor relaunched the CSI plugin container.",
	})

	// OperationsTotal counts completed operations by type and outcome.
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slrp",
		Name:      "operations_total",
		Help:      "Number of operations applied, by type and terminal state.",
	}, []string{"type", "state"})

	// StatusUpdateRetries counts status-update redelivery attempts.
	StatusUpdateRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slrp",
		Name:      "status_update_retries_total",
		Help:      "Number of times an unacknowledged operation status was retransmitted.",
	})

	// VolumeStateTransitions counts volume FSM transitions by target state.
	VolumeStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slrp",
		Name:      "volume_state_transitions_total",
		Help:      "Number of volume state machine transitions, by resulting state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(PluginRestarts, OperationsTotal, StatusUpdateRetries, VolumeStateTransitions)
}

// Serve starts a blocking HTTP server exposing the registered
// collectors at path on addr, matching the teacher's liveness/metrics
// endpoint pattern (internal/liveness.Run).
func Serve(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
