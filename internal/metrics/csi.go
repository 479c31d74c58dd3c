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

package metrics

import (
	"net/http"

	csimetrics "github.com/kubernetes-csi/csi-lib-utils/metrics"
)

// ServeWithCSI starts a blocking HTTP server exposing both the
// provider's own collectors and csiMetrics' CSI call duration/count
// series on the same mux, the way the teacher's internal/liveness.Run
// shares one metrics endpoint between the liveness gauge and the CSI
// metrics manager. RegisterToServer mounts path itself, so the
// provider's own collectors must already be on the default registry
// (see init in metrics.go) for csiMetrics' handler to pick them up.
func ServeWithCSI(addr, path string, csiMetrics csimetrics.CSIMetricsManager) error {
	mux := http.NewServeMux()
	csiMetrics.RegisterToServer(mux, path)
	return http.ListenAndServe(addr, mux)
}
