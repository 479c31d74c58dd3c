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

// Package config parses the provider process's flags into a Config,
// mirroring the flag-struct-then-validate shape of the teacher's
// cmd/cephcsi.go.
package config

import (
	"flag"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Config holds every flag the provider process accepts.
type Config struct {
	// Endpoint is the RPM's own HTTP listen address.
	Endpoint string
	// WorkDir roots every on-disk store: volumes/, operations/,
	// registrar/.
	WorkDir string
	// AgentURL is parsed but not used: the provider's rpmhttp.Client
	// subscribes against Endpoint, the RPM this process hosts itself.
	AgentURL string
	// ProviderType and ProviderName identify this provider instance
	// (§3); both are immutable once admitted.
	ProviderType string
	ProviderName string

	// PluginImage and PluginCommand describe the CSI plugin container
	// the Plugin Supervisor launches.
	PluginImage   string
	PluginCommand string
	// PluginEndpointDir is the host directory bind-mounted into the
	// plugin container, where its CSI unix socket appears.
	PluginEndpointDir string
	// SocketWait bounds how long the Plugin Supervisor waits for the
	// plugin's socket to appear after each launch.
	SocketWait time.Duration

	// PollInterval paces both the disk-profile catalog poll and the
	// CSI GetCapacity calls it drives (§4.6).
	PollInterval time.Duration
	// ProfileCatalogURI is the disk profile catalog document the
	// Profile Adaptor polls, an http(s):// or file:// URL (§4.6),
	// mirroring the original's UriDiskProfileAdaptor module flag.
	ProfileCatalogURI string

	// MetricsPort and MetricsPath expose the Prometheus/CSI metrics
	// endpoint, mirroring the teacher's metricsport/metricspath flags.
	MetricsPort int
	MetricsPath string

	// CSIMinBackoff and CSIMaxBackoff are parsed but nothing reads
	// them: csiclient.Retry always uses a 500ms initial and 30s maximum
	// interval.
	CSIMinBackoff time.Duration
	CSIMaxBackoff time.Duration

	Version bool
}

const driverVersion = "0.1.0"

// Parse parses os.Args (via the flag package's default FlagSet) into a
// Config, wiring klog's own flags the way cmd/cephcsi.go does.
func Parse() (*Config, error) {
	var c Config

	flag.StringVar(&c.Endpoint, "endpoint", "http://localhost:8080/api/v1/resource_provider",
		"HTTP endpoint the provider listens on for agent calls")
	flag.StringVar(&c.WorkDir, "work-dir", "/var/lib/mesos/slrp",
		"directory the provider persists volume, operation, and registrar state under")
	flag.StringVar(&c.AgentURL, "agent-url", "http://localhost:5051/api/v1/resource_provider",
		"the Mesos agent's resource-provider endpoint")
	flag.StringVar(&c.ProviderType, "provider-type", "org.apache.mesos.rp.local.storage",
		"resource provider type")
	flag.StringVar(&c.ProviderName, "provider-name", "", "resource provider name")

	flag.StringVar(&c.PluginImage, "plugin-image", "", "container image of the CSI plugin")
	flag.StringVar(&c.PluginCommand, "plugin-command", "", "command run inside the CSI plugin container")
	flag.StringVar(&c.PluginEndpointDir, "plugin-endpoint-dir", "/var/lib/mesos/slrp/plugin",
		"host directory bind-mounted into the plugin container for its CSI socket")
	flag.DurationVar(&c.SocketWait, "plugin-socket-wait", time.Minute,
		"how long to wait for the CSI plugin's socket to appear after launch")

	flag.DurationVar(&c.PollInterval, "poll-interval", 30*time.Second,
		"interval between disk-profile catalog polls and GetCapacity reconciliation")
	flag.StringVar(&c.ProfileCatalogURI, "profile-catalog-uri", "",
		"http(s):// or file:// URI of the disk profile catalog document")

	flag.IntVar(&c.MetricsPort, "metrics-port", 9090, "TCP port for the metrics endpoint")
	flag.StringVar(&c.MetricsPath, "metrics-path", "/metrics", "path of the Prometheus endpoint")

	flag.DurationVar(&c.CSIMinBackoff, "csi-min-backoff", 500*time.Millisecond,
		"parsed but not applied; retried CSI calls always start at 500ms")
	flag.DurationVar(&c.CSIMaxBackoff, "csi-max-backoff", 30*time.Second,
		"parsed but not applied; retried CSI calls always cap at 30s")

	flag.BoolVar(&c.Version, "version", false, "print version information and exit")

	klog.InitFlags(nil)
	if err := flag.Set("logtostderr", "true"); err != nil {
		return nil, fmt.Errorf("config: set logtostderr: %w", err)
	}
	flag.Parse()

	return &c, nil
}

// Validate checks that the flags required to actually run the
// provider (as opposed to --version) are present.
func (c *Config) Validate() error {
	if c.ProviderName == "" {
		return fmt.Errorf("config: --provider-name is required")
	}
	if c.PluginImage == "" {
		return fmt.Errorf("config: --plugin-image is required")
	}
	return nil
}

// DriverVersion returns the provider's own version string, mirroring
// the teacher's util.DriverVersion.
func DriverVersion() string { return driverVersion }
