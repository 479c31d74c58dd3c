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

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/config"
	"github.com/mesos/storage-local-resource-provider/internal/metrics"
	"github.com/mesos/storage-local-resource-provider/internal/profile"
	"github.com/mesos/storage-local-resource-provider/internal/provider"
	"github.com/mesos/storage-local-resource-provider/internal/supervisor"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		klog.Fatalf("slrp: parse flags: %v", err)
	}

	if cfg.Version {
		fmt.Println("SLRP Version:", config.DriverVersion())
		fmt.Println("Go Version:", runtime.Version())
		fmt.Println("Compiler:", runtime.Compiler)
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("slrp: %v", err)
	}

	klog.V(1).Infof("slrp: starting provider %q (%s), driver version %s", cfg.ProviderName, cfg.ProviderType, config.DriverVersion())

	runner, err := supervisor.NewDockerRunner(cfg.PluginEndpointDir)
	if err != nil {
		klog.Fatalf("slrp: new docker runner: %v", err)
	}

	plugin := api.ContainerSpec{
		Image:   cfg.PluginImage,
		Command: cfg.PluginCommand,
		Services: []api.Service{
			api.ControllerService,
			api.NodeService,
		},
	}

	var catalog profile.Catalog
	if cfg.ProfileCatalogURI != "" {
		catalog = profile.NewURICatalog(cfg.ProfileCatalogURI)
	} else {
		catalog = emptyCatalog{}
	}

	p := provider.New(cfg, runner, plugin, catalog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Recover(ctx); err != nil {
		klog.Fatalf("slrp: recover: %v", err)
	}

	listenAddr, err := endpointAddr(cfg.Endpoint)
	if err != nil {
		klog.Fatalf("slrp: %v", err)
	}
	httpServer := &http.Server{Addr: listenAddr, Handler: p.Server()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("slrp: rpm http server: %v", err)
		}
	}()

	go func() {
		if err := metrics.Serve(fmt.Sprintf(":%d", cfg.MetricsPort), cfg.MetricsPath); err != nil && err != http.ErrServerClosed {
			klog.Errorf("slrp: metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		klog.V(1).Infof("slrp: received shutdown signal")
		cancel()
	}()

	runErr := p.Run(ctx)
	_ = httpServer.Close()
	if runErr != nil && runErr != context.Canceled {
		klog.Errorf("slrp: run: %v", runErr)
	}
}

// endpointAddr extracts the listen address (host:port) from the
// endpoint URL cfg.Endpoint carries, since net/http.Server.Addr takes
// a bare address, not a full URL.
func endpointAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse --endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("--endpoint %q has no host:port component", endpoint)
	}
	return u.Host, nil
}

// emptyCatalog is the Catalog used when no --profile-catalog-uri is
// configured: no storage-pool profiles exist, so only RESERVE/CREATE/
// DESTROY and pre-existing-volume operations are available.
type emptyCatalog struct{}

func (emptyCatalog) Names(ctx context.Context) ([]string, error) { return nil, nil }

func (emptyCatalog) Translate(ctx context.Context, name string) (api.VolumeCapability, map[string]string, error) {
	return api.VolumeCapability{}, nil, fmt.Errorf("slrp: no profile catalog configured")
}
