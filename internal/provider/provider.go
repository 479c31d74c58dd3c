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

// Package provider wires every subsystem into the top-level actor of
// §5: one mailbox goroutine serializing UPDATE_STATE emission,
// ResourceVersion refresh, and the event-dispatch loop that demuxes
// APPLY_OPERATION/PUBLISH_RESOURCES/RECONCILE_OPERATIONS/
// ACKNOWLEDGE_OPERATION_STATUS off a subscribed rpmhttp.Client.
package provider

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/config"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/operation"
	"github.com/mesos/storage-local-resource-provider/internal/profile"
	"github.com/mesos/storage-local-resource-provider/internal/registrar"
	"github.com/mesos/storage-local-resource-provider/internal/rpmhttp"
	"github.com/mesos/storage-local-resource-provider/internal/statusupdate"
	"github.com/mesos/storage-local-resource-provider/internal/supervisor"
	"github.com/mesos/storage-local-resource-provider/internal/volume"
)

// Provider owns one instance of every subsystem and is the Backend the
// rpmhttp.Server dispatches admitted calls to, the Transport the
// Status-Update Manager delivers through, the VersionSource the
// Operation Pipeline fences against, and the VersionRefresher the
// Profile Adaptor drives after reconciliation.
type Provider struct {
	cfg *config.Config

	registrar  *registrar.Registrar
	volumes    *volume.Manager
	pipeline   *operation.Pipeline
	status     *statusupdate.Manager
	adaptor    *profile.Adaptor
	supervisor *supervisor.Supervisor

	server *rpmhttp.Server
	client *rpmhttp.Client

	mailbox chan func(context.Context)

	mu        sync.Mutex
	info      api.ResourceProviderInfo
	version   api.ResourceVersion
	resources []api.Resource // every RAW pool, reservation, and managed volume currently owned
}

// Catalog is satisfied by whatever profile source internal/provider is
// told to poll; internal/profile.Catalog is the interface it must
// implement, kept here only to spell out New's parameter without an
// import cycle.
type Catalog = profile.Catalog

// New constructs a Provider wired per cfg. runner launches the CSI
// plugin container; catalog resolves disk profile names.
func New(cfg *config.Config, runner supervisor.ContainerRunner, plugin api.ContainerSpec, catalog Catalog) *Provider {
	p := &Provider{
		cfg:     cfg,
		mailbox: make(chan func(context.Context), 64),
		info: api.ResourceProviderInfo{
			Type:    cfg.ProviderType,
			Name:    cfg.ProviderName,
			Storage: api.PluginInfo{Type: cfg.ProviderType, Name: cfg.ProviderName, Containers: []api.ContainerSpec{plugin}},
		},
	}

	p.registrar = registrar.New(filepath.Join(cfg.WorkDir, "registrar"))
	p.status = statusupdate.New(filepath.Join(cfg.WorkDir, "operations"), p)
	p.supervisor = supervisor.New(runner, plugin, cfg.PluginEndpointDir, "csi.sock")
	p.supervisor.SetSocketWait(cfg.SocketWait)
	p.volumes = volume.NewManager(filepath.Join(cfg.WorkDir, "volumes"), bootID(), p.supervisor)
	p.adaptor = profile.New(catalog, p.supervisor, p, cfg.PollInterval)
	p.pipeline = operation.New(p.volumes, p.status, p, p.adaptor)
	p.server = rpmhttp.NewServer(p)
	p.client = rpmhttp.NewClient(cfg.Endpoint)

	return p
}

// bootID identifies this process incarnation for the §4.2 reboot
// demotion rule; a fresh uuid per process start is indistinguishable
// from a host reboot from the volume FSM's point of view, which is the
// conservative (never-wrongly-skip-demotion) choice.
func bootID() string {
	return uuid.NewString()
}

// Server exposes the RPM's HTTP handler for cmd/slrp to mount behind a
// real net/http.Server listener.
func (p *Provider) Server() *rpmhttp.Server {
	return p.server
}

// Recover rebuilds every subsystem's durable state from cfg.WorkDir,
// run once before Run.
func (p *Provider) Recover(ctx context.Context) error {
	if err := p.registrar.Recover(ctx); err != nil {
		return fmt.Errorf("provider: recover registrar: %w", err)
	}
	if err := p.status.Recover(ctx); err != nil {
		return fmt.Errorf("provider: recover status-update manager: %w", err)
	}
	if err := p.volumes.Recover(ctx); err != nil {
		return fmt.Errorf("provider: recover volume manager: %w", err)
	}
	return nil
}

// Run starts the plugin supervisor, the profile adaptor, the
// subscribe/dispatch loop, and the mailbox, blocking until ctx is
// done.
func (p *Provider) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.supervisor.Start(ctx); err != nil && ctx.Err() == nil {
			log.Errorf(ctx, "provider: supervisor exited: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.adaptor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runMailbox(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.subscribeLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *Provider) runMailbox(ctx context.Context) {
	for {
		select {
		case fn := <-p.mailbox:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue runs fn on the mailbox goroutine, serializing it against
// every other UPDATE_STATE emission / version refresh, and blocks
// until fn has run or ctx ends.
func (p *Provider) enqueue(ctx context.Context, fn func(context.Context)) {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case p.mailbox <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// subscribeLoop dials the RPM server this same process hosts, then
// reads events until the connection ends, reconnecting with a fixed
// backoff (the agent-facing half of the Client/Server split documented
// in DESIGN.md).
func (p *Provider) subscribeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		info := p.info
		p.mu.Unlock()

		events, err := p.client.Subscribe(ctx, info)
		if err != nil {
			log.Warningf(ctx, "provider: subscribe: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.dispatchEvents(ctx, events)
		events.Close()

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// WaitPluginReady blocks the caller until a CSI client is installed or
// timeout elapses.
func (p *Provider) WaitPluginReady(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if p.supervisor.Client() != nil {
		return true
	}
	select {
	case <-p.supervisor.Ready():
		return true
	case <-ctx.Done():
		return false
	}
}
