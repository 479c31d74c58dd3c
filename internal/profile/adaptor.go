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

// Package profile implements the Profile Adaptor (§4.6): it polls an
// external profile catalog, maintains the profile-name to
// capability/parameters mapping, and runs storage-pool reconciliation
// against CSI GetCapacity.
package profile

import (
	"context"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"golang.org/x/time/rate"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/log"
)

// Catalog translates a profile name into its capability/parameters,
// the external source of truth §4.6 step 2 polls.
type Catalog interface {
	// Names returns the catalog's current set of profile names.
	Names(ctx context.Context) ([]string, error)
	// Translate resolves name to its capability and CSI parameters.
	Translate(ctx context.Context, name string) (api.VolumeCapability, map[string]string, error)
}

// ClientSource supplies the live CSI client for GetCapacity calls.
type ClientSource interface {
	Client() *csiclient.Client
}

// VersionRefresher emits UPDATE_STATE carrying a freshly minted
// fencing token, implementing §9's race remedy: the provider's own
// version only advances to that token after the UPDATE_STATE has been
// accepted, not before.
type VersionRefresher interface {
	RefreshVersionAndUpdateState(ctx context.Context, resources []api.Resource) error
}

// profileEntry is one known profile's cached translation.
type profileEntry struct {
	Capability api.VolumeCapability
	Parameters map[string]string
}

// Adaptor polls catalog on interval, reconciles storage pools against
// CSI GetCapacity, and serializes reconciliation with operations that
// don't tolerate it (§4.3/§4.6).
type Adaptor struct {
	catalog  Catalog
	csi      ClientSource
	version  VersionRefresher
	interval time.Duration
	limiter  *rate.Limiter

	mu          sync.Mutex
	profiles    map[string]profileEntry
	inFlight    bool
}

// New constructs an Adaptor polling catalog every interval, pacing CSI
// GetCapacity calls through limiter (recommended: one call per
// interval, burst 1).
func New(catalog Catalog, csi ClientSource, version VersionRefresher, interval time.Duration) *Adaptor {
	return &Adaptor{
		catalog:  catalog,
		csi:      csi,
		version:  version,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		profiles: make(map[string]profileEntry),
	}
}

// Run blocks, polling until ctx is done.
func (a *Adaptor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ReconciliationInFlight implements operation.ReconciliationGate: true
// while a reconcile() call is computing and emitting UPDATE_STATE.
func (a *Adaptor) ReconciliationInFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// ProfileExists reports whether name is currently a known profile,
// used by internal/operation to decide whether a DestroyDisk
// conversion should zero its scalar (§4.3).
func (a *Adaptor) ProfileExists(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.profiles[name]
	return ok
}

func (a *Adaptor) poll(ctx context.Context) {
	names, err := a.catalog.Names(ctx)
	if err != nil {
		log.Warningf(ctx, "profile: list catalog: %v", err)
		return
	}
	current := make(map[string]bool, len(names))
	for _, n := range names {
		current[n] = true
	}

	a.mu.Lock()
	for name := range a.profiles {
		if !current[name] {
			delete(a.profiles, name)
			log.Infof(ctx, "profile: %s disappeared", name)
		}
	}
	var toAdd []string
	for _, name := range names {
		if _, ok := a.profiles[name]; !ok {
			toAdd = append(toAdd, name)
		}
	}
	a.mu.Unlock()

	for _, name := range toAdd {
		cap, params, err := a.catalog.Translate(ctx, name)
		if err != nil {
			log.Warningf(ctx, "profile: translate %s: %v (will retry next poll)", name, err)
			continue
		}
		a.mu.Lock()
		a.profiles[name] = profileEntry{Capability: cap, Parameters: params}
		a.mu.Unlock()
	}

	a.reconcile(ctx)
}

// reconcile calls CSI GetCapacity for each known profile and computes
// the storage pools, then hands them to the VersionRefresher, which
// mints the new ResourceVersion for the resulting UPDATE_STATE and
// adopts it once that UPDATE_STATE is accepted (§4.6, §9 remedy b).
func (a *Adaptor) reconcile(ctx context.Context) {
	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	profiles := make(map[string]profileEntry, len(a.profiles))
	for k, v := range a.profiles {
		profiles[k] = v
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()

	client := a.csi.Client()
	if client == nil {
		return
	}
	if !client.Capabilities.ControllerGetCapacity {
		return
	}

	var pools []api.Resource
	for name, entry := range profiles {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		resp, err := client.Controller.GetCapacity(ctx, &csi.GetCapacityRequest{
			VolumeCapabilities: []*csi.VolumeCapability{csiclient.ToVolumeCapability(entry.Capability)},
			Parameters:         entry.Parameters,
		})
		if err != nil {
			log.Warningf(ctx, "profile: GetCapacity %s: %v", name, err)
			continue
		}
		mb := float64(resp.GetAvailableCapacity()) / (1024 * 1024)
		pools = append(pools, api.Resource{
			MB: mb,
			Disk: &api.DiskSource{
				Type:    api.SourceRaw,
				Profile: name,
			},
		})
	}

	if err := a.version.RefreshVersionAndUpdateState(ctx, pools); err != nil {
		log.Errorf(ctx, "profile: reconcile: refresh version / update state: %v", err)
	}
}
