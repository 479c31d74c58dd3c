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

package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
)

// CurrentVersion implements operation.VersionSource.
func (p *Provider) CurrentVersion() api.ResourceVersion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// RefreshVersionAndUpdateState implements profile.VersionRefresher
// (§4.6/§9 remedy b): pools replaces every RAW, id-less storage-pool
// resource this provider reports; every reservation and managed-volume
// resource this provider already owns is carried forward unchanged.
// The new ResourceVersion is embedded in the UPDATE_STATE call and
// sent BEFORE p.version itself advances, so a concurrently-arriving
// APPLY_OPERATION can never be fenced against a version the agent
// hasn't received yet — the HTTP 202 Client.Send blocks for is the
// "acknowledgement" this ordering depends on.
func (p *Provider) RefreshVersionAndUpdateState(ctx context.Context, pools []api.Resource) error {
	var sendErr error
	p.enqueue(ctx, func(ctx context.Context) {
		p.mu.Lock()
		kept := make([]api.Resource, 0, len(p.resources))
		for _, r := range p.resources {
			if r.Classify() != api.KindStoragePool {
				kept = append(kept, r)
			}
		}
		next := append(kept, pools...)
		providerID := p.info.ID
		p.mu.Unlock()

		newVersion := api.ResourceVersion(uuid.NewString())
		call := &api.Call{
			Type:               api.CallUpdateState,
			ResourceProviderID: providerID,
			UpdateState: &api.CallUpdateStateData{
				Resources:       next,
				ResourceVersion: newVersion,
			},
		}
		if err := p.client.Send(ctx, call); err != nil {
			sendErr = fmt.Errorf("provider: refresh version: send update_state: %w", err)
			return
		}

		p.mu.Lock()
		p.resources = next
		p.version = newVersion
		p.mu.Unlock()
		log.Infof(ctx, "provider: resource version refreshed to %s (%d resources)", newVersion, len(next))
	})
	return sendErr
}

// applyConversion folds a finished operation's ResourceConversion into
// the owned resource set (consumed resources removed, converted
// resources added) and emits the resulting UPDATE_STATE under the same
// version already carried by the operation that produced it — this is
// not a unilateral change (§9), so it does not mint a fresh
// ResourceVersion the way reconciliation does.
func (p *Provider) applyConversion(ctx context.Context, conv *api.ResourceConversion) {
	p.enqueue(ctx, func(ctx context.Context) {
		p.mu.Lock()
		next := make([]api.Resource, 0, len(p.resources))
		for _, r := range p.resources {
			if !containsResource(conv.Consumed, r) {
				next = append(next, r)
			}
		}
		next = append(next, conv.Converted...)
		p.resources = next
		providerID := p.info.ID
		version := p.version
		p.mu.Unlock()

		call := &api.Call{
			Type:               api.CallUpdateState,
			ResourceProviderID: providerID,
			UpdateState: &api.CallUpdateStateData{
				Resources:       next,
				ResourceVersion: version,
			},
		}
		if err := p.client.Send(ctx, call); err != nil {
			log.Errorf(ctx, "provider: send update_state after conversion: %v", err)
		}
	})
}

func containsResource(set []api.Resource, r api.Resource) bool {
	for _, s := range set {
		if resourceKey(s) == resourceKey(r) {
			return true
		}
	}
	return false
}

// resourceKey identifies a Resource for set membership the way the
// conversion bookkeeping needs: disk id when present, else the
// pool-identifying (type, profile) pair.
func resourceKey(r api.Resource) string {
	if r.Disk == nil {
		return fmt.Sprintf("%v:%g", r.ProviderID, r.MB)
	}
	if r.Disk.ID != "" {
		return r.Disk.ID
	}
	return fmt.Sprintf("%s/%s", r.Disk.Type, r.Disk.Profile)
}
