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

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/rpmhttp"
)

// dispatchEvents demuxes the subscribed Event stream until it ends.
// Each event is handled on its own goroutine except SUBSCRIBED and
// ACKNOWLEDGE_OPERATION_STATUS, which are cheap enough to handle
// inline without risking reordering the stream read.
func (p *Provider) dispatchEvents(ctx context.Context, events *rpmhttp.Events) {
	for {
		ev, err := events.Next()
		if err != nil {
			if ctx.Err() == nil {
				log.Warningf(ctx, "provider: event stream ended: %v", err)
			}
			return
		}

		switch ev.Type {
		case api.EventSubscribed:
			if ev.Subscribed != nil {
				p.mu.Lock()
				p.info.ID = ev.Subscribed.ResourceProviderID
				p.mu.Unlock()
				log.Infof(ctx, "provider: subscribed as %s", ev.Subscribed.ResourceProviderID)
			}
		case api.EventApplyOperation:
			if ev.ApplyOperation != nil {
				go p.handleApplyOperation(ctx, ev.ApplyOperation)
			}
		case api.EventPublishResources:
			if ev.PublishResources != nil {
				go p.handlePublishResources(ctx, ev.PublishResources)
			}
		case api.EventAcknowledgeOperationStatus:
			if ev.AcknowledgeOperationStatus != nil {
				p.status.Ack(ev.AcknowledgeOperationStatus.OperationUUID, ev.AcknowledgeOperationStatus.StatusUUID)
			}
		case api.EventReconcileOperations:
			if ev.ReconcileOperations != nil {
				go p.handleReconcileOperations(ctx, ev.ReconcileOperations.OperationUUIDs)
			}
		default:
			log.Warningf(ctx, "provider: unrecognized event type %q", ev.Type)
		}
	}
}

// handleApplyOperation runs the Operation Pipeline and, on success,
// folds the resulting conversion into the owned resource set.
func (p *Provider) handleApplyOperation(ctx context.Context, data *api.EventApplyOperationData) {
	p.mu.Lock()
	providerID := p.info.ID
	p.mu.Unlock()

	op := api.Operation{
		UUID:               data.OperationUUID,
		FrameworkID:        data.FrameworkID,
		ResourceProviderID: providerID,
		Info:               data.Info,
	}
	conv, err := p.pipeline.Apply(ctx, op, data.ResourceVersionUUID)
	if err != nil {
		log.Warningf(ctx, "provider: apply operation %s: %v", data.OperationUUID, err)
		return
	}
	p.applyConversion(ctx, conv)
}

// handlePublishResources drives NODE_PUBLISH for every managed volume
// named in data.Resources via the Volume Manager, using the capability
// and parameters CreateDisk persisted, then acknowledges the whole
// batch OK only if every volume published cleanly (§4.1 fan-in
// assumes one ack per UUID, not per resource).
func (p *Provider) handlePublishResources(ctx context.Context, data *api.EventPublishResourcesData) {
	status := api.PublishOK
	for _, r := range data.Resources {
		if r.Disk == nil || r.Disk.ID == "" {
			continue
		}
		vs, ok := p.volumes.Lookup(r.Disk.ID)
		if !ok {
			log.Warningf(ctx, "provider: publish %s: unknown volume", r.Disk.ID)
			status = api.PublishFailed
			continue
		}
		if _, err := p.volumes.Publish(ctx, r.Disk.ID, vs.Capability, vs.Parameters, vs.VolumeAttributes, vs.NodePublishRequired); err != nil {
			log.Warningf(ctx, "provider: publish %s: %v", r.Disk.ID, err)
			status = api.PublishFailed
		}
	}

	p.mu.Lock()
	providerID := p.info.ID
	p.mu.Unlock()
	call := &api.Call{
		Type:               api.CallUpdatePublishResourcesStatus,
		ResourceProviderID: providerID,
		UpdatePublishResourcesStatus: &api.CallUpdatePublishResourcesStatusData{
			UUID:   data.UUID,
			Status: status,
		},
	}
	if err := p.client.Send(ctx, call); err != nil {
		log.Errorf(ctx, "provider: send update_publish_resources_status: %v", err)
	}
}

// handleReconcileOperations answers a RECONCILE_OPERATIONS event by
// redelivering each uuid's latest known status (or a synthesized
// OPERATION_DROPPED for an unknown one) through the normal
// Status-Update Manager retry path (§4.4 scenario: reconcile against
// an unknown operation).
func (p *Provider) handleReconcileOperations(ctx context.Context, uuids []string) {
	statuses := p.status.Reconcile(uuids)
	for operationUUID, status := range statuses {
		p.status.Send(ctx, operationUUID, status)
	}
}
