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
)

// Admit implements rpmhttp.Backend: every SUBSCRIBE is admitted
// through the durable Registrar (§4.1/§4.7), and a first-time admit's
// assigned id becomes this process's own identity.
func (p *Provider) Admit(ctx context.Context, info api.ResourceProviderInfo) (api.ResourceProviderInfo, error) {
	admitted, err := p.registrar.Admit(ctx, info)
	if err != nil {
		return api.ResourceProviderInfo{}, err
	}
	p.mu.Lock()
	p.info = admitted
	p.mu.Unlock()
	return admitted, nil
}

// HandleUpdateState implements rpmhttp.Backend. There is no separate
// master process in this deployment to forward the snapshot to, so it
// only logs the snapshot at trace verbosity; nothing is recorded.
func (p *Provider) HandleUpdateState(ctx context.Context, providerID api.ResourceProviderID, data api.CallUpdateStateData) {
	log.Tracef(ctx, "provider: %s: update_state: %d resources, %d operations, version %s",
		providerID, len(data.Resources), len(data.Operations), data.ResourceVersion)
}

// HandleOperationStatus implements rpmhttp.Backend. The rpmhttp.Server
// itself sends the ACKNOWLEDGE_OPERATION_STATUS event back to the
// stream once this returns; this hook exists for a real master's
// bookkeeping, which this deployment has none of, so it only logs.
func (p *Provider) HandleOperationStatus(ctx context.Context, providerID api.ResourceProviderID, data api.CallUpdateOperationStatusData) {
	log.Tracef(ctx, "provider: %s: operation %s status %s", providerID, data.OperationUUID, data.Status.State)
}

// SendUpdateOperationStatus implements statusupdate.Transport, the
// outbound half of the retry loop internal/statusupdate drives.
func (p *Provider) SendUpdateOperationStatus(ctx context.Context, operationUUID string, status api.OperationStatus) error {
	p.mu.Lock()
	providerID := p.info.ID
	p.mu.Unlock()
	return p.client.Send(ctx, &api.Call{
		Type:               api.CallUpdateOperationStatus,
		ResourceProviderID: providerID,
		UpdateOperationStatus: &api.CallUpdateOperationStatusData{
			OperationUUID: operationUUID,
			Status:        status,
		},
	})
}
