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

package operation

import (
	"context"
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
)

// applyNonSpeculative runs CREATE_DISK/DESTROY_DISK against the CSI
// plugin via the Volume Manager (§4.3 CreateDisk/DestroyDisk semantics).
func (p *Pipeline) applyNonSpeculative(ctx context.Context, op api.Operation) (*api.ResourceConversion, error) {
	switch op.Info.Type {
	case api.OpCreateDisk:
		return p.createDisk(ctx, op)
	case api.OpDestroyDisk:
		return p.destroyDisk(ctx, op)
	default:
		return nil, fmt.Errorf("operation: %s: %s is not a non-speculative operation", op.UUID, op.Info.Type)
	}
}

func (p *Pipeline) createDisk(ctx context.Context, op api.Operation) (*api.ResourceConversion, error) {
	src := op.Info.Source
	if src.Classify() != api.KindStoragePool && src.Classify() != api.KindPreexistingVolume {
		return nil, fmt.Errorf("operation: %s: CreateDisk source must be a storage pool or pre-existing volume, got %v", op.UUID, src.Classify())
	}
	if op.Info.Target != api.SourceMount && op.Info.Target != api.SourceBlock {
		return nil, fmt.Errorf("operation: %s: CreateDisk target must be MOUNT or BLOCK, got %s", op.UUID, op.Info.Target)
	}

	client := p.volumes.CurrentClient()
	if client == nil {
		return nil, fmt.Errorf("operation: %s: no CSI client available", op.UUID)
	}

	capability := api.VolumeCapability{Block: op.Info.Target == api.SourceBlock}

	var volumeID string
	switch src.Classify() {
	case api.KindStoragePool:
		volumeID = op.UUID
		if err := csiclient.Retry(ctx, func() error {
			resp, err := client.Controller.CreateVolume(ctx, &csi.CreateVolumeRequest{
				Name:               op.UUID,
				CapacityRange:       &csi.CapacityRange{RequiredBytes: int64(src.MB) * 1024 * 1024},
				VolumeCapabilities:  []*csi.VolumeCapability{csiclient.ToVolumeCapability(capability)},
				Parameters:          src.Disk.Metadata,
			})
			if err != nil {
				return err
			}
			if resp.GetVolume() != nil && resp.Volume.VolumeId != "" {
				volumeID = resp.Volume.VolumeId
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("operation: %s: CreateVolume: %w", op.UUID, err)
		}
	case api.KindPreexistingVolume:
		volumeID = src.Disk.ID
		if err := csiclient.Retry(ctx, func() error {
			_, err := client.Controller.ValidateVolumeCapabilities(ctx, &csi.ValidateVolumeCapabilitiesRequest{
				VolumeId:           volumeID,
				VolumeCapabilities: []*csi.VolumeCapability{csiclient.ToVolumeCapability(capability)},
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("operation: %s: ValidateVolumeCapabilities: %w", op.UUID, err)
		}
	}

	if err := p.volumes.Create(ctx, api.VolumeState{
		VolumeID:   volumeID,
		Capability: capability,
	}); err != nil {
		return nil, fmt.Errorf("operation: %s: persist: %w", op.UUID, err)
	}

	converted := api.Resource{
		MB:         src.MB,
		ProviderID: src.ProviderID,
		Disk: &api.DiskSource{
			Type:      op.Info.Target,
			ID:        volumeID,
			Profile:   src.Disk.Profile,
			Vendor:    src.Disk.Vendor,
			Metadata:  src.Disk.Metadata,
			MountRoot: mountRoot(volumeID),
		},
	}
	return &api.ResourceConversion{Consumed: []api.Resource{src}, Converted: []api.Resource{converted}}, nil
}

func (p *Pipeline) destroyDisk(ctx context.Context, op api.Operation) (*api.ResourceConversion, error) {
	src := op.Info.Source
	if src.Classify() != api.KindManagedVolume {
		return nil, fmt.Errorf("operation: %s: DestroyDisk source must be a managed volume, got %v", op.UUID, src.Classify())
	}

	client := p.volumes.CurrentClient()
	if client == nil {
		return nil, fmt.Errorf("operation: %s: no CSI client available", op.UUID)
	}

	// NodeUnpublish -> NodeUnstage -> ControllerUnpublish first; the
	// persisted record survives this step so a crash or a permanent
	// DeleteVolume failure below still leaves something to retry
	// against (§4.3: state removal is the DestroyDisk sequence's last
	// step, not an upfront one).
	if err := p.volumes.Unpublish(ctx, src.Disk.ID); err != nil {
		return nil, fmt.Errorf("operation: %s: unpublish: %w", op.UUID, err)
	}

	if client.Capabilities.ControllerCreateDeleteVolume {
		if err := csiclient.Retry(ctx, func() error {
			_, err := client.Controller.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: src.Disk.ID})
			return err
		}); err != nil {
			return nil, fmt.Errorf("operation: %s: DeleteVolume: %w", op.UUID, err)
		}
	}

	if err := p.volumes.Forget(ctx, src.Disk.ID); err != nil {
		return nil, fmt.Errorf("operation: %s: forget: %w", op.UUID, err)
	}

	raw := api.Resource{
		MB:         src.MB,
		ProviderID: src.ProviderID,
		Disk: &api.DiskSource{
			Type:    api.SourceRaw,
			Profile: profileOrZero(p.recon, src.Disk.Profile),
		},
	}
	if raw.Disk.Profile == "" {
		raw.MB = 0
	}
	return &api.ResourceConversion{Consumed: []api.Resource{src}, Converted: []api.Resource{raw}}, nil
}

// profileOrZero returns profile unchanged unless its owning storage
// pool has disappeared, in which case an empty string triggers the
// zero-scalar conversion of §4.3. It does not start a reconciliation
// itself; the Profile Adaptor's periodic poll reconciles storage pools
// on its next tick.
func profileOrZero(gate ReconciliationGate, profile string) string {
	if pg, ok := gate.(interface{ ProfileExists(string) bool }); ok {
		if !pg.ProfileExists(profile) {
			return ""
		}
	}
	return profile
}

func mountRoot(volumeID string) string {
	return "/var/lib/mesos/slrp/published/" + volumeID
}
