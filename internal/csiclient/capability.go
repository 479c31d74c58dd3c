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

package csiclient

import (
	"github.com/container-storage-interface/spec/lib/go/csi"

	"github.com/mesos/storage-local-resource-provider/internal/api"
)

// ToVolumeCapability converts the provider's trimmed VolumeCapability
// into the wire csi.VolumeCapability every Controller/Node RPC needs,
// shared between internal/volume (publish/unpublish) and
// internal/operation (CreateVolume/ValidateVolumeCapabilities).
func ToVolumeCapability(cap api.VolumeCapability) *csi.VolumeCapability {
	vc := &csi.VolumeCapability{
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
	}
	if cap.Block {
		vc.AccessType = &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_BlockVolume{}}
	} else {
		vc.AccessType = &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{
			FsType:     cap.FsType,
			MountFlags: cap.MountFlags,
		}}
	}
	return vc
}
