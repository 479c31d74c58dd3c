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
	"context"
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

// Capabilities is the (state, capability) dispatch value the §9 design
// note calls for: computed once at startup, consulted at every
// transition site instead of branching on a freshly-queried plugin
// capability each call.
type Capabilities struct {
	ControllerService bool

	ControllerPublishUnpublish   bool
	ControllerListVolumes        bool
	ControllerGetCapacity        bool
	ControllerCreateDeleteVolume bool

	NodeStageUnstage bool
}

func discoverCapabilities(ctx context.Context, c *Client) (Capabilities, error) {
	var caps Capabilities

	pluginCaps, err := c.Identity.GetPluginCapabilities(ctx, &csi.GetPluginCapabilitiesRequest{})
	if err != nil {
		return caps, fmt.Errorf("GetPluginCapabilities: %w", err)
	}
	for _, cap := range pluginCaps.GetCapabilities() {
		if svc := cap.GetService(); svc != nil && svc.GetType() == csi.PluginCapability_Service_CONTROLLER_SERVICE {
			caps.ControllerService = true
		}
	}

	if caps.ControllerService {
		ctrlCaps, err := c.Controller.ControllerGetCapabilities(ctx, &csi.ControllerGetCapabilitiesRequest{})
		if err != nil {
			return caps, fmt.Errorf("ControllerGetCapabilities: %w", err)
		}
		for _, cap := range ctrlCaps.GetCapabilities() {
			rpc := cap.GetRpc()
			if rpc == nil {
				continue
			}
			switch rpc.GetType() {
			case csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME:
				caps.ControllerPublishUnpublish = true
			case csi.ControllerServiceCapability_RPC_LIST_VOLUMES:
				caps.ControllerListVolumes = true
			case csi.ControllerServiceCapability_RPC_GET_CAPACITY:
				caps.ControllerGetCapacity = true
			case csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME:
				caps.ControllerCreateDeleteVolume = true
			}
		}
	}

	nodeCaps, err := c.Node.NodeGetCapabilities(ctx, &csi.NodeGetCapabilitiesRequest{})
	if err != nil {
		return caps, fmt.Errorf("NodeGetCapabilities: %w", err)
	}
	for _, cap := range nodeCaps.GetCapabilities() {
		rpc := cap.GetRpc()
		if rpc != nil && rpc.GetType() == csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME {
			caps.NodeStageUnstage = true
		}
	}

	return caps, nil
}
