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

package api

// State is one of the ten states of the per-volume lifecycle FSM (§4.2).
type State string

const (
	StateCreated            State = "CREATED"
	StateControllerPublish   State = "CONTROLLER_PUBLISH"
	StateNodeReady           State = "NODE_READY"
	StateControllerUnpublish State = "CONTROLLER_UNPUBLISH"
	StateNodeStage           State = "NODE_STAGE"
	StateVolReady            State = "VOL_READY"
	StateNodeUnstage         State = "NODE_UNSTAGE"
	StatePublished           State = "PUBLISHED"
	StateNodePublish         State = "NODE_PUBLISH"
	StateNodeUnpublish       State = "NODE_UNPUBLISH"
	StateUnknown             State = "UNKNOWN"
)

// Stable reports whether s is a post-condition-of-a-successful-call
// state, as opposed to an intermediate "call in flight" state.
func (s State) Stable() bool {
	switch s {
	case StateCreated, StateNodeReady, StateVolReady, StatePublished:
		return true
	default:
		return false
	}
}

// NodeIntermediate reports whether s implies a live node-level
// operation was interrupted — these demote to NodeReady on a boot-id
// mismatch during recovery, same as the stable NodeReady-downstream
// states (§4.2 Reboot rule).
func (s State) NodeIntermediate() bool {
	switch s {
	case StateNodeStage, StateNodeUnstage, StateNodePublish, StateNodeUnpublish:
		return true
	default:
		return false
	}
}

// VolumeState is the per-CSI-volume durable record (§3).
type VolumeState struct {
	VolumeID         string            `json:"volume_id"`
	State            State             `json:"state"`
	Capability       VolumeCapability  `json:"volume_capability"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	VolumeAttributes map[string]string `json:"volume_attributes,omitempty"`
	PublishInfo      map[string]string `json:"publish_info,omitempty"`
	BootID           string            `json:"boot_id,omitempty"`
	NodePublishRequired bool           `json:"node_publish_required"`
}

// Demote applies the §4.2 reboot rule in place: if currentBootID
// differs from the persisted one, stable states VOL_READY/PUBLISHED
// and the node-level intermediate states drop back to NODE_READY.
func (v *VolumeState) Demote(currentBootID string) {
	if v.BootID == "" || v.BootID == currentBootID {
		return
	}
	switch {
	case v.State == StateVolReady || v.State == StatePublished || v.State.NodeIntermediate():
		v.State = StateNodeReady
	}
	v.BootID = currentBootID
}
