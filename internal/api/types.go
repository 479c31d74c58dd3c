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

// Package api holds the provider's data model (§3 of the design) and
// the Call/Event wire protocol exchanged with the agent (§6).
package api

// FrameworkID identifies a Mesos framework.
type FrameworkID string

// AgentID identifies the agent the provider is attached to.
type AgentID string

// ResourceProviderID identifies a resource-provider instance, assigned
// by the Registrar on first admit.
type ResourceProviderID string

// ResourceVersion is an opaque 128-bit fencing token, refreshed on any
// unilateral change of the provider's total resources.
type ResourceVersion string

// ContainerSpec describes one container hosting part of a storage
// plugin (CONTROLLER_SERVICE and/or NODE_SERVICE).
type ContainerSpec struct {
	Services []Service `json:"services"`
	// Command and Image are opaque to the provider; they are handed to
	// the external container daemon verbatim.
	Image   string `json:"image,omitempty"`
	Command string `json:"command,omitempty"`
}

// Service is a CSI service a container offers.
type Service string

const (
	ControllerService Service = "CONTROLLER_SERVICE"
	NodeService        Service = "NODE_SERVICE"
)

// PluginInfo describes the CSI plugin backing a resource provider.
type PluginInfo struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Containers []ContainerSpec `json:"containers"`
}

// HasService reports whether any container in the plugin offers svc.
func (p PluginInfo) HasService(svc Service) bool {
	for _, c := range p.Containers {
		for _, s := range c.Services {
			if s == svc {
				return true
			}
		}
	}
	return false
}

// ResourceProviderInfo is the identity of a provider instance (§3).
// Type and Name are immutable once Id is assigned; a resubscribe that
// disagrees with the stored Type/Name is rejected (§4.1).
type ResourceProviderInfo struct {
	Type              string             `json:"type"`
	Name              string             `json:"name"`
	ID                ResourceProviderID `json:"id,omitempty"`
	Storage           PluginInfo         `json:"storage"`
	DefaultReservations []Resource       `json:"default_reservations,omitempty"`
}

// DiskSourceType classifies a disk resource.
type DiskSourceType string

const (
	SourceRaw   DiskSourceType = "RAW"
	SourceMount DiskSourceType = "MOUNT"
	SourceBlock DiskSourceType = "BLOCK"
	SourcePath  DiskSourceType = "PATH"
)

// DiskSource is the `disk.source` sub-message of a Resource.
type DiskSource struct {
	Type     DiskSourceType    `json:"type"`
	ID       string            `json:"id,omitempty"`
	Profile  string            `json:"profile,omitempty"`
	Vendor   string            `json:"vendor,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	MountRoot string           `json:"mount_root,omitempty"`
}

// Resource is a disk resource (§3). The three shapes called out by the
// spec's invariants — storage pool, pre-existing volume, managed
// volume — are distinguished by which optional fields are set; see
// Classify.
type Resource struct {
	MB         float64             `json:"mb"`
	ProviderID ResourceProviderID  `json:"provider_id,omitempty"`
	Disk       *DiskSource         `json:"disk,omitempty"`
}

// Kind classifies a Resource per §3's invariants.
type Kind int

const (
	KindInvalid Kind = iota
	KindStoragePool
	KindPreexistingVolume
	KindManagedVolume
)

// Classify implements the three disk-resource invariants of §3.
func (r Resource) Classify() Kind {
	d := r.Disk
	if d == nil {
		return KindInvalid
	}
	switch d.Type {
	case SourceRaw:
		switch {
		case d.ID == "" && d.Profile != "":
			return KindStoragePool
		case d.ID != "" && d.Profile == "":
			return KindPreexistingVolume
		}
		return KindInvalid
	case SourceMount, SourceBlock:
		if d.ID != "" && d.Profile != "" {
			return KindManagedVolume
		}
		return KindInvalid
	default:
		return KindInvalid
	}
}

// VolumeCapability is a trimmed mirror of csi.VolumeCapability: the
// access mode plus whether the volume is requested as a filesystem
// mount or a raw block device.
type VolumeCapability struct {
	AccessMode  string            `json:"access_mode"`
	FsType      string            `json:"fs_type,omitempty"`
	MountFlags  []string          `json:"mount_flags,omitempty"`
	Block       bool              `json:"block,omitempty"`
}

// ResourceConversion is the (consumed, converted) pair an operation
// apply produces (§3 glossary).
type ResourceConversion struct {
	Consumed  []Resource `json:"consumed"`
	Converted []Resource `json:"converted"`
}
