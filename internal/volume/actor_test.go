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

package volume

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/store"
)

// fakeNodeClient embeds the real interface so unimplemented methods
// panic loudly instead of requiring the full CSI surface to be stubbed.
type fakeNodeClient struct {
	csi.NodeClient
	staged, published     int
	unstaged, unpublished int
}

func (f *fakeNodeClient) NodeStageVolume(ctx context.Context, in *csi.NodeStageVolumeRequest, opts ...grpc.CallOption) (*csi.NodeStageVolumeResponse, error) {
	f.staged++
	return &csi.NodeStageVolumeResponse{}, nil
}

func (f *fakeNodeClient) NodeUnstageVolume(ctx context.Context, in *csi.NodeUnstageVolumeRequest, opts ...grpc.CallOption) (*csi.NodeUnstageVolumeResponse, error) {
	f.unstaged++
	return &csi.NodeUnstageVolumeResponse{}, nil
}

func (f *fakeNodeClient) NodePublishVolume(ctx context.Context, in *csi.NodePublishVolumeRequest, opts ...grpc.CallOption) (*csi.NodePublishVolumeResponse, error) {
	f.published++
	return &csi.NodePublishVolumeResponse{}, nil
}

func (f *fakeNodeClient) NodeUnpublishVolume(ctx context.Context, in *csi.NodeUnpublishVolumeRequest, opts ...grpc.CallOption) (*csi.NodeUnpublishVolumeResponse, error) {
	f.unpublished++
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// fakeControllerClient embeds the real interface so unimplemented
// methods panic loudly instead of requiring the full CSI surface.
type fakeControllerClient struct {
	csi.ControllerClient
	publishes, unpublishes int
}

func (f *fakeControllerClient) ControllerPublishVolume(ctx context.Context, in *csi.ControllerPublishVolumeRequest, opts ...grpc.CallOption) (*csi.ControllerPublishVolumeResponse, error) {
	f.publishes++
	return &csi.ControllerPublishVolumeResponse{}, nil
}

func (f *fakeControllerClient) ControllerUnpublishVolume(ctx context.Context, in *csi.ControllerUnpublishVolumeRequest, opts ...grpc.CallOption) (*csi.ControllerUnpublishVolumeResponse, error) {
	f.unpublishes++
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

type fakeClientSource struct {
	client *csiclient.Client
	ready  chan struct{}
}

func (f *fakeClientSource) Client() *csiclient.Client  { return f.client }
func (f *fakeClientSource) Ready() <-chan struct{}     { return f.ready }

func newTestManager(t *testing.T, node *fakeNodeClient) *Manager {
	t.Helper()
	client := &csiclient.Client{
		Node: node,
		Capabilities: csiclient.Capabilities{
			ControllerPublishUnpublish: false,
			NodeStageUnstage:           true,
		},
	}
	src := &fakeClientSource{client: client, ready: make(chan struct{})}
	return NewManager(filepath.Join(t.TempDir(), "volumes"), "boot-1", src)
}

func TestPublishThenUnpublishRoundTrip(t *testing.T) {
	node := &fakeNodeClient{}
	m := newTestManager(t, node)
	ctx := context.Background()

	cap := api.VolumeCapability{AccessMode: "SINGLE_NODE_WRITER", FsType: "ext4"}
	_, err := m.Publish(ctx, "vol-1", cap, nil, nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, node.staged)
	require.Equal(t, 1, node.published)

	vs, ok := m.Lookup("vol-1")
	require.True(t, ok)
	require.Equal(t, api.StatePublished, vs.State)

	require.NoError(t, m.Unpublish(ctx, "vol-1"))
	require.Equal(t, 1, node.unpublished)
	require.Equal(t, 1, node.unstaged)

	vs, ok = m.Lookup("vol-1")
	require.True(t, ok)
	require.Equal(t, api.StateCreated, vs.State)
}

func TestUnpublishNeverPublishedIsNoop(t *testing.T) {
	node := &fakeNodeClient{}
	m := newTestManager(t, node)
	ctx := context.Background()

	require.NoError(t, m.Unpublish(ctx, "vol-2"))
	require.Equal(t, 0, node.unpublished)
}

func newTestManagerWithController(t *testing.T, node *fakeNodeClient, controller *fakeControllerClient) *Manager {
	t.Helper()
	client := &csiclient.Client{
		Node:       node,
		Controller: controller,
		Capabilities: csiclient.Capabilities{
			ControllerPublishUnpublish: true,
			NodeStageUnstage:           true,
		},
	}
	src := &fakeClientSource{client: client, ready: make(chan struct{})}
	return NewManager(filepath.Join(t.TempDir(), "volumes"), "boot-1", src)
}

// TestPublishResumesFromControllerPublish covers the crash recovery gap
// where a process died after checkpointing CONTROLLER_PUBLISH but
// before ControllerPublishVolume returned: CONTROLLER_PUBLISH is
// excluded from Demote (not boot-related), so the only way out is to
// re-issue the interrupted call on the next Publish.
func TestPublishResumesFromControllerPublish(t *testing.T) {
	node := &fakeNodeClient{}
	controller := &fakeControllerClient{}
	m := newTestManagerWithController(t, node, controller)
	ctx := context.Background()

	require.NoError(t, store.WriteAtomic(m.path("vol-stuck"), api.VolumeState{
		VolumeID: "vol-stuck",
		State:    api.StateControllerPublish,
		BootID:   "boot-1",
	}))

	cap := api.VolumeCapability{FsType: "ext4"}
	_, err := m.Publish(ctx, "vol-stuck", cap, nil, nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, controller.publishes)
	require.Equal(t, 1, node.staged)
	require.Equal(t, 1, node.published)

	vs, ok := m.Lookup("vol-stuck")
	require.True(t, ok)
	require.Equal(t, api.StatePublished, vs.State)
}

// TestUnpublishResumesFromControllerUnpublish is the unpublish-direction
// counterpart: a crash between checkpointing CONTROLLER_UNPUBLISH and
// ControllerUnpublishVolume returning must not leave the volume wedged.
func TestUnpublishResumesFromControllerUnpublish(t *testing.T) {
	node := &fakeNodeClient{}
	controller := &fakeControllerClient{}
	m := newTestManagerWithController(t, node, controller)
	ctx := context.Background()

	require.NoError(t, store.WriteAtomic(m.path("vol-stuck"), api.VolumeState{
		VolumeID: "vol-stuck",
		State:    api.StateControllerUnpublish,
		BootID:   "boot-1",
	}))

	require.NoError(t, m.Unpublish(ctx, "vol-stuck"))
	require.Equal(t, 1, controller.unpublishes)

	vs, ok := m.Lookup("vol-stuck")
	require.True(t, ok)
	require.Equal(t, api.StateCreated, vs.State)
}

func TestRecoverDemotesStaleBootID(t *testing.T) {
	node := &fakeNodeClient{}
	m := newTestManager(t, node)
	ctx := context.Background()

	cap := api.VolumeCapability{FsType: "ext4"}
	_, err := m.Publish(ctx, "vol-3", cap, nil, nil, true)
	require.NoError(t, err)

	fresh := NewManager(m.dir, "boot-2", &fakeClientSource{client: &csiclient.Client{Node: node}, ready: make(chan struct{})})
	require.NoError(t, fresh.Recover(ctx))

	vs, ok := fresh.Lookup("vol-3")
	require.True(t, ok)
	require.Equal(t, api.StateNodeReady, vs.State)
}
