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
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/statusupdate"
	"github.com/mesos/storage-local-resource-provider/internal/volume"
)

// fakeControllerClient embeds the real interface so unimplemented
// methods panic loudly instead of requiring the full CSI surface.
type fakeControllerClient struct {
	csi.ControllerClient
	deleteErr    error
	deleteCalled int
}

func (f *fakeControllerClient) DeleteVolume(ctx context.Context, in *csi.DeleteVolumeRequest, opts ...grpc.CallOption) (*csi.DeleteVolumeResponse, error) {
	f.deleteCalled++
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &csi.DeleteVolumeResponse{}, nil
}

type fakeCSIClientSource struct {
	client *csiclient.Client
}

func (f fakeCSIClientSource) Client() *csiclient.Client { return f.client }

func (f fakeCSIClientSource) Ready() <-chan struct{} { return make(chan struct{}) }

func newTestPipelineWithClient(t *testing.T, controller *fakeControllerClient) (*Pipeline, *volume.Manager) {
	t.Helper()
	client := &csiclient.Client{
		Controller: controller,
		Node:       struct{ csi.NodeClient }{},
		Capabilities: csiclient.Capabilities{
			ControllerCreateDeleteVolume: true,
		},
	}
	status := statusupdate.New(t.TempDir(), newFakeTransport())
	vols := volume.NewManager(t.TempDir(), "boot-1", fakeCSIClientSource{client: client})
	return New(vols, status, fakeVersionSource{version: "v1"}, fakeReconGate{}), vols
}

func destroyDiskOp(volumeID string) api.Operation {
	return api.Operation{
		UUID: uuid.NewString(),
		Info: api.OperationInfo{
			Type: api.OpDestroyDisk,
			Source: api.Resource{
				MB:   2048,
				Disk: &api.DiskSource{Type: api.SourceMount, ID: volumeID, Profile: "fast"},
			},
		},
	}
}

func TestDestroyDiskRemovesRecordOnlyAfterDeleteVolumeSucceeds(t *testing.T) {
	controller := &fakeControllerClient{}
	p, vols := newTestPipelineWithClient(t, controller)
	ctx := context.Background()

	require.NoError(t, vols.Create(ctx, api.VolumeState{VolumeID: "vol-x"}))

	conv, err := p.Apply(ctx, destroyDiskOp("vol-x"), "v1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, 1, controller.deleteCalled)

	_, ok := vols.Lookup("vol-x")
	assert.False(t, ok, "the persisted record must be removed only after DeleteVolume succeeds")
}

func TestDestroyDiskKeepsRecordWhenDeleteVolumeFails(t *testing.T) {
	controller := &fakeControllerClient{deleteErr: status.Error(codes.Internal, "backend down")}
	p, vols := newTestPipelineWithClient(t, controller)
	ctx := context.Background()

	require.NoError(t, vols.Create(ctx, api.VolumeState{VolumeID: "vol-y"}))

	_, err := p.Apply(ctx, destroyDiskOp("vol-y"), "v1")
	require.Error(t, err)
	assert.Equal(t, 1, controller.deleteCalled)

	vs, ok := vols.Lookup("vol-y")
	require.True(t, ok, "a failed DeleteVolume must not lose the provider's only record of the volume")
	assert.Equal(t, "vol-y", vs.VolumeID)
}
