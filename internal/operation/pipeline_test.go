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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/statusupdate"
	"github.com/mesos/storage-local-resource-provider/internal/volume"
)

// fakeTransport records every status handed to it and returns nil. A
// nil return is not an acknowledgement (only Manager.Ack is), so the
// Manager would redeliver after its 10s-based backoff; these tests
// finish reading well before that first redelivery.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []api.OperationStatus
	notified chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notified: make(chan struct{}, 64)}
}

func (f *fakeTransport) SendUpdateOperationStatus(ctx context.Context, operationUUID string, status api.OperationStatus) error {
	f.mu.Lock()
	f.sent = append(f.sent, status)
	f.mu.Unlock()
	f.notified <- struct{}{}
	return nil
}

func (f *fakeTransport) states() []api.OperationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.OperationState, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.State
	}
	return out
}

// waitForCount blocks until at least n statuses have been delivered
// (Manager.Send hands delivery off to a background retry goroutine, so
// tests must not read f.sent until the delivery they expect lands).
func (f *fakeTransport) waitForCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		f.mu.Lock()
		got := len(f.sent)
		f.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-f.notified:
		case <-deadline:
			t.Fatalf("timed out waiting for %d delivered statuses, got %d", n, got)
		}
	}
}

// fakeCSISource never installs a CSI client, matching every test here
// since only the speculative path (no plugin calls) is exercised.
type fakeCSISource struct{}

func (fakeCSISource) Client() *csiclient.Client { return nil }

func (fakeCSISource) Ready() <-chan struct{} { return make(chan struct{}) }

type fakeVersionSource struct {
	version api.ResourceVersion
}

func (f fakeVersionSource) CurrentVersion() api.ResourceVersion { return f.version }

type fakeReconGate struct {
	inFlight bool
}

func (f fakeReconGate) ReconciliationInFlight() bool { return f.inFlight }

func newTestPipeline(t *testing.T, version api.ResourceVersion, recon ReconciliationGate) (*Pipeline, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	status := statusupdate.New(t.TempDir(), transport)
	vols := volume.NewManager(t.TempDir(), "boot-1", fakeCSISource{})
	return New(vols, status, fakeVersionSource{version: version}, recon), transport
}

func reserveOp(version api.ResourceVersion) api.Operation {
	return api.Operation{
		UUID: uuid.NewString(),
		Info: api.OperationInfo{
			Type:      api.OpReserve,
			Resources: []api.Resource{{MB: 1024}},
		},
	}
}

func TestApplyMismatchedVersionDropsOperation(t *testing.T) {
	p, transport := newTestPipeline(t, "v1", fakeReconGate{})
	op := reserveOp("v1")

	conv, err := p.Apply(context.Background(), op, "v-stale")
	require.Error(t, err)
	assert.Nil(t, conv)
	transport.waitForCount(t, 1)
	assert.Contains(t, transport.states(), api.OperationDropped)
}

func TestApplyDropsNonSpeculativeWhileReconciling(t *testing.T) {
	p, transport := newTestPipeline(t, "v1", fakeReconGate{inFlight: true})
	op := api.Operation{
		UUID: uuid.NewString(),
		Info: api.OperationInfo{
			Type:   api.OpCreateDisk,
			Source: api.Resource{Disk: &api.DiskSource{Type: api.SourceRaw, Profile: "fast"}},
			Target: api.SourceMount,
		},
	}

	conv, err := p.Apply(context.Background(), op, "v1")
	require.Error(t, err)
	assert.Nil(t, conv)
	transport.waitForCount(t, 1)
	assert.Contains(t, transport.states(), api.OperationDropped)
}

func TestApplyReserveSucceedsAndReportsPendingThenFinished(t *testing.T) {
	p, transport := newTestPipeline(t, "v1", fakeReconGate{})
	op := reserveOp("v1")

	conv, err := p.Apply(context.Background(), op, "v1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, op.Info.Resources, conv.Consumed)
	assert.Equal(t, op.Info.Resources, conv.Converted)
	transport.waitForCount(t, 2)
	assert.Equal(t, []api.OperationState{api.OperationPending, api.OperationFinished}, transport.states())
}

func TestApplyToleratesReconciliationForReserve(t *testing.T) {
	// RESERVE tolerates reconciliation per §4.3, so it must proceed even
	// with a reconciliation in flight, unlike CREATE_DISK/DESTROY_DISK.
	p, transport := newTestPipeline(t, "v1", fakeReconGate{inFlight: true})
	op := reserveOp("v1")

	conv, err := p.Apply(context.Background(), op, "v1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	transport.waitForCount(t, 2)
	assert.NotContains(t, transport.states(), api.OperationDropped)
}

func TestApplyUnknownOperationTypeFails(t *testing.T) {
	p, transport := newTestPipeline(t, "v1", fakeReconGate{})
	op := api.Operation{
		UUID: uuid.NewString(),
		Info: api.OperationInfo{Type: api.OperationType("BOGUS")},
	}

	conv, err := p.Apply(context.Background(), op, "v1")
	require.Error(t, err)
	assert.Nil(t, conv)
	transport.waitForCount(t, 2)
	assert.Contains(t, transport.states(), api.OperationFailed)
}
