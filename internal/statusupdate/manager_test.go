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

package statusupdate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mesos/storage-local-resource-provider/internal/api"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []api.OperationStatus
}

func (f *fakeTransport) SendUpdateOperationStatus(ctx context.Context, operationUUID string, status api.OperationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, status)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendDeliversAndReconcileReportsLatest(t *testing.T) {
	transport := &fakeTransport{}
	m := New(t.TempDir(), transport)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m.Send(ctx, "op-1", api.OperationStatus{UUID: "s1", State: api.OperationPending})
	m.Send(ctx, "op-1", api.OperationStatus{UUID: "s2", State: api.OperationFinished})

	require.Eventually(t, func() bool { return transport.count() >= 2 }, time.Second, 10*time.Millisecond)

	got := m.Reconcile([]string{"op-1", "op-unknown"})
	require.Equal(t, api.OperationFinished, got["op-1"].State)
	require.Equal(t, api.OperationDropped, got["op-unknown"].State)
}

func TestAckRetiresTerminalStream(t *testing.T) {
	transport := &fakeTransport{}
	m := New(t.TempDir(), transport)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m.Send(ctx, "op-2", api.OperationStatus{UUID: "s1", State: api.OperationFinished})
	require.Eventually(t, func() bool { return transport.count() >= 1 }, time.Second, 10*time.Millisecond)

	m.Ack("op-2", "s1")

	got := m.Reconcile([]string{"op-2"})
	require.Equal(t, api.OperationDropped, got["op-2"].State)
}
