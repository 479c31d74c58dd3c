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

package rpmhttp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesos/storage-local-resource-provider/internal/api"
)

var errTestAdmit = errors.New("rpmhttp: test admit rejection")

// fakeBackend is a minimal Backend: it assigns an id on first admit and
// records every UpdateState/OperationStatus call it receives.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	states      []api.CallUpdateStateData
	statuses    []api.CallUpdateOperationStatusData
	admitErr    error
}

func (b *fakeBackend) Admit(ctx context.Context, info api.ResourceProviderInfo) (api.ResourceProviderInfo, error) {
	if b.admitErr != nil {
		return api.ResourceProviderInfo{}, b.admitErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if info.ID == "" {
		b.nextID++
		info.ID = api.ResourceProviderID("provider-fake")
	}
	return info, nil
}

func (b *fakeBackend) HandleUpdateState(ctx context.Context, providerID api.ResourceProviderID, data api.CallUpdateStateData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, data)
}

func (b *fakeBackend) HandleOperationStatus(ctx context.Context, providerID api.ResourceProviderID, data api.CallUpdateOperationStatusData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, data)
}

func newTestServer(t *testing.T, backend Backend) (*Server, *httptest.Server, *Client) {
	t.Helper()
	s := NewServer(backend)
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	return s, hs, NewClient(hs.URL + "/api/v1/resource_provider")
}

func TestSubscribeReceivesSubscribedEvent(t *testing.T) {
	backend := &fakeBackend{}
	_, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "org.apache.mesos.rp.local.storage", Name: "test"})
	require.NoError(t, err)
	defer events.Close()

	ev, err := events.Next()
	require.NoError(t, err)
	assert.Equal(t, api.EventSubscribed, ev.Type)
	require.NotNil(t, ev.Subscribed)
	assert.Equal(t, api.ResourceProviderID("provider-fake"), ev.Subscribed.ResourceProviderID)
}

func TestSubscribeRejectedSurfacesAsError(t *testing.T) {
	backend := &fakeBackend{admitErr: errTestAdmit}
	_, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	assert.Error(t, err)
}

func TestUpdateStateIsForwardedToBackend(t *testing.T) {
	backend := &fakeBackend{}
	_, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	require.NoError(t, err)
	defer events.Close()
	_, err = events.Next() // drain SUBSCRIBED
	require.NoError(t, err)

	call := &api.Call{
		Type:               api.CallUpdateState,
		ResourceProviderID: "provider-fake",
		UpdateState: &api.CallUpdateStateData{
			ResourceVersion: "v1",
		},
	}
	require.NoError(t, client.Send(ctx, call))

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.states) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUpdateOperationStatusIsAcknowledged(t *testing.T) {
	backend := &fakeBackend{}
	_, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	require.NoError(t, err)
	defer events.Close()
	_, err = events.Next() // drain SUBSCRIBED
	require.NoError(t, err)

	call := &api.Call{
		Type:               api.CallUpdateOperationStatus,
		ResourceProviderID: "provider-fake",
		UpdateOperationStatus: &api.CallUpdateOperationStatusData{
			OperationUUID: "op-1",
			Status:        api.OperationStatus{UUID: "status-1", State: api.OperationFinished},
		},
	}
	require.NoError(t, client.Send(ctx, call))

	ev, err := events.Next()
	require.NoError(t, err)
	assert.Equal(t, api.EventAcknowledgeOperationStatus, ev.Type)
	require.NotNil(t, ev.AcknowledgeOperationStatus)
	assert.Equal(t, "status-1", ev.AcknowledgeOperationStatus.StatusUUID)
	assert.Equal(t, "op-1", ev.AcknowledgeOperationStatus.OperationUUID)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.statuses, 1)
	assert.Equal(t, "op-1", backend.statuses[0].OperationUUID)
}

func TestApplyOperationPushesEventToSubscriber(t *testing.T) {
	backend := &fakeBackend{}
	s, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	require.NoError(t, err)
	defer events.Close()
	_, err = events.Next() // drain SUBSCRIBED
	require.NoError(t, err)

	require.NoError(t, s.ApplyOperation("provider-fake", "op-2", "", api.OperationInfo{Type: api.OpCreate}, "v2"))

	ev, err := events.Next()
	require.NoError(t, err)
	assert.Equal(t, api.EventApplyOperation, ev.Type)
	require.NotNil(t, ev.ApplyOperation)
	assert.Equal(t, "op-2", ev.ApplyOperation.OperationUUID)
	assert.Equal(t, api.ResourceVersion("v2"), ev.ApplyOperation.ResourceVersionUUID)
}

func TestPublishResourcesResolvesOnAck(t *testing.T) {
	backend := &fakeBackend{}
	s, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	require.NoError(t, err)
	defer events.Close()
	_, err = events.Next() // drain SUBSCRIBED

	future, err := s.PublishResources([]api.Resource{
		{MB: 10, ProviderID: "provider-fake", Disk: &api.DiskSource{Type: api.SourceMount, ID: "vol-1", Profile: "fast"}},
	})
	require.NoError(t, err)

	ev, err := events.Next()
	require.NoError(t, err)
	require.Equal(t, api.EventPublishResources, ev.Type)
	require.NotNil(t, ev.PublishResources)

	ack := &api.Call{
		Type:               api.CallUpdatePublishResourcesStatus,
		ResourceProviderID: "provider-fake",
		UpdatePublishResourcesStatus: &api.CallUpdatePublishResourcesStatusData{
			UUID:   ev.PublishResources.UUID,
			Status: api.PublishOK,
		},
	}
	require.NoError(t, client.Send(ctx, ack))

	require.NoError(t, future.Wait(ctx))
}

func TestPublishResourcesFailsOnFailedAck(t *testing.T) {
	backend := &fakeBackend{}
	s, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	require.NoError(t, err)
	defer events.Close()
	_, err = events.Next() // drain SUBSCRIBED

	future, err := s.PublishResources([]api.Resource{
		{MB: 10, ProviderID: "provider-fake", Disk: &api.DiskSource{Type: api.SourceMount, ID: "vol-2", Profile: "fast"}},
	})
	require.NoError(t, err)

	ev, err := events.Next()
	require.NoError(t, err)

	ack := &api.Call{
		Type:               api.CallUpdatePublishResourcesStatus,
		ResourceProviderID: "provider-fake",
		UpdatePublishResourcesStatus: &api.CallUpdatePublishResourcesStatusData{
			UUID:   ev.PublishResources.UUID,
			Status: api.PublishFailed,
		},
	}
	require.NoError(t, client.Send(ctx, ack))

	assert.Error(t, future.Wait(ctx))
}

func TestResubscribeSupersedesPriorStream(t *testing.T) {
	backend := &fakeBackend{}
	_, _, client := newTestServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n"})
	require.NoError(t, err)
	_, err = first.Next()
	require.NoError(t, err)

	second, err := client.Subscribe(ctx, api.ResourceProviderInfo{Type: "t", Name: "n", ID: "provider-fake"})
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Next()
	require.NoError(t, err)

	_, err = first.Next()
	assert.Error(t, err)
}

func TestHandleRejectsUnrecognizedContentType(t *testing.T) {
	backend := &fakeBackend{}
	_, hs, _ := newTestServer(t, backend)

	resp, err := http.Post(hs.URL+"/api/v1/resource_provider", "text/plain", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestHandleRejectsNonPost(t *testing.T) {
	backend := &fakeBackend{}
	_, hs, _ := newTestServer(t, backend)

	resp, err := http.Get(hs.URL + "/api/v1/resource_provider")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
