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

// Package rpmhttp implements the Resource Provider Manager's single
// HTTP endpoint (§4.1): content negotiation, SUBSCRIBE admit/resubscribe
// against a Registrar, Mesos-Stream-Id bookkeeping, and the
// publishResources fan-in future. Server plays the agent-hosted RPM
// role against Registrar/dispatch callbacks; Client plays the provider
// role, dialing a Server (in this repository, its own) the same way a
// remote provider process would in a full Mesos deployment.
package rpmhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
)

// Backend is the agent-local logic a Server dispatches admitted calls
// to. internal/provider implements it.
type Backend interface {
	// Admit validates/assigns identity via the Registrar (§4.1 admit/
	// resubscribe logic).
	Admit(ctx context.Context, info api.ResourceProviderInfo) (api.ResourceProviderInfo, error)
	// HandleUpdateState records a provider's full resource/operation
	// snapshot.
	HandleUpdateState(ctx context.Context, providerID api.ResourceProviderID, data api.CallUpdateStateData)
	// HandleOperationStatus is handed each delivered status; once it
	// returns, the Server itself sends the ACKNOWLEDGE_OPERATION_STATUS
	// event back on the provider's stream.
	HandleOperationStatus(ctx context.Context, providerID api.ResourceProviderID, data api.CallUpdateOperationStatusData)
}

// PublishFuture resolves once every provider addressed by a
// PublishResources fan-in has acknowledged OK, or fails on the first
// FAILED or on stream closure (§4.1 Fan-in).
type PublishFuture struct {
	done chan struct{}
	err  error
}

// Wait blocks until the future resolves or ctx is done.
func (f *PublishFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingPublish struct {
	mu        sync.Mutex
	resolved  bool
	uuids     []string
	remaining map[api.ResourceProviderID]bool
	future    *PublishFuture
}

// Server is the RPM's HTTP surface: one stream per subscribed provider,
// content negotiation, and the publish fan-in table.
type Server struct {
	backend Backend
	router  *mux.Router

	mu       sync.Mutex
	streams  map[api.ResourceProviderID]*stream
	pendings map[string]*pendingPublish // publish uuid -> pending
}

// NewServer constructs a Server dispatching admitted calls to backend.
func NewServer(backend Backend) *Server {
	s := &Server{
		backend:  backend,
		streams:  make(map[api.ResourceProviderID]*stream),
		pendings: make(map[string]*pendingPublish),
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/resource_provider", s.handle)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expecting a POST request", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		http.Error(w, "expecting 'Content-Type' to be present", http.StatusBadRequest)
		return
	}
	if !recognized(contentType) {
		http.Error(w, fmt.Sprintf("unsupported 'Content-Type' %q", contentType), http.StatusUnsupportedMediaType)
		return
	}
	codec := api.CodecFor(contentType)
	if codec == nil {
		http.Error(w, fmt.Sprintf("no codec registered for %q", contentType), http.StatusUnsupportedMediaType)
		return
	}

	accept := r.Header.Get("Accept")
	if accept != "" && !acceptable(accept, contentType) {
		http.Error(w, "'Accept' disallows every recognized content type", http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	call, err := codec.DecodeCall(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := log.WithProviderID(r.Context(), string(call.ResourceProviderID))

	if call.Type == api.CallSubscribe {
		s.handleSubscribe(ctx, w, r, codec, call)
		return
	}
	s.handleCall(ctx, w, r, call)
}

func (s *Server) handleSubscribe(ctx context.Context, w http.ResponseWriter, r *http.Request, codec api.Codec, call *api.Call) {
	if call.Subscribe == nil {
		http.Error(w, "missing 'subscribe' field", http.StatusBadRequest)
		return
	}
	info, err := s.backend.Admit(ctx, call.Subscribe.ResourceProviderInfo)
	if err != nil {
		log.Warningf(ctx, "rpmhttp: subscribe rejected: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	st := newStream(info.ID, uuid.NewString(), codec)
	s.mu.Lock()
	if old, exists := s.streams[info.ID]; exists {
		old.supersede()
	}
	s.streams[info.ID] = st
	s.mu.Unlock()

	w.Header().Set("Content-Type", codec.ContentType())
	w.Header().Set("Mesos-Stream-Id", st.id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st.send(&api.Event{
		Type:       api.EventSubscribed,
		Subscribed: &api.EventSubscribedData{ResourceProviderID: info.ID},
	})

	log.Infof(ctx, "rpmhttp: %s subscribed, stream %s", info.ID, st.id)
	st.pump(ctx, w, flusher)

	s.mu.Lock()
	if s.streams[info.ID] == st {
		delete(s.streams, info.ID)
	}
	var unacked []string
	for publishUUID, pending := range s.pendings {
		pending.mu.Lock()
		if pending.remaining[info.ID] {
			unacked = append(unacked, publishUUID)
		}
		pending.mu.Unlock()
	}
	s.mu.Unlock()

	// A closed stream fails every publish still waiting on this provider.
	for _, publishUUID := range unacked {
		s.resolvePublish(info.ID, api.CallUpdatePublishResourcesStatusData{UUID: publishUUID, Status: api.PublishFailed})
	}
}

func (s *Server) handleCall(ctx context.Context, w http.ResponseWriter, r *http.Request, call *api.Call) {
	s.mu.Lock()
	st, ok := s.streams[call.ResourceProviderID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, (api.ErrUnknownProvider{ID: call.ResourceProviderID}).Error(), http.StatusBadRequest)
		return
	}
	streamID := r.Header.Get("Mesos-Stream-Id")
	if streamID == "" || streamID != st.id {
		http.Error(w, (api.ErrStreamIDMismatch{}).Error(), http.StatusBadRequest)
		return
	}

	switch call.Type {
	case api.CallUpdateState:
		if call.UpdateState != nil {
			s.backend.HandleUpdateState(ctx, call.ResourceProviderID, *call.UpdateState)
		}
	case api.CallUpdateOperationStatus:
		if call.UpdateOperationStatus != nil {
			s.backend.HandleOperationStatus(ctx, call.ResourceProviderID, *call.UpdateOperationStatus)
			st.send(&api.Event{
				Type: api.EventAcknowledgeOperationStatus,
				AcknowledgeOperationStatus: &api.EventAcknowledgeOperationStatusData{
					StatusUUID:    call.UpdateOperationStatus.Status.UUID,
					OperationUUID: call.UpdateOperationStatus.OperationUUID,
				},
			})
		}
	case api.CallUpdatePublishResourcesStatus:
		if call.UpdatePublishResourcesStatus != nil {
			s.resolvePublish(call.ResourceProviderID, *call.UpdatePublishResourcesStatus)
		}
	default:
		http.Error(w, fmt.Sprintf("unrecognized call type %q", call.Type), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ApplyOperation pushes an APPLY_OPERATION event to providerID's
// stream, the outbound half of §4.1/§4.3's contract.
func (s *Server) ApplyOperation(providerID api.ResourceProviderID, operationUUID, frameworkID string, info api.OperationInfo, version api.ResourceVersion) error {
	st := s.lookup(providerID)
	if st == nil {
		return api.ErrUnknownProvider{ID: providerID}
	}
	st.send(&api.Event{
		Type: api.EventApplyOperation,
		ApplyOperation: &api.EventApplyOperationData{
			FrameworkID:         api.FrameworkID(frameworkID),
			OperationUUID:       operationUUID,
			Info:                info,
			ResourceVersionUUID: version,
		},
	})
	return nil
}

// ReconcileOperations pushes a RECONCILE_OPERATIONS event.
func (s *Server) ReconcileOperations(providerID api.ResourceProviderID, uuids []string) error {
	st := s.lookup(providerID)
	if st == nil {
		return api.ErrUnknownProvider{ID: providerID}
	}
	st.send(&api.Event{
		Type:               api.EventReconcileOperations,
		ReconcileOperations: &api.EventReconcileOperationsData{OperationUUIDs: uuids},
	})
	return nil
}

// PublishResources groups resources by provider id, emits one
// PUBLISH_RESOURCES event per group, and returns a future resolving
// once every group acknowledges OK (§4.1 Fan-in).
func (s *Server) PublishResources(resources []api.Resource) (*PublishFuture, error) {
	groups := make(map[api.ResourceProviderID][]api.Resource)
	for _, r := range resources {
		groups[r.ProviderID] = append(groups[r.ProviderID], r)
	}
	if len(groups) == 0 {
		f := &PublishFuture{done: make(chan struct{})}
		close(f.done)
		return f, nil
	}

	future := &PublishFuture{done: make(chan struct{})}
	pending := &pendingPublish{remaining: make(map[api.ResourceProviderID]bool, len(groups)), future: future}

	for providerID, group := range groups {
		st := s.lookup(providerID)
		if st == nil {
			return nil, api.ErrUnknownProvider{ID: providerID}
		}
		publishUUID := uuid.NewString()
		pending.uuids = append(pending.uuids, publishUUID)
		s.mu.Lock()
		s.pendings[publishUUID] = pending
		s.mu.Unlock()
		pending.remaining[providerID] = true
		st.send(&api.Event{
			Type: api.EventPublishResources,
			PublishResources: &api.EventPublishResourcesData{
				UUID:      publishUUID,
				Resources: group,
			},
		})
	}
	return future, nil
}

func (s *Server) resolvePublish(providerID api.ResourceProviderID, data api.CallUpdatePublishResourcesStatusData) {
	s.mu.Lock()
	pending, ok := s.pendings[data.UUID]
	s.mu.Unlock()
	if !ok {
		return
	}

	pending.mu.Lock()
	if pending.resolved {
		pending.mu.Unlock()
		return
	}
	delete(pending.remaining, providerID)
	switch {
	case data.Status == api.PublishFailed:
		pending.resolved = true
		pending.future.err = fmt.Errorf("rpmhttp: publish failed for provider %s", providerID)
		close(pending.future.done)
	case len(pending.remaining) == 0:
		pending.resolved = true
		close(pending.future.done)
	}
	resolved := pending.resolved
	pending.mu.Unlock()

	if resolved {
		s.mu.Lock()
		for _, id := range pending.uuids {
			delete(s.pendings, id)
		}
		s.mu.Unlock()
	}
}

func (s *Server) lookup(providerID api.ResourceProviderID) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[providerID]
}

func recognized(contentType string) bool {
	for _, ct := range api.RecognizedContentTypes() {
		if ct == contentType {
			return true
		}
	}
	return false
}

// acceptable reports whether the Accept header allows contentType,
// a best-effort match (media-type token comparison, ignoring
// q-parameters) rather than full RFC 7231 weighted negotiation.
func acceptable(accept, contentType string) bool {
	for _, part := range strings.Split(accept, ",") {
		token := strings.TrimSpace(part)
		if i := strings.IndexByte(token, ';'); i >= 0 {
			token = strings.TrimSpace(token[:i])
		}
		if token == "*/*" || token == contentType {
			return true
		}
	}
	return false
}
