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

// Package statusupdate implements the Status-Update Manager (§4.4):
// one ordered, disk-backed stream per operation uuid, retried with
// backoff until the agent acknowledges, replaying unterminated
// streams on restart.
package statusupdate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/metrics"
	"github.com/mesos/storage-local-resource-provider/internal/store"
)

// Transport delivers one operation status to the agent (the RPM ->
// agent -> master path of §4.4). Implemented by internal/provider.
type Transport interface {
	SendUpdateOperationStatus(ctx context.Context, operationUUID string, status api.OperationStatus) error
}

// Manager owns one stream per operation uuid.
type Manager struct {
	dir       string
	transport Transport

	mu      sync.Mutex
	streams map[string]*operationStream
}

// New constructs a Manager persisting streams under dir.
func New(dir string, transport Transport) *Manager {
	return &Manager{dir: dir, transport: transport, streams: make(map[string]*operationStream)}
}

// Recover rebuilds every stream from its on-disk log and resumes
// retrying any that ended with a non-acknowledged status, the replay
// behavior §4.4 requires of restart.
func (m *Manager) Recover(ctx context.Context) error {
	names, err := store.List(m.dir)
	if err != nil {
		return fmt.Errorf("statusupdate: recover: %w", err)
	}
	for _, uuid := range names {
		s := m.getOrCreateStream(uuid)
		var entries []api.OperationStatus
		if err := store.Load(s.path, &entries); err != nil {
			continue
		}
		s.mu.Lock()
		s.log = entries
		s.mu.Unlock()
		if len(entries) > 0 {
			s.retry(ctx)
		}
	}
	return nil
}

func (m *Manager) getOrCreateStream(operationUUID string) *operationStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[operationUUID]
	if !ok {
		s = &operationStream{
			operationUUID: operationUUID,
			path:          filepath.Join(m.dir, operationUUID+".json"),
			transport:     m.transport,
		}
		m.streams[operationUUID] = s
	}
	return s
}

// Send appends status to operationUUID's stream and offers it for
// delivery. Every non-PENDING status is persisted before delivery is
// attempted (§4.4 Persistence).
func (m *Manager) Send(ctx context.Context, operationUUID string, status api.OperationStatus) {
	s := m.getOrCreateStream(operationUUID)
	if err := s.append(status); err != nil {
		log.Errorf(ctx, "statusupdate: %s: persist: %v", operationUUID, err)
	}
	s.retry(ctx)
}

// Ack stops retrying the status identified by statusUUID, and if it
// was the terminal status, retires the stream and removes its on-disk
// log.
func (m *Manager) Ack(operationUUID, statusUUID string) {
	m.mu.Lock()
	s, ok := m.streams[operationUUID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if s.ack(statusUUID) {
		m.mu.Lock()
		delete(m.streams, operationUUID)
		m.mu.Unlock()
		if err := store.Remove(s.path); err != nil {
			log.Errorf(context.Background(), "statusupdate: %s: remove retired stream: %v", operationUUID, err)
		}
	}
}

// Reconcile returns the latest status for every known uuid in uuids,
// synthesizing an OPERATION_DROPPED status for uuids this provider has
// no record of (§4.4 scenario: reconcile against an unknown operation).
func (m *Manager) Reconcile(uuids []string) map[string]api.OperationStatus {
	out := make(map[string]api.OperationStatus, len(uuids))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range uuids {
		if s, ok := m.streams[id]; ok {
			out[id] = s.latest()
			continue
		}
		out[id] = api.OperationStatus{State: api.OperationDropped, Message: "unknown operation"}
	}
	return out
}

// operationStream holds one operation's ordered, disk-backed log and
// its in-flight retry loop.
type operationStream struct {
	operationUUID string
	path          string
	transport     Transport

	mu      sync.Mutex
	log     []api.OperationStatus
	acked   map[string]bool
	running bool
}

func (s *operationStream) append(status api.OperationStatus) error {
	s.mu.Lock()
	s.log = append(s.log, status)
	snapshot := append([]api.OperationStatus(nil), s.log...)
	s.mu.Unlock()
	return store.WriteAtomic(s.path, snapshot)
}

func (s *operationStream) latest() api.OperationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return api.OperationStatus{}
	}
	return s.log[len(s.log)-1]
}

// ack marks statusUUID delivered; returns true if the acknowledged
// status was the stream's terminal one (the stream can be retired).
func (s *operationStream) ack(statusUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acked == nil {
		s.acked = make(map[string]bool)
	}
	s.acked[statusUUID] = true
	if len(s.log) == 0 {
		return false
	}
	last := s.log[len(s.log)-1]
	return last.UUID == statusUUID && last.State.Terminal()
}

// retry delivers every unacknowledged status in order, backing off
// between attempts (minimum interval ~10s, capped exponential, §4.4).
// Only one retry loop runs per stream at a time.
func (s *operationStream) retry(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Second
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0

		sent := make(map[string]bool)
		_ = backoff.Retry(func() error {
			s.mu.Lock()
			pending := make([]api.OperationStatus, 0, len(s.log))
			for _, st := range s.log {
				if !s.acked[st.UUID] {
					pending = append(pending, st)
				}
			}
			s.mu.Unlock()

			if len(pending) == 0 {
				return nil
			}
			for _, st := range pending {
				if sent[st.UUID] {
					metrics.StatusUpdateRetries.Inc()
				}
				sent[st.UUID] = true
				if err := s.transport.SendUpdateOperationStatus(ctx, s.operationUUID, st); err != nil {
					return err
				}
			}
			return fmt.Errorf("statusupdate: %s: awaiting acknowledgement", s.operationUUID)
		}, backoff.WithContext(b, ctx))
	}()
}
