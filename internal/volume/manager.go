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

// Package volume implements the per-volume lifecycle state machine and
// the per-volume FIFO serialization of §4.2: one actor goroutine per
// volume id, each processing a mailbox of closures so concurrent calls
// against distinct volumes never block each other while calls against
// the same volume never race.
package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/store"
)

// ClientSource supplies the current CSI client, blocking callers until
// one is available. The Plugin Supervisor satisfies this: a fresh
// client is installed after every successful restart, and Ready's
// channel closes to release calls that were parked mid-publish when
// the plugin crashed (§8 scenario: plugin crash mid-publish).
type ClientSource interface {
	Client() *csiclient.Client
	Ready() <-chan struct{}
}

// Manager owns one actor per volume id and the directory each
// VolumeState is checkpointed under.
type Manager struct {
	dir    string
	bootID string
	csi    ClientSource

	mu     sync.Mutex
	actors map[string]*actor
}

// NewManager constructs a Manager rooted at dir (typically
// <work-dir>/volumes) that demotes recovered states against bootID.
func NewManager(dir, bootID string, csi ClientSource) *Manager {
	return &Manager{
		dir:    dir,
		bootID: bootID,
		csi:    csi,
		actors: make(map[string]*actor),
	}
}

func (m *Manager) path(volumeID string) string {
	return filepath.Join(m.dir, volumeID+".json")
}

// CurrentClient returns the CSI client currently installed by the
// Plugin Supervisor, or nil if none is live yet. The Operation
// Pipeline uses this directly for Controller RPCs that aren't part of
// a specific volume's publish/unpublish sequence (CreateVolume,
// DeleteVolume, ValidateVolumeCapabilities).
func (m *Manager) CurrentClient() *csiclient.Client {
	return m.csi.Client()
}

// Recover loads every persisted VolumeState from disk, applies the
// §4.2 reboot-demotion rule, and rewrites any state that changed
// before any actor can observe it, matching the checkpoint-before-call
// law applied in reverse at startup.
func (m *Manager) Recover(ctx context.Context) error {
	names, err := store.List(m.dir)
	if err != nil {
		return fmt.Errorf("volume: recover: %w", err)
	}
	for _, name := range names {
		path := m.path(name)
		var vs api.VolumeState
		if err := store.Load(path, &vs); err != nil {
			log.Warningf(ctx, "volume: recover %s: %v", name, err)
			continue
		}
		before := vs.State
		vs.Demote(m.bootID)
		if vs.State != before {
			log.Infof(ctx, "volume: demoting %s from %s to %s on boot id change", name, before, vs.State)
			if err := store.WriteAtomic(path, vs); err != nil {
				return fmt.Errorf("volume: recover %s: persist demotion: %w", name, err)
			}
		}
		m.getOrCreateActor(name)
	}
	return nil
}

func (m *Manager) getOrCreateActor(volumeID string) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[volumeID]
	if !ok {
		a = newActor(volumeID, m.path(volumeID), m.bootID, m.csi)
		m.actors[volumeID] = a
		go a.run()
	}
	return a
}

// Publish drives volumeID from its current state through
// CONTROLLER_PUBLISH/NODE_READY, optionally NODE_STAGE/VOL_READY and
// NODE_PUBLISH/PUBLISHED, stopping once nodePublishRequired is
// satisfied, creating a fresh CREATED record if none is persisted yet.
func (m *Manager) Publish(ctx context.Context, volumeID string, cap api.VolumeCapability, params, attrs map[string]string, nodePublishRequired bool) (map[string]string, error) {
	a := m.getOrCreateActor(volumeID)
	return a.publish(ctx, cap, params, attrs, nodePublishRequired)
}

// Unpublish drives volumeID back down to CREATED, tolerating a volume
// that was never published (no-op). Its actor stays registered; only
// Forget removes it.
func (m *Manager) Unpublish(ctx context.Context, volumeID string) error {
	a := m.getOrCreateActor(volumeID)
	return a.unpublish(ctx)
}

// Forget removes volumeID's persisted record and retires its actor.
// It is the last step of the DestroyDisk sequence (§4.3): callers must
// already have driven the volume down via Unpublish and, if the plugin
// supports it, deleted the backing CSI volume, so a crash or a
// permanent DeleteVolume failure never loses the provider's only
// record of a volume whose backing storage still exists.
func (m *Manager) Forget(ctx context.Context, volumeID string) error {
	a := m.getOrCreateActor(volumeID)
	if err := a.forget(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.actors, volumeID)
	m.mu.Unlock()
	return nil
}

// Lookup returns the current persisted state for volumeID, or a zero
// VolumeState plus false if no record exists or it cannot be read.
func (m *Manager) Lookup(volumeID string) (api.VolumeState, bool) {
	var vs api.VolumeState
	if err := store.Load(m.path(volumeID), &vs); err != nil {
		if err == store.ErrNotFound {
			return api.VolumeState{}, false
		}
		return api.VolumeState{}, false
	}
	return vs, true
}

// Create persists a brand-new CREATED record for volumeID, used by
// the Operation Pipeline's CreateDisk path once CSI CreateVolume or
// ValidateVolumeCapabilities succeeds.
func (m *Manager) Create(ctx context.Context, vs api.VolumeState) error {
	vs.State = api.StateCreated
	vs.BootID = m.bootID
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("volume: create: %w", err)
	}
	if err := store.WriteAtomic(m.path(vs.VolumeID), vs); err != nil {
		return fmt.Errorf("volume: create %s: %w", vs.VolumeID, err)
	}
	m.getOrCreateActor(vs.VolumeID)
	return nil
}
