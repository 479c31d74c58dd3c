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

// Package registrar implements the Registry of §4.7: the persistent
// set of admitted resource-provider records plus a removed-set, with
// the admit/remove guarantees the RPM relies on at subscribe time.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/store"
)

// ErrIdentityChanged is returned when an admit names an id that is
// already registered under a different type/name (§3 immutability).
var ErrIdentityChanged = errors.New("registrar: type/name changed for an already-admitted id")

// ErrRemoved is returned when an admit names a type+name pair whose id
// was previously removed (§4.7 guarantee (i)).
var ErrRemoved = errors.New("registrar: a provider with this type/name was previously removed")

// ErrUnknownIdentity is returned when an admit names a non-empty id the
// registry has no record of (§4.1: "if the id is unknown, close the
// stream"). Unlike an empty id, a stale or forged id is never treated
// as a fresh admit.
var ErrUnknownIdentity = errors.New("registrar: unknown resource provider id")

type record struct {
	Info    api.ResourceProviderInfo `json:"info"`
	Removed bool                     `json:"removed"`
}

// Registrar is the durable Registry: AdmitResourceProvider /
// RemoveResourceProvider against an on-disk record set, one file per
// provider id under dir.
type Registrar struct {
	dir string

	mu      sync.Mutex
	byID    map[api.ResourceProviderID]record
	removed map[string]bool // "type/name" -> true
}

// New constructs a Registrar rooted at dir.
func New(dir string) *Registrar {
	return &Registrar{
		dir:     dir,
		byID:    make(map[api.ResourceProviderID]record),
		removed: make(map[string]bool),
	}
}

func key(typ, name string) string { return typ + "/" + name }

// Recover loads every persisted record, rebuilding the admitted and
// removed sets (§4.7 guarantee (iii)).
func (r *Registrar) Recover(ctx context.Context) error {
	names, err := store.List(r.dir)
	if err != nil {
		return fmt.Errorf("registrar: recover: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		var rec record
		if err := store.Load(filepath.Join(r.dir, name+".json"), &rec); err != nil {
			return fmt.Errorf("registrar: recover %s: %w", name, err)
		}
		r.byID[rec.Info.ID] = rec
		if rec.Removed {
			r.removed[key(rec.Info.Type, rec.Info.Name)] = true
		}
	}
	return nil
}

// Admit admits info, assigning a fresh id if info.ID is empty (first
// subscribe) or validating the existing id's identity is unchanged
// (resubscribe). A non-empty id the registry has no record of is
// rejected with ErrUnknownIdentity rather than admitted as if it were
// fresh (§4.1). Returns the admitted (possibly id-populated) info.
func (r *Registrar) Admit(ctx context.Context, info api.ResourceProviderInfo) (api.ResourceProviderInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.ID == "" {
		if r.removed[key(info.Type, info.Name)] {
			return api.ResourceProviderInfo{}, ErrRemoved
		}
		info.ID = api.ResourceProviderID(uuid.NewString())
		if err := r.persist(info, false); err != nil {
			return api.ResourceProviderInfo{}, err
		}
		return info, nil
	}

	existing, ok := r.byID[info.ID]
	if !ok {
		return api.ResourceProviderInfo{}, ErrUnknownIdentity
	}
	if existing.Info.Type != info.Type || existing.Info.Name != info.Name {
		return api.ResourceProviderInfo{}, ErrIdentityChanged
	}
	return existing.Info, nil
}

// Remove marks id removed; its type+name can never be re-admitted.
func (r *Registrar) Remove(ctx context.Context, id api.ResourceProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("registrar: remove: unknown provider id %s", id)
	}
	existing.Removed = true
	if err := r.persistRecord(existing); err != nil {
		return err
	}
	r.byID[id] = existing
	r.removed[key(existing.Info.Type, existing.Info.Name)] = true
	return nil
}

// Lookup returns the admitted info for id, if any and not removed.
func (r *Registrar) Lookup(id api.ResourceProviderID) (api.ResourceProviderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok || rec.Removed {
		return api.ResourceProviderInfo{}, false
	}
	return rec.Info, true
}

func (r *Registrar) persist(info api.ResourceProviderInfo, removed bool) error {
	rec := record{Info: info, Removed: removed}
	if err := r.persistRecord(rec); err != nil {
		return err
	}
	r.byID[info.ID] = rec
	return nil
}

func (r *Registrar) persistRecord(rec record) error {
	path := filepath.Join(r.dir, string(rec.Info.ID)+".json")
	if err := store.WriteAtomic(path, rec); err != nil {
		return fmt.Errorf("registrar: persist %s: %w", rec.Info.ID, err)
	}
	return nil
}
