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
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/metrics"
	"github.com/mesos/storage-local-resource-provider/internal/store"
)

// actor serializes every mutation against one volume id through a
// single goroutine reading a FIFO mailbox, the per-volume sequence
// §4.2/§5 require while leaving distinct volumes to run concurrently.
type actor struct {
	volumeID string
	path     string
	bootID   string
	csi      ClientSource

	mailbox chan func()
}

func newActor(volumeID, path, bootID string, csi ClientSource) *actor {
	return &actor{
		volumeID: volumeID,
		path:     path,
		bootID:   bootID,
		csi:      csi,
		mailbox:  make(chan func(), 16),
	}
}

func (a *actor) run() {
	for fn := range a.mailbox {
		fn()
	}
}

// do enqueues fn on the actor's mailbox and blocks for its result.
func (a *actor) do(ctx context.Context, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	select {
	case a.mailbox <- func() {
		v, err := fn()
		done <- result{v, err}
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *actor) load() (api.VolumeState, error) {
	var vs api.VolumeState
	err := store.Load(a.path, &vs)
	if err == store.ErrNotFound {
		return api.VolumeState{VolumeID: a.volumeID, State: api.StateCreated, BootID: a.bootID}, nil
	}
	return vs, err
}

// checkpoint writes vs before the CSI call it precedes is issued,
// the crash-recovery law of §8: on restart the persisted state always
// names a safe, idempotent continuation.
func (a *actor) checkpoint(vs api.VolumeState) error {
	if err := store.WriteAtomic(a.path, vs); err != nil {
		return err
	}
	metrics.VolumeStateTransitions.WithLabelValues(string(vs.State)).Inc()
	return nil
}

// awaitClient blocks until the supervisor has a live CSI client,
// resuming a call parked when the plugin crashed mid-operation.
func (a *actor) awaitClient(ctx context.Context) (*csiclient.Client, error) {
	c := a.csi.Client()
	if c != nil {
		return c, nil
	}
	select {
	case <-a.csi.Ready():
		c = a.csi.Client()
		if c == nil {
			return nil, fmt.Errorf("volume: %s: no CSI client available after ready signal", a.volumeID)
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *actor) publish(ctx context.Context, cap api.VolumeCapability, params, attrs map[string]string, nodePublishRequired bool) (map[string]string, error) {
	v, err := a.do(ctx, func() (any, error) {
		return a.publishLocked(ctx, cap, params, attrs, nodePublishRequired)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (a *actor) publishLocked(ctx context.Context, cap api.VolumeCapability, params, attrs map[string]string, nodePublishRequired bool) (map[string]string, error) {
	vs, err := a.load()
	if err != nil {
		return nil, fmt.Errorf("volume: %s: load: %w", a.volumeID, err)
	}
	vs.Capability = cap
	vs.Parameters = params
	vs.VolumeAttributes = attrs
	vs.NodePublishRequired = nodePublishRequired

	client, err := a.awaitClient(ctx)
	if err != nil {
		return nil, err
	}

	if vs.State == api.StateCreated {
		if client.Capabilities.ControllerPublishUnpublish {
			vs.State = api.StateControllerPublish
		} else {
			vs.State = api.StateNodeReady
			vs.BootID = a.bootID
		}
		if err := a.checkpoint(vs); err != nil {
			return nil, err
		}
	}

	// Resumed here after a crash that landed between the checkpoint
	// above and ControllerPublishVolume returning: CONTROLLER_PUBLISH
	// is excluded from Demote (§4.2), so re-issuing the call is the
	// only way forward, and CSI controller RPCs are required to be
	// idempotent.
	if vs.State == api.StateControllerPublish {
		if err := csiclient.Retry(ctx, func() error {
			_, err := client.Controller.ControllerPublishVolume(ctx, &csi.ControllerPublishVolumeRequest{
				VolumeId:         a.volumeID,
				VolumeCapability: csiclient.ToVolumeCapability(cap),
				VolumeContext:    attrs,
				Readonly:         false,
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("volume: %s: ControllerPublishVolume: %w", a.volumeID, err)
		}
		vs.State = api.StateNodeReady
		vs.BootID = a.bootID
		if err := a.checkpoint(vs); err != nil {
			return nil, err
		}
	}

	if vs.State == api.StateNodeReady && !cap.Block {
		if client.Capabilities.NodeStageUnstage {
			vs.State = api.StateNodeStage
			if err := a.checkpoint(vs); err != nil {
				return nil, err
			}
			if err := csiclient.Retry(ctx, func() error {
				_, err := client.Node.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
					VolumeId:          a.volumeID,
					VolumeCapability:  csiclient.ToVolumeCapability(cap),
					VolumeContext:     attrs,
					PublishContext:    vs.PublishInfo,
					StagingTargetPath: stagingPath(a.volumeID),
				})
				return err
			}); err != nil {
				return nil, fmt.Errorf("volume: %s: NodeStageVolume: %w", a.volumeID, err)
			}
		}
		vs.State = api.StateVolReady
		vs.BootID = a.bootID
		if err := a.checkpoint(vs); err != nil {
			return nil, err
		}
	}

	if !nodePublishRequired {
		return vs.PublishInfo, nil
	}

	if vs.State == api.StateVolReady || (vs.State == api.StateNodeReady && cap.Block) {
		vs.State = api.StateNodePublish
		if err := a.checkpoint(vs); err != nil {
			return nil, err
		}
		if err := csiclient.Retry(ctx, func() error {
			_, err := client.Node.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
				VolumeId:          a.volumeID,
				VolumeCapability:  csiclient.ToVolumeCapability(cap),
				VolumeContext:     attrs,
				PublishContext:    vs.PublishInfo,
				StagingTargetPath: stagingPath(a.volumeID),
				TargetPath:        publishPath(a.volumeID),
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("volume: %s: NodePublishVolume: %w", a.volumeID, err)
		}
		vs.State = api.StatePublished
		vs.BootID = a.bootID
		if err := a.checkpoint(vs); err != nil {
			return nil, err
		}
	}

	return vs.PublishInfo, nil
}

func (a *actor) unpublish(ctx context.Context) error {
	_, err := a.do(ctx, func() (any, error) {
		return nil, a.unpublishLocked(ctx)
	})
	return err
}

func (a *actor) unpublishLocked(ctx context.Context) error {
	vs, err := a.load()
	if err != nil {
		return fmt.Errorf("volume: %s: load: %w", a.volumeID, err)
	}
	if vs.State == api.StateCreated {
		return nil
	}

	client, err := a.awaitClient(ctx)
	if err != nil {
		return err
	}

	if vs.State == api.StatePublished {
		vs.State = api.StateNodeUnpublish
		if err := a.checkpoint(vs); err != nil {
			return err
		}
		if err := csiclient.Retry(ctx, func() error {
			_, err := client.Node.NodeUnpublishVolume(ctx, &csi.NodeUnpublishVolumeRequest{
				VolumeId:   a.volumeID,
				TargetPath: publishPath(a.volumeID),
			})
			return err
		}); err != nil {
			return fmt.Errorf("volume: %s: NodeUnpublishVolume: %w", a.volumeID, err)
		}
		vs.State = api.StateVolReady
		if err := a.checkpoint(vs); err != nil {
			return err
		}
	}

	if vs.State == api.StateVolReady {
		if client.Capabilities.NodeStageUnstage {
			vs.State = api.StateNodeUnstage
			if err := a.checkpoint(vs); err != nil {
				return err
			}
			if err := csiclient.Retry(ctx, func() error {
				_, err := client.Node.NodeUnstageVolume(ctx, &csi.NodeUnstageVolumeRequest{
					VolumeId:          a.volumeID,
					StagingTargetPath: stagingPath(a.volumeID),
				})
				return err
			}); err != nil {
				return fmt.Errorf("volume: %s: NodeUnstageVolume: %w", a.volumeID, err)
			}
		}
		vs.State = api.StateNodeReady
		if err := a.checkpoint(vs); err != nil {
			return err
		}
	}

	if vs.State == api.StateNodeReady {
		if client.Capabilities.ControllerPublishUnpublish {
			vs.State = api.StateControllerUnpublish
		} else {
			vs.State = api.StateCreated
		}
		if err := a.checkpoint(vs); err != nil {
			return err
		}
	}

	// Resumed here after a crash that landed between the checkpoint
	// above and ControllerUnpublishVolume returning, the unpublish-
	// direction counterpart of publishLocked's CONTROLLER_PUBLISH
	// resume branch.
	if vs.State == api.StateControllerUnpublish {
		if err := csiclient.Retry(ctx, func() error {
			_, err := client.Controller.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
				VolumeId: a.volumeID,
			})
			return err
		}); err != nil {
			return fmt.Errorf("volume: %s: ControllerUnpublishVolume: %w", a.volumeID, err)
		}
		vs.State = api.StateCreated
		if err := a.checkpoint(vs); err != nil {
			return err
		}
	}

	return nil
}

// forget removes the persisted record, the final step of DestroyDisk
// (§4.3) run only once DeleteVolume has already succeeded (or the
// plugin doesn't support CREATE_DELETE_VOLUME).
func (a *actor) forget(ctx context.Context) error {
	_, err := a.do(ctx, func() (any, error) {
		return nil, store.Remove(a.path)
	})
	if err != nil {
		log.Warningf(ctx, "volume: %s: forget: %v", a.volumeID, err)
	}
	return err
}

func stagingPath(volumeID string) string {
	return "/var/lib/mesos/slrp/staging/" + volumeID
}

func publishPath(volumeID string) string {
	return "/var/lib/mesos/slrp/published/" + volumeID
}
