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

// Package operation implements the Operation Pipeline (§4.3):
// validation, resource-version fencing, speculative application, and
// the CreateDisk/DestroyDisk non-speculative paths against the Volume
// Manager.
package operation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/metrics"
	"github.com/mesos/storage-local-resource-provider/internal/statusupdate"
	"github.com/mesos/storage-local-resource-provider/internal/volume"
)

// dropMismatchedVersion is surfaced (as an OPERATION_DROPPED status,
// never as a Go error returned to an HTTP caller) when an APPLY_OPERATION's
// carried version disagrees with the provider's current one (§4.3).
const dropMismatchedVersion = "Mismatched resource version"

// VersionSource exposes the provider's current fencing token.
type VersionSource interface {
	CurrentVersion() api.ResourceVersion
}

// ReconciliationGate reports whether a storage-pool reconciliation is
// in flight, which blocks CREATE_DISK/DESTROY_DISK per §4.3/§4.6.
type ReconciliationGate interface {
	ReconciliationInFlight() bool
}

// Pipeline applies operations against the Volume Manager, fencing on
// resource version and reconciliation state, and reports every
// transition through the Status-Update Manager.
type Pipeline struct {
	volumes *volume.Manager
	status  *statusupdate.Manager
	version VersionSource
	recon   ReconciliationGate
}

// New constructs a Pipeline wired to its collaborators.
func New(volumes *volume.Manager, status *statusupdate.Manager, version VersionSource, recon ReconciliationGate) *Pipeline {
	return &Pipeline{volumes: volumes, status: status, version: version, recon: recon}
}

// Apply applies op, carried with the fencing token version, and
// returns the resulting conversion on success. Every outcome is
// checkpointed and pushed through the Status-Update Manager before
// Apply returns; callers don't need to push status themselves.
func (p *Pipeline) Apply(ctx context.Context, op api.Operation, version api.ResourceVersion) (*api.ResourceConversion, error) {
	if op.Info.Source.Disk != nil {
		ctx = log.WithVolumeID(ctx, op.Info.Source.Disk.ID)
	}

	if version != p.version.CurrentVersion() {
		p.status.Send(ctx, op.UUID, api.OperationStatus{
			UUID:    uuid.NewString(),
			State:   api.OperationDropped,
			Message: dropMismatchedVersion,
		})
		metrics.OperationsTotal.WithLabelValues(string(op.Info.Type), string(api.OperationDropped)).Inc()
		return nil, fmt.Errorf("operation: %s: %s", op.UUID, dropMismatchedVersion)
	}

	if !op.Info.Type.ToleratesReconciliation() && p.recon.ReconciliationInFlight() {
		p.status.Send(ctx, op.UUID, api.OperationStatus{
			UUID:    uuid.NewString(),
			State:   api.OperationDropped,
			Message: "reconciliation in flight",
		})
		metrics.OperationsTotal.WithLabelValues(string(op.Info.Type), string(api.OperationDropped)).Inc()
		return nil, fmt.Errorf("operation: %s: reconciliation in flight", op.UUID)
	}

	p.status.Send(ctx, op.UUID, api.OperationStatus{
		UUID:  uuid.NewString(),
		State: api.OperationPending,
	})

	var conv *api.ResourceConversion
	var err error
	if op.Info.Type.Speculative() {
		conv, err = p.applySpeculative(ctx, op)
	} else {
		conv, err = p.applyNonSpeculative(ctx, op)
	}

	if err != nil {
		p.status.Send(ctx, op.UUID, api.OperationStatus{
			UUID:    uuid.NewString(),
			State:   api.OperationFailed,
			Message: err.Error(),
		})
		metrics.OperationsTotal.WithLabelValues(string(op.Info.Type), string(api.OperationFailed)).Inc()
		return nil, err
	}

	p.status.Send(ctx, op.UUID, api.OperationStatus{
		UUID:       uuid.NewString(),
		State:      api.OperationFinished,
		Conversion: conv,
	})
	metrics.OperationsTotal.WithLabelValues(string(op.Info.Type), string(api.OperationFinished)).Inc()
	return conv, nil
}
