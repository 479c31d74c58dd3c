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
	"fmt"

	"github.com/mesos/storage-local-resource-provider/internal/api"
)

// applySpeculative applies RESERVE/UNRESERVE/CREATE/DESTROY directly
// to the carried resources with no plugin calls (§4.3). DESTROY of a
// persistent volume scrubs each carried MOUNT disk that has a mount
// root, then returns the resources unchanged (no conversion to RAW).
func (p *Pipeline) applySpeculative(ctx context.Context, op api.Operation) (*api.ResourceConversion, error) {
	switch op.Info.Type {
	case api.OpReserve, api.OpUnreserve:
		return &api.ResourceConversion{Consumed: op.Info.Resources, Converted: op.Info.Resources}, nil

	case api.OpCreate:
		return &api.ResourceConversion{Consumed: op.Info.Resources, Converted: op.Info.Resources}, nil

	case api.OpDestroy:
		for _, r := range op.Info.Resources {
			if r.Disk != nil && r.Disk.Type == api.SourceMount && r.Disk.MountRoot != "" {
				if err := scrub(r.Disk.MountRoot); err != nil {
					return nil, fmt.Errorf("operation: %s: scrub %s: %w", op.UUID, r.Disk.MountRoot, err)
				}
			}
		}
		return &api.ResourceConversion{Consumed: op.Info.Resources, Converted: op.Info.Resources}, nil

	default:
		return nil, fmt.Errorf("operation: %s: %s is not a speculative operation", op.UUID, op.Info.Type)
	}
}
