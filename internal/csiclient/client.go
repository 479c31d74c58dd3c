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

// Package csiclient wraps a gRPC connection to a CSI v1 plugin:
// dial-until-ready, one-shot PROBE, capability discovery, and the
// retry/classification rules of §4.2. It plays the client half of the
// same RPCs the teacher repository (ceph-csi) implements as a server.
package csiclient

import (
	"context"
	"fmt"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	connlib "github.com/kubernetes-csi/csi-lib-utils/connection"
	csimetrics "github.com/kubernetes-csi/csi-lib-utils/metrics"
	csirpc "github.com/kubernetes-csi/csi-lib-utils/rpc"
	"google.golang.org/grpc"

	"github.com/mesos/storage-local-resource-provider/internal/log"
)

// Client is a live connection to a CSI plugin endpoint plus its
// discovered capability set.
type Client struct {
	conn *grpc.ClientConn

	Identity   csi.IdentityClient
	Controller csi.ControllerClient
	Node       csi.NodeClient

	Name         string
	Capabilities Capabilities
}

// Dial connects to endpoint (a UNIX socket path or a grpc target per
// csi-lib-utils/connection.Connect's naming rules), blocking until the
// connection succeeds, runs PROBE once, and discovers capabilities.
// Mirrors internal/liveness/liveness.go's connect-then-probe sequence,
// generalized from a one-shot health check into the persistent client
// the Volume Manager and Operation Pipeline share.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	metricsManager := csimetrics.NewCSIMetricsManager("")

	conn, err := connlib.Connect(endpoint, metricsManager)
	if err != nil {
		return nil, fmt.Errorf("csiclient: connect %s: %w", endpoint, err)
	}

	ready, err := csirpc.Probe(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("csiclient: probe %s: %w", endpoint, err)
	}
	if !ready {
		conn.Close()
		return nil, fmt.Errorf("csiclient: plugin at %s responded but is not ready", endpoint)
	}

	name, err := csirpc.GetDriverName(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("csiclient: get driver name: %w", err)
	}
	metricsManager.SetDriverName(name)

	c := &Client{
		conn:       conn,
		Identity:   csi.NewIdentityClient(conn),
		Controller: csi.NewControllerClient(conn),
		Node:       csi.NewNodeClient(conn),
		Name:       name,
	}

	caps, err := discoverCapabilities(ctx, c)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("csiclient: discover capabilities: %w", err)
	}
	c.Capabilities = caps

	log.Infof(ctx, "csiclient: connected to plugin %q at %s (controller publish=%v stage=%v create-delete=%v get-capacity=%v list-volumes=%v)",
		name, endpoint, caps.ControllerPublishUnpublish, caps.NodeStageUnstage,
		caps.ControllerCreateDeleteVolume, caps.ControllerGetCapacity, caps.ControllerListVolumes)

	return c, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WaitReady does not block: it returns a child of ctx that ends after
// timeout, for callers that want a bounded wait on top
// of connlib's own indefinite retry; kept separate so volume/operation
// code can simply treat Client as ready immediately after Dial returns.
func WaitReady(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
