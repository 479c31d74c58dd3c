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

package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
)

// DockerRunner is the ContainerRunner backing production use: it
// launches the CSI plugin as a Docker container, bind-mounting the
// endpoint directory so the provider and plugin share the UNIX
// socket, mirroring how a Mesos agent's containerizer would run it.
type DockerRunner struct {
	client      *dockerclient.Client
	endpointDir string

	mu          sync.Mutex
	containerID string
}

// NewDockerRunner constructs a DockerRunner talking to the local
// Docker daemon, bind-mounting hostEndpointDir into the container.
func NewDockerRunner(hostEndpointDir string) (*DockerRunner, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("supervisor: new docker client: %w", err)
	}
	return &DockerRunner{client: cli, endpointDir: hostEndpointDir}, nil
}

// Launch creates and starts a container per spec, replacing any
// previously launched one this runner still tracks.
func (r *DockerRunner) Launch(ctx context.Context, spec api.ContainerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.containerID != "" {
		_ = r.client.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true})
		r.containerID = ""
	}

	cfg := &container.Config{
		Image: spec.Image,
	}
	if spec.Command != "" {
		cfg.Cmd = []string{spec.Command}
	}
	hostCfg := &container.HostConfig{
		Binds: []string{r.endpointDir + ":" + r.endpointDir},
	}

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("supervisor: container create: %w", err)
	}
	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("supervisor: container start: %w", err)
	}
	r.containerID = created.ID
	log.Infof(ctx, "supervisor: launched plugin container %s (image %s)", created.ID, spec.Image)
	return nil
}

// Wait blocks until the tracked container exits.
func (r *DockerRunner) Wait(ctx context.Context) error {
	r.mu.Lock()
	id := r.containerID
	r.mu.Unlock()
	if id == "" {
		return fmt.Errorf("supervisor: wait: no container launched")
	}

	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case st := <-statusCh:
		if st.StatusCode != 0 {
			return fmt.Errorf("supervisor: container %s exited with status %d", id, st.StatusCode)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the tracked container.
func (r *DockerRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	id := r.containerID
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	return r.client.ContainerStop(ctx, id, container.StopOptions{})
}
