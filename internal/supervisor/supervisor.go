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

// Package supervisor launches and restarts the CSI plugin container
// (§4.5), watches for its UNIX socket to appear, and hands a live
// internal/csiclient.Client to the rest of the provider.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/csiclient"
	"github.com/mesos/storage-local-resource-provider/internal/log"
	"github.com/mesos/storage-local-resource-provider/internal/metrics"
)

// ContainerRunner launches and supervises the plugin container. The
// docker-backed implementation lives in docker_runner.go.
type ContainerRunner interface {
	// Launch starts the container described by spec and returns
	// immediately; Wait reports its exit.
	Launch(ctx context.Context, spec api.ContainerSpec) error
	// Wait blocks until the most recently launched container exits,
	// returning the exit error (nil for a clean exit).
	Wait(ctx context.Context) error
	// Stop terminates the running container.
	Stop(ctx context.Context) error
}

// Supervisor owns the running plugin container and the current
// internal/csiclient.Client, reinstalling both after a crash.
type Supervisor struct {
	runner       ContainerRunner
	spec         api.ContainerSpec
	endpointDir  string
	endpointSock string
	socketWait   time.Duration

	mu     sync.Mutex
	client *csiclient.Client
	ready  chan struct{}
}

// New constructs a Supervisor that launches spec via runner and dials
// the plugin at endpointDir/endpointSock once the socket appears.
func New(runner ContainerRunner, spec api.ContainerSpec, endpointDir, endpointSock string) *Supervisor {
	return &Supervisor{
		runner:       runner,
		spec:         spec,
		endpointDir:  endpointDir,
		endpointSock: endpointSock,
		socketWait:   time.Minute,
		ready:        make(chan struct{}),
	}
}

// SetSocketWait overrides the default one-minute bound on how long
// connect() waits for the plugin's socket to appear after launch.
func (s *Supervisor) SetSocketWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socketWait = d
}

// Client returns the currently installed CSI client, or nil if the
// plugin container isn't up yet (internal/volume.ClientSource).
func (s *Supervisor) Client() *csiclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Ready returns a channel that closes each time a fresh client is
// installed (internal/volume.ClientSource).
func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Start launches the plugin, dials it, and loops: on container exit it
// clears the client, counts a restart, and relaunches (§4.5).
func (s *Supervisor) Start(ctx context.Context) error {
	for {
		if err := s.runner.Launch(ctx, s.spec); err != nil {
			return fmt.Errorf("supervisor: launch: %w", err)
		}

		client, err := s.connect(ctx)
		if err != nil {
			log.Errorf(ctx, "supervisor: connect: %v", err)
		} else {
			s.install(client)
		}

		waitErr := s.runner.Wait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warningf(ctx, "supervisor: plugin container exited (%v), restarting", waitErr)
		metrics.PluginRestarts.Inc()
		s.clear()
	}
}

func (s *Supervisor) connect(ctx context.Context) (*csiclient.Client, error) {
	sockPath := filepath.Join(s.endpointDir, s.endpointSock)
	if err := waitForSocket(ctx, sockPath, s.socketWait); err != nil {
		return nil, err
	}
	return csiclient.Dial(ctx, "unix://"+sockPath)
}

func (s *Supervisor) install(client *csiclient.Client) {
	s.mu.Lock()
	s.client = client
	ready := s.ready
	s.ready = make(chan struct{})
	s.mu.Unlock()
	close(ready)
}

func (s *Supervisor) clear() {
	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.client = nil
	s.mu.Unlock()
}

// waitForSocket blocks until path exists or timeout elapses, watching
// its parent directory with fsnotify rather than polling.
func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	if fileExists(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("supervisor: new watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("supervisor: watch %s: %w", dir, err)
	}

	if fileExists(path) {
		return nil
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("supervisor: watcher: %w", err)
		case <-deadline:
			return fmt.Errorf("supervisor: timed out waiting for socket %s", path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
