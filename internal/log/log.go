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

// Package log provides context-scoped logging on top of klog/v2, used
// uniformly by every SLRP subsystem.
package log

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// Verbosity levels used across the provider.
const (
	Default klog.Level = iota + 1
	Useful
	Extended
	Debug
	Trace
)

type contextKey string

// ProviderIDKey tags a context with the resource-provider id handling
// the current call.
const ProviderIDKey = contextKey("provider-id")

// VolumeIDKey tags a context with the CSI volume id under mutation.
const VolumeIDKey = contextKey("volume-id")

// StreamIDKey tags a context with the Mesos-Stream-Id of the inbound call.
const StreamIDKey = contextKey("stream-id")

func tag(ctx context.Context, format string) string {
	prefix := ""
	if id := ctx.Value(ProviderIDKey); id != nil {
		prefix += fmt.Sprintf("provider=%v ", id)
	}
	if id := ctx.Value(VolumeIDKey); id != nil {
		prefix += fmt.Sprintf("volume=%v ", id)
	}
	if id := ctx.Value(StreamIDKey); id != nil {
		prefix += fmt.Sprintf("stream=%v ", id)
	}
	return prefix + format
}

// WithProviderID returns a child context tagged with a provider id.
func WithProviderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ProviderIDKey, id)
}

// WithVolumeID returns a child context tagged with a CSI volume id.
func WithVolumeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, VolumeIDKey, id)
}

// WithStreamID returns a child context tagged with a stream id.
func WithStreamID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, StreamIDKey, id)
}

// Errorf logs an error with context tags at the default verbosity.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	klog.ErrorDepth(1, fmt.Sprintf(tag(ctx, format), args...))
}

// Warningf logs a warning with context tags.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	klog.WarningDepth(1, fmt.Sprintf(tag(ctx, format), args...))
}

// Infof logs at Useful verbosity with context tags.
func Infof(ctx context.Context, format string, args ...interface{}) {
	klog.V(Useful).Infof(tag(ctx, format), args...)
}

// Tracef logs at Trace verbosity with context tags, for per-RPC detail.
func Tracef(ctx context.Context, format string, args ...interface{}) {
	klog.V(Trace).Infof(tag(ctx, format), args...)
}

// Fatalf logs a fatal internal-invariant violation and terminates the
// process so the supervising container runtime restarts it (§7 Fatal
// errors never recover in-process).
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	klog.FatalDepth(1, fmt.Sprintf(tag(ctx, format), args...))
}
