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

package rpmhttp

import (
	"context"
	"net/http"

	"github.com/mesos/storage-local-resource-provider/internal/api"
	"github.com/mesos/storage-local-resource-provider/internal/log"
)

// stream holds one subscribed provider's chunked connection: a
// buffered outbound event queue and the means to tear it down when a
// resubscribe supersedes it (§4.1: "an already-subscribed id
// subscribes again, replace the connection").
type stream struct {
	providerID api.ResourceProviderID
	id         string
	codec      api.Codec

	events     chan *api.Event
	superseded chan struct{}
}

func newStream(providerID api.ResourceProviderID, streamID string, codec api.Codec) *stream {
	return &stream{
		providerID: providerID,
		id:         streamID,
		codec:      codec,
		events:     make(chan *api.Event, 64),
		superseded: make(chan struct{}),
	}
}

// send enqueues ev for delivery; non-blocking against a full queue
// would risk silently dropping events, so this blocks the caller
// (bounded by a reasonably large buffer) rather than lose one.
func (s *stream) send(ev *api.Event) {
	select {
	case s.events <- ev:
	case <-s.superseded:
	}
}

// supersede signals pump to stop, used when a new SUBSCRIBE for the
// same provider id replaces this connection.
func (s *stream) supersede() {
	close(s.superseded)
}

// pump writes queued events as RecordIO frames until the client
// disconnects or the stream is superseded.
func (s *stream) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) {
	for {
		select {
		case ev := <-s.events:
			data, err := s.codec.EncodeEvent(ev)
			if err != nil {
				log.Errorf(ctx, "rpmhttp: encode event: %v", err)
				continue
			}
			if err := writeFrame(w, data); err != nil {
				log.Warningf(ctx, "rpmhttp: %s: write frame: %v", s.providerID, err)
				return
			}
			flusher.Flush()
		case <-s.superseded:
			return
		case <-ctx.Done():
			return
		}
	}
}
