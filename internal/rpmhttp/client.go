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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mesos/storage-local-resource-provider/internal/api"
)

// Client is the provider side of the RPM contract (§6): it SUBSCRIBEs
// to baseURL, reads the resulting chunked Event stream, and sends
// subsequent Calls tagged with the Mesos-Stream-Id the subscribe
// response carried. internal/provider drives one Client against the
// Server this process also hosts, exercising the same wire contract a
// remote provider process would use against a real agent.
//
// Client always speaks JSON: it picks its own encoding rather than
// negotiating, since api.CodecFor(api.ContentTypeJSON) is always
// registered (the codecs map in internal/api's codec.go).
type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.RWMutex
	streamID string
}

// NewClient constructs a Client against baseURL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// Subscribe posts a SUBSCRIBE call and returns an Events iterator
// reading the chunked response body. Close the iterator to release
// the connection.
func (c *Client) Subscribe(ctx context.Context, info api.ResourceProviderInfo) (*Events, error) {
	call := &api.Call{
		Type:      api.CallSubscribe,
		Subscribe: &api.CallSubscribeData{ResourceProviderInfo: info},
	}
	resp, err := c.post(ctx, call, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("rpmhttp: subscribe: unexpected status %s", resp.Status)
	}

	streamID := resp.Header.Get("Mesos-Stream-Id")
	if streamID == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("rpmhttp: subscribe response missing Mesos-Stream-Id")
	}
	c.mu.Lock()
	c.streamID = streamID
	c.mu.Unlock()

	return &Events{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// Send posts a non-subscribe call, tagging it with the current
// Mesos-Stream-Id.
func (c *Client) Send(ctx context.Context, call *api.Call) error {
	c.mu.RLock()
	streamID := c.streamID
	c.mu.RUnlock()
	if streamID == "" {
		return fmt.Errorf("rpmhttp: send before subscribe completed")
	}
	resp, err := c.post(ctx, call, streamID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("rpmhttp: call %s: unexpected status %s", call.Type, resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, call *api.Call, streamID string) (*http.Response, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("rpmhttp: encode call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", api.ContentTypeJSON)
	req.Header.Set("Accept", api.ContentTypeJSON)
	if streamID != "" {
		req.Header.Set("Mesos-Stream-Id", streamID)
	}
	return c.http.Do(req)
}

// Events reads framed Event records off a subscribed connection.
type Events struct {
	body   io.Closer
	reader *bufio.Reader
}

// Next blocks for the next event, returning the read error (typically
// wrapping io.EOF) once the connection closes.
func (e *Events) Next() (*api.Event, error) {
	frame, err := readFrame(e.reader)
	if err != nil {
		return nil, err
	}
	var ev api.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("rpmhttp: decode event: %w", err)
	}
	return &ev, nil
}

// Close releases the underlying connection.
func (e *Events) Close() error { return e.body.Close() }
