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

package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/mesos/storage-local-resource-provider/internal/api"
)

// profileSpec is one entry of the profile_matrix a catalog document
// carries, the Go mirror of the original DiskProfileAdaptor's
// ProfileInfo.
type profileSpec struct {
	VolumeCapability api.VolumeCapability `json:"volume_capability"`
	CreateParameters map[string]string    `json:"create_parameters"`
}

type catalogDocument struct {
	ProfileMatrix map[string]profileSpec `json:"profile_matrix"`
}

// URICatalog implements Catalog by polling uri (an http(s):// or
// file:// URL) for a JSON profile_matrix document, mirroring the
// original implementation's default `org.apache.mesos.UriDiskProfileAdaptor`
// module: poll a static or dynamically-regenerated document, with no
// push notification from the catalog source.
type URICatalog struct {
	uri    string
	client *http.Client

	mu  sync.Mutex
	doc catalogDocument
}

// NewURICatalog constructs a URICatalog that fetches uri on every
// Names call, and on a Translate call only when the cached document
// lacks the requested name.
func NewURICatalog(uri string) *URICatalog {
	return &URICatalog{uri: uri, client: &http.Client{}}
}

// Names fetches the current document and returns its profile names.
func (c *URICatalog) Names(ctx context.Context) ([]string, error) {
	doc, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.ProfileMatrix))
	for name := range doc.ProfileMatrix {
		names = append(names, name)
	}
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()
	return names, nil
}

// Translate resolves name against the document fetched by the most
// recent Names call, re-fetching if name isn't present yet (covers the
// case where the catalog added a profile between Adaptor polls).
func (c *URICatalog) Translate(ctx context.Context, name string) (api.VolumeCapability, map[string]string, error) {
	c.mu.Lock()
	spec, ok := c.doc.ProfileMatrix[name]
	c.mu.Unlock()
	if ok {
		return spec.VolumeCapability, spec.CreateParameters, nil
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		return api.VolumeCapability{}, nil, err
	}
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()
	spec, ok = doc.ProfileMatrix[name]
	if !ok {
		return api.VolumeCapability{}, nil, fmt.Errorf("profile: catalog has no entry for %q", name)
	}
	return spec.VolumeCapability, spec.CreateParameters, nil
}

func (c *URICatalog) fetch(ctx context.Context) (catalogDocument, error) {
	if strings.HasPrefix(c.uri, "file://") {
		return c.fetchFile(strings.TrimPrefix(c.uri, "file://"))
	}
	u, err := url.Parse(c.uri)
	if err != nil {
		return catalogDocument{}, fmt.Errorf("profile: parse catalog uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return c.fetchFile(c.uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return catalogDocument{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return catalogDocument{}, fmt.Errorf("profile: fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return catalogDocument{}, fmt.Errorf("profile: fetch catalog: unexpected status %s", resp.Status)
	}
	var doc catalogDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return catalogDocument{}, fmt.Errorf("profile: decode catalog: %w", err)
	}
	return doc, nil
}

func (c *URICatalog) fetchFile(path string) (catalogDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return catalogDocument{}, fmt.Errorf("profile: open catalog %s: %w", path, err)
	}
	defer f.Close()
	var doc catalogDocument
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return catalogDocument{}, fmt.Errorf("profile: decode catalog %s: %w", path, err)
	}
	return doc, nil
}
