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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `{
	"profile_matrix": {
		"fast-ssd": {
			"volume_capability": {"access_mode": "MULTI_NODE_READER_ONLY", "fs_type": "ext4"},
			"create_parameters": {"tier": "premium"}
		}
	}
}`

func TestURICatalogNamesAndTranslateOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testDocument))
	}))
	defer srv.Close()

	catalog := NewURICatalog(srv.URL)

	names, err := catalog.Names(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fast-ssd"}, names)

	cap, params, err := catalog.Translate(context.Background(), "fast-ssd")
	require.NoError(t, err)
	assert.Equal(t, "ext4", cap.FsType)
	assert.Equal(t, "premium", params["tier"])
}

func TestURICatalogTranslateUnknownProfileRefetches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(testDocument))
	}))
	defer srv.Close()

	catalog := NewURICatalog(srv.URL)
	_, _, err := catalog.Translate(context.Background(), "fast-ssd")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "Translate on an unseen profile must fetch once")

	_, _, err = catalog.Translate(context.Background(), "missing")
	assert.Error(t, err)
	assert.Equal(t, 2, calls, "a miss against the cached document must refetch before failing")
}

func TestURICatalogHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	catalog := NewURICatalog(srv.URL)
	_, err := catalog.Names(context.Background())
	assert.Error(t, err)
}

func TestURICatalogFileURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(testDocument), 0o644))

	catalog := NewURICatalog("file://" + path)
	names, err := catalog.Names(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fast-ssd"}, names)
}

func TestURICatalogFileURIMissing(t *testing.T) {
	catalog := NewURICatalog("file:///no/such/catalog.json")
	_, err := catalog.Names(context.Background())
	assert.Error(t, err)
}
