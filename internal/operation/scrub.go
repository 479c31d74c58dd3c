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
	"fmt"
	"os"
	"path/filepath"
)

// scrub removes every entry under root without removing root itself,
// the DESTROY-time cleanup step of §4.3. SLRP's scrub target is a
// generic mounted filesystem, not an encrypted RBD image, so this is a
// plain os.RemoveAll-based stand-in for the teacher's fscrypt/keyring
// erasure helpers rather than a port of them.
func scrub(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scrub: readdir %s: %w", root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("scrub: remove %s: %w", filepath.Join(root, e.Name()), err)
		}
	}
	return nil
}
