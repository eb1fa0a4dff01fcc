// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePlainValuePassesThrough(t *testing.T) {
	r := DefaultResolver()
	v, err := r.Resolve("not-a-reference")
	require.NoError(t, err)
	require.Equal(t, "not-a-reference", v)
}

func TestResolveEnvReference(t *testing.T) {
	t.Setenv("SECRETS_TEST_VAR", "hunter2")
	r := DefaultResolver()

	v, err := r.Resolve("env:SECRETS_TEST_VAR")
	require.NoError(t, err)
	require.Equal(t, "hunter2", v)
}

func TestResolveLegacyEnvSyntax(t *testing.T) {
	t.Setenv("SECRETS_TEST_VAR", "hunter2")
	r := DefaultResolver()

	v, err := r.Resolve("${SECRETS_TEST_VAR}")
	require.NoError(t, err)
	require.Equal(t, "hunter2", v)
}

func TestResolveEnvReferenceMissingErrors(t *testing.T) {
	r := DefaultResolver()
	_, err := r.Resolve("env:SECRETS_TEST_VAR_NOT_SET")
	require.Error(t, err)
}

func TestResolveFileReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("s3cr3t\n"), 0o600))

	r := DefaultResolver()
	v, err := r.Resolve("file:" + path)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", v)
}

func TestResolveFileReferenceRequiresAbsolutePath(t *testing.T) {
	r := DefaultResolver()
	_, err := r.Resolve("file:relative/path")
	require.Error(t, err)
}

func TestResolveUnknownSchemeErrors(t *testing.T) {
	r := DefaultResolver()
	_, err := r.Resolve("vault:secret/data/prod")
	require.Error(t, err)
}
