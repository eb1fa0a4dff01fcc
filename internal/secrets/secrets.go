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

// Package secrets resolves secret references in the daemon's
// configuration file to their actual values, so operators can write
// "env:ADMIN_JWT_SECRET" or "file:/run/secrets/admin-jwt" in a config
// file that otherwise lives in version control instead of the literal
// secret.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Provider resolves a key to a secret value for one reference scheme.
type Provider interface {
	// Scheme is the reference prefix this provider handles ("env", "file").
	Scheme() string
	// Resolve returns the secret value for key, or an error if it
	// cannot be found.
	Resolve(key string) (string, error)
}

// Resolver routes a secret reference to the provider matching its
// scheme. Values with no "scheme:" prefix are returned unchanged, so
// operators may freely mix literal values and references in the same
// config file; a prefix naming a scheme with no registered provider is
// an error.
type Resolver struct {
	providers map[string]Provider
}

var (
	legacyEnvVarPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
	schemePattern        = regexp.MustCompile(`^([a-z][a-z0-9]*):(.+)$`)
)

// NewResolver builds a Resolver from the given providers, keyed by
// their Scheme().
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// DefaultResolver returns the resolver internal/config uses: the "env"
// and "file" schemes, each chosen by a reference's prefix. A vault/KMS-backed
// provider would register here the same way without touching callers.
func DefaultResolver() *Resolver {
	return NewResolver(&EnvProvider{}, &FileProvider{})
}

// Resolve returns the secret value a reference names. A bare string
// with no "scheme:" prefix and not using "${VAR}" legacy syntax is
// returned unchanged — config authors are not required to use
// references at all.
func (r *Resolver) Resolve(reference string) (string, error) {
	scheme, key, ok := parseReference(reference)
	if !ok {
		return reference, nil
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("secrets: no provider registered for scheme %q", scheme)
	}
	v, err := p.Resolve(key)
	if err != nil {
		return "", fmt.Errorf("secrets: resolve %s:%s: %w", scheme, key, err)
	}
	return v, nil
}

func parseReference(reference string) (scheme, key string, ok bool) {
	if m := legacyEnvVarPattern.FindStringSubmatch(reference); m != nil {
		return "env", m[1], true
	}
	if m := schemePattern.FindStringSubmatch(reference); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

// EnvProvider resolves "env:NAME" references against the process
// environment.
type EnvProvider struct{}

// Scheme implements Provider.
func (EnvProvider) Scheme() string { return "env" }

// Resolve implements Provider.
func (EnvProvider) Resolve(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return v, nil
}

// MaxFileSize bounds how large a "file:" secret may be, to catch an
// operator pointing the reference at the wrong file.
const MaxFileSize = 64 * 1024

// FileProvider resolves "file:/absolute/path" references by reading
// the file's trimmed contents. Paths must be absolute; this is a
// single-operator deployment concern, not a multi-tenant sandbox, so
// there is no allowlist — the process already runs with access to
// whatever secret files it was given.
type FileProvider struct{}

// Scheme implements Provider.
func (FileProvider) Scheme() string { return "file" }

// Resolve implements Provider.
func (FileProvider) Resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("file secret path %q must be absolute", path)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if stat.Size() > MaxFileSize {
		return "", fmt.Errorf("file secret %q exceeds %d bytes", path, MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("file secret %q is empty", path)
	}
	return v, nil
}
