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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend type")
	}
}

func TestValidateRequiresSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when sqlitePath is empty")
	}
	cfg.Backend.SQLitePath = "/tmp/flowengine.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsNonLocalListenWithoutAllowRemote(t *testing.T) {
	cfg := Default()
	cfg.Listen.Addr = "0.0.0.0:8088"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error binding non-localhost without allowRemote")
	}
	cfg.Listen.AllowRemote = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once allowRemote is set: %v", err)
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "backend:\n  type: sqlite\n  sqlitePath: " + filepath.Join(dir, "db.sqlite") + "\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FLOWENGINE_SQLITE_PATH", filepath.Join(dir, "override.sqlite"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Type != "sqlite" {
		t.Errorf("Backend.Type = %q, want sqlite (from file)", cfg.Backend.Type)
	}
	if cfg.Backend.SQLitePath != filepath.Join(dir, "override.sqlite") {
		t.Errorf("SQLitePath = %q, want env override applied over file value", cfg.Backend.SQLitePath)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("Backend.Type = %q, want memory default", cfg.Backend.Type)
	}
}
