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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("Format = %q, want json", cfg.Format)
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearLogEnv(t)
		cfg := FromEnv()
		if cfg.Level != "info" {
			t.Errorf("Level = %q, want info", cfg.Level)
		}
	})

	t.Run("FLOWENGINE_DEBUG enables debug and source", func(t *testing.T) {
		clearLogEnv(t)
		t.Setenv("FLOWENGINE_DEBUG", "true")
		cfg := FromEnv()
		if cfg.Level != "debug" || !cfg.AddSource {
			t.Errorf("got Level=%q AddSource=%v, want debug/true", cfg.Level, cfg.AddSource)
		}
	})

	t.Run("FLOWENGINE_LOG_LEVEL overrides LOG_LEVEL", func(t *testing.T) {
		clearLogEnv(t)
		t.Setenv("LOG_LEVEL", "warn")
		t.Setenv("FLOWENGINE_LOG_LEVEL", "error")
		cfg := FromEnv()
		if cfg.Level != "error" {
			t.Errorf("Level = %q, want error", cfg.Level)
		}
	})

	t.Run("LOG_FORMAT", func(t *testing.T) {
		clearLogEnv(t)
		t.Setenv("LOG_FORMAT", "text")
		cfg := FromEnv()
		if cfg.Format != FormatText {
			t.Errorf("Format = %q, want text", cfg.Format)
		}
	})
}

func clearLogEnv(t *testing.T) {
	for _, k := range []string{"FLOWENGINE_DEBUG", "FLOWENGINE_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestNewEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	logger := New(cfg)
	logger.Info("hello", "run_id", "r1")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if decoded["msg"] != "hello" || decoded["run_id"] != "r1" {
		t.Errorf("unexpected decoded log: %+v", decoded)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithWorkerAndRun(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithWorker(logger, "worker-1").Info("tick")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded[WorkerIDKey] != "worker-1" {
		t.Errorf("missing worker id field: %+v", decoded)
	}
}

func TestSanitizeSecret(t *testing.T) {
	if SanitizeSecret("super-secret") != "[REDACTED]" {
		t.Error("SanitizeSecret must never echo the input")
	}
}
