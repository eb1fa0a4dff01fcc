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

// Package definitions reads and writes workflow definitions in the
// YAML authoring format used by the flowengine CLI's "definitions"
// subcommands. Definitions are stored as JSON; YAML is purely an
// authoring convenience layered on top of engine.Definition.
package definitions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/validate"
)

// ParseYAML parses a workflow definition from YAML bytes, assigns
// defaults for fields an author would not normally set by hand (ID,
// trigger-type normalization), and runs it through graph validation.
// It never contacts the store — callers decide whether to create or
// update.
func ParseYAML(data []byte) (*engine.Definition, error) {
	var def engine.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}

	if def.Name == "" {
		return nil, fmt.Errorf("workflow definition: name is required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Trigger = engine.NormalizeTriggerType(def.Trigger)
	for i := range def.Nodes {
		if def.Nodes[i].ID == "" {
			def.Nodes[i].ID = fmt.Sprintf("%s-%d", strings.ToLower(string(def.Nodes[i].Kind)), i+1)
		}
	}
	for i := range def.Edges {
		if def.Edges[i].ID == "" {
			def.Edges[i].ID = fmt.Sprintf("edge-%d", i+1)
		}
	}

	if res := validate.Definition(&def); !res.OK() {
		return nil, fmt.Errorf("invalid workflow definition: %s", strings.Join(res.Errors, "; "))
	}

	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	return &def, nil
}

// ValidateYAML parses and validates a definition without defaulting its
// ID or timestamps, for the CLI's offline "definitions validate" path.
func ValidateYAML(data []byte) (validate.Result, error) {
	var def engine.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return validate.Result{}, fmt.Errorf("parse workflow definition: %w", err)
	}
	def.Trigger = engine.NormalizeTriggerType(def.Trigger)
	return validate.Definition(&def), nil
}

// MarshalYAML renders a definition back to its authoring YAML form, for
// "definitions export".
func MarshalYAML(def *engine.Definition) ([]byte, error) {
	out, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow definition: %w", err)
	}
	return out, nil
}
