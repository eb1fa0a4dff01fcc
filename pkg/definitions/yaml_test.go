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

package definitions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlane/flowengine/pkg/engine"
)

const welcomeEmailYAML = `
name: welcome email
triggerType: leadCreated
isActive: true
nodes:
  - id: trigger
    kind: trigger
  - id: send-email
    kind: action.email
    email:
      subject: "Welcome, {{.lead.name}}"
      body: "Thanks for reaching out."
edges:
  - fromNode: trigger
    toNode: send-email
`

func TestParseYAMLAssignsDefaultsAndValidates(t *testing.T) {
	def, err := ParseYAML([]byte(welcomeEmailYAML))
	require.NoError(t, err)
	require.NotEmpty(t, def.ID)
	require.Equal(t, "welcome email", def.Name)
	require.Len(t, def.Nodes, 2)
	require.Equal(t, "edge-1", def.Edges[0].ID)
	require.False(t, def.CreatedAt.IsZero())
}

func TestParseYAMLNormalizesLegacyTrigger(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: legacy trigger alias
triggerType: siteVisitScheduled
nodes:
  - id: trigger
    kind: trigger
`))
	require.NoError(t, err)
	require.Equal(t, engine.TriggerAppointmentScheduled, def.Trigger)
}

func TestParseYAMLRejectsMissingName(t *testing.T) {
	_, err := ParseYAML([]byte(`triggerType: leadCreated`))
	require.Error(t, err)
}

func TestParseYAMLRejectsInvalidGraph(t *testing.T) {
	_, err := ParseYAML([]byte(`
name: dangling edge
triggerType: leadCreated
nodes:
  - id: trigger
    kind: trigger
edges:
  - fromNode: trigger
    toNode: does-not-exist
`))
	require.Error(t, err)
}

func TestValidateYAMLDoesNotAssignDefaults(t *testing.T) {
	res, err := ValidateYAML([]byte(welcomeEmailYAML))
	require.NoError(t, err)
	require.True(t, res.OK())
}

func TestMarshalYAMLRoundTrips(t *testing.T) {
	def, err := ParseYAML([]byte(welcomeEmailYAML))
	require.NoError(t, err)

	out, err := MarshalYAML(def)
	require.NoError(t, err)

	reparsed, err := ParseYAML(out)
	require.NoError(t, err)
	require.Equal(t, def.Name, reparsed.Name)
	require.Equal(t, def.Trigger, reparsed.Trigger)
	require.Len(t, reparsed.Nodes, len(def.Nodes))
}
