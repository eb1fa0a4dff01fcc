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

// Package validate implements the pre-save graph validation of
// spec.md §6: exactly one trigger node with no incoming edges, weak
// connectivity from the trigger, acyclicity, edge referential integrity,
// and per-kind required config.
package validate

import (
	"fmt"

	"github.com/nextlane/flowengine/pkg/engine"
)

// Result carries hard validation errors and non-blocking warnings.
type Result struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the definition may be saved.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Definition validates a workflow definition's graph shape and per-node
// config. It never mutates the definition.
func Definition(d *engine.Definition) Result {
	var res Result

	nodeByID := make(map[string]*engine.Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if _, dup := nodeByID[n.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodeByID[n.ID] = n
	}

	var triggers []*engine.Node
	for _, n := range nodeByID {
		if n.Kind == engine.NodeTrigger {
			triggers = append(triggers, n)
		}
	}
	switch len(triggers) {
	case 0:
		res.Errors = append(res.Errors, "definition has no trigger node")
	case 1:
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("definition has %d trigger nodes, expected exactly 1", len(triggers)))
	}

	incoming := make(map[string]int, len(d.Nodes))
	outgoingByHandle := make(map[string]map[engine.Handle]int)
	for _, e := range d.Edges {
		if _, ok := nodeByID[e.FromNode]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("edge %q references unknown fromNode %q", e.ID, e.FromNode))
		}
		if _, ok := nodeByID[e.ToNode]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("edge %q references unknown toNode %q", e.ID, e.ToNode))
		}
		incoming[e.ToNode]++
		if outgoingByHandle[e.FromNode] == nil {
			outgoingByHandle[e.FromNode] = make(map[engine.Handle]int)
		}
		outgoingByHandle[e.FromNode][e.Handle]++
	}

	for _, t := range triggers {
		if incoming[t.ID] > 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("trigger node %q has incoming edges", t.ID))
		}
	}

	// Condition nodes: at most one true and one false edge.
	for id, byHandle := range outgoingByHandle {
		n, ok := nodeByID[id]
		if !ok || (n.Kind != engine.NodeCondition && n.Kind != engine.NodeConditionWithTimeout) {
			continue
		}
		if byHandle[engine.HandleTrue] > 1 {
			res.Errors = append(res.Errors, fmt.Sprintf("condition node %q has more than one 'true' edge", id))
		}
		if byHandle[engine.HandleFalse] > 1 {
			res.Errors = append(res.Errors, fmt.Sprintf("condition node %q has more than one 'false' edge", id))
		}
	}

	// Warnings: condition nodes with no outgoing edges.
	for id, n := range nodeByID {
		if n.Kind != engine.NodeCondition && n.Kind != engine.NodeConditionWithTimeout {
			continue
		}
		if len(outgoingByHandle[id]) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("condition node %q has no outgoing edges", id))
		}
	}

	if len(triggers) == 1 {
		reachable := reachableFrom(triggers[0].ID, d.Edges)
		for id := range nodeByID {
			if !reachable[id] {
				res.Errors = append(res.Errors, fmt.Sprintf("node %q is unreachable from the trigger", id))
			}
		}
		if cyclePath := findCycle(d.Edges, nodeByID); cyclePath != "" {
			res.Errors = append(res.Errors, "definition graph contains a cycle: "+cyclePath)
		}
	}

	for _, n := range d.Nodes {
		if err := validateNodeConfig(&n); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("node %q (%s): %s", n.ID, n.Kind, err.Error()))
		}
	}

	return res
}

func reachableFrom(start string, edges []engine.Edge) map[string]bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.FromNode] = append(adj[e.FromNode], e.ToNode)
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

func findCycle(edges []engine.Edge, nodes map[string]*engine.Node) string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.FromNode] = append(adj[e.FromNode], e.ToNode)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var path []string
	var dfs func(string) string
	dfs = func(u string) string {
		color[u] = gray
		path = append(path, u)
		for _, v := range adj[u] {
			switch color[v] {
			case gray:
				return fmt.Sprintf("%v -> %s", path, v)
			case white:
				if cyc := dfs(v); cyc != "" {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		return ""
	}
	for id := range nodes {
		if color[id] == white {
			if cyc := dfs(id); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

func validateNodeConfig(n *engine.Node) error {
	switch n.Kind {
	case engine.NodeTrigger:
		return nil
	case engine.NodeActionMessaging, engine.NodeActionMessagingWithResponse:
		if n.Messaging == nil {
			return fmt.Errorf("missing messaging config")
		}
		if n.Messaging.TemplateID == "" && n.Messaging.Body == "" {
			return fmt.Errorf("messaging config requires templateId or body")
		}
		if len(n.Messaging.Buttons) > 3 {
			return fmt.Errorf("messaging config allows at most 3 buttons")
		}
		if n.Kind == engine.NodeActionMessagingWithResponse && len(n.Messaging.Responses) == 0 {
			return fmt.Errorf("messagingWithResponse requires at least one expected response")
		}
		return nil
	case engine.NodeActionVoiceCall, engine.NodeActionVoiceCallWithResponse:
		if n.Voice == nil || n.Voice.AgentRef == "" {
			return fmt.Errorf("voice config requires agentRef")
		}
		return nil
	case engine.NodeActionHumanTask:
		if n.HumanTask == nil || n.HumanTask.TaskKind == "" {
			return fmt.Errorf("humanTask config requires taskKind")
		}
		return nil
	case engine.NodeActionEmail:
		if n.Email == nil || n.Email.Subject == "" || n.Email.Body == "" {
			return fmt.Errorf("email config requires subject and body")
		}
		return nil
	case engine.NodeCondition, engine.NodeConditionWithTimeout:
		if n.Condition == nil || n.Condition.Field == "" || n.Condition.Operator == "" {
			return fmt.Errorf("condition config requires field and operator")
		}
		if n.Kind == engine.NodeConditionWithTimeout && n.Condition.Timeout <= 0 {
			return fmt.Errorf("conditionWithTimeout requires a positive timeout")
		}
		return nil
	case engine.NodeDelay:
		if n.Delay == nil || n.Delay.Duration < 0 {
			return fmt.Errorf("delay config requires a non-negative duration")
		}
		switch n.Delay.Unit {
		case "seconds", "minutes", "hours", "days":
		default:
			return fmt.Errorf("delay config has unknown unit %q", n.Delay.Unit)
		}
		return nil
	case engine.NodeWaitForResponse:
		if n.WaitForResp == nil || len(n.WaitForResp.Responses) == 0 {
			return fmt.Errorf("waitForResponse requires at least one expected response")
		}
		return nil
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
}
