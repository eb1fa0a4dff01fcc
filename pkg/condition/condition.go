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

// Package condition evaluates the fixed operator set of spec.md §4.2
// condition nodes (eq, ne, contains, gt, lt, in, notIn, isEmpty,
// isNotEmpty) against a lead+context field, and the richer §4.1
// triggerFilter predicate. Both are evaluated directly in Go; the
// Evaluator additionally compiles and caches expr-lang programs for
// filters authored as expressions.
package condition

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nextlane/flowengine/pkg/engine"
)

// Evaluator compiles, caches and runs expr-lang programs. Condition-node
// operators are evaluated by the package-level Evaluate function.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a condition Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// FieldValue resolves a condition node's `field` against the lead
// snapshot and run context, including the derived fields named in
// spec.md §4.2 (daysSinceContact, responseTime).
func FieldValue(field string, lead *engine.LeadView, run *engine.Run) (any, bool) {
	switch field {
	case "phone":
		v, ok := lead.NormalizedPhone("")
		return v, ok
	case "email":
		return lead.Email(), lead.Email() != ""
	case "source":
		return lead.Source(), lead.Source() != ""
	case "budget":
		return lead.Budget()
	case "category":
		return lead.Category(), lead.Category() != ""
	case "location":
		return lead.Location(), lead.Location() != ""
	case "status":
		return lead.Status(), lead.Status() != ""
	case "tags":
		return lead.Tags(), true
	case "score":
		return lead.Score()
	case "daysSinceContact":
		v, ok := run.Context["lastContactAt"]
		if !ok {
			return nil, false
		}
		ts, ok := v.(time.Time)
		if !ok {
			return nil, false
		}
		return time.Since(ts).Hours() / 24, true
	case "responseTime":
		v, ok := run.Context["responseTimeSeconds"]
		return v, ok
	default:
		if run != nil && run.Context != nil {
			v, ok := run.Context[field]
			return v, ok
		}
		return nil, false
	}
}

// Evaluate applies a condition node's operator. Unsupported operators
// and missing-required-value operators return an error classified by
// the caller as invalidInput per spec.md §4.2/§9 ("any validation
// failure at execute time is invalidInput").
func Evaluate(operator string, fieldVal any, configVal any) (bool, error) {
	switch operator {
	case "eq":
		return equalish(fieldVal, configVal), nil
	case "ne":
		return !equalish(fieldVal, configVal), nil
	case "contains":
		fs, _ := fieldVal.(string)
		cs, _ := configVal.(string)
		return strings.Contains(strings.ToLower(fs), strings.ToLower(cs)), nil
	case "gt":
		f, okf := asFloat(fieldVal)
		c, okc := asFloat(configVal)
		if !okf || !okc {
			return false, fmt.Errorf("gt requires numeric operands")
		}
		return f > c, nil
	case "lt":
		f, okf := asFloat(fieldVal)
		c, okc := asFloat(configVal)
		if !okf || !okc {
			return false, fmt.Errorf("lt requires numeric operands")
		}
		return f < c, nil
	case "in":
		return memberOf(fieldVal, configVal), nil
	case "notIn":
		return !memberOf(fieldVal, configVal), nil
	case "isEmpty":
		return isEmpty(fieldVal), nil
	case "isNotEmpty":
		return !isEmpty(fieldVal), nil
	default:
		return false, fmt.Errorf("unsupported condition operator %q", operator)
	}
}

func equalish(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func memberOf(needle, haystack any) bool {
	items, ok := haystack.([]any)
	if !ok {
		if strs, ok := haystack.([]string); ok {
			for _, s := range strs {
				if equalish(needle, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if equalish(needle, item) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	default:
		return false
	}
}

// MatchesFilter evaluates a triggerFilter's AND-combined predicates
// against a lead snapshot (spec.md §4.1 step 3a). A nil filter always
// matches.
func MatchesFilter(filter *engine.TriggerFilter, lead *engine.LeadView, changeFrom, changeTo string) bool {
	if filter == nil {
		return true
	}
	if len(filter.Sources) > 0 && !containsCI(filter.Sources, lead.Source()) {
		return false
	}
	if filter.BudgetMin != nil {
		b, ok := lead.Budget()
		if !ok || b < *filter.BudgetMin {
			return false
		}
	}
	if filter.BudgetMax != nil {
		b, ok := lead.Budget()
		if !ok || b > *filter.BudgetMax {
			return false
		}
	}
	categories := filter.Categories
	if len(categories) == 0 {
		categories = filter.LegacyPropertyTypes
	}
	if len(categories) > 0 && !containsCI(categories, lead.Category()) {
		return false
	}
	if len(filter.LocationContains) > 0 {
		loc := strings.ToLower(lead.Location())
		matched := false
		for _, want := range filter.LocationContains {
			if strings.Contains(loc, strings.ToLower(want)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.StatusFrom != "" || filter.StatusTo != "" {
		if !strings.EqualFold(changeFrom, filter.StatusFrom) || !strings.EqualFold(changeTo, filter.StatusTo) {
			return false
		}
	}
	return true
}

func containsCI(set []string, val string) bool {
	for _, s := range set {
		if strings.EqualFold(s, val) {
			return true
		}
	}
	return false
}

// CompileExpr compiles an expr-lang boolean expression and caches it,
// for advanced filters authored directly as expr programs (an escape
// hatch beyond the fixed predicate set above).
func (e *Evaluator) CompileExpr(source string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	p, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[source] = p
	e.mu.Unlock()
	return p, nil
}

// RunExpr evaluates a previously compiled program against an arbitrary
// environment map.
func (e *Evaluator) RunExpr(p *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(p, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out)
	}
	return b, nil
}
