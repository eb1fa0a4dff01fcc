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

package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// LeadView is a typed accessor over the duck-typed lead payload carried
// by upstream events (spec.md §9). Unknown fields are ignored, not
// rejected; category/propertyType aliasing is resolved here so callers
// never need to know which spelling a given lead snapshot used.
type LeadView struct {
	raw map[string]any
}

// NewLeadView wraps a raw lead snapshot. A nil map is treated as empty.
func NewLeadView(raw map[string]any) *LeadView {
	if raw == nil {
		raw = map[string]any{}
	}
	return &LeadView{raw: raw}
}

// Raw returns the underlying map, for contexts (e.g. condition
// evaluation) that need the whole snapshot.
func (l *LeadView) Raw() map[string]any {
	return l.raw
}

func (l *LeadView) str(key string) (string, bool) {
	v, ok := l.raw[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return "", false
	}
}

// String returns a string field by name, or "" if absent/wrong type.
func (l *LeadView) String(key string) string {
	s, _ := l.str(key)
	return s
}

// Category returns the lead's category, falling back to the legacy
// propertyType field when category is absent (spec.md §6 field alias).
func (l *LeadView) Category() string {
	if c, ok := l.str("category"); ok && c != "" {
		return c
	}
	if p, ok := l.str("propertyType"); ok {
		return p
	}
	return ""
}

// Budget returns the lead's numeric budget field, tolerating the several
// shapes JSON/YAML decoding can produce.
func (l *LeadView) Budget() (float64, bool) {
	v, ok := l.raw["budget"]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Location returns the lead's free-text location field.
func (l *LeadView) Location() string {
	return l.String("location")
}

// Source returns the lead's acquisition source.
func (l *LeadView) Source() string {
	return l.String("source")
}

// Status returns the lead's current status.
func (l *LeadView) Status() string {
	return l.String("status")
}

// Tags returns the lead's tags as a string slice, tolerating []any from
// JSON decoding.
func (l *LeadView) Tags() []string {
	v, ok := l.raw["tags"]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Score returns the lead's numeric score, if present.
func (l *LeadView) Score() (float64, bool) {
	v, ok := l.raw["score"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// NormalizedPhone returns the lead's phone in E.164 form, applying the
// tenant's default country prefix when the stored value lacks one
// (spec.md §4.2 action.messaging pre-flight). ok is false when no usable
// phone number is available.
func (l *LeadView) NormalizedPhone(tenantDefaultCountryPrefix string) (string, bool) {
	raw, ok := l.str("phone")
	if !ok || raw == "" {
		return "", false
	}
	digits := stripNonDigits(raw)
	if digits == "" {
		return "", false
	}
	if strings.HasPrefix(raw, "+") {
		candidate := "+" + digits
		if e164Pattern.MatchString(candidate) {
			return candidate, true
		}
		return "", false
	}
	prefix := strings.TrimPrefix(tenantDefaultCountryPrefix, "+")
	candidate := "+" + prefix + digits
	if e164Pattern.MatchString(candidate) {
		return candidate, true
	}
	return "", false
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Email returns the lead's email address.
func (l *LeadView) Email() string {
	return l.String("email")
}
