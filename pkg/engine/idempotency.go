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

import "fmt"

// IdempotencyKey derives the deterministic key passed to adapters so
// retried deliveries can be deduplicated (spec.md §4.2, glossary
// "Idempotency key"). collapseRetries controls whether attempts 2+ reuse
// attempt 1's key, for adapters that support key reuse across retries;
// adapters that don't should be passed collapseRetries=false so each
// attempt gets a distinct key instead.
func IdempotencyKey(runID, nodeID string, attempt int, collapseRetries bool) string {
	if collapseRetries {
		attempt = 1
	}
	return fmt.Sprintf("run:%s:node:%s:attempt:%d", runID, nodeID, attempt)
}
