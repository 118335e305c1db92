// Copyright 2024 OpenEPC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control

// failedResults partitions an activation outcome, returning the static and
// dynamic per-rule results that reported failure.
func failedResults(outcome ActivationOutcome) (static, dynamic []RuleModResult) {
	for _, res := range outcome.StaticResults {
		if res.Result == ResultFailure {
			static = append(static, res)
		}
	}
	for _, res := range outcome.DynamicResults {
		if res.Result == ResultFailure {
			dynamic = append(dynamic, res)
		}
	}
	return static, dynamic
}

// filterStaticRules returns the requested static rule identifiers minus
// those present in the failed results, preserving order.
func filterStaticRules(requested []string, failed []RuleModResult) []string {
	if len(failed) == 0 {
		return requested
	}
	failedIDs := make(map[string]struct{}, len(failed))
	for _, res := range failed {
		failedIDs[res.RuleID] = struct{}{}
	}
	filtered := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := failedIDs[id]; !ok {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// filterDynamicRules returns the requested dynamic rules minus those whose
// identifier is present in the failed results, preserving order.
func filterDynamicRules(requested []DynamicRule, failed []RuleModResult) []DynamicRule {
	if len(failed) == 0 {
		return requested
	}
	failedIDs := make(map[string]struct{}, len(failed))
	for _, res := range failed {
		failedIDs[res.RuleID] = struct{}{}
	}
	filtered := make([]DynamicRule, 0, len(requested))
	for _, rule := range requested {
		if _, ok := failedIDs[rule.ID]; !ok {
			filtered = append(filtered, rule)
		}
	}
	return filtered
}
