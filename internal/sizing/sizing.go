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

// Package sizing computes the ideal slot count and hash count shared by
// the classic, counting, and time-decaying Bloom filters (spec.md §4.2).
// The Cuckoo filter does not use this: its geometry is caller-specified
// directly (bucket count, bucket size), not derived from a target false
// positive rate.
package sizing

import "math"

// Ideal returns the slot count m and hash count k that the
// Kirsch-Mitzenmacher construction needs to hold expected keys at no
// worse than accuracy false-positive rate.
//
//	m = ceil(-expected * ln(accuracy) / ln(2)^2)
//	k = floor(m/expected * ln 2), clamped to at least 1.
//
// hashcount == 0 (which the unclamped formula produces whenever
// expected > m) is clamped to 1 rather than treated as an error, per
// spec.md §9 Open Question 5.
func Ideal(expected uint64, accuracy float64) (m uint64, k int) {
	n := float64(expected)
	m = uint64(math.Ceil(-n * math.Log(accuracy) / (math.Ln2 * math.Ln2)))
	if m < 1 {
		m = 1
	}

	k = int(math.Floor(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return m, k
}
