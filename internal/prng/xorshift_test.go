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

package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministic(t *testing.T) {
	a := New(12345)
	b := New(12345)

	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Uint32(), b.Uint32())
	}
}

func TestZeroSeedRemapped(t *testing.T) {
	x := New(0)
	assert.NotEqual(t, uint32(0), x.Uint32())
}

func TestIntnRange(t *testing.T) {
	x := New(1)
	for i := 0; i < 1000; i++ {
		n := x.Intn(7)
		assert.True(t, n >= 0 && n < 7)
	}
}

func TestStateRoundTrip(t *testing.T) {
	a := New(999)
	a.Uint32()
	a.Uint32()

	b := SetState(a.State())
	assert.Equal(t, a.Uint32(), b.Uint32())
}
