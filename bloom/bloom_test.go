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

package bloom

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClampsDegenerateConfig(t *testing.T) {
	f, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.expected)
	assert.Equal(t, 0.01, f.accuracy)
}

func TestAddThenHasIsAlwaysTrue(t *testing.T) {
	f, err := New(Config{Expected: 1000, FPRate: 0.01})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		f.AddString("member-" + strconv.Itoa(i))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, f.HasString("member-"+strconv.Itoa(i)))
	}
}

func TestEmptyFilterHasNothing(t *testing.T) {
	f, err := New(Config{Expected: 100, FPRate: 0.01})
	require.NoError(t, err)

	assert.False(t, f.Has([]byte("anything")))
	assert.False(t, f.HasString(""))
}

func TestFalsePositiveRateNearTarget(t *testing.T) {
	const n = 2000
	const target = 0.01

	f, err := New(Config{Expected: n, FPRate: target})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		f.AddString("present-" + strconv.Itoa(i))
	}

	falsePositives := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		if f.HasString("absent-" + strconv.Itoa(i)) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / trials
	// Generous bound: a well-sized filter should stay within a few
	// multiples of its target rate, never orders of magnitude off.
	assert.Less(t, rate, target*5)
}

func TestCapacityTracksInsertions(t *testing.T) {
	f, err := New(Config{Expected: 100, FPRate: 0.01})
	require.NoError(t, err)

	assert.Equal(t, float64(0), f.Capacity())
	for i := 0; i < 50; i++ {
		f.AddString("x" + strconv.Itoa(i))
	}
	assert.InDelta(t, 50.0, f.Capacity(), 0.001)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f, err := New(Config{Expected: 500, FPRate: 0.01})
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		f.AddString("round-trip-" + strconv.Itoa(i))
	}

	path := filepath.Join(t.TempDir(), "bloom.filter")
	require.Nil(t, f.Save(path))

	loaded, ferrErr := Load(path)
	require.Nil(t, ferrErr)

	assert.Equal(t, f.size, loaded.size)
	assert.Equal(t, f.hashcount, loaded.hashcount)
	assert.Equal(t, f.insertions, loaded.insertions)

	for i := 0; i < 300; i++ {
		assert.True(t, loaded.HasString("round-trip-"+strconv.Itoa(i)))
	}
	// Elements never inserted in either filter should agree too
	// (absence of false negatives is the one guarantee we can assert
	// unconditionally; false positives may legitimately differ run to
	// run only if the hash changed, which it does not here).
	assert.Equal(t, f.HasString("never-added"), loaded.HasString("never-added"))
}

func TestSaveLoadCompressedRoundTrip(t *testing.T) {
	f, err := New(Config{Expected: 500, FPRate: 0.01})
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		f.AddString("compressed-" + strconv.Itoa(i))
	}

	path := filepath.Join(t.TempDir(), "bloom.filter.lz4")
	require.Nil(t, f.SaveCompressed(path))

	loaded, ferrErr := LoadCompressed(path)
	require.Nil(t, ferrErr)

	assert.Equal(t, f.size, loaded.size)
	assert.Equal(t, f.hashcount, loaded.hashcount)
	for i := 0; i < 300; i++ {
		assert.True(t, loaded.HasString("compressed-"+strconv.Itoa(i)))
	}
}

func TestSaveLoadMmapRoundTrip(t *testing.T) {
	f, err := New(Config{Expected: 500, FPRate: 0.01})
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		f.AddString("mmap-" + strconv.Itoa(i))
	}

	path := filepath.Join(t.TempDir(), "bloom.filter.mmap")
	require.Nil(t, f.Save(path))

	loaded, ferrErr := LoadMmap(path)
	require.Nil(t, ferrErr)

	assert.Equal(t, f.size, loaded.size)
	for i := 0; i < 300; i++ {
		assert.True(t, loaded.HasString("mmap-"+strconv.Itoa(i)))
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/bloom.filter")
	require.NotNil(t, err)
}

func TestStatsString(t *testing.T) {
	f, err := New(Config{Expected: 10, FPRate: 0.01})
	require.NoError(t, err)
	f.AddString("a")

	s := f.Stats().String()
	assert.NotEmpty(t, s)
}
