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

package cuckoo

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLookupRemoveRoundTrip(t *testing.T) {
	f := New(Config{NumBuckets: 1000, BucketSize: 4, MaxKicks: 500})

	for _, k := range []string{"foo", "bar", "beep", "boop"} {
		require.True(t, f.AddString(k))
	}

	for _, k := range []string{"foo", "bar", "beep", "boop"} {
		assert.True(t, f.HasString(k))
	}
	assert.False(t, f.HasString("baz"))

	assert.True(t, f.RemoveString("foo"))
	assert.False(t, f.HasString("foo"))

	path := filepath.Join(t.TempDir(), "cuckoo.filter")
	require.Nil(t, f.Save(path))

	loaded, err := Load(path)
	require.Nil(t, err)

	assert.True(t, loaded.HasString("beep"))
	assert.True(t, loaded.HasString("boop"))
	assert.False(t, loaded.HasString("doot"))
	assert.False(t, loaded.HasString("foo"))
}

func TestSaveLoadCompressedRoundTrip(t *testing.T) {
	f := New(Config{NumBuckets: 1000, BucketSize: 4, MaxKicks: 500})
	for _, k := range []string{"foo", "bar", "beep", "boop"} {
		require.True(t, f.AddString(k))
	}

	path := filepath.Join(t.TempDir(), "cuckoo.filter.lz4")
	require.Nil(t, f.SaveCompressed(path))

	loaded, err := LoadCompressed(path)
	require.Nil(t, err)

	for _, k := range []string{"foo", "bar", "beep", "boop"} {
		assert.True(t, loaded.HasString(k))
	}
	assert.False(t, loaded.HasString("baz"))
}

func TestSaveLoadMmapRoundTrip(t *testing.T) {
	f := New(Config{NumBuckets: 1000, BucketSize: 4, MaxKicks: 500})
	for _, k := range []string{"foo", "bar", "beep", "boop"} {
		require.True(t, f.AddString(k))
	}

	path := filepath.Join(t.TempDir(), "cuckoo.filter.mmap")
	require.Nil(t, f.Save(path))

	loaded, err := LoadMmap(path)
	require.Nil(t, err)

	for _, k := range []string{"foo", "bar", "beep", "boop"} {
		assert.True(t, loaded.HasString(k))
	}
	assert.False(t, loaded.HasString("baz"))
}

func TestEmptyFilterHasNothing(t *testing.T) {
	f := New(Config{NumBuckets: 100, BucketSize: 4, MaxKicks: 500})
	assert.False(t, f.HasString("anything"))
}

func TestRemoveUnknownKeyFails(t *testing.T) {
	f := New(Config{NumBuckets: 100, BucketSize: 4, MaxKicks: 500})
	f.AddString("present")
	assert.False(t, f.RemoveString("absent"))
}

func TestLoadFactorReachesHighFillUnderCapacity(t *testing.T) {
	f := New(Config{NumBuckets: 256, BucketSize: 4, MaxKicks: 500})

	inserted := 0
	for i := 0; i < 900; i++ {
		if f.AddString("key-" + strconv.Itoa(i)) {
			inserted++
		}
	}

	assert.Greater(t, f.LoadFactor(), 80.0)
	assert.Equal(t, uint64(inserted), f.totalInsertions)
}

func TestOccupiedBucketsMatchesInsertions(t *testing.T) {
	f := New(Config{NumBuckets: 64, BucketSize: 4, MaxKicks: 500})
	for i := 0; i < 20; i++ {
		f.AddString("bucket-" + strconv.Itoa(i))
	}

	bm := f.OccupiedBuckets()
	var nonEmpty uint64
	for _, n := range f.bucketInsertions {
		if n > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, nonEmpty, bm.GetCardinality())
}

func TestDefaultsAppliedToZeroConfig(t *testing.T) {
	f := New(Config{})
	assert.Equal(t, 4, f.bucketSize)
	assert.Equal(t, 500, f.maxKicks)
	assert.Equal(t, uint64(1), f.numBuckets)
}
