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

package timedecay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filtra/filtra/ferr"
)

// fakeClock lets tests fast-forward elapsed time deterministically
// instead of sleeping.
type fakeClock struct {
	now time.Duration
}

func (c *fakeClock) tick() time.Duration { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now += d }

func TestZeroTimeoutRejected(t *testing.T) {
	_, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 0})
	require.NotNil(t, err)
	assert.Equal(t, ferr.InvalidTimeout, err.Code)
}

func TestExpiryAfterTimeout(t *testing.T) {
	clock := &fakeClock{}
	f, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 2 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("a")
	f.AddString("b")

	assert.True(t, f.HasString("a"))
	assert.False(t, f.HasString("c"))

	clock.advance(3 * time.Second)
	assert.False(t, f.HasString("a"))
	assert.False(t, f.HasString("b"))

	f.AddString("c")
	assert.True(t, f.HasString("c"))
}

func TestWideTimeoutStillExpires(t *testing.T) {
	clock := &fakeClock{}
	f, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 200 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("testytesttest")
	clock.advance(270 * time.Second)
	assert.False(t, f.HasString("testytesttest"))

	// A 200 s timeout selects 1-byte slots, whose horizon is 255 s; at
	// 270 s every lookup on this filter fails, so start a fresh filter
	// on the same clock before re-adding.
	f, err = New(Config{Expected: 10, FPRate: 0.01, Timeout: 200 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("lol")
	assert.True(t, f.HasString("lol"))
}

func TestHasWithinOverridesConfiguredTimeout(t *testing.T) {
	clock := &fakeClock{}
	f, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 60 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("short-lived")
	clock.advance(5 * time.Second)

	assert.True(t, f.HasString("short-lived"))
	assert.False(t, f.HasWithin([]byte("short-lived"), time.Second))
	assert.True(t, f.HasWithin([]byte("short-lived"), 10*time.Second))
}

func TestSaveLoadPreservesDecayWindow(t *testing.T) {
	clock := &fakeClock{}
	f, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 10 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("persisted")
	clock.advance(3 * time.Second)

	path := filepath.Join(t.TempDir(), "timedecay.filter")
	require.Nil(t, f.Save(path))

	loadClock := &fakeClock{now: clock.now}
	loaded, ferrErr := LoadWithClock(path, loadClock.tick)
	require.Nil(t, ferrErr)

	assert.True(t, loaded.HasString("persisted"))

	loadClock.advance(8 * time.Second)
	assert.False(t, loaded.HasString("persisted"))
}

func TestSaveLoadCompressedPreservesDecayWindow(t *testing.T) {
	clock := &fakeClock{}
	f, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 10 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("persisted")
	clock.advance(3 * time.Second)

	path := filepath.Join(t.TempDir(), "timedecay.filter.lz4")
	require.Nil(t, f.SaveCompressed(path))

	loadClock := &fakeClock{now: clock.now}
	loaded, ferrErr := LoadCompressedWithClock(path, loadClock.tick)
	require.Nil(t, ferrErr)

	assert.True(t, loaded.HasString("persisted"))

	loadClock.advance(8 * time.Second)
	assert.False(t, loaded.HasString("persisted"))
}

func TestSaveLoadMmapPreservesDecayWindow(t *testing.T) {
	clock := &fakeClock{}
	f, err := New(Config{Expected: 10, FPRate: 0.01, Timeout: 10 * time.Second, Clock: clock.tick})
	require.Nil(t, err)

	f.AddString("persisted")
	clock.advance(3 * time.Second)

	path := filepath.Join(t.TempDir(), "timedecay.filter.mmap")
	require.Nil(t, f.Save(path))

	loadClock := &fakeClock{now: clock.now}
	loaded, ferrErr := LoadMmapWithClock(path, loadClock.tick)
	require.Nil(t, ferrErr)

	assert.True(t, loaded.HasString("persisted"))
}
