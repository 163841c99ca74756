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

package wire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filtra/filtra/ferr"
)

func fixedSizer(n int) PayloadSizer {
	return func([]byte) (int, *ferr.Error) { return n, nil }
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.bin")

	header := []byte("HEADERHDR")
	payload := []byte("some payload bytes, not necessarily aligned")

	require.Nil(t, Save(path, header, payload))

	gotHeader, gotPayload, err := Load(path, len(header), fixedSizer(len(payload)))
	require.Nil(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, payload, gotPayload)
}

func TestLoadRejectsSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.bin")
	require.Nil(t, Save(path, []byte("HDR"), []byte("payload")))

	_, _, err := Load(path, 3, fixedSizer(999))
	require.NotNil(t, err)
	assert.Equal(t, ferr.InvalidFile, err.Code)
}

func TestLoadRejectsChecksumCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.bin")
	require.Nil(t, Save(path, []byte("HDR"), []byte("payload!")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff // flip every bit of the checksum trailer's last byte
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, ferrErr := Load(path, 3, fixedSizer(8))
	require.NotNil(t, ferrErr)
	assert.Equal(t, ferr.InvalidFile, ferrErr.Code)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load("/nonexistent/path/to/filter.bin", 3, fixedSizer(0))
	require.NotNil(t, err)
	assert.Equal(t, ferr.FileOpen, err.Code)
}

func TestCompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.lz4")

	header := []byte("HEADERHDR")
	payload := make([]byte, 4096) // mostly zero, compresses well

	require.Nil(t, SaveCompressed(path, header, payload))

	gotHeader, gotPayload, err := LoadCompressed(path, len(header))
	require.Nil(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, payload, gotPayload)
}
