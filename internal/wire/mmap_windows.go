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

//go:build windows

package wire

import "github.com/filtra/filtra/ferr"

// MmapPayload mirrors the unix type but holds a plain heap copy: Go's
// memory-mapped file support differs enough between platforms that this
// module only offers the zero-copy path on unix. Close is a no-op.
type MmapPayload struct {
	Bytes []byte
}

// Close releases no resources on this platform; Bytes is an ordinary
// heap slice.
func (p *MmapPayload) Close() error {
	p.Bytes = nil
	return nil
}

// MmapLoad falls back to Load and wraps the result, since mmap(2) has
// no Windows equivalent in golang.org/x/sys that this module depends on.
func MmapLoad(path string, headerSize int, sizer PayloadSizer) (header []byte, payload *MmapPayload, ferrErr *ferr.Error) {
	header, body, err := Load(path, headerSize, sizer)
	if err != nil {
		return nil, nil, err
	}
	return header, &MmapPayload{Bytes: body}, nil
}
