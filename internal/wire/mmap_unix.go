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

//go:build unix

package wire

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/filtra/filtra/ferr"
)

// MmapPayload is a payload loaded by MmapLoad. Its Bytes are backed by
// a read-only memory mapping rather than a heap copy; Close unmaps them.
// Reading Bytes after Close is undefined, same as any other use of a
// mapping past its lifetime.
type MmapPayload struct {
	Bytes []byte
	raw   []byte
}

// Close releases the memory mapping.
func (p *MmapPayload) Close() error {
	if p.raw == nil {
		return nil
	}
	err := unix.Munmap(p.raw)
	p.raw = nil
	p.Bytes = nil
	return err
}

// MmapLoad behaves like Load, except the returned payload is a
// zero-copy view onto the file via mmap(2) instead of a freshly
// allocated slice. This matters for large, mostly-sparse bitmaps where
// copying the whole payload into the Go heap on every load is wasteful.
//
// The checksum is still verified against the mapped bytes before
// returning, so a corrupted file is rejected exactly as Load would
// reject it — the caller pays the cost of reading the payload once
// either way.
func MmapLoad(path string, headerSize int, sizer PayloadSizer) (header []byte, payload *MmapPayload, ferrErr *ferr.Error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, ferr.Wrap(ferr.FileOpen, err, "open "+path+" for reading")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, ferr.Wrap(ferr.FileStat, err, "stat "+path)
	}

	header = make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, nil, ferr.Wrap(ferr.FileRead, err, "read header")
	}

	payloadSize, sizeErr := sizer(header)
	if sizeErr != nil {
		return nil, nil, sizeErr
	}
	if payloadSize < 0 {
		return nil, nil, ferr.New(ferr.InvalidFile, "negative payload size in header")
	}

	wantSize := int64(headerSize) + int64(payloadSize) + checksumSize
	if info.Size() != wantSize {
		return nil, nil, ferr.New(ferr.InvalidFile, "file size does not match header")
	}

	mapLen := payloadSize + checksumSize
	raw, err := unix.Mmap(int(f.Fd()), int64(headerSize), mapLen, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, ferr.Wrap(ferr.FileRead, err, "mmap payload")
	}

	body := raw[:payloadSize]
	sum := raw[payloadSize : payloadSize+checksumSize]
	if binary.LittleEndian.Uint64(sum) != xxhash.Sum64(body) {
		unix.Munmap(raw)
		return nil, nil, ferr.New(ferr.InvalidFile, "payload checksum mismatch")
	}

	return header, &MmapPayload{Bytes: body, raw: raw}, nil
}
