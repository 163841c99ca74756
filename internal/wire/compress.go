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
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/filtra/filtra/ferr"
)

// SaveCompressed writes header uncompressed (it's tiny and needs to be
// readable before the payload's length is known), followed by an
// lz4-framed, compressed copy of payload, followed by a checksum of the
// *uncompressed* payload so LoadCompressed can validate contents the
// same way Load does.
//
// This exists for filters whose bitmap or countermap is large and
// mostly zero — a sparsely-filled Bloom filter compresses well under
// lz4, the same codec entreya-csvquery uses for its column segments.
func SaveCompressed(path string, header, payload []byte) *ferr.Error {
	f, err := os.Create(path)
	if err != nil {
		return ferr.Wrap(ferr.FileOpen, err, "open "+path+" for writing")
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "write header")
	}

	var uncompressedLen [8]byte
	binary.LittleEndian.PutUint64(uncompressedLen[:], uint64(len(payload)))
	if _, err := f.Write(uncompressedLen[:]); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "write uncompressed length")
	}

	zw := lz4.NewWriter(f)
	if _, err := zw.Write(payload); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "compress payload")
	}
	if err := zw.Close(); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "flush compressed payload")
	}

	var sumBuf [checksumSize]byte
	binary.LittleEndian.PutUint64(sumBuf[:], xxhash.Sum64(payload))
	if _, err := f.Write(sumBuf[:]); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "write checksum")
	}

	return nil
}

// LoadCompressed is the inverse of SaveCompressed. Unlike Load, it
// cannot validate file size against the header alone (the compressed
// length isn't predictable from the payload's logical size), so it
// relies entirely on the trailing checksum of the decompressed payload
// to detect corruption or truncation.
func LoadCompressed(path string, headerSize int) (header, payload []byte, ferrErr *ferr.Error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, ferr.Wrap(ferr.FileOpen, err, "open "+path+" for reading")
	}
	defer f.Close()

	header = make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, nil, ferr.Wrap(ferr.FileRead, err, "read header")
	}

	var uncompressedLenBuf [8]byte
	if _, err := io.ReadFull(f, uncompressedLenBuf[:]); err != nil {
		return nil, nil, ferr.Wrap(ferr.FileRead, err, "read uncompressed length")
	}
	uncompressedLen := binary.LittleEndian.Uint64(uncompressedLenBuf[:])

	rest, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, ferr.Wrap(ferr.FileRead, err, "read compressed body")
	}
	if len(rest) < checksumSize {
		return nil, nil, ferr.New(ferr.InvalidFile, "file too short for checksum trailer")
	}
	compressed, sumBuf := rest[:len(rest)-checksumSize], rest[len(rest)-checksumSize:]

	payload = make([]byte, uncompressedLen)
	zr := lz4.NewReader(bytes.NewReader(compressed))
	if _, err := io.ReadFull(zr, payload); err != nil {
		return nil, nil, ferr.Wrap(ferr.FileRead, err, "decompress payload")
	}

	if binary.LittleEndian.Uint64(sumBuf) != xxhash.Sum64(payload) {
		return nil, nil, ferr.New(ferr.InvalidFile, "payload checksum mismatch")
	}

	return header, payload, nil
}
