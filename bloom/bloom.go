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

// Package bloom implements a classical Bloom filter: a bit array with k
// hash positions per element. Bloom filters never return a false
// negative — if Has reports false, the element was never added — but
// may return a false positive at a rate governed by the filter's size
// and the number of elements actually inserted.
//
// Positions are derived with the Kirsch-Mitzenmacher double hashing
// construction: for each hash index i in [0, k), one 128-bit
// MurmurHash3 is computed with seed i, and both of its 64-bit halves are
// reduced mod m and summed (mod m) to give that index's position, so
// an element costs k 128-bit hash computations.
package bloom

import (
	"bytes"
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"

	"github.com/filtra/filtra/ferr"
	"github.com/filtra/filtra/internal/sizing"
	"github.com/filtra/filtra/internal/wire"
	"github.com/filtra/filtra/murmur3"
)

// Config describes the capacity and accuracy a Filter should be sized
// for. It is consumed once, by New.
type Config struct {
	// Expected is the maximum number of elements the caller intends to
	// insert. Required; zero is treated as 1.
	Expected uint64

	// FPRate is the target false positive rate once Expected elements
	// have been inserted, e.g. 0.01 for 99% accuracy. Required; values
	// outside (0, 1) are treated as 0.01.
	FPRate float64
}

func (cfg Config) normalized() Config {
	if cfg.Expected == 0 {
		cfg.Expected = 1
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = 0.01
	}
	return cfg
}

// Filter is a classical Bloom filter.
type Filter struct {
	size       uint64 // m: number of bits.
	hashcount  int    // k: number of hash positions per element.
	expected   uint64
	accuracy   float64
	insertions uint64
	bits       *bitset.BitSet
}

// New constructs a Filter sized for cfg.
func New(cfg Config) (*Filter, error) {
	cfg = cfg.normalized()
	m, k := sizing.Ideal(cfg.Expected, cfg.FPRate)

	return &Filter{
		size:      m,
		hashcount: k,
		expected:  cfg.Expected,
		accuracy:  cfg.FPRate,
		bits:      bitset.New(uint(m)),
	}, nil
}

func (f *Filter) positions(key []byte) []uint64 {
	pos := make([]uint64, f.hashcount)
	for i := 0; i < f.hashcount; i++ {
		h0, h1 := murmur3.Hash128(key, uint32(i))
		pos[i] = ((h0 % f.size) + (h1 % f.size)) % f.size
	}
	return pos
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for _, p := range f.positions(key) {
		f.bits.Set(uint(p))
	}
	f.insertions++
}

// AddString inserts the UTF-8 bytes of s into the filter.
func (f *Filter) AddString(s string) {
	f.Add([]byte(s))
}

// Has reports whether key may have been added to the filter. A false
// result is certain; a true result may be a false positive.
func (f *Filter) Has(key []byte) bool {
	for _, p := range f.positions(key) {
		if !f.bits.Test(uint(p)) {
			return false
		}
	}
	return true
}

// HasString is Has over the UTF-8 bytes of s.
func (f *Filter) HasString(s string) bool {
	return f.Has([]byte(s))
}

// Capacity returns the percentage of Expected capacity consumed so far,
// i.e. 100 * insertions / expected. It is purely informational: nothing
// stops a caller from inserting beyond Expected, at the cost of a
// higher false positive rate than Config.FPRate targeted.
func (f *Filter) Capacity() float64 {
	return 100 * float64(f.insertions) / float64(f.expected)
}

// NumBits returns the size of the underlying bit array.
func (f *Filter) NumBits() uint64 {
	return f.size
}

// HashCount returns the number of hash positions computed per element.
func (f *Filter) HashCount() int {
	return f.hashcount
}

// Stats summarizes a Filter's footprint and fill level.
type Stats struct {
	Bits       uint64
	Insertions uint64
	Expected   uint64
}

// String renders Stats with a human-readable memory size, the way
// ristretto's Metrics.String reports cache footprint.
func (s Stats) String() string {
	bytes := (s.Bits + 7) / 8
	return humanize.Bytes(bytes) + ", " + humanize.Comma(int64(s.Insertions)) + "/" + humanize.Comma(int64(s.Expected)) + " inserted"
}

// Stats reports f's current footprint and fill level.
func (f *Filter) Stats() Stats {
	return Stats{Bits: f.size, Insertions: f.insertions, Expected: f.expected}
}

// fileHeader is the fixed-size metadata record written ahead of the
// payload by Save, per spec.md §4.6/§6's persisted file layout for the
// classic Bloom filter: size, hashcount, bitmap_size, expected,
// insertions, accuracy, in that order.
type fileHeader struct {
	Size       uint64
	Hashcount  uint64
	BitmapSize uint64
	Expected   uint64
	Insertions uint64
	Accuracy   float64
}

var headerSize = binary.Size(fileHeader{})

// Save writes f to path in the shared header+payload framing
// (internal/wire), so that sizeof(header) + len(payload) + checksum
// equals the file size Load expects.
func (f *Filter) Save(path string) *ferr.Error {
	payload, err := f.bits.MarshalBinary()
	if err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "marshal bitmap")
	}

	hdr := fileHeader{
		Size:       f.size,
		Hashcount:  uint64(f.hashcount),
		BitmapSize: uint64(len(payload)),
		Expected:   f.expected,
		Insertions: f.insertions,
		Accuracy:   f.accuracy,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	return wire.Save(path, buf.Bytes(), payload)
}

// Load reads a Filter previously written by Save.
func Load(path string) (*Filter, *ferr.Error) {
	header, payload, err := wire.Load(path, headerSize, decodeHeaderSize)
	if err != nil {
		return nil, err
	}

	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	return fromHeaderAndPayload(hdr, payload)
}

func decodeHeaderSize(header []byte) (int, *ferr.Error) {
	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &hdr); err != nil {
		return 0, ferr.Wrap(ferr.InvalidFile, err, "decode header")
	}
	return int(hdr.BitmapSize), nil
}

func decodeHeader(header []byte) (fileHeader, *ferr.Error) {
	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &hdr); err != nil {
		return fileHeader{}, ferr.Wrap(ferr.InvalidFile, err, "decode header")
	}
	return hdr, nil
}

func fromHeaderAndPayload(hdr fileHeader, payload []byte) (*Filter, *ferr.Error) {
	bits := &bitset.BitSet{}
	if e := bits.UnmarshalBinary(payload); e != nil {
		return nil, ferr.Wrap(ferr.InvalidFile, e, "unmarshal bitmap")
	}

	return &Filter{
		size:       hdr.Size,
		hashcount:  int(hdr.Hashcount),
		expected:   hdr.Expected,
		insertions: hdr.Insertions,
		accuracy:   hdr.Accuracy,
		bits:       bits,
	}, nil
}

// SaveCompressed is Save, but frames the bitmap through an lz4 writer
// (internal/wire.SaveCompressed) instead of storing it raw. Worthwhile
// for a large, sparsely-set bitmap, at the cost of compression time on
// Save and decompression time on LoadCompressed.
func (f *Filter) SaveCompressed(path string) *ferr.Error {
	payload, err := f.bits.MarshalBinary()
	if err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "marshal bitmap")
	}

	hdr := fileHeader{
		Size:       f.size,
		Hashcount:  uint64(f.hashcount),
		BitmapSize: uint64(len(payload)),
		Expected:   f.expected,
		Insertions: f.insertions,
		Accuracy:   f.accuracy,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	return wire.SaveCompressed(path, buf.Bytes(), payload)
}

// LoadCompressed reads a Filter previously written by SaveCompressed.
func LoadCompressed(path string) (*Filter, *ferr.Error) {
	header, payload, err := wire.LoadCompressed(path, headerSize)
	if err != nil {
		return nil, err
	}

	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	return fromHeaderAndPayload(hdr, payload)
}

// LoadMmap reads a Filter previously written by Save, sourcing the
// bitmap payload from a read-only memory mapping of path
// (internal/wire.MmapLoad) instead of a freshly allocated read buffer.
// The mapping is released before LoadMmap returns; it is useful
// purely to avoid the intermediate full-payload allocation Load makes
// for a large bitmap.
func LoadMmap(path string) (*Filter, *ferr.Error) {
	header, payload, err := wire.MmapLoad(path, headerSize, decodeHeaderSize)
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	return fromHeaderAndPayload(hdr, payload.Bytes)
}
