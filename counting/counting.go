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

// Package counting implements a counting Bloom filter: a Bloom filter
// whose slots are saturating counters instead of single bits, which
// lets elements be removed as well as added at the cost of a wider
// countermap.
//
// As with package bloom, a lookup answers "probably present" or
// "definitely absent"; Count additionally gives an approximate
// membership count (the minimum of all k counters touched by the
// element), which is only exact in the absence of hash collisions with
// other inserted elements.
package counting

import (
	"bytes"
	"encoding/binary"

	"github.com/dustin/go-humanize"

	"github.com/filtra/filtra/ferr"
	"github.com/filtra/filtra/internal/sizing"
	"github.com/filtra/filtra/internal/wire"
	"github.com/filtra/filtra/murmur3"
)

// CounterSize selects the width of each slot in the countermap. Wider
// counters tolerate more re-additions of the same element before
// saturating, at a proportional memory cost.
type CounterSize int

const (
	Counter8 CounterSize = iota
	Counter16
	Counter32
	Counter64
)

func (c CounterSize) bytes() (int, *ferr.Error) {
	switch c {
	case Counter8:
		return 1, nil
	case Counter16:
		return 2, nil
	case Counter32:
		return 4, nil
	case Counter64:
		return 8, nil
	default:
		return 0, ferr.New(ferr.InvalidCounterSize, "unknown counter size")
	}
}

// Config describes the capacity, accuracy and counter width a Filter
// should be sized for.
type Config struct {
	Expected uint64
	FPRate   float64
	Counter  CounterSize
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

// Filter is a counting Bloom filter.
type Filter struct {
	size        uint64
	hashcount   int
	expected    uint64
	accuracy    float64
	counterSize CounterSize
	counterMap  []byte
}

// New constructs a Filter sized for cfg. It fails only when cfg.Counter
// is not one of the four defined widths.
func New(cfg Config) (*Filter, *ferr.Error) {
	cfg = cfg.normalized()

	width, err := cfg.Counter.bytes()
	if err != nil {
		return nil, err
	}

	m, k := sizing.Ideal(cfg.Expected, cfg.FPRate)

	return &Filter{
		size:        m,
		hashcount:   k,
		expected:    cfg.Expected,
		accuracy:    cfg.FPRate,
		counterSize: cfg.Counter,
		counterMap:  make([]byte, m*uint64(width)),
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

func (f *Filter) get(position uint64) uint64 {
	switch f.counterSize {
	case Counter8:
		return uint64(f.counterMap[position])
	case Counter16:
		off := position * 2
		return uint64(binary.LittleEndian.Uint16(f.counterMap[off : off+2]))
	case Counter32:
		off := position * 4
		return uint64(binary.LittleEndian.Uint32(f.counterMap[off : off+4]))
	case Counter64:
		off := position * 8
		return binary.LittleEndian.Uint64(f.counterMap[off : off+8])
	default:
		return 0
	}
}

// incr saturates at the counter's maximum rather than wrapping.
func (f *Filter) incr(position uint64) {
	switch f.counterSize {
	case Counter8:
		if f.counterMap[position] != 0xff {
			f.counterMap[position]++
		}
	case Counter16:
		off := position * 2
		v := binary.LittleEndian.Uint16(f.counterMap[off : off+2])
		if v != 0xffff {
			binary.LittleEndian.PutUint16(f.counterMap[off:off+2], v+1)
		}
	case Counter32:
		off := position * 4
		v := binary.LittleEndian.Uint32(f.counterMap[off : off+4])
		if v != 0xffffffff {
			binary.LittleEndian.PutUint32(f.counterMap[off:off+4], v+1)
		}
	case Counter64:
		off := position * 8
		v := binary.LittleEndian.Uint64(f.counterMap[off : off+8])
		if v != 0xffffffffffffffff {
			binary.LittleEndian.PutUint64(f.counterMap[off:off+8], v+1)
		}
	}
}

// decr floors at zero rather than underflowing.
func (f *Filter) decr(position uint64) {
	switch f.counterSize {
	case Counter8:
		if f.counterMap[position] > 0 {
			f.counterMap[position]--
		}
	case Counter16:
		off := position * 2
		v := binary.LittleEndian.Uint16(f.counterMap[off : off+2])
		if v > 0 {
			binary.LittleEndian.PutUint16(f.counterMap[off:off+2], v-1)
		}
	case Counter32:
		off := position * 4
		v := binary.LittleEndian.Uint32(f.counterMap[off : off+4])
		if v > 0 {
			binary.LittleEndian.PutUint32(f.counterMap[off:off+4], v-1)
		}
	case Counter64:
		off := position * 8
		v := binary.LittleEndian.Uint64(f.counterMap[off : off+8])
		if v > 0 {
			binary.LittleEndian.PutUint64(f.counterMap[off:off+8], v-1)
		}
	}
}

// Add inserts key, incrementing each of its k counters.
func (f *Filter) Add(key []byte) {
	for _, p := range f.positions(key) {
		f.incr(p)
	}
}

// AddString is Add over the UTF-8 bytes of s.
func (f *Filter) AddString(s string) {
	f.Add([]byte(s))
}

// Has reports whether key may be in the filter: true unless any of its
// k counters is zero.
func (f *Filter) Has(key []byte) bool {
	for _, p := range f.positions(key) {
		if f.get(p) == 0 {
			return false
		}
	}
	return true
}

// HasString is Has over the UTF-8 bytes of s.
func (f *Filter) HasString(s string) bool {
	return f.Has([]byte(s))
}

// Count returns the approximate number of times key has been added: the
// minimum across its k counters. It is exact only when no other
// inserted element has ever collided with key at any of those
// positions.
func (f *Filter) Count(key []byte) uint64 {
	min := uint64(1)<<64 - 1
	for _, p := range f.positions(key) {
		if c := f.get(p); c < min {
			min = c
		}
	}
	return min
}

// CountString is Count over the UTF-8 bytes of s.
func (f *Filter) CountString(s string) uint64 {
	return f.Count([]byte(s))
}

// Remove undoes one Add of key. It is a no-op unless key currently
// tests present — any zero counter among its k positions means
// removing would desynchronize the countermap from reality, so nothing
// is decremented (mirrors the "any-zero blocks remove" rule the
// original C implementation enforces).
func (f *Filter) Remove(key []byte) {
	positions := f.positions(key)
	for _, p := range positions {
		if f.get(p) == 0 {
			return
		}
	}
	for _, p := range positions {
		f.decr(p)
	}
}

// RemoveString is Remove over the UTF-8 bytes of s.
func (f *Filter) RemoveString(s string) {
	f.Remove([]byte(s))
}

// Stats summarizes a Filter's footprint.
type Stats struct {
	Slots       uint64
	CounterBits int
	MapBytes    uint64
}

func (s Stats) String() string {
	return humanize.Bytes(s.MapBytes) + " countermap, " + humanize.Comma(int64(s.Slots)) + " slots @ " + humanize.Comma(int64(s.CounterBits)) + " bits each"
}

// Stats reports f's current footprint.
func (f *Filter) Stats() Stats {
	width, _ := f.counterSize.bytes()
	return Stats{Slots: f.size, CounterBits: width * 8, MapBytes: uint64(len(f.counterMap))}
}

type fileHeader struct {
	Size        uint64
	Hashcount   uint64
	CounterSize uint64
	MapSize     uint64
	Expected    uint64
	Accuracy    float64
}

var headerSize = binary.Size(fileHeader{})

// Save writes f to path using the shared header+payload framing.
func (f *Filter) Save(path string) *ferr.Error {
	hdr := fileHeader{
		Size:        f.size,
		Hashcount:   uint64(f.hashcount),
		CounterSize: uint64(f.counterSize),
		MapSize:     uint64(len(f.counterMap)),
		Expected:    f.expected,
		Accuracy:    f.accuracy,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	return wire.Save(path, buf.Bytes(), f.counterMap)
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
	return fromHeaderAndPayload(hdr, payload), nil
}

func decodeHeaderSize(header []byte) (int, *ferr.Error) {
	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &hdr); err != nil {
		return 0, ferr.Wrap(ferr.InvalidFile, err, "decode header")
	}
	return int(hdr.MapSize), nil
}

func decodeHeader(header []byte) (fileHeader, *ferr.Error) {
	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &hdr); err != nil {
		return fileHeader{}, ferr.Wrap(ferr.InvalidFile, err, "decode header")
	}
	return hdr, nil
}

func fromHeaderAndPayload(hdr fileHeader, payload []byte) *Filter {
	return &Filter{
		size:        hdr.Size,
		hashcount:   int(hdr.Hashcount),
		expected:    hdr.Expected,
		accuracy:    hdr.Accuracy,
		counterSize: CounterSize(hdr.CounterSize),
		counterMap:  payload,
	}
}

// SaveCompressed is Save, but frames the countermap through an lz4
// writer (internal/wire.SaveCompressed) instead of storing it raw.
// Worthwhile when most counters are zero.
func (f *Filter) SaveCompressed(path string) *ferr.Error {
	hdr := fileHeader{
		Size:        f.size,
		Hashcount:   uint64(f.hashcount),
		CounterSize: uint64(f.counterSize),
		MapSize:     uint64(len(f.counterMap)),
		Expected:    f.expected,
		Accuracy:    f.accuracy,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	return wire.SaveCompressed(path, buf.Bytes(), f.counterMap)
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
	return fromHeaderAndPayload(hdr, payload), nil
}

// LoadMmap reads a Filter previously written by Save, sourcing the
// countermap from a read-only memory mapping of path
// (internal/wire.MmapLoad). The countermap is copied out of the
// mapping before it is released, since Add/Remove mutate it in place
// and the mapping itself is read-only.
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

	counterMap := make([]byte, len(payload.Bytes))
	copy(counterMap, payload.Bytes)
	return fromHeaderAndPayload(hdr, counterMap), nil
}
