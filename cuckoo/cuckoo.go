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

// Package cuckoo implements a Cuckoo filter: a compact table of
// fingerprints addressed by partial-key cuckoo hashing, supporting
// genuine removal (unlike the Bloom family, which can only ever grow
// "more full").
//
// Each key maps to two candidate buckets, derived so that either
// bucket index and the fingerprint recover the other — insertion tries
// both, then falls back to a bounded random eviction walk when both
// are full.
package cuckoo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/dustin/go-humanize"

	"github.com/filtra/filtra/ferr"
	"github.com/filtra/filtra/internal/prng"
	"github.com/filtra/filtra/internal/wire"
	"github.com/filtra/filtra/murmur3"
)

// Config describes a Filter's geometry.
type Config struct {
	// NumBuckets is the number of buckets in the table. A power of two
	// is conventional but not required.
	NumBuckets uint64
	// BucketSize is the number of fingerprint slots per bucket,
	// typically 2, 4, or 8. Defaults to 4.
	BucketSize int
	// MaxKicks bounds the eviction walk's length before an insertion
	// gives up. Defaults to 500.
	MaxKicks int
}

func (cfg Config) normalized() Config {
	if cfg.NumBuckets == 0 {
		cfg.NumBuckets = 1
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 4
	}
	if cfg.MaxKicks <= 0 {
		cfg.MaxKicks = 500
	}
	return cfg
}

// Filter is a Cuckoo filter.
type Filter struct {
	numBuckets       uint64
	bucketSize       int
	maxKicks         int
	prng             *prng.Xorshift32
	totalInsertions  uint64
	evictions        uint64
	bucketInsertions []uint64
	buckets          []uint16 // flat, numBuckets * bucketSize
}

// New constructs a Filter for cfg, seeding its eviction PRNG from the
// wall-clock time in nanoseconds (time.Now().UnixNano(), not a
// monotonic reading) so successive filters don't share an eviction
// sequence.
func New(cfg Config) *Filter {
	cfg = cfg.normalized()
	seed := uint32(time.Now().UnixNano())

	return &Filter{
		numBuckets:       cfg.NumBuckets,
		bucketSize:       cfg.BucketSize,
		maxKicks:         cfg.MaxKicks,
		prng:             prng.New(seed),
		bucketInsertions: make([]uint64, cfg.NumBuckets),
		buckets:          make([]uint16, cfg.NumBuckets*uint64(cfg.BucketSize)),
	}
}

// fingerprint returns the low 16 bits of key's 32-bit hash, remapped
// from 0 to 1 since 0 marks an empty slot.
func fingerprint(key []byte) (hash uint32, fp uint16) {
	hash = murmur3.Hash32(key, 0)
	fp = uint16(hash & 0xffff)
	if fp == 0 {
		fp = 1
	}
	return hash, fp
}

func (f *Filter) candidateBuckets(hash uint32, fp uint16) (i1, i2 uint64) {
	i1 = uint64(hash) % f.numBuckets
	i2 = (i1 ^ uint64(fp>>1)) % f.numBuckets
	return i1, i2
}

func (f *Filter) bucketSlots(bucketIndex uint64) []uint16 {
	off := bucketIndex * uint64(f.bucketSize)
	return f.buckets[off : off+uint64(f.bucketSize)]
}

func (f *Filter) insertInto(bucketIndex uint64, fp uint16) bool {
	slots := f.bucketSlots(bucketIndex)
	for i := range slots {
		if slots[i] == 0 {
			slots[i] = fp
			f.bucketInsertions[bucketIndex]++
			f.totalInsertions++
			return true
		}
	}
	return false
}

// Add inserts key, returning false if the eviction walk exhausted
// MaxKicks without finding room — the filter is effectively full and
// the evicted fingerprint is lost, per the Cuckoo filter's accepted
// failure mode.
func (f *Filter) Add(key []byte) bool {
	hash, fp := fingerprint(key)
	i1, i2 := f.candidateBuckets(hash, fp)

	if f.insertInto(i1, fp) || f.insertInto(i2, fp) {
		return true
	}

	index := i1
	if f.prng.Uint32()%2 == 1 {
		index = i2
	}

	for kick := 0; kick < f.maxKicks; kick++ {
		slot := f.prng.Intn(f.bucketSize)
		pos := index*uint64(f.bucketSize) + uint64(slot)

		evicted := f.buckets[pos]
		f.buckets[pos] = fp
		fp = evicted

		index = (index ^ uint64(fp>>1)) % f.numBuckets
		if f.insertInto(index, fp) {
			return true
		}
	}

	f.evictions++
	return false
}

// AddString is Add over the UTF-8 bytes of s.
func (f *Filter) AddString(s string) bool {
	return f.Add([]byte(s))
}

// Has reports whether key's fingerprint occupies either of its
// candidate buckets.
func (f *Filter) Has(key []byte) bool {
	hash, fp := fingerprint(key)
	i1, i2 := f.candidateBuckets(hash, fp)

	for _, slot := range f.bucketSlots(i1) {
		if slot == fp {
			return true
		}
	}
	for _, slot := range f.bucketSlots(i2) {
		if slot == fp {
			return true
		}
	}
	return false
}

// HasString is Has over the UTF-8 bytes of s.
func (f *Filter) HasString(s string) bool {
	return f.Has([]byte(s))
}

func (f *Filter) removeFrom(bucketIndex uint64, fp uint16) bool {
	slots := f.bucketSlots(bucketIndex)
	for i := range slots {
		if slots[i] == fp {
			slots[i] = 0
			if f.bucketInsertions[bucketIndex] > 0 {
				f.bucketInsertions[bucketIndex]--
			}
			if f.totalInsertions > 0 {
				f.totalInsertions--
			}
			return true
		}
	}
	return false
}

// Remove deletes one occurrence of key's fingerprint, returning false
// if it wasn't found in either candidate bucket. Removing a key that
// was never added but happens to share a fingerprint with one that was
// corrupts that element's accounting — an accepted limitation of
// partial-key cuckoo hashing.
func (f *Filter) Remove(key []byte) bool {
	hash, fp := fingerprint(key)
	i1, i2 := f.candidateBuckets(hash, fp)
	return f.removeFrom(i1, fp) || f.removeFrom(i2, fp)
}

// RemoveString is Remove over the UTF-8 bytes of s.
func (f *Filter) RemoveString(s string) bool {
	return f.Remove([]byte(s))
}

// LoadFactor returns the percentage of fingerprint slots occupied.
func (f *Filter) LoadFactor() float64 {
	capacity := f.numBuckets * uint64(f.bucketSize)
	return 100 * float64(f.totalInsertions) / float64(capacity)
}

// OccupiedBuckets returns a bitmap of indices of buckets holding at
// least one fingerprint, useful for iterating a large, sparse table
// without scanning every bucket.
func (f *Filter) OccupiedBuckets() *roaring.Bitmap {
	bm := roaring.New()
	for i, n := range f.bucketInsertions {
		if n > 0 {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// Stats summarizes a Filter's footprint and fill level.
type Stats struct {
	Buckets         uint64
	BucketSize      int
	TotalBytes      uint64
	TotalInsertions uint64
	Evictions       uint64
	LoadFactor      float64
}

func (s Stats) String() string {
	return humanize.Bytes(s.TotalBytes) + ", " + humanize.Comma(int64(s.TotalInsertions)) +
		" fingerprints, load " + fmt.Sprintf("%.2f", s.LoadFactor) + "%, " +
		humanize.Comma(int64(s.Evictions)) + " evictions"
}

// Stats reports f's current footprint and fill level.
func (f *Filter) Stats() Stats {
	return Stats{
		Buckets:         f.numBuckets,
		BucketSize:      f.bucketSize,
		TotalBytes:      uint64(len(f.buckets))*2 + uint64(len(f.bucketInsertions))*8,
		TotalInsertions: f.totalInsertions,
		Evictions:       f.evictions,
		LoadFactor:      f.LoadFactor(),
	}
}

type fileHeader struct {
	NumBuckets      uint64
	BucketSize      uint64
	MaxKicks        uint64
	PrngState       uint32
	TotalInsertions uint64
	Evictions       uint64
	BucketsBytes    uint64
	InsertionsBytes uint64
}

var headerSize = binary.Size(fileHeader{})

// Save writes f to path using the shared header+payload framing. The
// payload is the flat fingerprint array followed by the per-bucket
// insertion counts.
func (f *Filter) Save(path string) *ferr.Error {
	bucketsBytes := make([]byte, len(f.buckets)*2)
	for i, v := range f.buckets {
		binary.LittleEndian.PutUint16(bucketsBytes[i*2:], v)
	}

	insertionsBytes := make([]byte, len(f.bucketInsertions)*8)
	for i, v := range f.bucketInsertions {
		binary.LittleEndian.PutUint64(insertionsBytes[i*8:], v)
	}

	hdr := fileHeader{
		NumBuckets:      f.numBuckets,
		BucketSize:      uint64(f.bucketSize),
		MaxKicks:        uint64(f.maxKicks),
		PrngState:       f.prng.State(),
		TotalInsertions: f.totalInsertions,
		Evictions:       f.evictions,
		BucketsBytes:    uint64(len(bucketsBytes)),
		InsertionsBytes: uint64(len(insertionsBytes)),
	}

	var headerBuf bytes.Buffer
	if err := binary.Write(&headerBuf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	payload := append(bucketsBytes, insertionsBytes...)
	return wire.Save(path, headerBuf.Bytes(), payload)
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
	return int(hdr.BucketsBytes + hdr.InsertionsBytes), nil
}

func decodeHeader(header []byte) (fileHeader, *ferr.Error) {
	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &hdr); err != nil {
		return fileHeader{}, ferr.Wrap(ferr.InvalidFile, err, "decode header")
	}
	return hdr, nil
}

func fromHeaderAndPayload(hdr fileHeader, payload []byte) *Filter {
	bucketsBytes := payload[:hdr.BucketsBytes]
	insertionsBytes := payload[hdr.BucketsBytes:]

	buckets := make([]uint16, len(bucketsBytes)/2)
	for i := range buckets {
		buckets[i] = binary.LittleEndian.Uint16(bucketsBytes[i*2:])
	}

	bucketInsertions := make([]uint64, len(insertionsBytes)/8)
	for i := range bucketInsertions {
		bucketInsertions[i] = binary.LittleEndian.Uint64(insertionsBytes[i*8:])
	}

	return &Filter{
		numBuckets:       hdr.NumBuckets,
		bucketSize:       int(hdr.BucketSize),
		maxKicks:         int(hdr.MaxKicks),
		prng:             prng.SetState(hdr.PrngState),
		totalInsertions:  hdr.TotalInsertions,
		evictions:        hdr.Evictions,
		bucketInsertions: bucketInsertions,
		buckets:          buckets,
	}
}

// SaveCompressed is Save, but frames the fingerprint/insertion-count
// payload through an lz4 writer (internal/wire.SaveCompressed) instead
// of storing it raw. Worthwhile on a lightly-filled table, where most
// fingerprint slots are still zero.
func (f *Filter) SaveCompressed(path string) *ferr.Error {
	bucketsBytes := make([]byte, len(f.buckets)*2)
	for i, v := range f.buckets {
		binary.LittleEndian.PutUint16(bucketsBytes[i*2:], v)
	}

	insertionsBytes := make([]byte, len(f.bucketInsertions)*8)
	for i, v := range f.bucketInsertions {
		binary.LittleEndian.PutUint64(insertionsBytes[i*8:], v)
	}

	hdr := fileHeader{
		NumBuckets:      f.numBuckets,
		BucketSize:      uint64(f.bucketSize),
		MaxKicks:        uint64(f.maxKicks),
		PrngState:       f.prng.State(),
		TotalInsertions: f.totalInsertions,
		Evictions:       f.evictions,
		BucketsBytes:    uint64(len(bucketsBytes)),
		InsertionsBytes: uint64(len(insertionsBytes)),
	}

	var headerBuf bytes.Buffer
	if err := binary.Write(&headerBuf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	payload := append(bucketsBytes, insertionsBytes...)
	return wire.SaveCompressed(path, headerBuf.Bytes(), payload)
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
// fingerprint/insertion-count payload from a read-only memory mapping
// of path (internal/wire.MmapLoad) instead of a freshly allocated read
// buffer. The mapping is released before LoadMmap returns; decoding
// the flat payload into typed uint16/uint64 slices copies it regardless
// of source, so mmap's benefit here is skipping the intermediate raw
// byte-slice allocation Load makes before that decode.
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
	return fromHeaderAndPayload(hdr, payload.Bytes), nil
}
