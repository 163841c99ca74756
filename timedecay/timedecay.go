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

// Package timedecay implements a time-decaying Bloom filter: each of an
// element's k slots stores the timestamp of the most recent Add rather
// than a bit or a counter, so membership naturally expires once that
// timestamp falls more than Timeout in the past.
//
// Timestamps are relative to a monotonic clock rather than wall time,
// so a system clock adjustment can never age entries prematurely or
// resurrect expired ones.
package timedecay

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/filtra/filtra/ferr"
	"github.com/filtra/filtra/internal/sizing"
	"github.com/filtra/filtra/internal/wire"
	"github.com/filtra/filtra/murmur3"
)

// Clock reports elapsed monotonic time since an arbitrary, fixed
// reference point. Tests supply their own to fast-forward time without
// sleeping; production code uses the package default.
type Clock func() time.Duration

var processStart = time.Now()

func defaultClock() time.Duration {
	return time.Since(processStart)
}

// Config describes the capacity, accuracy, and expiry window a Filter
// should be sized for.
type Config struct {
	Expected uint64
	FPRate   float64
	// Timeout is how long an added element remains present before it
	// decays. Required; must be positive.
	Timeout time.Duration
	// Clock overrides the monotonic time source. Optional; defaults to
	// time elapsed since process start.
	Clock Clock
}

func (cfg Config) normalized() Config {
	if cfg.Expected == 0 {
		cfg.Expected = 1
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = 0.01
	}
	if cfg.Clock == nil {
		cfg.Clock = defaultClock
	}
	return cfg
}

// Filter is a time-decaying Bloom filter.
type Filter struct {
	size      uint64
	hashcount int
	expected  uint64
	accuracy  float64
	timeout   uint64 // seconds
	width     int    // bytes per slot: 1, 2, 4, or 8
	maxTime   uint64
	startTime time.Duration
	clock     Clock
	slots     []byte
}

// New constructs a Filter sized for cfg. The slot width is chosen by
// the smallest of 1, 2, 4, or 8 bytes whose maximum value strictly
// exceeds Timeout in seconds — so a Timeout of exactly 255 seconds
// selects 2-byte slots, not 1-byte ones.
func New(cfg Config) (*Filter, *ferr.Error) {
	cfg = cfg.normalized()
	if cfg.Timeout <= 0 {
		return nil, ferr.New(ferr.InvalidTimeout, "timeout must be positive")
	}

	timeoutSecs := uint64(cfg.Timeout.Seconds())

	var width int
	var maxTime uint64
	switch {
	case timeoutSecs < math.MaxUint8:
		width, maxTime = 1, math.MaxUint8
	case timeoutSecs < math.MaxUint16:
		width, maxTime = 2, math.MaxUint16
	case timeoutSecs < math.MaxUint32:
		width, maxTime = 4, math.MaxUint32
	default:
		width, maxTime = 8, math.MaxUint64
	}

	m, k := sizing.Ideal(cfg.Expected, cfg.FPRate)

	return &Filter{
		size:      m,
		hashcount: k,
		expected:  cfg.Expected,
		accuracy:  cfg.FPRate,
		timeout:   timeoutSecs,
		width:     width,
		maxTime:   maxTime,
		startTime: cfg.Clock(),
		clock:     cfg.Clock,
		slots:     make([]byte, m*uint64(width)),
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

func (f *Filter) getSlot(position uint64) uint64 {
	switch f.width {
	case 1:
		return uint64(f.slots[position])
	case 2:
		off := position * 2
		return uint64(binary.LittleEndian.Uint16(f.slots[off : off+2]))
	case 4:
		off := position * 4
		return uint64(binary.LittleEndian.Uint32(f.slots[off : off+4]))
	default:
		off := position * 8
		return binary.LittleEndian.Uint64(f.slots[off : off+8])
	}
}

func (f *Filter) setSlot(position, value uint64) {
	switch f.width {
	case 1:
		f.slots[position] = byte(value)
	case 2:
		off := position * 2
		binary.LittleEndian.PutUint16(f.slots[off:off+2], uint16(value))
	case 4:
		off := position * 4
		binary.LittleEndian.PutUint32(f.slots[off:off+4], uint32(value))
	default:
		off := position * 8
		binary.LittleEndian.PutUint64(f.slots[off:off+8], value)
	}
}

// elapsed returns seconds since the filter was created, per f.clock.
func (f *Filter) elapsed() uint64 {
	return uint64((f.clock() - f.startTime).Seconds())
}

// Add (re-)stamps key's k slots with the current timestamp, resetting
// its decay window.
func (f *Filter) Add(key []byte) {
	ts := (f.elapsed() % f.maxTime) + 1
	for _, p := range f.positions(key) {
		f.setSlot(p, ts)
	}
}

// AddString is Add over the UTF-8 bytes of s.
func (f *Filter) AddString(s string) {
	f.Add([]byte(s))
}

// Has reports whether key was added within the filter's configured
// Timeout.
func (f *Filter) Has(key []byte) bool {
	return f.hasWithin(key, f.timeout)
}

// HasString is Has over the UTF-8 bytes of s.
func (f *Filter) HasString(s string) bool {
	return f.Has([]byte(s))
}

// HasWithin reports whether key was added within the given window,
// which may differ from the filter's configured Timeout — useful for
// asking "seen in the last minute?" against a filter sized for a
// longer decay horizon.
func (f *Filter) HasWithin(key []byte, window time.Duration) bool {
	return f.hasWithin(key, uint64(window.Seconds()))
}

func (f *Filter) hasWithin(key []byte, timeoutSecs uint64) bool {
	elapsed := f.elapsed()
	if elapsed > f.maxTime {
		return false
	}
	ts := (elapsed % f.maxTime) + 1

	for _, p := range f.positions(key) {
		value := f.getSlot(p)
		if value == 0 || (ts-value) > timeoutSecs {
			return false
		}
	}
	return true
}

// Stats summarizes a Filter's footprint.
type Stats struct {
	Slots    uint64
	SlotBits int
	MapBytes uint64
	Timeout  time.Duration
}

func (s Stats) String() string {
	return humanize.Bytes(s.MapBytes) + " decay map, " + humanize.Comma(int64(s.Slots)) + " slots, timeout " + s.Timeout.String()
}

// Stats reports f's current footprint and configured decay window.
func (f *Filter) Stats() Stats {
	return Stats{
		Slots:    f.size,
		SlotBits: f.width * 8,
		MapBytes: uint64(len(f.slots)),
		Timeout:  time.Duration(f.timeout) * time.Second,
	}
}

type fileHeader struct {
	Size      uint64
	Hashcount uint64
	Timeout   uint64
	Width     uint64
	MaxTime   uint64
	MapSize   uint64
	Expected  uint64
	Accuracy  float64
	// Elapsed is the number of seconds between filter creation and the
	// moment Save ran, so Load can reestablish a startTime against the
	// new process's clock that keeps every stored timestamp's meaning
	// intact.
	Elapsed uint64
}

var headerSize = binary.Size(fileHeader{})

// Save writes f to path using the shared header+payload framing.
func (f *Filter) Save(path string) *ferr.Error {
	hdr := fileHeader{
		Size:      f.size,
		Hashcount: uint64(f.hashcount),
		Timeout:   f.timeout,
		Width:     uint64(f.width),
		MaxTime:   f.maxTime,
		MapSize:   uint64(len(f.slots)),
		Expected:  f.expected,
		Accuracy:  f.accuracy,
		Elapsed:   f.elapsed(),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	return wire.Save(path, buf.Bytes(), f.slots)
}

// Load reads a Filter previously written by Save. The restored filter
// uses the default clock; pass a custom one via LoadWithClock.
func Load(path string) (*Filter, *ferr.Error) {
	return LoadWithClock(path, defaultClock)
}

// LoadWithClock is Load with an injectable clock, for tests.
func LoadWithClock(path string, clock Clock) (*Filter, *ferr.Error) {
	header, payload, err := wire.Load(path, headerSize, decodeHeaderSize)
	if err != nil {
		return nil, err
	}

	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	return fromHeaderAndPayload(hdr, payload, clock), nil
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

func fromHeaderAndPayload(hdr fileHeader, payload []byte, clock Clock) *Filter {
	startTime := clock() - time.Duration(hdr.Elapsed)*time.Second

	return &Filter{
		size:      hdr.Size,
		hashcount: int(hdr.Hashcount),
		expected:  hdr.Expected,
		accuracy:  hdr.Accuracy,
		timeout:   hdr.Timeout,
		width:     int(hdr.Width),
		maxTime:   hdr.MaxTime,
		startTime: startTime,
		clock:     clock,
		slots:     payload,
	}
}

// SaveCompressed is Save, but frames the decay map through an lz4
// writer (internal/wire.SaveCompressed) instead of storing it raw.
func (f *Filter) SaveCompressed(path string) *ferr.Error {
	hdr := fileHeader{
		Size:      f.size,
		Hashcount: uint64(f.hashcount),
		Timeout:   f.timeout,
		Width:     uint64(f.width),
		MaxTime:   f.maxTime,
		MapSize:   uint64(len(f.slots)),
		Expected:  f.expected,
		Accuracy:  f.accuracy,
		Elapsed:   f.elapsed(),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return ferr.Wrap(ferr.FileWrite, err, "encode header")
	}

	return wire.SaveCompressed(path, buf.Bytes(), f.slots)
}

// LoadCompressed reads a Filter previously written by SaveCompressed,
// using the default clock. Use LoadCompressedWithClock to inject one.
func LoadCompressed(path string) (*Filter, *ferr.Error) {
	return LoadCompressedWithClock(path, defaultClock)
}

// LoadCompressedWithClock is LoadCompressed with an injectable clock,
// for tests.
func LoadCompressedWithClock(path string, clock Clock) (*Filter, *ferr.Error) {
	header, payload, err := wire.LoadCompressed(path, headerSize)
	if err != nil {
		return nil, err
	}

	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	return fromHeaderAndPayload(hdr, payload, clock), nil
}

// LoadMmap reads a Filter previously written by Save, sourcing the
// decay map from a read-only memory mapping of path
// (internal/wire.MmapLoad), using the default clock. The slots are
// copied out of the mapping before it is released, since Add mutates
// them in place and the mapping itself is read-only.
func LoadMmap(path string) (*Filter, *ferr.Error) {
	return LoadMmapWithClock(path, defaultClock)
}

// LoadMmapWithClock is LoadMmap with an injectable clock, for tests.
func LoadMmapWithClock(path string, clock Clock) (*Filter, *ferr.Error) {
	header, payload, err := wire.MmapLoad(path, headerSize, decodeHeaderSize)
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}

	slots := make([]byte, len(payload.Bytes))
	copy(slots, payload.Bytes)
	return fromHeaderAndPayload(hdr, slots, clock), nil
}
