// Package ringbuffer implements the lock-free single-producer/single-consumer
// sample queue that crosses the isolation boundary between the audio engine
// (producer) and the real-time audio callback (consumer).
//
// The buffer models a shared memory region laid out exactly as a typed
// Float32Array would be on the other side of that boundary: two metadata
// slots (read index, write index) followed by N sample slots. Only the
// producer ever mutates the write index and sample cells; only the consumer
// ever mutates the read index. The metadata slots are the sole publication
// channel between them and are updated with release/acquire ordering via
// bit-cast atomic.Uint32 stores, since a plain float32 has no atomic
// instructions of its own.
package ringbuffer

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrCapacityNotPowerOfTwo is returned by New when capacity is not a power
// of two. Index masking (idx & (n-1)) is only correct for power-of-two
// capacities; see the REDESIGN FLAG in the design notes about the
// FRAME_SIZE*8 = 7680 buffer, which is not one.
var ErrCapacityNotPowerOfTwo = errors.New("ringbuffer: capacity must be a power of two")

// RingBuffer is a lock-free SPSC float32 queue over a fixed-capacity shared
// region. The zero value is not usable; construct with New.
type RingBuffer struct {
	samples []float32
	n       uint32
	mask    uint32

	// metaRead/metaWrite hold the bit pattern of a float32 index, exactly as
	// they would sit in slots 0 and 1 of a shared memory region. They are
	// the canonical read/write cursors; everything else is a cache.
	metaRead  atomic.Uint32
	metaWrite atomic.Uint32

	// cachedRead is the producer's local copy of the consumer's read index,
	// refreshed only by UpdateReadPtr. Used to compute AvailableWrite
	// without re-acquiring metaRead on every sample.
	cachedRead uint32

	// cachedWrite is the consumer's local copy of the producer's write
	// index, refreshed only by UpdateWritePtr.
	cachedWrite uint32

	stats Stats
}

// Stats holds the monotonic instrumentation counters described for the
// mixer ring buffer variant (spec §4.A).
type Stats struct {
	Writes         atomic.Uint64
	Reads          atomic.Uint64
	SamplesWritten atomic.Uint64
	SamplesRead    atomic.Uint64
	Underruns      atomic.Uint64
	HighWaterRead  atomic.Uint32
	HighWaterWrite atomic.Uint32
}

// New creates a RingBuffer with the given sample capacity. Capacity must be
// a power of two; callers sizing a buffer from a non-power-of-two quantity
// (e.g. FRAME_SIZE*8) should round up with NextPowerOfTwo first.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPowerOfTwo
	}
	rb := &RingBuffer{
		samples: make([]float32, capacity),
		n:       uint32(capacity),
		mask:    uint32(capacity - 1),
	}
	return rb, nil
}

// NextPowerOfTwo rounds n up to the nearest power of two. Used to close the
// BUFFER_SIZE = FRAME_SIZE*8 = 7680 gap flagged in the design notes: callers
// that would otherwise mask against a non-power-of-two capacity round up to
// 8192 instead.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func loadIndex(slot *atomic.Uint32) uint32 {
	return uint32(math.Float32frombits(slot.Load()))
}

func storeIndex(slot *atomic.Uint32, v uint32) {
	slot.Store(math.Float32bits(float32(v)))
}

// Capacity returns N, the number of sample slots (excluding metadata).
func (rb *RingBuffer) Capacity() int {
	return int(rb.n)
}

// UpdateReadPtr refreshes the producer's cached copy of the consumer's read
// index from the shared metadata slot. Must be called at the start of every
// producer turn before AvailableWrite/Write are trusted.
func (rb *RingBuffer) UpdateReadPtr() {
	rb.cachedRead = loadIndex(&rb.metaRead)
}

// UpdateWritePtr refreshes the consumer's cached copy of the producer's
// write index from the shared metadata slot. Symmetric to UpdateReadPtr;
// called at the start of every consumer turn.
func (rb *RingBuffer) UpdateWritePtr() {
	rb.cachedWrite = loadIndex(&rb.metaWrite)
}

// AvailableRead returns the number of samples the consumer can read,
// computed from the producer's last-known write index and the consumer's
// own read index.
func (rb *RingBuffer) AvailableRead() int {
	w := loadIndex(&rb.metaWrite)
	r := loadIndex(&rb.metaRead)
	return int((w - r) & rb.mask)
}

// AvailableWrite returns the number of samples the producer may write,
// using its cached copy of the consumer's read index (refreshed via
// UpdateReadPtr, not re-read here) so a stalled consumer cannot cause the
// producer to spin on a live atomic load.
func (rb *RingBuffer) AvailableWrite() int {
	w := loadIndex(&rb.metaWrite)
	avail := (w - rb.cachedRead) & rb.mask
	return int(rb.n - 1 - avail)
}

// Write stores up to len(samples) floats into the buffer and returns the
// number actually stored. A partial (or zero) write means the consumer is
// behind; the producer must not spin or retry within the same turn.
func (rb *RingBuffer) Write(samples []float32) int {
	avail := rb.AvailableWrite()
	toWrite := len(samples)
	if toWrite > avail {
		toWrite = avail
	}
	if toWrite == 0 {
		rb.stats.Writes.Add(1)
		return 0
	}

	w := loadIndex(&rb.metaWrite)
	for i := 0; i < toWrite; i++ {
		rb.samples[(w+uint32(i))&rb.mask] = samples[i]
	}

	newWrite := (w + uint32(toWrite)) & rb.mask
	// Release: publish the new write index only after all sample stores
	// above are visible.
	storeIndex(&rb.metaWrite, newWrite)

	rb.stats.Writes.Add(1)
	rb.stats.SamplesWritten.Add(uint64(toWrite))
	if hw := rb.stats.HighWaterWrite.Load(); uint32(toWrite) > hw {
		rb.stats.HighWaterWrite.Store(uint32(toWrite))
	}
	return toWrite
}

// Read loads up to len(out) floats from the buffer and returns the number
// actually read. Reads past the producer's last-published write index are
// impossible by construction; a short read just means the producer hasn't
// caught up yet.
func (rb *RingBuffer) Read(out []float32) int {
	// Acquire: observe the producer's write index before touching sample
	// cells it guards.
	w := loadIndex(&rb.metaWrite)
	r := loadIndex(&rb.metaRead)
	avail := int((w - r) & rb.mask)

	toRead := len(out)
	if toRead > avail {
		if toRead > 0 {
			rb.stats.Underruns.Add(1)
		}
		toRead = avail
	}
	if toRead == 0 {
		rb.stats.Reads.Add(1)
		return 0
	}

	for i := 0; i < toRead; i++ {
		out[i] = rb.samples[(r+uint32(i))&rb.mask]
	}

	newRead := (r + uint32(toRead)) & rb.mask
	storeIndex(&rb.metaRead, newRead)

	rb.stats.Reads.Add(1)
	rb.stats.SamplesRead.Add(uint64(toRead))
	if hw := rb.stats.HighWaterRead.Load(); uint32(toRead) > hw {
		rb.stats.HighWaterRead.Store(uint32(toRead))
	}
	return toRead
}

// Clear resets both indices to zero. Producer-side only; must only be
// called while the consumer is quiesced (spec §5 backpressure/reset
// policy), since it invalidates whatever the consumer thinks it has not
// yet read.
func (rb *RingBuffer) Clear() {
	storeIndex(&rb.metaRead, 0)
	storeIndex(&rb.metaWrite, 0)
	rb.cachedRead = 0
	rb.cachedWrite = 0
}

// StatsSnapshot returns a point-in-time copy of the instrumentation
// counters. Safe to call concurrently with Write/Read.
func (rb *RingBuffer) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Writes:         rb.stats.Writes.Load(),
		Reads:          rb.stats.Reads.Load(),
		SamplesWritten: rb.stats.SamplesWritten.Load(),
		SamplesRead:    rb.stats.SamplesRead.Load(),
		Underruns:      rb.stats.Underruns.Load(),
		HighWaterRead:  rb.stats.HighWaterRead.Load(),
		HighWaterWrite: rb.stats.HighWaterWrite.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats, safe to pass by value.
type StatsSnapshot struct {
	Writes         uint64
	Reads          uint64
	SamplesWritten uint64
	SamplesRead    uint64
	Underruns      uint64
	HighWaterRead  uint32
	HighWaterWrite uint32
}
