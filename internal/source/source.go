// Package source implements the Producer adapter component: it wraps a
// sample generator (the mixer, or a sine oscillator) and pushes decoded
// frames into a RingBuffer on demand from the external scheduler. Grounded
// on the teacher's internal/player pull-driven playback loop, generalized
// into the capability-set abstraction described in the design notes (§9,
// "Dynamic dispatch over producers"): a closed set of concrete adapters
// rather than open polymorphism, since the only two producers this system
// needs are known up front.
package source

import "github.com/llehouerou/oggmix/internal/ringbuffer"

// Source is the capability set every producer adapter implements:
// get_ring_buffer, start, stop, process(n), get_shared_buffer, is_running.
// Type-specific operations (SetFrequency, LoadAudioFiles) are not part of
// this interface; the owning orchestrator handles those itself, reaching
// SetFrequency through a type assertion to *Oscillator.
type Source interface {
	// RingBuffer returns the buffer this source writes into.
	RingBuffer() *ringbuffer.RingBuffer
	// Start marks the source running. Process is a no-op while stopped.
	Start()
	// Stop marks the source stopped.
	Stop()
	// Process requests up to nRequest samples be produced into the ring
	// buffer and returns how many were actually written.
	Process(nRequest int) int
	// IsRunning reports whether Start has been called more recently than
	// Stop.
	IsRunning() bool
	// Reset re-seeks the producer back to its start position (spec §6
	// "reset" command).
	Reset() error
}
