package source

import (
	"github.com/llehouerou/oggmix/internal/mixer"
	"github.com/llehouerou/oggmix/internal/ringbuffer"
)

// OpusSource adapts an *mixer.Mixer to the Source interface, pulling mixed
// stereo frames on demand and pushing them into a RingBuffer (spec §4.F).
type OpusSource struct {
	mixer *mixer.Mixer
	rb    *ringbuffer.RingBuffer
	rng   bool // running
}

// NewOpusSource constructs a producer adapter around an already-built
// mixer and ring buffer. Capacity is the caller's concern: the mixer
// variant's buffer should be sized with ringbuffer.NextPowerOfTwo(7680) per
// the design notes' resolution of the non-power-of-two flag.
func NewOpusSource(m *mixer.Mixer, rb *ringbuffer.RingBuffer) *OpusSource {
	return &OpusSource{mixer: m, rb: rb}
}

// RingBuffer returns the buffer this source writes into.
func (o *OpusSource) RingBuffer() *ringbuffer.RingBuffer { return o.rb }

// Start marks the source running.
func (o *OpusSource) Start() { o.rng = true }

// Stop marks the source stopped.
func (o *OpusSource) Stop() { o.rng = false }

// IsRunning reports whether Start has been called more recently than Stop.
func (o *OpusSource) IsRunning() bool { return o.rng }

// Reset re-seeks the underlying mixer to its start timestamp (spec §6
// "reset" command), logically invalidating any samples already sitting in
// the ring buffer ahead of the consumer. Callers must clear or otherwise
// account for the ring buffer separately; Reset only touches mixer state.
func (o *OpusSource) Reset() error { return o.mixer.Reset() }

// Process implements the producer loop from spec §4.F: refresh the
// consumer's read pointer, compute how many whole frames fit in the
// available space, then mix and write frames until the request is
// satisfied, the buffer fills (partial write), or the mixer stalls
// (MixNextSamples returns false — end of mix, or all streams momentarily
// ahead of the sync point).
func (o *OpusSource) Process(nRequest int) int {
	if !o.rng {
		return 0
	}

	o.rb.UpdateReadPtr()

	availableFrames := o.rb.AvailableWrite() / (mixer.FrameSize * mixer.OutputChannels)
	framesRequested := (nRequest + mixer.FrameSize - 1) / mixer.FrameSize
	framesToProcess := framesRequested
	if availableFrames < framesToProcess {
		framesToProcess = availableFrames
	}

	total := 0
	for i := 0; i < framesToProcess; i++ {
		frame, ok := o.mixer.MixNextSamples()
		if !ok {
			break
		}

		written := o.rb.Write(frame)
		total += written
		if written < len(frame) {
			// Buffer filled mid-frame: backpressure signal, stop for this
			// turn rather than spinning.
			break
		}
	}

	return total
}
