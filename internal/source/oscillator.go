package source

import (
	"math"

	"github.com/llehouerou/oggmix/internal/ringbuffer"
)

// DefaultFrequencyHz is the oscillator's startup tone.
const DefaultFrequencyHz = 440.0

const twoPi = 2 * math.Pi

// Oscillator is a sine-wave Source, included as a second concrete producer
// to exercise the Source interface against something that isn't
// mixer-backed.
type Oscillator struct {
	rb         *ringbuffer.RingBuffer
	sampleRate float64
	frequency  float64
	phase      float64
	rng        bool
}

// NewOscillator constructs an oscillator producer over rb at the given
// sample rate, starting at DefaultFrequencyHz.
func NewOscillator(rb *ringbuffer.RingBuffer, sampleRate float64) *Oscillator {
	return NewOscillatorWithFrequency(rb, sampleRate, DefaultFrequencyHz)
}

// NewOscillatorWithFrequency is NewOscillator with an explicit startup
// tone, wired from internal/config's Oscillator.DefaultFrequencyHz rather
// than always starting at the package default.
func NewOscillatorWithFrequency(rb *ringbuffer.RingBuffer, sampleRate, startFrequencyHz float64) *Oscillator {
	return &Oscillator{
		rb:         rb,
		sampleRate: sampleRate,
		frequency:  startFrequencyHz,
	}
}

// RingBuffer returns the buffer this source writes into.
func (o *Oscillator) RingBuffer() *ringbuffer.RingBuffer { return o.rb }

// Start marks the source running.
func (o *Oscillator) Start() { o.rng = true }

// Stop marks the source stopped.
func (o *Oscillator) Stop() { o.rng = false }

// IsRunning reports whether Start has been called more recently than Stop.
func (o *Oscillator) IsRunning() bool { return o.rng }

// Reset zeroes the oscillator's phase, matching spec §6 "reset" for the
// mixer-backed variant (which re-seeks to its start timestamp): here there
// is no timeline to seek, so reset returns the waveform to phase 0.
func (o *Oscillator) Reset() error {
	o.phase = 0
	return nil
}

// SetFrequency changes the oscillator's tone. Not part of the Source
// interface: the orchestrator calls it after type-asserting its active
// source to *Oscillator.
func (o *Oscillator) SetFrequency(hz float64) { o.frequency = hz }

// Process writes min(nRequest, available_write) samples of sin(phase) into
// the ring buffer, advancing phase by 2*pi*f/sample_rate per sample
// (spec §4.F oscillator variant).
func (o *Oscillator) Process(nRequest int) int {
	if !o.rng {
		return 0
	}

	o.rb.UpdateReadPtr()

	n := nRequest
	if avail := o.rb.AvailableWrite(); n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}

	buf := make([]float32, n)
	step := twoPi * o.frequency / o.sampleRate
	for i := 0; i < n; i++ {
		buf[i] = float32(math.Sin(o.phase))
		o.phase += step
		if o.phase >= twoPi {
			o.phase -= twoPi
		}
	}

	return o.rb.Write(buf)
}
