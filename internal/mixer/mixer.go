// Package mixer implements the AudioMixer component: it advances N
// AudioStreams in lock-step on a shared 48 kHz granule timeline, sums their
// decoded frames with per-stream drift compensation, and produces
// interleaved stereo frames on demand. Grounded on the teacher's
// internal/player mixing of multiple beep.Streamer sources, generalized
// from sequential playback into concurrent lock-step sync.
package mixer

import (
	"errors"
	"io"
	"math"

	"github.com/llehouerou/oggmix/internal/audiostream"
)

// SampleRate mirrors audiostream.SampleRate; the mixer never operates at
// any other rate (output is fixed 48 kHz stereo per spec).
const SampleRate = audiostream.SampleRate

// FrameSize mirrors audiostream.FrameSize: 20ms at 48 kHz.
const FrameSize = audiostream.FrameSize

// OutputChannels is always 2: the mixer always up-mixes to stereo.
const OutputChannels = 2

// defaultSyncIntervalSamples is how often (in target-granule samples) the
// mixer re-evaluates inter-stream drift and recomputes compensation
// factors, unless overridden via WithSyncIntervalSamples (wiring
// Engine.SyncIntervalSamples from internal/config).
const defaultSyncIntervalSamples = 48000

// driftThresholdSeconds is the minimum |drift| before compensation kicks
// in; streams within this tolerance run at compensation 1.0.
const driftThresholdSeconds = 0.001

// maxAdjustmentPerSecond bounds how fast compensation can move per second
// of elapsed target-granule time, keeping compensation inside [0.98, 1.02]
// for any single sync-check window.
const maxAdjustmentPerSecond = 0.02

// maxAdjustmentCap bounds the adjustment itself regardless of |drift|.
const maxAdjustmentCap = 1.0

// Mixer holds N audiostream.Streams and advances them in lock-step,
// producing mixed stereo frames. All state is producer-confined; nothing
// here is safe for concurrent access from more than one goroutine.
type Mixer struct {
	streams  []*audiostream.Stream
	finished []bool

	activeCount int

	targetGranule int64
	lastSyncCheck int64
	maxSyncDrift  float64
	mixedScratch  []float32 // FrameSize * OutputChannels

	startTimestampSeconds float64

	// syncIntervalSamples and maxSyncDriftWarnSeconds are wired from
	// internal/config's EngineConfig (SyncIntervalSamples,
	// MaxSyncDriftWarnSeconds) via WithSyncIntervalSamples/
	// WithMaxSyncDriftWarnSeconds; New defaults them when no Option is
	// given.
	syncIntervalSamples     int64
	maxSyncDriftWarnSeconds float64
}

// Option configures a Mixer at construction time.
type Option func(*Mixer)

// WithSyncIntervalSamples overrides how often (in target-granule samples)
// the mixer re-evaluates inter-stream drift. n<=0 leaves the default.
func WithSyncIntervalSamples(n int64) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.syncIntervalSamples = n
		}
	}
}

// WithMaxSyncDriftWarnSeconds sets the threshold ExceedsSyncDriftWarnThreshold
// compares MaxSyncDrift against. Zero (the default) disables the check.
func WithMaxSyncDriftWarnSeconds(s float64) Option {
	return func(m *Mixer) { m.maxSyncDriftWarnSeconds = s }
}

// New constructs a mixer from a non-empty list of streams, seeking each to
// startTimestampSeconds before the first mix call. Streams whose headers
// have not yet been parsed are primed here via ProcessNextPacket so the
// mixer can immediately read InputChannels/Ready state.
func New(streams []*audiostream.Stream, startTimestampSeconds float64, opts ...Option) (*Mixer, error) {
	if len(streams) == 0 {
		return nil, errors.New("mixer: at least one stream is required")
	}

	m := &Mixer{
		streams:               streams,
		finished:              make([]bool, len(streams)),
		activeCount:           len(streams),
		targetGranule:         int64(startTimestampSeconds * SampleRate),
		mixedScratch:          make([]float32, FrameSize*OutputChannels),
		startTimestampSeconds: startTimestampSeconds,
		syncIntervalSamples:   defaultSyncIntervalSamples,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastSyncCheck = m.targetGranule

	for _, s := range streams {
		if startTimestampSeconds > 0 {
			if err := s.SeekToTimestamp(startTimestampSeconds); err != nil {
				return nil, err
			}
			continue
		}
		for !s.Ready() {
			if _, _, err := s.ProcessNextPacket(); err != nil {
				var unsupported *audiostream.UnsupportedChannelCount
				if errors.As(err, &unsupported) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil, errors.New("mixer: stream ended before headers were parsed")
				}
				return nil, err
			}
		}
	}

	return m, nil
}

// ActiveCount reports how many streams have not yet finished.
func (m *Mixer) ActiveCount() int { return m.activeCount }

// Reset re-seeks every stream back to the mixer's start timestamp (spec §6
// "reset" command) and restores the mix clock: finished flags clear,
// activeCount returns to len(streams), and targetGranule/lastSyncCheck
// reset to the start position. maxSyncDrift is left untouched since spec
// §8 requires it non-decreasing "over time", not just within one session
// of mixing.
func (m *Mixer) Reset() error {
	for i, s := range m.streams {
		if err := s.SeekToTimestamp(m.startTimestampSeconds); err != nil {
			return err
		}
		m.finished[i] = false
	}
	m.activeCount = len(m.streams)
	m.targetGranule = int64(m.startTimestampSeconds * SampleRate)
	m.lastSyncCheck = m.targetGranule
	return nil
}

// MaxSyncDrift returns the largest observed inter-stream spread, in
// seconds, across all sync-check cycles so far. Monotonically
// non-decreasing, per spec §8.
func (m *Mixer) MaxSyncDrift() float64 { return m.maxSyncDrift }

// ExceedsSyncDriftWarnThreshold reports whether MaxSyncDrift has ever
// exceeded the configured Engine.MaxSyncDriftWarnSeconds threshold. Always
// false when that threshold was never set (the zero value disables the
// check rather than warning on any drift at all).
func (m *Mixer) ExceedsSyncDriftWarnThreshold() bool {
	return m.maxSyncDriftWarnSeconds > 0 && m.maxSyncDrift > m.maxSyncDriftWarnSeconds
}

// MixNextSamples advances the mix by one frame. Returns (frame, true) on a
// mixed frame of FrameSize*OutputChannels interleaved stereo floats, or
// (nil, false) at end-of-mix (no stream contributed this call, including
// the zero-stream case).
func (m *Mixer) MixNextSamples() ([]float32, bool) {
	if m.activeCount == 0 {
		return nil, false
	}

	for i := range m.mixedScratch {
		m.mixedScratch[i] = 0
	}

	if m.targetGranule-m.lastSyncCheck >= m.syncIntervalSamples {
		m.runSyncCheck()
	}

	m.targetGranule = m.minGranuleOverActive()

	contributed := false
	for i, s := range m.streams {
		if m.finished[i] {
			continue
		}

		if s.CurrentGranulePosition() > m.targetGranule+FrameSize {
			continue
		}

		n, ok, err := s.ProcessNextPacket()
		if err != nil {
			var oggErr *audiostream.OggParseError
			var readErr *audiostream.ReadError
			if errors.Is(err, io.EOF) || errors.As(err, &oggErr) || errors.As(err, &readErr) {
				// End of stream, a malformed/truncated page, or a failed
				// read: per spec §7 the stream is marked unusable and the
				// mix continues with its remaining streams.
				m.finishStream(i)
			}
			// Other non-fatal decode/header errors: stream stays alive, no
			// contribution this call.
			continue
		}
		if !ok {
			continue
		}

		contributed = true
		m.accumulate(s, n)
	}

	if !contributed {
		return nil, false
	}

	m.targetGranule += FrameSize
	return m.mixedScratch, true
}

// accumulate up-mixes and adds one stream's decoded frame into the mixed
// scratch, scaled by drift_compensation / active_count (spec §4.E step 5).
func (m *Mixer) accumulate(s *audiostream.Stream, decodedPerChannel int) {
	frame := s.GetDecodedSamples()
	channels := s.InputChannels()
	scale := float32(s.DriftCompensation() / float64(m.activeCount))

	limit := decodedPerChannel
	if limit > FrameSize {
		limit = FrameSize
	}

	switch channels {
	case 1:
		for i := 0; i < limit; i++ {
			v := frame[i] * scale
			m.mixedScratch[i*2] += v
			m.mixedScratch[i*2+1] += v
		}
	default: // 2 (coerced channel counts always land here)
		for i := 0; i < limit; i++ {
			m.mixedScratch[i*2] += frame[i*2] * scale
			m.mixedScratch[i*2+1] += frame[i*2+1] * scale
		}
	}
}

// finishStream marks stream i finished and decrements activeCount exactly
// once.
func (m *Mixer) finishStream(i int) {
	if m.finished[i] {
		return
	}
	m.finished[i] = true
	m.activeCount--
}

// minGranuleOverActive returns the minimum current_granule_position across
// unfinished streams, or the unchanged targetGranule if none remain.
func (m *Mixer) minGranuleOverActive() int64 {
	min := int64(-1)
	for i, s := range m.streams {
		if m.finished[i] {
			continue
		}
		p := s.CurrentGranulePosition()
		if min == -1 || p < min {
			min = p
		}
	}
	if min == -1 {
		return m.targetGranule
	}
	return min
}

// runSyncCheck implements spec §4.E step 3: compute avg/min/max over
// unfinished streams, update max_sync_drift, and set each stream's
// drift_compensation. The compensation is an amplitude factor that
// accumulate multiplies into the stream's samples; it does not resample the
// stream or move its granule position.
func (m *Mixer) runSyncCheck() {
	var sum int64
	var minPos, maxPos int64
	first := true
	for i, s := range m.streams {
		if m.finished[i] {
			continue
		}
		p := s.CurrentGranulePosition()
		sum += p
		if first {
			minPos, maxPos = p, p
			first = false
		} else {
			if p < minPos {
				minPos = p
			}
			if p > maxPos {
				maxPos = p
			}
		}
	}
	if first {
		// No unfinished streams; nothing to do.
		m.lastSyncCheck = m.targetGranule
		return
	}

	spread := float64(maxPos-minPos) / SampleRate
	if spread > m.maxSyncDrift {
		m.maxSyncDrift = spread
	}

	avgPos := float64(sum) / float64(m.activeCount)
	elapsedSeconds := float64(m.targetGranule-m.lastSyncCheck) / SampleRate
	adjustmentCap := math.Min(maxAdjustmentCap, maxAdjustmentPerSecond*elapsedSeconds)

	for i, s := range m.streams {
		if m.finished[i] {
			continue
		}
		pos := float64(s.CurrentGranulePosition())
		driftSec := (pos - avgPos) / SampleRate
		s.Drift.UpdateDrift(math.Abs(driftSec))

		if math.Abs(driftSec) <= driftThresholdSeconds {
			s.SetDriftCompensation(1.0)
			continue
		}

		adjustment := math.Min(math.Abs(driftSec)/1.0, adjustmentCap)
		var compensation float64
		if driftSec < 0 {
			// Behind average: boost.
			compensation = 1 + adjustment
		} else {
			// Ahead of average: attenuate.
			compensation = 1 - adjustment
		}
		s.SetDriftCompensation(compensation)
		s.Drift.UpdateCompensation(compensation)
	}

	m.lastSyncCheck = m.targetGranule
}
