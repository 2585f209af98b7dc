// Package audiostream implements one Opus-in-Ogg source: header parsing,
// lazy decoder construction, packet decoding, and bisection timestamp
// seeking. Grounded on the teacher's internal/player/opus.go and
// oggreader.go, generalized from a single-stream beep.StreamSeekCloser
// into the component the spec's AudioMixer drives in lock-step alongside
// N siblings.
package audiostream

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/jj11hh/opus"

	"github.com/llehouerou/oggmix/internal/ogg"
	"github.com/llehouerou/oggmix/internal/stderr"
)

// SampleRate is the fixed Opus decode rate (RFC 7845 mandates decoding at
// 48 kHz regardless of the encoder's original input rate).
const SampleRate = 48000

// FrameSize is 20ms of audio at 48 kHz, the working unit decode scratch
// buffers are sized against.
const FrameSize = 960

const (
	magicOpusHead = "OpusHead"
	magicOpusTags = "OpusTags"
)

// head holds the RFC 7845 identification header fields. The teacher only
// read the channel-count byte (offset 9); a mapping-family-1-aware
// implementation needs pre-skip, input sample rate, and gain too (design
// notes §9.4).
type head struct {
	Channels        uint8
	PreSkip         uint16
	InputSampleRate uint32
	OutputGainQ78   int16
	MappingFamily   uint8
}

func parseOpusHead(data []byte) (*head, error) {
	if len(data) < 9 || string(data[0:8]) != magicOpusHead {
		return nil, &InvalidHeader{Reason: "missing OpusHead magic"}
	}
	if len(data) < 19 {
		return nil, &InvalidHeader{Reason: "OpusHead packet too short"}
	}
	if data[8] != 1 {
		return nil, &InvalidHeader{Reason: "unsupported OpusHead version"}
	}

	h := &head{
		Channels:        data[9],
		PreSkip:         binary.LittleEndian.Uint16(data[10:12]),
		InputSampleRate: binary.LittleEndian.Uint32(data[12:16]),
		OutputGainQ78:   int16(binary.LittleEndian.Uint16(data[16:18])), //nolint:gosec // Q7.8 gain is signed
	}
	if len(data) >= 19 {
		h.MappingFamily = data[18]
	}
	return h, nil
}

func checkOpusTags(data []byte) error {
	if len(data) < 8 || string(data[0:8]) != magicOpusTags {
		return &InvalidHeader{Reason: "missing OpusTags magic"}
	}
	return nil
}

// Stream is one decodable Opus-in-Ogg source, thread-confined to the
// producer (mixer owner). It is never touched by the consumer.
type Stream struct {
	packets *ogg.PacketReader
	rs      io.ReadSeeker

	headerSeen bool
	tagsSeen   bool
	head       *head

	decoder *opus.Decoder
	// inputChannels is what the stream decodes at (1 or 2, coerced from
	// anything else); the mixer always up-mixes to stereo output.
	inputChannels int
	coerced       bool

	scratch   []float32 // FrameSize * inputChannels
	lastFrame []float32 // view into scratch holding the most recent decode

	totalSamplesDecoded int64
	currentGranulePos   int64
	preSkipRemaining    int
	// preSkipApplied latches once pre-skip has been armed for this stream's
	// true beginning-of-stream. resetDecodeState (run before every seek,
	// including the mixer's reset command) must never clear this: pre-skip
	// is the encoder's startup padding, not a property of whatever position
	// a later seek lands on, so it is only ever armed once per Stream.
	preSkipApplied bool

	driftCompensation float64
	Drift             DriftStats

	fileSize int64
}

// New constructs a stream over a seekable byte cursor. The stream starts
// not-yet-initialized; ProcessNextPacket must be called (at least) twice
// before it can decode audio.
func New(rs io.ReadSeeker) (*Stream, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, &ReadError{Err: err}
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, &ReadError{Err: err}
	}

	return &Stream{
		packets:           ogg.NewPacketReader(rs),
		rs:                rs,
		driftCompensation: 1.0,
		fileSize:          size,
	}, nil
}

// HeaderSeen reports whether OpusHead has been parsed.
func (s *Stream) HeaderSeen() bool { return s.headerSeen }

// Ready reports whether both headers have been parsed and a decoder
// constructed, i.e. ProcessNextPacket will now decode audio on success.
func (s *Stream) Ready() bool { return s.tagsSeen && s.decoder != nil }

// InputChannels returns the channel count the decoder was built for (1 or
// 2; never the stream's raw declared value if that was coerced).
func (s *Stream) InputChannels() int { return s.inputChannels }

// TotalSamplesDecoded returns the running count of samples decoded so far.
func (s *Stream) TotalSamplesDecoded() int64 { return s.totalSamplesDecoded }

// CurrentGranulePosition returns the stream's current position on the 48
// kHz output timeline.
func (s *Stream) CurrentGranulePosition() int64 { return s.currentGranulePos }

// DriftCompensation returns the multiplicative amplitude factor the mixer
// last set for this stream (default 1.0).
func (s *Stream) DriftCompensation() float64 { return s.driftCompensation }

// SetDriftCompensation is called by the mixer's sync-check step.
func (s *Stream) SetDriftCompensation(c float64) { s.driftCompensation = c }

// GetDecodedSamples returns the last decoded frame's PCM, interleaved per
// InputChannels(). Valid only immediately after a ProcessNextPacket call
// that returned a non-zero count.
func (s *Stream) GetDecodedSamples() []float32 { return s.lastFrame }

// ProcessNextPacket advances the stream by one Ogg packet (spec §4.C):
//   - if OpusHead hasn't been seen, parse it and size the decode scratch;
//   - else if OpusTags hasn't been seen, consume it and build the decoder;
//   - else decode the next audio packet.
//
// Returns (decodedSampleCount, ok, err). ok is false for: header/tags
// bookkeeping packets (nothing decoded yet), a frame wholly consumed by
// pre-skip, a non-fatal decoder error (err is *OpusDecoderError; packet
// dropped, stream stays alive), and end of stream (err is io.EOF).
func (s *Stream) ProcessNextPacket() (int, bool, error) {
	pkt, err := s.packets.NextPacket()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, io.EOF
		}
		var oggParseErr *ogg.ParseError
		if errors.As(err, &oggParseErr) {
			return 0, false, &OggParseError{Reason: oggParseErr.Reason, Err: oggParseErr}
		}
		return 0, false, &ReadError{Err: err}
	}

	switch {
	case !s.headerSeen:
		h, err := parseOpusHead(pkt.Data)
		if err != nil {
			return 0, false, err
		}
		s.head = h
		if !s.preSkipApplied {
			s.preSkipRemaining = int(h.PreSkip)
			s.preSkipApplied = true
		}
		s.inputChannels, s.coerced = coerceChannelCount(int(h.Channels))
		s.scratch = make([]float32, FrameSize*s.inputChannels)
		s.headerSeen = true
		if s.coerced {
			// Non-fatal: the stream stays alive and decodes as stereo.
			// Surfaced so callers can log/count it per spec §7, not to abort
			// header priming.
			return 0, false, &UnsupportedChannelCount{Declared: int(h.Channels)}
		}
		return 0, false, nil

	case !s.tagsSeen:
		if err := checkOpusTags(pkt.Data); err != nil {
			return 0, false, err
		}
		dec, err := opus.NewDecoder(SampleRate, s.inputChannels)
		if err != nil {
			return 0, false, &OpusDecoderError{Err: err}
		}
		s.decoder = dec
		s.tagsSeen = true
		return 0, false, nil

	default:
		n, err := s.decoder.DecodeFloat32(pkt.Data, s.scratch[:cap(s.scratch)])
		if err != nil {
			// Non-fatal: packet dropped, granule position does not advance.
			return 0, false, &OpusDecoderError{Err: err, LibopusNote: drainStderrNoise()}
		}

		decoded := n * s.inputChannels
		frame := s.scratch[:decoded]

		// Pre-skip is the encoder's startup padding: it counts toward the
		// granule position (the RFC 7845 timeline includes it) but must
		// never reach the mixer as audio, so the trim below only ever
		// touches the slice GetDecodedSamples() returns, not the counters.
		skip := 0
		if s.preSkipRemaining > 0 {
			skip = s.preSkipRemaining
			if skip > n {
				skip = n
			}
			s.preSkipRemaining -= skip
			skippedSamples := skip * s.inputChannels
			if skippedSamples >= len(frame) {
				frame = frame[:0]
			} else {
				frame = frame[skippedSamples:]
			}
		}
		s.lastFrame = frame

		s.totalSamplesDecoded += int64(n)
		s.currentGranulePos += int64(n)

		decodedAfterSkip := n - skip
		if decodedAfterSkip <= 0 {
			return 0, false, nil
		}
		return decodedAfterSkip, true, nil
	}
}

// drainStderrNoise collects any libopus diagnostic lines captured on
// stderr.Messages since the last decode, without blocking: most decode
// errors have no accompanying line, and the channel must never stall a
// producer-thread call.
func drainStderrNoise() string {
	var note string
	for {
		select {
		case line := <-stderr.Messages:
			if note != "" {
				note += "; "
			}
			note += line
		default:
			return note
		}
	}
}

// coerceChannelCount maps the declared channel count to what the decoder
// actually builds for: 1 stays mono, 2 stays stereo, anything else is
// coerced to stereo (spec §4.C step 2 / §7 UnsupportedChannelCount).
func coerceChannelCount(declared int) (channels int, coerced bool) {
	switch declared {
	case 1:
		return 1, false
	case 2:
		return 2, false
	default:
		return 2, true
	}
}

// CoercedChannelCount reports whether the declared channel layout was
// neither mono nor stereo and got coerced to stereo.
func (s *Stream) CoercedChannelCount() bool { return s.coerced }
