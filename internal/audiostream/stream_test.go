package audiostream

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/jj11hh/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeSineOpusPackets encodes numFrames of a real sine tone through a
// genuine opus.Encoder, producing packets that actually decode — unlike
// the 0xAA garbage payloads the other fixtures in this file use, which
// only exercise header parsing and error paths.
func encodeSineOpusPackets(t *testing.T, channels int, numFrames int, freqHz float64) [][]byte {
	t.Helper()
	enc, err := opus.NewEncoder(SampleRate, channels, opus.AppAudio)
	require.NoError(t, err)

	packets := make([][]byte, 0, numFrames)
	pcm := make([]float32, FrameSize*channels)
	phase := 0.0
	step := 2 * math.Pi * freqHz / SampleRate
	for f := 0; f < numFrames; f++ {
		for i := 0; i < FrameSize; i++ {
			v := float32(0.2 * math.Sin(phase))
			phase += step
			for c := 0; c < channels; c++ {
				pcm[i*channels+c] = v
			}
		}
		out := make([]byte, 4000)
		n, err := enc.EncodeFloat32(pcm, out)
		require.NoError(t, err)
		packets = append(packets, out[:n])
	}
	return packets
}

// writeOggPage writes a minimal Ogg page to buf, splitting payload into
// 255-byte segments.
func writeOggPage(buf *bytes.Buffer, granule int64, seq uint32, payload []byte) {
	var segTable []byte
	remaining := len(payload)
	for remaining >= 255 {
		segTable = append(segTable, 255)
		remaining -= 255
	}
	segTable = append(segTable, byte(remaining))
	if len(payload) > 0 && len(payload)%255 == 0 {
		segTable = append(segTable, 0)
	}

	buf.WriteString("OggS")
	buf.WriteByte(0)
	buf.WriteByte(0)
	var g [8]byte
	binary.LittleEndian.PutUint64(g[:], uint64(granule)) //nolint:gosec // granule may be negative
	buf.Write(g[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], 1)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], seq)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], 0)
	buf.Write(u32[:])
	buf.WriteByte(byte(len(segTable)))
	buf.Write(segTable)
	buf.Write(payload)
}

func opusHeadPacket(channels byte, preSkip uint16) []byte {
	data := make([]byte, 19)
	copy(data, "OpusHead")
	data[8] = 1
	data[9] = channels
	binary.LittleEndian.PutUint16(data[10:12], preSkip)
	binary.LittleEndian.PutUint32(data[12:16], 48000)
	return data
}

func opusTagsPacket() []byte {
	data := make([]byte, 16)
	copy(data, "OpusTags")
	return data
}

// buildTestStream writes OpusHead + OpusTags + N audio pages (garbage
// payloads; the decoder will reject them, which is fine — these tests
// exercise header parsing and seek mechanics, not real Opus decoding).
func buildTestStream(t *testing.T, channels byte, preSkip uint16, granules []int64) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, opusHeadPacket(channels, preSkip))
	writeOggPage(&buf, 0, 1, opusTagsPacket())
	for i, g := range granules {
		writeOggPage(&buf, g, uint32(i+2), bytes.Repeat([]byte{0xAA}, 64)) //nolint:gosec // small test index
	}
	return bytes.NewReader(buf.Bytes())
}

func TestStream_HeaderThenTagsThenReady(t *testing.T) {
	r := buildTestStream(t, 2, 312, []int64{48000})
	s, err := New(r)
	require.NoError(t, err)

	n, ok, err := s.ProcessNextPacket()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
	assert.True(t, s.HeaderSeen())
	assert.False(t, s.Ready())
	assert.Equal(t, 2, s.InputChannels())

	n, ok, err = s.ProcessNextPacket()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
	assert.True(t, s.Ready())
}

func TestStream_MonoChannelNotCoerced(t *testing.T) {
	r := buildTestStream(t, 1, 0, nil)
	s, err := New(r)
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket()
	require.NoError(t, err)
	assert.Equal(t, 1, s.InputChannels())
	assert.False(t, s.CoercedChannelCount())
}

func TestStream_UnsupportedChannelCountCoercedToStereo(t *testing.T) {
	r := buildTestStream(t, 6, 0, nil)
	s, err := New(r)
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket()
	var unsupported *UnsupportedChannelCount
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, 6, unsupported.Declared)
	assert.Equal(t, 2, s.InputChannels())
	assert.True(t, s.CoercedChannelCount())
}

func TestStream_InvalidOpusHeadMagic(t *testing.T) {
	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, []byte("NotOpusHeadAtAll!!!"))
	s, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket()
	require.Error(t, err)
	var hdrErr *InvalidHeader
	assert.ErrorAs(t, err, &hdrErr)
}

func TestStream_MissingOpusTagsIsInvalidHeader(t *testing.T) {
	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, opusHeadPacket(2, 0))
	writeOggPage(&buf, 0, 1, []byte("NotTags!"))
	s, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket()
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket()
	require.Error(t, err)
	var hdrErr *InvalidHeader
	assert.ErrorAs(t, err, &hdrErr)
}

func TestStream_EndOfStreamReturnsEOF(t *testing.T) {
	r := buildTestStream(t, 2, 0, nil)
	s, err := New(r)
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket() // header
	require.NoError(t, err)
	_, _, err = s.ProcessNextPacket() // tags
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_RealOpusDecodeProducesBoundedPCMAndAdvancesGranule(t *testing.T) {
	packets := encodeSineOpusPackets(t, 2, 5, 440)

	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, opusHeadPacket(2, 0))
	writeOggPage(&buf, 0, 1, opusTagsPacket())
	for i, p := range packets {
		writeOggPage(&buf, int64(i+1)*FrameSize, uint32(i+2), p)
	}

	s, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket() // header
	require.NoError(t, err)
	_, _, err = s.ProcessNextPacket() // tags
	require.NoError(t, err)

	var lastGranule int64
	for range packets {
		n, ok, err := s.ProcessNextPacket()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, FrameSize, n)
		for _, v := range s.GetDecodedSamples() {
			assert.LessOrEqual(t, math.Abs(float64(v)), 1.0)
		}
		assert.Greater(t, s.CurrentGranulePosition(), lastGranule)
		lastGranule = s.CurrentGranulePosition()
	}
}

// TestStream_PreSkipTrimsOutputButNotGranuleAdvance guards against the
// granule counters and the decoded-sample count diverging in what they mean:
// pre-skip must only ever trim what GetDecodedSamples() hands to the mixer,
// never the amount totalSamplesDecoded/currentGranulePosition advance by.
// Both counters follow the RFC 7845 granule timeline, which includes
// pre-skip samples, so a stream reaching a position by natural decode
// reports the same granule a SeekToTimestamp landing on that page would.
func TestStream_PreSkipTrimsOutputButNotGranuleAdvance(t *testing.T) {
	const preSkip = 200
	packets := encodeSineOpusPackets(t, 2, 1, 440)

	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, opusHeadPacket(2, preSkip))
	writeOggPage(&buf, 0, 1, opusTagsPacket())
	writeOggPage(&buf, FrameSize, 2, packets[0])

	s, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, _, err = s.ProcessNextPacket() // header
	require.NoError(t, err)
	_, _, err = s.ProcessNextPacket() // tags
	require.NoError(t, err)

	n, ok, err := s.ProcessNextPacket()
	require.NoError(t, err)
	require.True(t, ok)

	// The decoded-sample count and GetDecodedSamples() are both trimmed by
	// pre-skip...
	assert.Equal(t, FrameSize-preSkip, n)
	assert.Equal(t, (FrameSize-preSkip)*2, len(s.GetDecodedSamples()))
	// ...but the granule timeline advances by the full decoded frame, not
	// the trimmed amount.
	assert.Equal(t, int64(FrameSize), s.CurrentGranulePosition())
	assert.Equal(t, int64(FrameSize), s.TotalSamplesDecoded())
}

func TestSeekToTimestamp_LandsWithinOneFrameOfGranule(t *testing.T) {
	granules := make([]int64, 0, 20)
	for i := int64(1); i <= 20; i++ {
		granules = append(granules, i*4800) // 100ms pages
	}
	r := buildTestStream(t, 2, 0, granules)
	s, err := New(r)
	require.NoError(t, err)

	require.NoError(t, s.SeekToTimestamp(1.0)) // target granule 48000

	assert.True(t, s.Ready())
	assert.InDelta(t, 48000, s.CurrentGranulePosition(), float64(FrameSize))
}

func TestSeekToTimestamp_ToStart(t *testing.T) {
	r := buildTestStream(t, 2, 0, []int64{4800, 9600, 14400})
	s, err := New(r)
	require.NoError(t, err)

	require.NoError(t, s.SeekToTimestamp(0))
	assert.True(t, s.Ready())
}

// TestSeekToTimestamp_PreSkipNotReappliedAfterSeek guards against pre-skip
// being re-armed on every header replay a seek performs: a nonzero PreSkip
// must only ever discard samples once, at true beginning-of-stream, not
// again at whatever position a later seek lands on.
func TestSeekToTimestamp_PreSkipNotReappliedAfterSeek(t *testing.T) {
	granules := make([]int64, 0, 20)
	for i := int64(1); i <= 20; i++ {
		granules = append(granules, i*4800) // 100ms pages
	}
	r := buildTestStream(t, 2, 312, granules)
	s, err := New(r)
	require.NoError(t, err)

	require.NoError(t, s.SeekToTimestamp(1.0))
	require.True(t, s.Ready())
	assert.True(t, s.preSkipApplied)
	assert.Equal(t, 0, s.preSkipRemaining)

	require.NoError(t, s.SeekToTimestamp(0.5))
	require.True(t, s.Ready())
	// A second seek must not re-arm pre-skip: the header packet is
	// replayed again, but preSkipApplied should stay latched and
	// preSkipRemaining should not jump back up to 312.
	assert.True(t, s.preSkipApplied)
	assert.Equal(t, 0, s.preSkipRemaining)
}
