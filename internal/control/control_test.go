package control

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/jj11hh/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llehouerou/oggmix/internal/config"
	"github.com/llehouerou/oggmix/internal/mixer"
	"github.com/llehouerou/oggmix/internal/source"
)

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

func opusHeadPacket(channels byte) []byte {
	data := make([]byte, 19)
	copy(data, "OpusHead")
	data[8] = 1
	data[9] = channels
	binary.LittleEndian.PutUint32(data[12:16], 48000)
	return data
}

func opusTagsPacket() []byte {
	data := make([]byte, 16)
	copy(data, "OpusTags")
	return data
}

func buildOpusFile(t *testing.T, numPages int) io.ReadSeeker {
	t.Helper()
	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, opusHeadPacket(2))
	writeOggPage(&buf, 0, 1, opusTagsPacket())
	for i := 0; i < numPages; i++ {
		writeOggPage(&buf, int64(i+1)*960, uint32(i+2), bytes.Repeat([]byte{0xAA}, 32)) //nolint:gosec // small test index
	}
	return bytes.NewReader(buf.Bytes())
}

// buildRealOpusFile encodes numFrames of a real sine tone through a genuine
// opus.Encoder, unlike buildOpusFile's 0xAA garbage payloads: used where a
// test needs actual decoded PCM to reach the ring buffer, not just bookkeeping
// around undecodable packets.
func buildRealOpusFile(t *testing.T, numFrames int, freqHz float64) io.ReadSeeker {
	t.Helper()
	enc, err := opus.NewEncoder(mixer.SampleRate, 2, opus.AppAudio)
	require.NoError(t, err)

	var buf bytes.Buffer
	writeOggPage(&buf, 0, 0, opusHeadPacket(2))
	writeOggPage(&buf, 0, 1, opusTagsPacket())

	pcm := make([]float32, mixer.FrameSize*2)
	phase := 0.0
	step := 2 * math.Pi * freqHz / mixer.SampleRate
	for f := 0; f < numFrames; f++ {
		for i := 0; i < mixer.FrameSize; i++ {
			v := float32(0.2 * math.Sin(phase))
			phase += step
			pcm[i*2] = v
			pcm[i*2+1] = v
		}
		out := make([]byte, 4000)
		n, err := enc.EncodeFloat32(pcm, out)
		require.NoError(t, err)
		writeOggPage(&buf, int64(f+1)*mixer.FrameSize, uint32(f+2), out[:n])
	}

	return bytes.NewReader(buf.Bytes())
}

// TestOrchestrator_ProcessDrainsRealDecodedAudio is an end-to-end exercise of
// LoadAudioFiles -> Start -> Process against a genuinely decodable stream:
// the other Orchestrator tests in this file only ever load buildOpusFile's
// undecodable garbage, which never puts real PCM through the ring buffer.
func TestOrchestrator_ProcessDrainsRealDecodedAudio(t *testing.T) {
	o := New()
	require.True(t, o.Init(SourceOpus, 48000).Success)

	loadResp := o.LoadAudioFiles(context.Background(), []io.ReadSeeker{buildRealOpusFile(t, 5, 440)})
	require.True(t, loadResp.Success)

	require.True(t, o.Start().Success)

	written := 0
	for i := 0; i < 5 && written == 0; i++ {
		written += o.Process(mixer.FrameSize)
	}
	require.Greater(t, written, 0)

	out := make([]float32, written)
	n := o.rb.Read(out)
	require.Greater(t, n, 0)

	sawNonZero := false
	for _, v := range out[:n] {
		assert.LessOrEqual(t, math.Abs(float64(v)), 1.0)
		if v != 0 {
			sawNonZero = true
		}
	}
	assert.True(t, sawNonZero, "expected real decoded audio to reach the ring buffer")
}

func TestOrchestrator_SessionIDIsPopulated(t *testing.T) {
	o := New()
	assert.NotEmpty(t, o.SessionID())
}

func TestOrchestrator_StartBeforeInitIsQueuedAndReplayed(t *testing.T) {
	o := New()

	resp := o.Start()
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, errNotInitialized)

	initResp := o.Init(SourceOscillator, 48000)
	require.True(t, initResp.Success)
	assert.True(t, o.src.IsRunning())
}

func TestOrchestrator_SetFrequencyBeforeInitIsQueuedAndReplayed(t *testing.T) {
	o := New()
	resp := o.SetFrequency(880)
	assert.False(t, resp.Success)

	initResp := o.Init(SourceOscillator, 48000)
	require.True(t, initResp.Success)
	// Replay happened without error; nothing further to assert without
	// exporting the oscillator's internal frequency, which isn't part of
	// its public contract.
}

func TestOrchestrator_InitReturnsSharedBuffer(t *testing.T) {
	o := New()
	resp := o.Init(SourceOscillator, 48000)
	require.True(t, resp.Success)
	assert.NotNil(t, resp.SharedBuffer)
	assert.Equal(t, 4096, resp.SharedBuffer.Capacity())
}

func TestOrchestrator_LoadAudioFilesBeforeInitFails(t *testing.T) {
	o := New()
	resp := o.LoadAudioFiles(context.Background(), []io.ReadSeeker{buildOpusFile(t, 2)})
	assert.False(t, resp.Success)
}

func TestOrchestrator_LoadAudioFilesConstructsOpusSource(t *testing.T) {
	o := New()
	require.True(t, o.Init(SourceOpus, 48000).Success)

	resp := o.LoadAudioFiles(context.Background(), []io.ReadSeeker{
		buildOpusFile(t, 3),
		buildOpusFile(t, 5),
	})
	require.True(t, resp.Success)
	assert.NotNil(t, o.src)
}

func TestOrchestrator_ResetClearsRingBuffer(t *testing.T) {
	o := New()
	require.True(t, o.Init(SourceOscillator, 48000).Success)
	o.Start()

	resp := o.Reset()
	assert.True(t, resp.Success)
	assert.Equal(t, 0, o.rb.AvailableRead())
}

func TestOrchestrator_CommandsAfterShutdownReturnWorkerUnavailable(t *testing.T) {
	o := New()
	require.True(t, o.Init(SourceOscillator, 48000).Success)
	o.Start()

	o.Shutdown()

	assert.Equal(t, 0, o.Process(960))

	startResp := o.Start()
	assert.False(t, startResp.Success)
	assert.ErrorIs(t, startResp.Err, errWorkerUnavailable)

	stopResp := o.Stop()
	assert.False(t, stopResp.Success)
	assert.ErrorIs(t, stopResp.Err, errWorkerUnavailable)

	freqResp := o.SetFrequency(220)
	assert.False(t, freqResp.Success)
	assert.ErrorIs(t, freqResp.Err, errWorkerUnavailable)

	resetResp := o.Reset()
	assert.False(t, resetResp.Success)
	assert.ErrorIs(t, resetResp.Err, errWorkerUnavailable)

	loadResp := o.LoadAudioFiles(context.Background(), []io.ReadSeeker{buildOpusFile(t, 1)})
	assert.False(t, loadResp.Success)
	assert.ErrorIs(t, loadResp.Err, errWorkerUnavailable)
}

func TestOrchestrator_ShutdownIsIdempotent(t *testing.T) {
	o := New()
	require.True(t, o.Init(SourceOscillator, 48000).Success)
	o.Shutdown()
	o.Shutdown()
	assert.False(t, o.Start().Success)
}

func TestOrchestrator_InitWithConfigSizesOpusRingBufferFromConfig(t *testing.T) {
	o := New()
	engineCfg := config.EngineConfig{RingBufferFrames: 4}
	resp := o.InitWithConfig(SourceOpus, 48000, engineCfg, config.OscillatorConfig{})
	require.True(t, resp.Success)
	// 4 * FrameSize(960) = 3840, rounded up to the next power of two.
	assert.Equal(t, 4096, resp.SharedBuffer.Capacity())
}

func TestOrchestrator_InitWithConfigSizesOscillatorRingBufferFromConfig(t *testing.T) {
	o := New()
	oscCfg := config.OscillatorConfig{RingBufferSize: 1500, DefaultFrequencyHz: 220}
	resp := o.InitWithConfig(SourceOscillator, 48000, config.EngineConfig{}, oscCfg)
	require.True(t, resp.Success)
	assert.Equal(t, 2048, resp.SharedBuffer.Capacity())
}

func TestOrchestrator_ResetReseeksMixerToStartTimestamp(t *testing.T) {
	o := New()
	require.True(t, o.Init(SourceOpus, 48000).Success)

	loadResp := o.LoadAudioFiles(context.Background(), []io.ReadSeeker{buildOpusFile(t, 1)})
	require.True(t, loadResp.Success)

	opusSrc, ok := o.src.(*source.OpusSource)
	require.True(t, ok)

	resp := o.Reset()
	assert.True(t, resp.Success)
	assert.NotNil(t, opusSrc)
}
