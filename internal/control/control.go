// Package control implements the orchestration boundary (spec §6): a
// typed command surface the host posts to the producer, with a
// pending-command queue for commands that arrive before initialization.
// Grounded on the teacher's pull-driven message handling conventions, with
// the bounded concurrent file-load phase adapted from the errgroup.SetLimit
// pattern used for fan-out work elsewhere in the retrieved corpus (e.g.
// playlist-track concurrent fetch) and session identifiers minted with
// google/uuid, the same as the corpus's agent/session ID conventions.
package control

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/llehouerou/oggmix/internal/audiostream"
	"github.com/llehouerou/oggmix/internal/config"
	"github.com/llehouerou/oggmix/internal/mixer"
	"github.com/llehouerou/oggmix/internal/ringbuffer"
	"github.com/llehouerou/oggmix/internal/source"
)

// maxConcurrentFileLoads bounds how many files the load phase parses at
// once; it is not real-time work but still shouldn't stampede the
// filesystem or decoder setup on a large playlist.
const maxConcurrentFileLoads = 4

// SourceType selects which concrete producer init constructs.
type SourceType int

const (
	// SourceOpus builds an OpusSource; streams are supplied later via
	// LoadAudioFiles.
	SourceOpus SourceType = iota
	// SourceOscillator builds an Oscillator immediately.
	SourceOscillator
)

// Response is the typed reply described in spec §6: {type, success} with
// an optional ring buffer handle on successful initialization.
type Response struct {
	Type         string
	Success      bool
	Err          error
	SharedBuffer *ringbuffer.RingBuffer
}

// pendingKind enumerates the two operations the spec allows to queue ahead
// of initialization (start, setFrequency).
type pendingKind int

const (
	pendingStart pendingKind = iota
	pendingSetFrequency
)

type pendingCommand struct {
	kind pendingKind
	freq float64
}

// Orchestrator owns the producer-side session: which Source is active, the
// ring buffer it was constructed with, and the queue of commands received
// before Init completed. Not safe for concurrent use from more than one
// goroutine without external synchronization — matching the spec's "the
// producer drains commands only at the start of its process turn" model.
type Orchestrator struct {
	sessionID  string
	sourceType SourceType
	sampleRate float64

	src Source
	rb  *ringbuffer.RingBuffer

	engineCfg config.EngineConfig
	oscCfg    config.OscillatorConfig

	initialized bool
	pending     []pendingCommand

	shutdown bool
}

// Source is the subset of source.Source the orchestrator dispatches
// against. The oscillator-only SetFrequency is not part of it: the
// orchestrator's SetFrequency type-asserts the active source to
// *source.Oscillator.
type Source interface {
	Start()
	Stop()
	IsRunning() bool
	Process(nRequest int) int
	Reset() error
}

// New constructs an orchestrator with a fresh session identifier. It is
// not yet initialized; Init must be called before Start/SetFrequency take
// effect immediately (they queue otherwise).
func New() *Orchestrator {
	return &Orchestrator{sessionID: uuid.NewString()}
}

// SessionID returns this orchestrator's session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Init constructs the producer for sourceType at sampleRate using the
// package defaults for ring buffer capacity, startup frequency, and sync
// tuning (as if an empty config.Config had been loaded). Equivalent to
// InitWithConfig with a zero-value EngineConfig/OscillatorConfig run
// through their Get*Config defaulting.
func (o *Orchestrator) Init(sourceType SourceType, sampleRate float64) Response {
	var cfg config.Config
	return o.InitWithConfig(sourceType, sampleRate, cfg.GetEngineConfig(), cfg.GetOscillatorConfig())
}

// InitWithConfig is Init plus explicit engine/oscillator tuning loaded via
// internal/config: RingBufferFrames and RingBufferSize size the ring
// buffer (rounded up to a power of two, closing REDESIGN FLAG §9.1),
// DefaultFrequencyHz seeds the oscillator's startup tone, and
// SyncIntervalSamples/MaxSyncDriftWarnSeconds are threaded through to the
// mixer built in LoadAudioFiles. Replays any commands that arrived before
// this call (spec §6 init, §9 control-flow queueing).
func (o *Orchestrator) InitWithConfig(sourceType SourceType, sampleRate float64, engineCfg config.EngineConfig, oscCfg config.OscillatorConfig) Response {
	o.sourceType = sourceType
	o.sampleRate = sampleRate
	o.engineCfg = engineCfg
	o.oscCfg = oscCfg

	capacity := ringbuffer.NextPowerOfTwo(engineCfg.RingBufferFrames * mixer.FrameSize)
	if sourceType == SourceOscillator {
		capacity = ringbuffer.NextPowerOfTwo(oscCfg.RingBufferSize)
	}

	rb, err := ringbuffer.New(capacity)
	if err != nil {
		return Response{Type: "init", Success: false, Err: err}
	}
	o.rb = rb

	switch sourceType {
	case SourceOscillator:
		o.src = source.NewOscillatorWithFrequency(rb, sampleRate, oscCfg.DefaultFrequencyHz)
	case SourceOpus:
		// OpusSource is constructed once streams are loaded via
		// LoadAudioFiles; until then o.src stays nil and Start/Stop are
		// queued or no-ops.
	}

	o.initialized = true
	o.replayPending()

	return Response{Type: "init", Success: true, SharedBuffer: rb}
}

// Start begins production, or queues the request if Init hasn't run yet.
func (o *Orchestrator) Start() Response {
	if o.shutdown {
		return Response{Type: "start", Success: false, Err: errWorkerUnavailable}
	}
	if !o.initialized {
		o.pending = append(o.pending, pendingCommand{kind: pendingStart})
		return Response{Type: "start", Success: false, Err: errNotInitialized}
	}
	if o.src != nil {
		o.src.Start()
	}
	return Response{Type: "start", Success: true}
}

// Stop ceases production. Unlike Start/SetFrequency, Stop is never queued:
// a stop arriving before Init simply has nothing to stop.
func (o *Orchestrator) Stop() Response {
	if o.shutdown {
		return Response{Type: "stop", Success: false, Err: errWorkerUnavailable}
	}
	if o.src != nil {
		o.src.Stop()
	}
	return Response{Type: "stop", Success: true}
}

// Shutdown tears down the orchestrator's worker side: the active source is
// stopped and every subsequent command (other than Shutdown itself) is
// rejected with WorkerUnavailable rather than silently accepted or retried
// (spec §7: "surfaced to the caller; not retried internally"). Idempotent.
func (o *Orchestrator) Shutdown() {
	if o.shutdown {
		return
	}
	if o.src != nil {
		o.src.Stop()
	}
	o.shutdown = true
}

// Process drives the active source's producer turn, returning the number
// of samples actually written into the shared ring buffer. A no-op
// (returns 0) before a source exists.
func (o *Orchestrator) Process(nRequest int) int {
	if o.shutdown || o.src == nil {
		return 0
	}
	return o.src.Process(nRequest)
}

// SetFrequency retunes the oscillator, or queues the request if Init
// hasn't run yet. A no-op (but successful) response for non-oscillator
// sources.
func (o *Orchestrator) SetFrequency(hz float64) Response {
	if o.shutdown {
		return Response{Type: "setFrequency", Success: false, Err: errWorkerUnavailable}
	}
	if !o.initialized {
		o.pending = append(o.pending, pendingCommand{kind: pendingSetFrequency, freq: hz})
		return Response{Type: "setFrequency", Success: false, Err: errNotInitialized}
	}
	if osc, ok := o.src.(*source.Oscillator); ok {
		osc.SetFrequency(hz)
	}
	return Response{Type: "setFrequency", Success: true}
}

// LoadAudioFiles constructs a mixer from the given seekable handles and an
// OpusSource around it, seeking the mixer to 0. Files are parsed
// concurrently (bounded by maxConcurrentFileLoads) since header parsing is
// the only blocking work the producer ever does, and it all happens before
// the first process() turn (spec §5 suspension points).
func (o *Orchestrator) LoadAudioFiles(ctx context.Context, handles []io.ReadSeeker) Response {
	if o.shutdown {
		return Response{Type: "loadAudioFiles", Success: false, Err: errWorkerUnavailable}
	}
	if !o.initialized {
		return Response{Type: "loadAudioFiles", Success: false, Err: errNotInitialized}
	}

	streams := make([]*audiostream.Stream, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFileLoads)

	for i, h := range handles {
		idx := i
		rs := h
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			s, err := audiostream.New(rs)
			if err != nil {
				return err
			}
			for !s.Ready() {
				if _, _, err := s.ProcessNextPacket(); err != nil {
					var unsupported *audiostream.UnsupportedChannelCount
					if errors.As(err, &unsupported) {
						continue
					}
					return err
				}
			}
			streams[idx] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Response{Type: "loadAudioFiles", Success: false, Err: err}
	}

	m, err := mixer.New(streams, 0,
		mixer.WithSyncIntervalSamples(int64(o.engineCfg.SyncIntervalSamples)),
		mixer.WithMaxSyncDriftWarnSeconds(o.engineCfg.MaxSyncDriftWarnSeconds),
	)
	if err != nil {
		return Response{Type: "loadAudioFiles", Success: false, Err: err}
	}

	o.src = source.NewOpusSource(m, o.rb)
	return Response{Type: "loadAudioFiles", Success: true}
}

// Reset re-seeks the active source to its start timestamp, per spec §6.
// Policy choice (spec §5 cancellation/timeout note): Reset also calls
// RingBuffer.Clear rather than leaving stale samples for the consumer to
// drain, since this orchestrator has no channel back to tell the consumer
// "discard what you have" — clearing the shared indices is the only policy
// available without cooperation from the other side of the isolation
// boundary. Callers must ensure the consumer is quiesced before calling
// Reset, matching the ring buffer's own Clear contract.
func (o *Orchestrator) Reset() Response {
	if o.shutdown {
		return Response{Type: "reset", Success: false, Err: errWorkerUnavailable}
	}
	if o.src != nil {
		if err := o.src.Reset(); err != nil {
			return Response{Type: "reset", Success: false, Err: err}
		}
	}
	if o.rb != nil {
		o.rb.Clear()
	}
	return Response{Type: "reset", Success: true}
}

// replayPending drains queued Start/SetFrequency commands in arrival
// order, exactly once, immediately after Init completes.
func (o *Orchestrator) replayPending() {
	queued := o.pending
	o.pending = nil
	for _, cmd := range queued {
		switch cmd.kind {
		case pendingStart:
			o.Start()
		case pendingSetFrequency:
			o.SetFrequency(cmd.freq)
		}
	}
}

// errNotInitialized is returned by commands posted before Init, mirroring
// spec §7's NotInitialized error kind.
var errNotInitialized = notInitializedError{}

type notInitializedError struct{}

func (notInitializedError) Error() string { return "control: producer not initialized" }

// errWorkerUnavailable is returned by any command posted after Shutdown,
// mirroring spec §7's WorkerUnavailable error kind: surfaced to the
// caller and never retried internally.
var errWorkerUnavailable = workerUnavailableError{}

type workerUnavailableError struct{}

func (workerUnavailableError) Error() string { return "control: producer worker unavailable" }
