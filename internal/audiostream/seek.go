package audiostream

import (
	"errors"
	"io"

	"github.com/llehouerou/oggmix/internal/ogg"
)

const bisectionConvergeBytes = 4096

// SeekToTimestamp seeks the stream to approximately tSeconds, using
// bisection search over the byte range for the last Ogg page whose granule
// position is <= tSeconds*SampleRate (spec §4.C), then stepping page by page
// through the converged window to find that page. After convergence it
// rewinds to byte 0, replays both headers, and fast-forwards to the
// located page, initializing totalSamplesDecoded from that page's granule
// position (the 48000/48000 ratio is identity only because output is
// fixed at 48 kHz — see design notes §9.3, never hard-code this elsewhere).
func (s *Stream) SeekToTimestamp(tSeconds float64) error {
	target := int64(tSeconds * SampleRate)

	left, right := int64(0), s.fileSize
	var bestOffset int64
	var bestGranule int64
	haveBest := false

	for right-left > bisectionConvergeBytes {
		mid := (left + right) / 2

		offset, granule, err := ogg.FindPageNear(s.rs, mid)
		if err != nil {
			// Nothing found in the upper half from mid onward: the target
			// page must be to the left.
			right = mid
			continue
		}

		if granule < 0 {
			// Header pages carry a negative granule; push the search right
			// so we don't mistake them for audio data.
			left = mid + 1
			continue
		}

		if granule <= target {
			bestOffset = offset
			bestGranule = granule
			haveBest = true
			left = offset + 1
		} else {
			right = mid
		}
	}

	// Step page by page from the best candidate (or byte 0) and keep the last
	// page whose granule is still <= target.
	for pos := bestOffset; ; {
		offset, granule, err := ogg.FindPageNear(s.rs, pos)
		if err != nil || granule > target {
			break
		}
		if granule >= 0 {
			bestOffset, bestGranule, haveBest = offset, granule, true
		}
		pos = offset + 1
	}

	if !haveBest {
		bestOffset = s.dataStartHint()
	}

	// Rewind to the very start and replay the identification + comment
	// headers so the decoder is rebuilt from scratch, matching the state a
	// fresh Stream would have before any audio packet.
	s.resetDecodeState()
	if err := s.packets.Seek(0); err != nil {
		return &SeekError{Err: err}
	}

	for !s.Ready() {
		if _, _, err := s.ProcessNextPacket(); err != nil {
			var unsupported *UnsupportedChannelCount
			if errors.As(err, &unsupported) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return &SeekError{Err: errors.New("stream ended before both headers were re-parsed")}
			}
			return &SeekError{Err: err}
		}
	}

	if err := s.packets.Seek(bestOffset); err != nil {
		return &SeekError{Err: err}
	}

	if bestGranule > 0 {
		// Landing past the start of the stream: pre-skip armed by a first
		// OpusHead parse during the replay above must not discard audio here.
		s.preSkipRemaining = 0
	}
	s.totalSamplesDecoded = bestGranule
	s.currentGranulePos = bestGranule
	return nil
}

// resetDecodeState clears decoder and header-seen flags ahead of a seek's
// header replay, without touching fileSize (which never changes).
func (s *Stream) resetDecodeState() {
	s.headerSeen = false
	s.tagsSeen = false
	s.head = nil
	s.decoder = nil
	s.scratch = nil
	s.lastFrame = nil
	s.preSkipRemaining = 0
	s.totalSamplesDecoded = 0
	s.currentGranulePos = 0
}

// dataStartHint returns byte 0 when bisection never found a dominated
// candidate (e.g. seeking to a timestamp at or before the very first
// audio page).
func (s *Stream) dataStartHint() int64 { return 0 }
