// Package ogg implements the OggPacketReader component: it parses Ogg
// pages (RFC 3533) from a seekable byte cursor and yields the packets they
// carry, reassembling packets that continue across page boundaries and
// exposing the granule position each page was stamped with.
//
// It knows nothing about Opus; AudioStream (internal/audiostream) is the
// layer that interprets packet contents as OpusHead/OpusTags/audio frames.
package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the four-byte Ogg page capture pattern.
const Magic = "OggS"

const pageHeaderSize = 27

// ParseError reports a malformed or truncated Ogg page.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ogg: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ogg: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(reason string, err error) error {
	return &ParseError{Reason: reason, Err: err}
}

// Packet is one reassembled Ogg packet, stamped with the granule position
// of the page its last segment belonged to.
type Packet struct {
	Data           []byte
	GranulePos     int64
	PageByteOffset int64
}

// pageHeader is the parsed fixed portion of an Ogg page plus its segment
// table.
type pageHeader struct {
	GranulePos   int64
	SerialNumber uint32
	SequenceNum  uint32
	Continued    bool
	SegmentTable []uint8
}

// PacketReader reads Opus packets out of an Ogg bitstream, reassembling
// packets that span multiple pages via the segment-table continuation
// rule: a 255-byte segment means "more to come in this packet", a shorter
// segment terminates it.
type PacketReader struct {
	r io.ReadSeeker

	pending    []byte // bytes of a packet still being reassembled across pages
	lastOffset int64  // byte offset of the page currently being drained

	segments    [][]byte // not-yet-consumed segments of the page currently being drained
	lastGranule int64    // granule position of the page currently being drained
}

// NewPacketReader wraps a seekable byte cursor. It does not itself read
// anything; call NextPacket to begin pulling pages.
func NewPacketReader(r io.ReadSeeker) *PacketReader {
	return &PacketReader{r: r}
}

// Seek repositions the underlying cursor to a raw byte offset and discards
// any in-flight partial packet and any undelivered packets of the current
// page. Used both for "rewind to start" and for bisection seek landing spots.
func (pr *PacketReader) Seek(byteOffset int64) error {
	if _, err := pr.r.Seek(byteOffset, io.SeekStart); err != nil {
		return parseErr("seek", err)
	}
	pr.pending = nil
	pr.segments = nil
	return nil
}

// Tell returns the reader's current byte offset.
func (pr *PacketReader) Tell() (int64, error) {
	return pr.r.Seek(0, io.SeekCurrent)
}

// NextPacket returns the next complete Opus packet and the granule
// position of the page it completed on. Returns io.EOF when the stream is
// exhausted.
func (pr *PacketReader) NextPacket() (Packet, error) {
	for {
		// Drain the current page first: a page may carry several packets,
		// and a 255-byte segment never terminates one, so a page ending on
		// it continues the packet on the next page.
		for len(pr.segments) > 0 {
			seg := pr.segments[0]
			pr.segments = pr.segments[1:]
			pr.pending = append(pr.pending, seg...)
			if len(seg) < 255 {
				pkt := Packet{Data: pr.pending, GranulePos: pr.lastGranule, PageByteOffset: pr.lastOffset}
				pr.pending = nil
				return pkt, nil
			}
		}

		offset, err := pr.Tell()
		if err != nil {
			return Packet{}, parseErr("tell", err)
		}

		hdr, err := readPageHeader(pr.r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if len(pr.pending) > 0 {
					// Stream ended mid-packet: truncated, not a clean EOF.
					return Packet{}, parseErr("truncated packet at end of stream", io.ErrUnexpectedEOF)
				}
				return Packet{}, io.EOF
			}
			return Packet{}, err
		}

		segments, _, err := readSegments(pr.r, hdr.SegmentTable)
		if err != nil {
			return Packet{}, err
		}
		pr.segments, pr.lastGranule, pr.lastOffset = segments, hdr.GranulePos, offset
	}
}

// readPageHeader reads and validates the 27-byte fixed header plus the
// variable-length segment table that follows it.
func readPageHeader(r io.Reader) (*pageHeader, error) {
	var buf [pageHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	if string(buf[0:4]) != Magic {
		return nil, parseErr("invalid capture pattern", nil)
	}
	if buf[4] != 0 {
		return nil, parseErr("unsupported ogg version", nil)
	}

	headerType := buf[5]
	numSegments := buf[26]

	hdr := &pageHeader{
		GranulePos:   int64(binary.LittleEndian.Uint64(buf[6:14])), //nolint:gosec // granule position is semantically signed
		SerialNumber: binary.LittleEndian.Uint32(buf[14:18]),
		SequenceNum:  binary.LittleEndian.Uint32(buf[18:22]),
		Continued:    headerType&0x01 != 0,
	}

	if numSegments > 0 {
		hdr.SegmentTable = make([]uint8, numSegments)
		if _, err := io.ReadFull(r, hdr.SegmentTable); err != nil {
			return nil, err
		}
	}

	return hdr, nil
}

// readSegments reads the page body and splits it by the segment table,
// returning each raw segment plus whether it terminates a packet (segment
// size < 255).
func readSegments(r io.Reader, table []uint8) (segments [][]byte, complete []bool, err error) {
	total := 0
	for _, s := range table {
		total += int(s)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, parseErr("truncated page body", err)
	}

	segments = make([][]byte, len(table))
	complete = make([]bool, len(table))
	offset := 0
	for i, size := range table {
		segments[i] = body[offset : offset+int(size)]
		offset += int(size)
		complete[i] = size < 255
	}
	return segments, complete, nil
}

// FindPageNear scans forward from offset, 4096 bytes at a time until end of
// stream, looking for the OggS capture pattern, and returns the first
// page's byte offset and granule position. The reader is left wherever the
// last chunk read stopped, so callers reposition it before reading packets.
// Used by AudioStream's bisection seek to probe a midpoint without
// committing to reading the whole page.
func FindPageNear(r io.ReadSeeker, offset int64) (pageOffset, granule int64, err error) {
	buf := make([]byte, 4096)
	for {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return 0, 0, parseErr("seek", err)
		}
		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
			return 0, 0, parseErr("read", readErr)
		}

		for i := 0; i+pageHeaderSize <= n; i++ {
			if string(buf[i:i+4]) == Magic && buf[i+4] == 0 {
				pageOffset = offset + int64(i)
				granule = int64(binary.LittleEndian.Uint64(buf[i+6 : i+14])) //nolint:gosec // signed by convention
				return pageOffset, granule, nil
			}
		}
		if readErr != nil {
			return 0, 0, parseErr("no page found near offset", nil)
		}
		// Overlap the next chunk so a header straddling the boundary is seen.
		offset += int64(n - pageHeaderSize + 1)
	}
}
