package h264

import (
	"encoding/binary"
	"time"

	"corestream/models"
)

type framingMode int

const (
	modeUnknown framingMode = iota
	modeAnnexB
	modeAVCC
)

var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// Extractor is a pure streaming parser: it consumes arbitrary byte chunks
// (no assumption of chunk-to-NAL alignment) and emits a sequence of
// Annex-B framed H264Unit values, maintaining the GopCache as it goes. It
// performs no I/O of its own; the Capture Worker's read loop feeds it.
//
// Grounded on the chunk-boundary-spanning start-code scan in the teacher's
// streaming.go (readNextAnnexBFrame/readUntilStartCode), generalized from
// "one frame bundle per call" to "one NAL unit per emission" and extended
// with AVCC detection, since mediacommon's h264.AnnexB/h264.AVCC types only
// unmarshal a complete in-memory buffer and cannot parse across partial
// reads arriving at arbitrary byte boundaries.
type Extractor struct {
	buf  []byte
	mode framingMode
	gop  *GopCache
	now  func() int64
}

// NewExtractor builds an Extractor whose GopCache enforces gopCapBytes.
func NewExtractor(gopCapBytes int) *Extractor {
	base := time.Now()
	return &Extractor{
		gop: NewGopCache(gopCapBytes),
		now: func() int64 { return int64(time.Since(base)) },
	}
}

// GopCache exposes the cache the Capture Worker reads for publish/prefill.
func (e *Extractor) GopCache() *GopCache { return e.gop }

// Push feeds one chunk of bytes and returns every H264Unit it completes.
func (e *Extractor) Push(chunk []byte) []models.H264Unit {
	if len(chunk) > 0 {
		e.buf = append(e.buf, chunk...)
	}

	if e.mode == modeUnknown {
		if idx, _, found := findStartCode(e.buf, 0); found {
			e.buf = e.buf[idx:] // leading garbage before the first start code is dropped silently
			e.mode = modeAnnexB
		} else if looksLikeAVCC(e.buf) {
			e.mode = modeAVCC
		} else {
			if len(e.buf) > 4096 {
				// no plausible framing found in a generous window; keep the
				// last few bytes in case a start code straddles the boundary
				e.buf = e.buf[len(e.buf)-4:]
			}
			return nil
		}
	}

	var out []models.H264Unit
	if e.mode == modeAnnexB {
		out = e.drainAnnexB()
	} else {
		out = e.drainAVCC()
	}
	for _, u := range out {
		e.gop.Append(u)
	}
	return out
}

func (e *Extractor) drainAnnexB() []models.H264Unit {
	var out []models.H264Unit
	for {
		// e.buf always begins with the start code of the unit currently
		// being accumulated; search must resume after it, not at a fixed
		// offset of 1, or a 4-byte start code's own tail (00 00 01) is
		// re-detected as the "next" boundary at the position it already
		// sits on.
		nextIdx, _, found := findStartCode(e.buf, startCodeLen(e.buf))
		if !found {
			return out
		}
		raw := make([]byte, nextIdx)
		copy(raw, e.buf[:nextIdx])
		e.buf = e.buf[nextIdx:]
		out = append(out, e.makeUnit(raw))
	}
}

func (e *Extractor) drainAVCC() []models.H264Unit {
	var out []models.H264Unit
	for len(e.buf) >= 4 {
		length := binary.BigEndian.Uint32(e.buf[:4])
		if 4+int(length) > len(e.buf) {
			return out
		}
		payload := e.buf[4 : 4+int(length)]
		raw := make([]byte, 0, 4+len(payload))
		raw = append(raw, startCode4...)
		raw = append(raw, payload...)
		e.buf = e.buf[4+int(length):]
		out = append(out, e.makeUnit(raw))
	}
	return out
}

func (e *Extractor) makeUnit(raw []byte) models.H264Unit {
	scLen := startCodeLen(raw)
	payload := raw[scLen:]
	kind := classify(nalType(payload))
	return models.H264Unit{Kind: kind, Bytes: raw, GeneratedAt: e.now()}
}

// findStartCode returns the index of the first Annex-B start code in b at
// or after from, and whether it is 3 or 4 bytes long.
func findStartCode(b []byte, from int) (idx, scLen int, found bool) {
	for i := from; i+3 <= len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if i-1 >= 0 && b[i-1] == 0 {
				return i - 1, 4, true
			}
			return i, 3, true
		}
	}
	return 0, 0, false
}

func startCodeLen(raw []byte) int {
	if len(raw) >= 4 && raw[0] == 0 && raw[1] == 0 && raw[2] == 0 && raw[3] == 1 {
		return 4
	}
	return 3
}

// looksLikeAVCC applies the two-consecutive-records heuristic from spec
// §4.2: the input never produced a start code, so instead check whether
// interpreting the first bytes as 4-byte big-endian lengths yields two
// back-to-back plausible NAL boundaries.
func looksLikeAVCC(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	l1 := binary.BigEndian.Uint32(b[:4])
	if l1 == 0 || int(l1) > len(b)-4 {
		return false
	}
	off2 := 4 + int(l1)
	if off2+4 > len(b) {
		return false
	}
	l2 := binary.BigEndian.Uint32(b[off2 : off2+4])
	if l2 == 0 {
		return false
	}
	return true
}
