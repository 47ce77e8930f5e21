package h264

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corestream/models"
)

var (
	sps0 = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0a, 0xf8, 0x41, 0xa2}
	pps0 = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x38, 0x80}
	idr0 = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x10}
	p1   = []byte{0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}
	// aud is appended after the units a test expects back: a unit is only
	// complete once the next start code arrives, so the final unit of a
	// stream stays buffered in the Extractor.
	aud = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}
)

func feedInChunks(t *testing.T, e *Extractor, data []byte, chunkSize int) []models.H264Unit {
	t.Helper()
	var got []models.H264Unit
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		got = append(got, e.Push(data[i:end])...)
	}
	return got
}

func TestExtractor_AnnexBRoundTrip(t *testing.T) {
	var stream []byte
	stream = append(stream, sps0...)
	stream = append(stream, pps0...)
	stream = append(stream, idr0...)
	stream = append(stream, p1...)
	stream = append(stream, aud...)

	for _, chunkSize := range []int{1, 3, 7, len(stream)} {
		e := NewExtractor(4 << 20)
		units := feedInChunks(t, e, stream, chunkSize)
		require.Len(t, units, 4, "chunk size %d", chunkSize)
		assert.Equal(t, models.UnitSPS, units[0].Kind)
		assert.Equal(t, models.UnitPPS, units[1].Kind)
		assert.Equal(t, models.UnitIDR, units[2].Kind)
		assert.Equal(t, models.UnitNonIDR, units[3].Kind)
		assert.True(t, bytes.Equal(units[0].Bytes, sps0))
		assert.True(t, bytes.Equal(units[2].Bytes, idr0))
	}
}

func TestExtractor_AVCCNormalization(t *testing.T) {
	toAVCC := func(annexB []byte) []byte {
		scLen := startCodeLen(annexB)
		payload := annexB[scLen:]
		var out []byte
		lenPrefix := make([]byte, 4)
		lenPrefix[0] = byte(len(payload) >> 24)
		lenPrefix[1] = byte(len(payload) >> 16)
		lenPrefix[2] = byte(len(payload) >> 8)
		lenPrefix[3] = byte(len(payload))
		out = append(out, lenPrefix...)
		out = append(out, payload...)
		return out
	}

	var avcc []byte
	avcc = append(avcc, toAVCC(sps0)...)
	avcc = append(avcc, toAVCC(pps0)...)
	avcc = append(avcc, toAVCC(idr0)...)

	e := NewExtractor(4 << 20)
	units := feedInChunks(t, e, avcc, 5)
	require.Len(t, units, 3)
	assert.Equal(t, models.UnitSPS, units[0].Kind)
	assert.True(t, bytes.Equal(units[0].Bytes, sps0))
	assert.True(t, bytes.Equal(units[2].Bytes, idr0))
}

func TestExtractor_LeadingGarbageResilience(t *testing.T) {
	garbage := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x11, 0x22}
	var stream []byte
	stream = append(stream, garbage...)
	stream = append(stream, sps0...)
	stream = append(stream, pps0...)
	stream = append(stream, idr0...)
	stream = append(stream, aud...)

	e := NewExtractor(4 << 20)
	units := feedInChunks(t, e, stream, 4)
	require.Len(t, units, 3)
	assert.True(t, bytes.Equal(units[0].Bytes, sps0))
}

func TestGopCache_SelfSufficiency(t *testing.T) {
	e := NewExtractor(4 << 20)
	var stream []byte
	stream = append(stream, sps0...)
	stream = append(stream, pps0...)
	stream = append(stream, idr0...)
	stream = append(stream, p1...)
	stream = append(stream, aud...)
	e.Push(stream)

	gop := e.GopCache().SnapshotPrefill()
	require.Len(t, gop, 4)
	assert.Equal(t, models.UnitSPS, gop[0].Kind)
	assert.Equal(t, models.UnitPPS, gop[1].Kind)
	assert.Equal(t, models.UnitIDR, gop[2].Kind)
}

func TestGopCache_SPSChangeResetsOnDiffer(t *testing.T) {
	e := NewExtractor(4 << 20)
	e.Push(sps0)
	e.Push(pps0)
	e.Push(idr0)
	e.Push(p1)

	sps1 := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0b, 0xf8, 0x41, 0xa3}
	pps1 := []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x38, 0x81}
	idr1 := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x11}

	e.Push(sps1)
	e.Push(pps1)
	e.Push(idr1)
	e.Push(aud)

	gop := e.GopCache().SnapshotPrefill()
	require.Len(t, gop, 3)
	assert.True(t, bytes.Equal(gop[0].Bytes, sps1))
	assert.True(t, bytes.Equal(gop[2].Bytes, idr1))
}

func TestGopCache_CapExceededAwaitsIDR(t *testing.T) {
	e := NewExtractor(len(sps0) + len(pps0) + len(idr0)) // cap exactly at first GOP, no room for p1
	e.Push(sps0)
	e.Push(pps0)
	e.Push(idr0)
	e.Push(p1)
	e.Push(aud)

	assert.True(t, e.GopCache().AwaitingIDR())
	assert.Empty(t, e.GopCache().SnapshotPrefill())
}
