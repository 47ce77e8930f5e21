// Package h264 implements the streaming Annex-B/AVCC unit extractor and the
// per-device GOP cache described for the core's video-framing layer.
package h264

import (
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"corestream/models"
)

// classify maps a NAL type byte (already masked to 5 bits by the caller)
// onto the closed UnitKind taxonomy, using mediacommon's NALU type
// constants rather than re-declaring the raw integers ourselves.
func classify(nalType mch264.NALUType) models.UnitKind {
	switch nalType {
	case mch264.NALUTypeSPS:
		return models.UnitSPS
	case mch264.NALUTypePPS:
		return models.UnitPPS
	case mch264.NALUTypeAccessUnitDelimiter:
		return models.UnitAUD
	case mch264.NALUTypeSEI:
		return models.UnitSEI
	case mch264.NALUTypeIDR:
		return models.UnitIDR
	case mch264.NALUTypeNonIDR:
		return models.UnitNonIDR
	default:
		return models.UnitOther
	}
}

// nalType extracts the 5-bit NAL type from a NAL payload's first byte
// (the byte immediately following the Annex-B start code).
func nalType(payload []byte) mch264.NALUType {
	if len(payload) == 0 {
		return 0
	}
	return mch264.NALUType(payload[0] & 0x1F)
}
