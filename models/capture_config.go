package models

// Codec enumerates the encoder output formats CaptureConfig can describe.
// Only CodecH264 is implemented; others are accepted by the type so a
// future extractor can be plugged in without another config dialect.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAV1  Codec = "av1"
)

// CaptureConfig is an immutable description of encoder settings for one
// device. Changing settings means building a new CaptureConfig and calling
// Worker.UpdateConfig, never mutating a config in place.
type CaptureConfig struct {
	MaxEdgePixels        int
	MaxFPS               int
	BitRateBPS           int
	Codec                Codec
	IDRIntervalSeconds   int
	PrependHeadersOnSync bool
}
