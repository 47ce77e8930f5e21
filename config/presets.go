package config

import "corestream/models"

// Presets map human-chosen quality tiers onto concrete CaptureConfig values,
// generalizing the teacher's single hardcoded scrcpy server-args set into
// the four tiers SPEC_FULL.md §6 names.
var Presets = map[string]models.CaptureConfig{
	"low_bandwidth": {
		MaxEdgePixels:        720,
		MaxFPS:               15,
		BitRateBPS:           800_000,
		Codec:                models.CodecH264,
		IDRIntervalSeconds:   2,
		PrependHeadersOnSync: true,
	},
	"balanced": {
		MaxEdgePixels:        1080,
		MaxFPS:               30,
		BitRateBPS:           2_000_000,
		Codec:                models.CodecH264,
		IDRIntervalSeconds:   2,
		PrependHeadersOnSync: true,
	},
	"default": {
		MaxEdgePixels:        1280,
		MaxFPS:               30,
		BitRateBPS:           4_000_000,
		Codec:                models.CodecH264,
		IDRIntervalSeconds:   2,
		PrependHeadersOnSync: true,
	},
	"high_quality": {
		MaxEdgePixels:        1920,
		MaxFPS:               60,
		BitRateBPS:           8_000_000,
		Codec:                models.CodecH264,
		IDRIntervalSeconds:   1,
		PrependHeadersOnSync: true,
	},
}

// Preset looks up a named tier, falling back to "default".
func Preset(name string) models.CaptureConfig {
	if cfg, ok := Presets[name]; ok {
		return cfg
	}
	return Presets["default"]
}
