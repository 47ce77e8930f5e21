package models

// UnitKind classifies an H264Unit by its NAL type byte.
type UnitKind int

const (
	UnitOther UnitKind = iota
	UnitSPS
	UnitPPS
	UnitAUD
	UnitSEI
	UnitIDR
	UnitNonIDR
)

func (k UnitKind) String() string {
	switch k {
	case UnitSPS:
		return "SPS"
	case UnitPPS:
		return "PPS"
	case UnitAUD:
		return "AUD"
	case UnitSEI:
		return "SEI"
	case UnitIDR:
		return "IDR"
	case UnitNonIDR:
		return "NON_IDR"
	default:
		return "OTHER"
	}
}

// H264Unit is one Annex-B framed NAL unit: Bytes begins with a 3- or 4-byte
// start code followed by the NAL payload. GeneratedAt is the monotonic time,
// in nanoseconds since the Extractor was created, at which the Extractor
// closed the unit; it is not a wall-clock time.
type H264Unit struct {
	Kind        UnitKind
	Bytes       []byte
	GeneratedAt int64
}

// IsVCL reports whether the unit carries coded slice data (IDR or non-IDR).
func (u H264Unit) IsVCL() bool {
	return u.Kind == UnitIDR || u.Kind == UnitNonIDR
}
