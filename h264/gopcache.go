package h264

import "corestream/models"

// GopCache is the per-device late-join prefill cache described in spec §3
// and maintained by Append after every unit the Extractor emits.
// It is mutated only by the single goroutine driving the owning Capture
// Worker's read loop, so it needs no internal locking of its own; callers
// that read it from another goroutine (Broadcast Hub.subscribe) must do so
// while holding whatever external lock guarantees the read happens between
// two calls to Append.
type GopCache struct {
	latestSPS       *models.H264Unit
	latestPPS       *models.H264Unit
	prefixBeforeVCL []models.H264Unit
	currentGOP      []models.H264Unit
	gopSizeBytes    int
	gopCapBytes     int
	awaitingIDR     bool
}

// NewGopCache constructs a cache with the given cap on current_gop's byte
// size; exceeding it discards the GOP and arms the "awaiting IDR" latch.
func NewGopCache(capBytes int) *GopCache {
	return &GopCache{gopCapBytes: capBytes}
}

// Append folds one freshly emitted unit into the cache per spec §4.2.
func (g *GopCache) Append(u models.H264Unit) {
	switch u.Kind {
	case models.UnitSPS:
		if g.currentGOP != nil && g.latestSPS != nil && !sameBytes(g.latestSPS.Bytes, u.Bytes) {
			g.resetGOP()
		}
		cp := u
		g.latestSPS = &cp
		g.prefixBeforeVCL = g.prefixBeforeVCL[:0]

	case models.UnitPPS:
		cp := u
		g.latestPPS = &cp

	case models.UnitAUD, models.UnitSEI:
		g.prefixBeforeVCL = append(g.prefixBeforeVCL, u)

	case models.UnitIDR:
		if g.latestSPS == nil || g.latestPPS == nil {
			return
		}
		gop := make([]models.H264Unit, 0, 3+len(g.prefixBeforeVCL))
		gop = append(gop, *g.latestSPS, *g.latestPPS)
		gop = append(gop, g.prefixBeforeVCL...)
		gop = append(gop, u)
		g.currentGOP = gop
		g.prefixBeforeVCL = g.prefixBeforeVCL[:0]
		g.gopSizeBytes = sizeOf(gop)
		g.awaitingIDR = false

	case models.UnitNonIDR:
		if g.currentGOP == nil {
			return
		}
		g.currentGOP = append(g.currentGOP, u)
		g.gopSizeBytes += len(u.Bytes)

	case models.UnitOther:
		// passthrough: emitted but not cached
		return
	}

	if g.gopCapBytes > 0 && g.gopSizeBytes > g.gopCapBytes {
		g.resetGOP()
	}
}

func (g *GopCache) resetGOP() {
	g.currentGOP = nil
	g.gopSizeBytes = 0
	g.awaitingIDR = true
}

// SnapshotPrefill returns a read-only copy of current_gop, empty when the
// cache is awaiting the next IDR. The caller owns the returned slice.
func (g *GopCache) SnapshotPrefill() []models.H264Unit {
	if g.currentGOP == nil {
		return nil
	}
	out := make([]models.H264Unit, len(g.currentGOP))
	copy(out, g.currentGOP)
	return out
}

// AwaitingIDR reports whether the last GOP was discarded (for exceeding the
// byte cap, or because a different SPS arrived) and no replacement IDR has
// arrived yet.
func (g *GopCache) AwaitingIDR() bool { return g.awaitingIDR }

func sizeOf(units []models.H264Unit) int {
	n := 0
	for _, u := range units {
		n += len(u.Bytes)
	}
	return n
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
