package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corestream/h264"
	"corestream/models"
)

func unit(kind models.UnitKind, tag byte) models.H264Unit {
	return models.H264Unit{Kind: kind, Bytes: []byte{0x00, 0x00, 0x00, 0x01, tag}}
}

func TestHub_PrefillEmptyBeforeIDR(t *testing.T) {
	gop := h264.NewGopCache(4 << 20)
	hub := NewHub(16)

	sub := hub.Subscribe(gop)
	assert.Empty(t, sub.Queue)

	sps := unit(models.UnitSPS, 0x67)
	pps := unit(models.UnitPPS, 0x68)
	idr := unit(models.UnitIDR, 0x65)
	gop.Append(sps)
	gop.Append(pps)
	gop.Append(idr)
	hub.Publish(sps)
	hub.Publish(pps)
	hub.Publish(idr)

	require.Len(t, sub.Queue, 3)
	assert.Equal(t, sps, <-sub.Queue)
	assert.Equal(t, pps, <-sub.Queue)
	assert.Equal(t, idr, <-sub.Queue)
}

func TestHub_LateJoinMidGOP(t *testing.T) {
	gop := h264.NewGopCache(4 << 20)
	hub := NewHub(16)

	sps, pps, idr := unit(models.UnitSPS, 0x67), unit(models.UnitPPS, 0x68), unit(models.UnitIDR, 0x65)
	p1, p2, p3 := unit(models.UnitNonIDR, 1), unit(models.UnitNonIDR, 2), unit(models.UnitNonIDR, 3)
	for _, u := range []models.H264Unit{sps, pps, idr, p1, p2, p3} {
		gop.Append(u)
		hub.Publish(u)
	}

	sub := hub.Subscribe(gop)
	require.Len(t, sub.Queue, 6)
	for _, want := range []models.H264Unit{sps, pps, idr, p1, p2, p3} {
		assert.Equal(t, want, <-sub.Queue)
	}

	p4 := unit(models.UnitNonIDR, 4)
	gop.Append(p4)
	hub.Publish(p4)
	assert.Equal(t, p4, <-sub.Queue)
	assert.Empty(t, sub.Queue)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	gop := h264.NewGopCache(4 << 20)
	hub := NewHub(4)
	sub := hub.Subscribe(gop)
	other := hub.Subscribe(gop)

	for i := 0; i < 100; i++ {
		hub.Publish(unit(models.UnitNonIDR, byte(i)))
	}

	assert.EqualValues(t, 96, sub.DropCount())
	assert.Len(t, sub.Queue, 4)
	// the other subscriber is never drained either, so it fills and drops
	// identically: each subscriber's drops are counted independently.
	assert.EqualValues(t, 96, other.DropCount())
}

func TestHub_PublishNonBlocking(t *testing.T) {
	gop := h264.NewGopCache(4 << 20)
	hub := NewHub(2)
	hub.Subscribe(gop) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(unit(models.UnitNonIDR, byte(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	gop := h264.NewGopCache(4 << 20)
	hub := NewHub(4)
	sub := hub.Subscribe(gop)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Unsubscribe(sub.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.SubscriberCount())
}
