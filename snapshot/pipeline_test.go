package snapshot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corestream/broadcast"
	"corestream/h264"
)

type fakeWorker struct {
	running bool
	hub     *broadcast.Hub
	gop     *h264.GopCache
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{hub: broadcast.NewHub(8), gop: h264.NewGopCache(4 << 20)}
}

func (w *fakeWorker) Start(ctx context.Context) error { w.running = true; return nil }
func (w *fakeWorker) IsRunning() bool                 { return w.running }
func (w *fakeWorker) Subscribe(ctx context.Context) *broadcast.Subscriber {
	return w.hub.Subscribe(w.gop)
}
func (w *fakeWorker) Unsubscribe(id string) { w.hub.Unsubscribe(id) }

func TestPipeline_AtMostOneDecoder(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("no /bin/cat on this system")
	}

	log := logrus.NewEntry(logrus.New())
	w := newFakeWorker()
	w.running = true
	p := NewPipeline("dev", w, Options{
		DecoderPath:          "/bin/cat",
		DecoderShutdownGrace: 200 * time.Millisecond,
	}, log)

	ctx := context.Background()
	h1, err := p.Attach(ctx)
	require.NoError(t, err)
	h2, err := p.Attach(ctx)
	require.NoError(t, err)
	h3, err := p.Attach(ctx)
	require.NoError(t, err)

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	require.NotNil(t, cmd)

	p.Detach(h1)
	p.Detach(h2)

	p.mu.Lock()
	stillRunning := p.cmd
	refCount := p.refCount
	p.mu.Unlock()
	assert.NotNil(t, stillRunning)
	assert.Equal(t, 1, refCount)

	p.Detach(h3)

	p.mu.Lock()
	gone := p.cmd
	p.mu.Unlock()
	assert.Nil(t, gone)
}
