package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/dgraph-io/ristretto/v2"
)

// jarManifestCache remembers the content hash of the last file pushed to
// each (serial, remotePath) pair so repeated Worker.start() calls on an
// already-provisioned device can skip re-pushing the encoder agent jar.
// Backed by ristretto rather than a plain map: entries are cheap to lose
// (a cache miss just re-pushes), which is exactly ristretto's admission
// model.
type jarManifestCache struct {
	cache *ristretto.Cache[string, string]
}

func newJarManifestCache() *jarManifestCache {
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// ristretto.NewCache only fails on invalid config constants above;
		// falling back to an always-miss cache keeps PushFile correct
		// (just slower) instead of panicking the driver.
		return &jarManifestCache{}
	}
	return &jarManifestCache{cache: c}
}

func (j *jarManifestCache) key(serial, remotePath string) string {
	return serial + "\x00" + remotePath
}

func (j *jarManifestCache) alreadyPushed(serial, remotePath, hash string) bool {
	if j.cache == nil {
		return false
	}
	v, ok := j.cache.Get(j.key(serial, remotePath))
	return ok && v == hash
}

func (j *jarManifestCache) record(serial, remotePath, hash string) {
	if j.cache == nil {
		return
	}
	j.cache.Set(j.key(serial, remotePath), hash, 1)
	j.cache.Wait()
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
