package synctree

import (
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"
)

var hasherPool = sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// Digest returns the hex BLAKE3-256 fingerprint of data. It is a change
// detector, not an integrity check.
func Digest(data []byte) string {
	h := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
