package sensing

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Hasher turns raw device identifiers (MAC addresses) into salted
// PBKDF2-HMAC-SHA256 digests. Digests are memoized because the same devices
// are reported on every tick.
type Hasher struct {
	secret     []byte
	iterations int

	mu   sync.Mutex
	memo map[string]string
}

// NewHasher returns a Hasher using secret as salt.
func NewHasher(secret string, iterations int) *Hasher {
	return &Hasher{
		secret:     []byte(secret),
		iterations: iterations,
		memo:       make(map[string]string),
	}
}

// Hash returns the hex digest of id.
func (h *Hasher) Hash(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.memo[id]; ok {
		return v
	}
	key := pbkdf2.Key([]byte(id), h.secret, h.iterations, sha256.Size, sha256.New)
	v := hex.EncodeToString(key)
	h.memo[id] = v
	return v
}
