package ws

import "crypto/rand"

// randomMaskKey returns 4 cryptographically random bytes for masking a
// client-to-server frame.
func randomMaskKey() []byte {
	key := make([]byte, 4)
	_, _ = rand.Read(key)
	return key
}
