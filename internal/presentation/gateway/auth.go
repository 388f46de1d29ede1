package gateway

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// checkToken compares fixed-size digests in constant time, so neither the
// comparison nor the token length leaks through timing.
func (s *Server) checkToken(token string) bool {
	got := blake3.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(got[:], s.tokenDigest[:]) == 1
}
