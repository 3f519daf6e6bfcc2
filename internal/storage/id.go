package storage

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"fmt"
	"regexp"
)

// IDRegexp matches a full 40-char conversation ID.
var IDRegexp = regexp.MustCompile(`\b[0-9a-f]{40}\b`)

const (
	// IDShort is the short display length used in CLI output.
	IDShort = 7
	// IDMinPrefix is the minimum prefix length considered for ID matching.
	IDMinPrefix = 4

	idEntropyBytes = 4096
)

// NewConversationID generates an identifier for conversation records. Not
// used for cryptographic security; it only needs to be unique and
// prefix-addressable.
func NewConversationID() string {
	b := make([]byte, idEntropyBytes)
	_, _ = rand.Read(b)
	//nolint:gosec // identifier generation only.
	return fmt.Sprintf("%x", sha1.Sum(b))
}
