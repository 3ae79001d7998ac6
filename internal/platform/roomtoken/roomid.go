package roomtoken

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
)

// roomRandomBytes is the size of the unguessable suffix (128 bits).
const roomRandomBytes = 16

var roomEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator produces room identifiers from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator reading from r. A nil reader selects
// crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

var defaultGenerator = NewGenerator(nil)

// NewRoomID returns "{kind}-{parentID}-{random}" using the process CSPRNG.
func NewRoomID(kind, parentID string) string {
	return defaultGenerator.NewRoomID(kind, parentID)
}

// NewRoomID returns "{kind}-{parentID}-{random}". The suffix is lowercase
// base32 so the identifier survives room servers that fold case and is safe
// as a URL path segment. It panics if the random source fails, like uuid.New.
func (g *Generator) NewRoomID(kind, parentID string) string {
	var b [roomRandomBytes]byte
	if _, err := io.ReadFull(g.rand, b[:]); err != nil {
		panic(fmt.Sprintf("roomtoken: reading random source: %v", err))
	}
	suffix := strings.ToLower(roomEncoding.EncodeToString(b[:]))
	return sanitizeSegment(kind) + "-" + sanitizeSegment(parentID) + "-" + suffix
}

// sanitizeSegment keeps [a-z0-9-] and maps everything else to '-'.
func sanitizeSegment(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
