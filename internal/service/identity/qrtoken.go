package identity

import (
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/patrickmn/go-cache"
)

// qrAlphabet drops look-alike characters so tokens survive being read aloud or typed.
const (
	qrAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	qrLength   = 12
)

// NewQRToken returns a fresh opaque patient token.
func NewQRToken() (string, error) {
	return gonanoid.Generate(qrAlphabet, qrLength)
}

// tokenCache remembers token -> user id. Entries only expire; a rotated token is
// detected on read and forgotten.
type tokenCache struct {
	c *cache.Cache
}

func newTokenCache(ttl time.Duration) *tokenCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &tokenCache{c: cache.New(ttl, 2*ttl)}
}

func (t *tokenCache) get(token string) (uuid.UUID, bool) {
	v, ok := t.c.Get(token)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func (t *tokenCache) remember(token string, id uuid.UUID) {
	t.c.Set(token, id, cache.DefaultExpiration)
}

func (t *tokenCache) forget(token string) {
	t.c.Delete(token)
}
