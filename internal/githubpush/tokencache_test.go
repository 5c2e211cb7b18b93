package githubpush

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenCacheGetEmptyBeforeSet(t *testing.T) {
	c := NewTokenCache(time.Hour)
	assert.Equal(t, "", c.Get())
}

func TestTokenCacheSetThenGetReturnsToken(t *testing.T) {
	c := NewTokenCache(time.Hour)
	c.Set("ghp_abc123")
	assert.Equal(t, "ghp_abc123", c.Get())
}

func TestTokenCacheExpiresAfterTTL(t *testing.T) {
	c := NewTokenCache(time.Millisecond)
	c.Set("ghp_abc123")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, "", c.Get())
}

func TestNewTokenCacheDefaultsTTLWhenNonPositive(t *testing.T) {
	c := NewTokenCache(0)
	c.Set("tok")
	assert.Equal(t, "tok", c.Get())
}
