package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewTestContextUsesFixedClock(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTestContext(fixed)
	assert.True(t, c.Now().Equal(fixed))
	assert.True(t, c.Now().Equal(fixed), "clock should be stable across calls")
}

func TestNewContextUsesRealClock(t *testing.T) {
	before := time.Now()
	c := NewContext(zerolog.Nop())
	after := time.Now()

	got := c.Now()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after.Add(time.Second)))
}

func TestContextNowFallsBackToWallClockWhenUnset(t *testing.T) {
	c := Context{}
	before := time.Now()
	got := c.Now()
	assert.False(t, got.Before(before))
}
