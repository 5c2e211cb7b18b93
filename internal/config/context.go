// Package config holds the process-wide configuration and the explicit
// ambient Context threaded through every operation and component
// constructor, in place of package-level globals.
package config

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Context bundles the ambient dependencies every operation and long-lived
// component needs: a logger, a clock, and a source of randomness. Passing
// this explicitly (rather than reaching for time.Now/rand.Int or a global
// logger) keeps the orchestrator's core deterministic under test.
type Context struct {
	Log   zerolog.Logger
	Clock func() time.Time
	RNG   *rand.Rand
	Env   map[string]string
}

// NewContext builds a production Context around the caller-supplied
// logger: real wall clock and process-seeded RNG.
func NewContext(log zerolog.Logger) Context {
	return Context{
		Log:   log,
		Clock: time.Now,
		RNG:   rand.New(rand.NewSource(time.Now().UnixNano())),
		Env:   map[string]string{},
	}
}

// NewTestContext builds a deterministic Context for tests: a fixed clock
// and a fixed-seed RNG so generated IDs and timestamps are reproducible.
func NewTestContext(fixed time.Time) Context {
	return Context{
		Log:   zerolog.Nop(),
		Clock: func() time.Time { return fixed },
		RNG:   rand.New(rand.NewSource(1)),
		Env:   map[string]string{},
	}
}

// Now returns the current time according to the Context's clock, defaulting
// to the real wall clock if none was set.
func (c Context) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}
