package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAndCleanDedupesAndRewritesNpm(t *testing.T) {
	cmds := []string{
		"- npm install lodash",
		"bun add lodash",
		"bun add lodash", // duplicate after normalization
		"",
		"### Setup steps",
	}
	got := ValidateAndClean(cmds)
	assert.Equal(t, []string{"bun install lodash", "bun add lodash"}, got)
}

func TestValidateAndCleanIsIdempotent(t *testing.T) {
	cmds := []string{"* bun install", "npm run build"}
	once := ValidateAndClean(cmds)
	twice := ValidateAndClean(once)
	assert.Equal(t, once, twice)
}

func TestChunkSplitsIntoBatchesOfFive(t *testing.T) {
	cmds := make([]string, 12)
	for i := range cmds {
		cmds[i] = "bun install"
	}
	batches := Chunk(cmds)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], 5)
	assert.Len(t, batches[1], 5)
	assert.Len(t, batches[2], 2)
}

func TestChunkEmpty(t *testing.T) {
	assert.Nil(t, Chunk(nil))
}

func TestIsInstallCommand(t *testing.T) {
	assert.True(t, isInstallCommand("bun install react"))
	assert.True(t, isInstallCommand("npm install react"))
	// Any bun or npm invocation counts, not only install subcommands.
	assert.True(t, isInstallCommand("bun run build"))
}

func TestNeedsPackageJSONSync(t *testing.T) {
	assert.True(t, needsPackageJSONSync([]string{"bun add lodash"}))
	assert.True(t, needsPackageJSONSync([]string{"bun remove lodash"}))
	assert.False(t, needsPackageJSONSync([]string{"bun run build"}))
}
