package statemachine

import (
	"regexp"
	"strings"
)

// looksLikeCommandPattern rejects empty lines, markdown noise, and prose
// that slipped into a command list, spec §4.8 step 1.
var looksLikeCommandPattern = regexp.MustCompile(`^[A-Za-z0-9_./-]+(\s.*)?$`)

var bulletPrefixPattern = regexp.MustCompile(`^[\s]*[-*•]\s+`)

var npmRunPattern = regexp.MustCompile(`^npm\s+`)

const batchSize = 5

// normalizeCommand strips bullet-list prefixes and rewrites npm
// invocations to bun, spec §4.8's "Normalize" step.
func normalizeCommand(raw string) string {
	s := strings.TrimSpace(raw)
	s = bulletPrefixPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if npmRunPattern.MatchString(s) {
		s = "bun " + strings.TrimSpace(strings.TrimPrefix(s, "npm"))
	}
	return s
}

// looksLikeCommand rejects blank lines and prose that isn't shaped like a
// shell command, spec §4.8 step 1.
func looksLikeCommand(cmd string) bool {
	if strings.TrimSpace(cmd) == "" {
		return false
	}
	if strings.Contains(cmd, "\n") {
		return false
	}
	return looksLikeCommandPattern.MatchString(cmd)
}

// ValidateAndClean normalizes, dedupes, and filters a raw command list,
// spec §8 property 7 ("applying it twice is a no-op").
func ValidateAndClean(cmds []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(cmds))
	for _, raw := range cmds {
		c := normalizeCommand(raw)
		if !looksLikeCommand(c) {
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Chunk splits cmds into batches of batchSize, spec §4.8 step 2.
func Chunk(cmds []string) [][]string {
	if len(cmds) == 0 {
		return nil
	}
	var out [][]string
	for i := 0; i < len(cmds); i += batchSize {
		end := i + batchSize
		if end > len(cmds) {
			end = len(cmds)
		}
		out = append(out, cmds[i:end])
	}
	return out
}

var installCommandPattern = regexp.MustCompile(`\b(bun|npm|install)\b`)

// isInstallCommand reports whether cmd contains the word bun, npm or
// install (so every bun/npm invocation counts), the class eligible for
// retry-with-alternatives, spec §4.8 step 3.
func isInstallCommand(cmd string) bool {
	return installCommandPattern.MatchString(cmd)
}

var packageMutationPattern = regexp.MustCompile(`\b(install|add |remove|uninstall)\b`)

// needsPackageJSONSync reports whether any executed command in batch
// could have mutated package.json, spec §4.8 step 5.
func needsPackageJSONSync(cmds []string) bool {
	for _, c := range cmds {
		if packageMutationPattern.MatchString(c) {
			return true
		}
	}
	return false
}
