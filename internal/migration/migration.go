// Package migration implements the MigrationEngine of spec §4.10: it
// upgrades a freshly loaded Project to the current schema, the same way
// the teacher's internal/attractor/runstate package reconciles whatever a
// run's on-disk artifacts happen to contain into one canonical Snapshot
// shape, tolerating several historical artifact layouts.
package migration

import (
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/forgepilot/orchestrator/internal/model"
)

// CurrentSchemaVersion is bumped whenever Migrate gains a new upgrade step.
const CurrentSchemaVersion = 1

// ConversationBloatThreshold is the message count above which <Internal
// Memo> entries are dropped from a migrated project's conversation
// (spec §4.10).
const ConversationBloatThreshold = 25

// Engine is the stateless MigrationEngine. It holds no fields: every
// upgrade step is a pure function of the input Project.
type Engine struct{}

// New constructs a MigrationEngine.
func New() *Engine { return &Engine{} }

// Migrate upgrades p to CurrentSchemaVersion, returning nil if p was
// already current (spec §4.10: "Returns null if no migration needed").
func (e *Engine) Migrate(p *model.Project) *model.Project {
	if p == nil {
		return nil
	}
	if p.SchemaVersion >= CurrentSchemaVersion {
		return nil
	}

	out := p.Clone()

	dedupConversation(out)
	if len(out.ConversationMessages) > ConversationBloatThreshold {
		dropInternalMemos(out)
	}
	ensureProjectName(out)
	ensureProjectUpdatesAccumulator(out)

	out.SchemaVersion = CurrentSchemaVersion
	return out
}

// dedupConversation applies spec §4.10's "dedup by conversationId" rule:
// last-writer-wins, matching ConversationLog.append (spec §4.2).
func dedupConversation(p *model.Project) {
	seen := map[string]int{}
	deduped := make([]model.Message, 0, len(p.ConversationMessages))
	for _, m := range p.ConversationMessages {
		if m.ConversationID == "" {
			deduped = append(deduped, m)
			continue
		}
		if idx, ok := seen[m.ConversationID]; ok {
			deduped[idx] = m
			continue
		}
		seen[m.ConversationID] = len(deduped)
		deduped = append(deduped, m)
	}
	p.ConversationMessages = deduped
}

// dropInternalMemos removes sentinel-tagged messages once the conversation
// has grown past ConversationBloatThreshold (spec §4.10).
func dropInternalMemos(p *model.Project) {
	kept := make([]model.Message, 0, len(p.ConversationMessages))
	for _, m := range p.ConversationMessages {
		if strings.Contains(m.Content, model.InternalMemoSentinel) {
			continue
		}
		kept = append(kept, m)
	}
	p.ConversationMessages = kept
}

// ensureProjectName fills a missing projectName from the blueprint, the
// template name, or the query, capped to 20 chars plus a fresh ULID
// suffix for uniqueness, per spec §4.10.
func ensureProjectName(p *model.Project) {
	if strings.TrimSpace(p.ProjectName) != "" {
		return
	}
	base := strings.TrimSpace(p.Blueprint.ProjectName)
	if base == "" {
		base = strings.TrimSpace(p.TemplateName)
	}
	if base == "" {
		base = strings.TrimSpace(p.Query)
	}
	base = slugify(base)
	if len(base) > 20 {
		base = base[:20]
	}
	if base == "" {
		base = "project"
	}
	suffix := strings.ToLower(ulid.Make().String()[:8])
	p.ProjectName = base + "-" + suffix
	p.Blueprint.ProjectName = p.ProjectName
}

// slugify lowercases and replaces runs of non [a-z0-9_-] characters with a
// single hyphen, matching the ^[a-z0-9_-]{3,50}$ projectName pattern of
// spec §3.
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
			lastHyphen = r == '-'
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func ensureProjectUpdatesAccumulator(p *model.Project) {
	if p.ProjectUpdatesAccumulator == nil {
		p.ProjectUpdatesAccumulator = []string{}
	}
}

// legacyFileKeys maps a pre-camelCase persisted document's snake_case file
// concept keys onto the current model.FileConcept/model.File tags (spec
// §4.10). Applied before the typed decode, since a direct json.Unmarshal
// into the current struct silently drops any field whose tag doesn't
// match.
var legacyFileKeys = map[string]string{
	"file_path":     "path",
	"file_contents": "contents",
	"file_purpose":  "purpose",
}

// PreprocessLegacyJSON rewrites raw's shape so the subsequent typed
// json.Unmarshal into model.Project can see fields that a pre-camelCase
// persisted document stored under different keys, spec §4.10's legacy
// key/blob migrations. It must run on the raw bytes, not the decoded
// struct, or the legacy data is already gone by the time Migrate sees it.
func PreprocessLegacyJSON(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, err
	}

	renameLegacyFileKeys(doc)
	removeUserAPIKeys(doc)
	backfillTemplateNameFromBlob(doc)

	return json.Marshal(doc)
}

// renameLegacyFileKeys walks the decoded document renaming any snake_case
// file concept key to its current camelCase name, wherever it is nested
// (generatedPhases[].files[], generatedFilesMap{}).
func renameLegacyFileKeys(v any) {
	switch node := v.(type) {
	case map[string]any:
		for oldKey, newKey := range legacyFileKeys {
			if val, ok := node[oldKey]; ok {
				if _, exists := node[newKey]; !exists {
					node[newKey] = val
				}
				delete(node, oldKey)
			}
		}
		for _, child := range node {
			renameLegacyFileKeys(child)
		}
	case []any:
		for _, child := range node {
			renameLegacyFileKeys(child)
		}
	}
}

// removeUserAPIKeys drops the legacy inferenceContext.userApiKeys field,
// spec §4.10: per-user model credentials are no longer persisted on the
// project document.
func removeUserAPIKeys(doc map[string]any) {
	ic, ok := doc["inferenceContext"].(map[string]any)
	if !ok {
		return
	}
	delete(ic, "userApiKeys")
}

// backfillTemplateNameFromBlob reconstructs the top-level templateName
// from a legacy templateDetails.name field when templateName is absent,
// spec §4.10.
func backfillTemplateNameFromBlob(doc map[string]any) {
	if name, ok := doc["templateName"].(string); ok && strings.TrimSpace(name) != "" {
		return
	}
	td, ok := doc["templateDetails"].(map[string]any)
	if !ok {
		return
	}
	if name, ok := td["name"].(string); ok && strings.TrimSpace(name) != "" {
		doc["templateName"] = name
	}
}
