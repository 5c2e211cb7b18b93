// Package conversation implements the two-tier ConversationLog of spec
// §4.2: a full, append-only history and a compacted running history, both
// deduplicated by conversationId with last-writer-wins semantics, backed
// by a small embedded key-value store keyed by sessionId.
package conversation

import (
	"context"
	"strings"

	"github.com/forgepilot/orchestrator/internal/model"
)

// DefaultSessionID is used when no sessionId is supplied, spec §4.2.
const DefaultSessionID = "default"

// Store is the small embedded persistence layer backing ConversationLog:
// two JSON arrays per sessionId, matching spec §6's
// full_conversations/compact_conversations tables.
type Store interface {
	LoadFull(ctx context.Context, sessionID string) ([]model.Message, error)
	SaveFull(ctx context.Context, sessionID string, msgs []model.Message) error
	LoadCompact(ctx context.Context, sessionID string) ([]model.Message, error)
	SaveCompact(ctx context.Context, sessionID string, msgs []model.Message) error
}

// Log is the ConversationLog of spec §4.2.
type Log struct {
	store     Store
	sessionID string
}

// New constructs a Log bound to sessionID (DefaultSessionID if empty).
func New(store Store, sessionID string) *Log {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = DefaultSessionID
	}
	return &Log{store: store, sessionID: sessionID}
}

// Append upserts msg by ConversationID into both the full and running
// (compact) history, last-writer-wins, spec §4.2.
func (l *Log) Append(ctx context.Context, msg model.Message) error {
	full, err := l.store.LoadFull(ctx, l.sessionID)
	if err != nil {
		return err
	}
	full = upsert(full, msg)
	if err := l.store.SaveFull(ctx, l.sessionID, full); err != nil {
		return err
	}

	compact, err := l.store.LoadCompact(ctx, l.sessionID)
	if err != nil {
		return err
	}
	compact = upsert(compact, msg)
	return l.store.SaveCompact(ctx, l.sessionID, compact)
}

// Pair is the deduplicated (full, running) history pair returned by Get.
type Pair struct {
	Full    []model.Message
	Running []model.Message
}

// Get returns the deduplicated (full, running) pair. If the compact
// history is empty, it falls back to the full history — the migration
// path described in spec §4.2.
func (l *Log) Get(ctx context.Context) (Pair, error) {
	full, err := l.store.LoadFull(ctx, l.sessionID)
	if err != nil {
		return Pair{}, err
	}
	compact, err := l.store.LoadCompact(ctx, l.sessionID)
	if err != nil {
		return Pair{}, err
	}
	if len(compact) == 0 {
		compact = append([]model.Message{}, full...)
	}
	return Pair{Full: dedup(full), Running: dedup(compact)}, nil
}

// archivePrefix marks a conversationId whose content has been compacted
// away; RunningForModel replaces such entries with compactedPlaceholder.
// Internal-Memo-tagged entries are left untouched here — the model still
// needs them; only UI reads filter them out (spec §4.2).
const archivePrefix = "archive-"
const compactedPlaceholder = "previous history was compacted"

// RunningForModel materializes the running history as fed to the model:
// archive- prefixed conversationIds collapse to the compaction placeholder.
func (l *Log) RunningForModel(ctx context.Context) ([]model.Message, error) {
	pair, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(pair.Running))
	for _, m := range pair.Running {
		if strings.HasPrefix(m.ConversationID, archivePrefix) {
			m.Content = compactedPlaceholder
			m.Parts = nil
		}
		out = append(out, m)
	}
	return out, nil
}

// RunningForUI materializes the running history as shown to a client:
// messages whose text contains the <Internal Memo> sentinel are hidden,
// spec §4.2.
func (l *Log) RunningForUI(ctx context.Context) ([]model.Message, error) {
	pair, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(pair.Running))
	for _, m := range pair.Running {
		if strings.Contains(m.Content, model.InternalMemoSentinel) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// upsert inserts msg, replacing any existing entry with the same
// ConversationID (last-writer-wins), preserving original position.
func upsert(msgs []model.Message, msg model.Message) []model.Message {
	if msg.ConversationID == "" {
		return append(msgs, msg)
	}
	for i, m := range msgs {
		if m.ConversationID == msg.ConversationID {
			msgs[i] = msg
			return msgs
		}
	}
	return append(msgs, msg)
}

// dedup re-establishes the invariant "no two messages share a
// conversationId" defensively, in case the backing Store was populated by
// a path other than Append (e.g. direct migration).
func dedup(msgs []model.Message) []model.Message {
	seen := map[string]int{}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == "" {
			out = append(out, m)
			continue
		}
		if idx, ok := seen[m.ConversationID]; ok {
			out[idx] = m
			continue
		}
		seen[m.ConversationID] = len(out)
		out = append(out, m)
	}
	return out
}
