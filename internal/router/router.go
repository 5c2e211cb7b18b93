// Package router implements the MessageRouter of spec §4.9: validates
// inbound client->agent messages against a JSON Schema per spec §6, and
// dispatches each to its registered handler. Unknown message tags are
// rejected and surfaced as an `error` event rather than panicking or
// being silently dropped, per spec §9's "reject unknown tags at the
// message router" design note.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// Handler processes one decoded inbound message's raw payload.
type Handler func(raw json.RawMessage) error

// envelopeSchema validates the {"type": "...", ...} shape every inbound
// message must have before dispatch, spec §6 "type is a string
// discriminator."
const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["type"],
  "properties": {"type": {"type": "string", "minLength": 1}}
}`

// Router is the MessageRouter of spec §4.9.
type Router struct {
	schema   *jsonschema.Schema
	handlers map[string]Handler
}

// New compiles the envelope schema and constructs an empty Router.
func New() (*Router, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchemaJSON)); err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "compile router envelope schema", err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "compile router envelope schema", err)
	}
	return &Router{schema: schema, handlers: map[string]Handler{}}, nil
}

// On registers handler for a given message type, spec §4.9's
// client->agent tags: preview, generate_all, stop_generation,
// resume_generation, clear_conversation, user_suggestion,
// get_model_configs, terminal_command.
func (r *Router) On(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// envelope is the minimal shape every message is decoded into before
// dispatch.
type envelope struct {
	Type string `json:"type"`
}

// Dispatch validates raw against the envelope schema, looks up the
// handler for its type tag, and invokes it. An unrecognized type is not
// an error returned to the caller — it is the caller's job (typically the
// broadcaster) to turn ErrUnknownType into an `error` event, spec §9.
func (r *Router) Dispatch(raw json.RawMessage) error {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return kerrors.Wrap(kerrors.InvalidArgument, "decode inbound message", err)
	}
	if err := r.schema.Validate(generic); err != nil {
		return kerrors.Wrap(kerrors.InvalidArgument, "inbound message failed schema validation", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return kerrors.Wrap(kerrors.InvalidArgument, "decode inbound envelope", err)
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		return &ErrUnknownType{Type: env.Type}
	}
	return h(raw)
}

// ErrUnknownType is returned by Dispatch when no handler is registered
// for the message's type tag.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}
