// Package modelbackend is the black-box model-inference collaborator of
// spec §1/§6: operations invoke it for completions and streaming
// completions, but it is never reimplemented here as a real HTTP client
// to a specific vendor. The contract is grounded on the teacher's
// internal/llm.Client provider-registry shape (adapter registration,
// default provider, request validation) without carrying over any
// concrete vendor adapter.
package modelbackend

import (
	"context"
	"fmt"
	"sort"

	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/model"
)

// Request is one inference call. Provider/Model select the backend;
// System/Messages/Tools describe the conversation turn; MaxOutputTokens
// bounds generation.
type Request struct {
	Provider        string
	Model           string
	System          string
	Messages        []model.Message
	Tools           []ToolSpec
	MaxOutputTokens int
	Temperature     float64
}

// ToolSpec mirrors spec §9's "{name, schema}" tool-calling contract.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Response is a completed (non-streaming) inference result.
type Response struct {
	Text      string
	ToolCalls []model.ToolCall
	Usage     Usage
}

// Usage reports token accounting, surfaced in server_log events.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one piece of a streamed completion.
type Chunk struct {
	TextDelta string
	ToolCall  *model.ToolCall
	Done      bool
}

// StreamHandler receives chunks as they arrive; returning an error aborts
// the stream (used to implement stopGeneration's cancellation, spec §5).
type StreamHandler func(Chunk) error

// Backend is the black-box model-inference collaborator.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request, handle StreamHandler) (Response, error)
}

// Client multiplexes named backends, selecting by req.Provider with a
// configured default, the same adapter-registry shape as the teacher's
// llm.Client.
type Client struct {
	backends        map[string]Backend
	defaultProvider string
}

// NewClient constructs an empty multiplexing Client.
func NewClient() *Client {
	return &Client{backends: map[string]Backend{}}
}

// Register adds a backend under its own Name(); the first registered
// backend becomes the default provider.
func (c *Client) Register(b Backend) {
	if c.backends == nil {
		c.backends = map[string]Backend{}
	}
	c.backends[b.Name()] = b
	if c.defaultProvider == "" {
		c.defaultProvider = b.Name()
	}
}

// SetDefaultProvider overrides which backend is used when req.Provider is
// empty, spec §3's inferenceContext{provider, model}.
func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = name
}

// ModelConfig describes a registered backend for the get_model_configs
// client tag (spec §4.9).
type ModelConfig struct {
	Provider  string `json:"provider"`
	IsDefault bool   `json:"isDefault"`
}

// ModelConfigs lists every registered backend, sorted by provider name.
func (c *Client) ModelConfigs() []ModelConfig {
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ModelConfig, 0, len(names))
	for _, name := range names {
		out = append(out, ModelConfig{Provider: name, IsDefault: name == c.defaultProvider})
	}
	return out
}

func (c *Client) resolve(provider string) (Backend, error) {
	name := provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, kerrors.New(kerrors.Configuration, "no model provider configured")
	}
	b, ok := c.backends[name]
	if !ok {
		return nil, kerrors.New(kerrors.Configuration, fmt.Sprintf("unknown model provider: %s", name))
	}
	return b, nil
}

// Complete dispatches a non-streaming inference call to the resolved
// backend.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	b, err := c.resolve(req.Provider)
	if err != nil {
		return Response{}, err
	}
	return b.Complete(ctx, req)
}

// Stream dispatches a streaming inference call, spec §4.6's "Streams
// file-level and chunk-level events through callbacks."
func (c *Client) Stream(ctx context.Context, req Request, handle StreamHandler) (Response, error) {
	b, err := c.resolve(req.Provider)
	if err != nil {
		return Response{}, err
	}
	return b.Stream(ctx, req, handle)
}
