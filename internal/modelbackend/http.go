package modelbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/forgepilot/orchestrator/internal/kerrors"
	"github.com/forgepilot/orchestrator/internal/model"
)

func modelToolCall(tc toolCallChunk) model.ToolCall {
	return model.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
}

// HTTPBackend is a vendor-agnostic Backend implementation that talks to an
// inference gateway over a generic JSON/SSE contract — never a specific
// vendor SDK, per the black-box collaborator rule spec §6 applies to model
// inference the same way it applies to SandboxClient and Registry.
type HTTPBackend struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend constructs an HTTPBackend registered under name.
func NewHTTPBackend(name, baseURL, apiKey string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (b *HTTPBackend) Name() string { return b.name }

func (b *HTTPBackend) newRequest(ctx context.Context, path string, req Request, stream bool) (*http.Request, error) {
	payload := map[string]any{
		"model":             req.Model,
		"system":            req.System,
		"messages":          req.Messages,
		"tools":             req.Tools,
		"max_output_tokens": req.MaxOutputTokens,
		"temperature":       req.Temperature,
		"stream":            stream,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "marshal model request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Fatal, "build model request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	return httpReq, nil
}

func (b *HTTPBackend) classify(statusCode int) kerrors.Kind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return kerrors.RateLimitExceeded
	case statusCode >= 500:
		return kerrors.Transient
	case statusCode >= 400:
		return kerrors.InvalidArgument
	default:
		return kerrors.Fatal
	}
}

// Complete performs a single non-streaming inference call.
func (b *HTTPBackend) Complete(ctx context.Context, req Request) (Response, error) {
	httpReq, err := b.newRequest(ctx, "/v1/complete", req, false)
	if err != nil {
		return Response{}, err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, kerrors.Wrap(kerrors.Transient, "model backend transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Response{}, kerrors.New(b.classify(resp.StatusCode), "model backend request failed")
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, kerrors.Wrap(kerrors.Fatal, "decode model response", err)
	}
	return out, nil
}

// sseLine is one decoded chunk of the backend's text/event-stream body.
type sseLine struct {
	TextDelta string         `json:"textDelta,omitempty"`
	ToolCall  *toolCallChunk `json:"toolCall,omitempty"`
	Done      bool           `json:"done,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
}

type toolCallChunk struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Stream performs a streaming inference call over a server-sent events
// response body, invoking handle once per decoded "data:" line.
func (b *HTTPBackend) Stream(ctx context.Context, req Request, handle StreamHandler) (Response, error) {
	httpReq, err := b.newRequest(ctx, "/v1/stream", req, true)
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, kerrors.Wrap(kerrors.Transient, "model backend transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Response{}, kerrors.New(b.classify(resp.StatusCode), "model backend stream request failed")
	}

	var full Response
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var decoded sseLine
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			return full, kerrors.Wrap(kerrors.Fatal, "decode model stream chunk", err)
		}
		chunk := Chunk{TextDelta: decoded.TextDelta, Done: decoded.Done}
		if decoded.TextDelta != "" {
			full.Text += decoded.TextDelta
		}
		if decoded.ToolCall != nil {
			tc := modelToolCall(*decoded.ToolCall)
			chunk.ToolCall = &tc
			full.ToolCalls = append(full.ToolCalls, tc)
		}
		if decoded.Usage != nil {
			full.Usage = *decoded.Usage
		}
		if err := ctx.Err(); err != nil {
			return full, err
		}
		if err := handle(chunk); err != nil {
			return full, err
		}
	}
	if err := scanner.Err(); err != nil {
		return full, kerrors.Wrap(kerrors.Transient, "read model stream", err)
	}
	return full, nil
}
