package modelbackend

import (
	"context"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// MockBackend is a scripted Backend for tests: each call to Complete or
// Stream consumes the next queued Response (or Err), in order.
type MockBackend struct {
	NameValue string
	Responses []Response
	Errs      []error
	calls     int
}

// NewMock constructs a MockBackend named "mock".
func NewMock() *MockBackend {
	return &MockBackend{NameValue: "mock"}
}

func (m *MockBackend) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockBackend) next() (Response, error) {
	i := m.calls
	m.calls++
	var err error
	if i < len(m.Errs) {
		err = m.Errs[i]
	}
	if err != nil {
		return Response{}, err
	}
	if i < len(m.Responses) {
		return m.Responses[i], nil
	}
	return Response{}, kerrors.New(kerrors.Fatal, "mock backend: no scripted response left")
}

func (m *MockBackend) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	return m.next()
}

func (m *MockBackend) Stream(ctx context.Context, req Request, handle StreamHandler) (Response, error) {
	resp, err := m.next()
	if err != nil {
		return Response{}, err
	}
	if resp.Text != "" {
		if err := handle(Chunk{TextDelta: resp.Text}); err != nil {
			return Response{}, err
		}
	}
	for _, tc := range resp.ToolCalls {
		tc := tc
		if err := handle(Chunk{ToolCall: &tc}); err != nil {
			return Response{}, err
		}
	}
	if err := handle(Chunk{Done: true}); err != nil {
		return Response{}, err
	}
	return resp, nil
}
