package modelbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

func TestClientRegisterFirstBackendBecomesDefault(t *testing.T) {
	c := NewClient()
	mock := NewMock()
	mock.Responses = []Response{{Text: "hi"}}
	c.Register(mock)

	resp, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
}

func TestClientResolveUnknownProviderFails(t *testing.T) {
	c := NewClient()
	c.Register(NewMock())

	_, err := c.Complete(context.Background(), Request{Provider: "nonexistent"})
	require.Error(t, err)
	assert.Equal(t, kerrors.Configuration, kerrors.KindOf(err))
}

func TestClientNoProviderConfiguredFails(t *testing.T) {
	c := NewClient()
	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, kerrors.Configuration, kerrors.KindOf(err))
}

func TestClientSetDefaultProviderOverridesSelection(t *testing.T) {
	c := NewClient()
	first := &MockBackend{NameValue: "first", Responses: []Response{{Text: "from-first"}}}
	second := &MockBackend{NameValue: "second", Responses: []Response{{Text: "from-second"}}}
	c.Register(first)
	c.Register(second)
	c.SetDefaultProvider("second")

	resp, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "from-second", resp.Text)
}

func TestClientStreamDeliversChunksThenDone(t *testing.T) {
	c := NewClient()
	mock := NewMock()
	mock.Responses = []Response{{Text: "partial output"}}
	c.Register(mock)

	var chunks []Chunk
	_, err := c.Stream(context.Background(), Request{}, func(ch Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial output", chunks[0].TextDelta)
	assert.True(t, chunks[1].Done)
}

func TestMockBackendConsumesScriptedResponsesInOrder(t *testing.T) {
	mock := NewMock()
	mock.Responses = []Response{{Text: "first"}, {Text: "second"}}

	r1, err := mock.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Text)

	r2, err := mock.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Text)
}

func TestMockBackendReturnsScriptedError(t *testing.T) {
	mock := NewMock()
	boom := kerrors.New(kerrors.RateLimitExceeded, "slow down")
	mock.Errs = []error{boom}

	_, err := mock.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, kerrors.RateLimitExceeded, kerrors.KindOf(err))
}

func TestMockBackendExhaustedFailsLoud(t *testing.T) {
	mock := NewMock()
	_, err := mock.Complete(context.Background(), Request{})
	require.Error(t, err)
}

func TestMockBackendRespectsCancelledContext(t *testing.T) {
	mock := NewMock()
	mock.Responses = []Response{{Text: "unused"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mock.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
