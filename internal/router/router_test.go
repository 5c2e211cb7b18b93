package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	var got json.RawMessage
	r.On("generate_all", func(raw json.RawMessage) error {
		got = raw
		return nil
	})

	msg := json.RawMessage(`{"type":"generate_all","reviewCycles":3}`)
	require.NoError(t, r.Dispatch(msg))
	assert.JSONEq(t, string(msg), string(got))
}

func TestDispatchUnknownType(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	err = r.Dispatch(json.RawMessage(`{"type":"not_registered"}`))
	var unknown *ErrUnknownType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "not_registered", unknown.Type)
}

func TestDispatchRejectsMissingType(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	err = r.Dispatch(json.RawMessage(`{"reviewCycles":3}`))
	assert.Error(t, err)
}

func TestDispatchRejectsMalformedJSON(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	err = r.Dispatch(json.RawMessage(`{not json`))
	assert.Error(t, err)
}
