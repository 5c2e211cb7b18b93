package broadcaster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalJSONFlattensPayload(t *testing.T) {
	ev := New("file_generated", map[string]any{"path": "src/app.ts"})
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "file_generated", decoded["type"])
	assert.Equal(t, "src/app.ts", decoded["path"])
}

func TestSendAndSubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, _, unsub := b.Subscribe()
	defer unsub()

	b.Send(New("ping", nil))

	select {
	case ev := <-ch:
		assert.Equal(t, "ping", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	b := NewBroadcaster()
	b.Send(New("first", nil))
	b.Send(New("second", nil))

	ch, _, unsub := b.Subscribe()
	defer unsub()

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed event")
		}
	}
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestCloseClosesDoneChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, doneCh, unsub := b.Subscribe()
	defer unsub()

	b.Close()

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")

	select {
	case <-doneCh:
	default:
		t.Fatal("doneCh should be closed after Close")
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	b := NewBroadcaster()
	b.Close()
	b.Send(New("ignored", nil))
	assert.Empty(t, b.History())
}

func TestSlowClientIsDroppedWithoutBlockingSend(t *testing.T) {
	b := NewBroadcaster()
	ch, doneCh, unsub := b.Subscribe()
	defer unsub()

	// Fill the subscriber's buffer, then send one more than it can hold —
	// Send must not block, and the slow client's channel gets closed.
	for i := 0; i < 300; i++ {
		b.Send(New("spam", nil))
	}

	select {
	case <-doneCh:
		t.Fatal("doneCh should not close on a slow-client drop")
	default:
	}

	// Drain whatever made it through; channel should eventually be closed.
	closed := false
	for i := 0; i < 400; i++ {
		_, ok := <-ch
		if !ok {
			closed = true
			break
		}
	}
	assert.True(t, closed, "slow subscriber's channel should have been closed")
}
