package ws

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"start","id":"1","payload":{"query":"{ x }"}}`))
	require.NoError(t, err)
	assert.Equal(t, MsgStart, msg.Type)
	assert.Equal(t, "1", msg.ID)
	assert.NotEmpty(t, msg.Payload)
}

func TestDecodeClientMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing client message failed")
}

func TestDecodeClientMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"subscribe","id":"1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected message type")
}

func TestEncodeServerMessageOmitsEmptyFields(t *testing.T) {
	data, err := EncodeServerMessage(ServerMessage{Type: MsgConnectionAck})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection_ack"}`, string(data))
}

func TestRetainedHeadersStripUpgradeSet(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer t")
	h.Set("Cookie", "session=1")
	h.Set("Sec-Websocket-Key", "k")
	h.Set("Sec-Websocket-Version", "13")
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")

	out := retainedHeaders(h)
	assert.Equal(t, "Bearer t", out.Get("Authorization"))
	assert.Equal(t, "session=1", out.Get("Cookie"))
	assert.Empty(t, out.Get("Sec-Websocket-Key"))
	assert.Empty(t, out.Get("Sec-Websocket-Version"))
	assert.Empty(t, out.Get("Upgrade"))
	assert.Empty(t, out.Get("Connection"))

	// The original header set is untouched.
	assert.Equal(t, "k", h.Get("Sec-Websocket-Key"))
}
