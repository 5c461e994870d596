// Package ws implements the GraphQL-over-WebSocket transport: the
// graphql-ws subprotocol codec, the per-connection state machine and
// operation registry, keepalive and token-expiry tasks, and the server
// accept loop.
package ws

import (
	"encoding/json"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"gateway/internal/gqlerr"
)

// Subprotocol is advertised and selected during the WebSocket handshake.
const Subprotocol = "graphql-ws"

// Client message types.
const (
	MsgConnectionInit      = "connection_init"
	MsgStart               = "start"
	MsgStop                = "stop"
	MsgConnectionTerminate = "connection_terminate"
)

// Server message types.
const (
	MsgConnectionAck   = "connection_ack"
	MsgConnectionKA    = "connection_ka"
	MsgConnectionError = "connection_error"
	MsgData            = "data"
	MsgError           = "error"
	MsgComplete        = "complete"
)

var jsonfast = jsoniter.ConfigCompatibleWithStandardLibrary

// ClientMessage is one decoded inbound frame.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartPayload is the payload of a start frame.
type StartPayload struct {
	Query         string                     `json:"query"`
	Variables     map[string]json.RawMessage `json:"variables,omitempty"`
	OperationName string                     `json:"operationName,omitempty"`
}

// InitPayload is the payload of a connection_init frame. Headers merge
// over the handshake headers, payload winning on duplicates.
type InitPayload struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// ServerMessage is one outbound frame prior to encoding.
type ServerMessage struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// DecodeClientMessage parses an inbound frame. A failure produces a
// protocol error for a connection_error reply; the socket stays open.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := jsonfast.Unmarshal(data, &msg); err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeParseFailed, gqlerr.CategoryProtocol, "parsing client message failed", err)
	}
	switch msg.Type {
	case MsgConnectionInit, MsgStart, MsgStop, MsgConnectionTerminate:
		return &msg, nil
	default:
		return nil, gqlerr.Newf(gqlerr.CodeUnexpectedFrame, gqlerr.CategoryProtocol, "unexpected message type %q", msg.Type)
	}
}

// EncodeServerMessage renders an outbound frame.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	return jsonfast.Marshal(msg)
}

// hop-by-hop and upgrade-only headers stripped from the retained
// handshake header set.
var stripHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Extensions",
	"Upgrade",
	"Connection",
}

// retainedHeaders copies the handshake headers minus hop-by-hop and
// upgrade-only entries.
func retainedHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	for _, name := range stripHeaders {
		out.Del(name)
	}
	return out
}
