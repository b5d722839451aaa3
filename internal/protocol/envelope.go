// Package protocol defines the wire format for the wssocks relay protocol.
//
// Every frame is a UTF-8 JSON object with a "type" field. A session starts
// with a single auth/auth_response exchange; after that, connect and
// connect_response correlate a one-shot outbound-dial handshake by
// connect_id, and data frames carry relay bytes keyed by channel_id.
// Once a connect succeeds, its connect_id becomes the channel_id for the
// data frames of that stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeAuth            = "auth"
	TypeAuthResponse    = "auth_response"
	TypeConnect         = "connect"
	TypeConnectResponse = "connect_response"
	TypeData            = "data"
)

// Message is the decoded form of a single frame. Which fields are
// meaningful depends on Type:
//
//	auth:             Token, Reverse
//	auth_response:    Success
//	connect:          ConnectID, Address, Port
//	connect_response: ConnectID, Success, Error
//	data:             ChannelID, Data
type Message struct {
	Type string `json:"type"`

	// Auth fields.
	Token   string `json:"token,omitempty"`
	Reverse bool   `json:"reverse,omitempty"`

	// Shared by auth_response and connect_response.
	Success bool `json:"success"`

	// Connect handshake fields.
	ConnectID string `json:"connect_id,omitempty"`
	Address   string `json:"address,omitempty"`
	Port      int    `json:"port,omitempty"`
	Error     string `json:"error,omitempty"`

	// Data fields. Data is base64 on the wire (JSON []byte encoding).
	ChannelID string `json:"channel_id,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Decode parses a frame. It fails only on malformed JSON or a missing type;
// unknown types decode successfully so the dispatcher can drop them with a
// debug log rather than kill the session.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("frame has no type")
	}
	return msg, nil
}

// Encode serializes a message for the wire.
func Encode(msg Message) []byte {
	data, _ := json.Marshal(msg) // plain struct, cannot fail
	return data
}

// Auth builds an auth frame.
func Auth(token string, reverse bool) Message {
	return Message{Type: TypeAuth, Token: token, Reverse: reverse}
}

// AuthResponse builds an auth_response frame.
func AuthResponse(success bool) Message {
	return Message{Type: TypeAuthResponse, Success: success}
}

// Connect builds a connect frame requesting an outbound TCP dial.
func Connect(connectID, address string, port int) Message {
	return Message{Type: TypeConnect, ConnectID: connectID, Address: address, Port: port}
}

// ConnectResponse builds a connect_response frame. errMsg must not leak
// internal details (addresses resolved, file paths, etc.).
func ConnectResponse(connectID string, success bool, errMsg string) Message {
	return Message{Type: TypeConnectResponse, ConnectID: connectID, Success: success, Error: errMsg}
}

// Data builds a data frame for an established channel.
func Data(channelID string, payload []byte) Message {
	return Message{Type: TypeData, ChannelID: channelID, Data: payload}
}
