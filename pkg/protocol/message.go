// Package protocol defines the passdrop wire messages and their two encodings.
//
// Every message is a JSON object with a "type" discriminator:
//
//	HELLO      client→server  version
//	CHALLENGE  server→client  salt, nonce              (hex)
//	AUTH       client→server  proof                    (hex)
//	PAYLOAD    server→client  salt, nonce, ciphertext  (hex)
//	DENIED     server→client  reason
//	ACK        client→server
//
// Relay control messages (CREATE_ROOM, ROOM_CREATED, JOIN_ROOM, ROOM_JOINED,
// PEER_JOINED, PEER_DISCONNECTED, ERROR) share the same shape and use room_id,
// peer_id and reason.
//
// Over a byte stream each message is prefixed with its 4-byte big-endian
// length (see WriteFrame). Over a message-oriented transport such as a
// WebSocket each frame carries exactly one body (see Encode).
//
// This package does not validate field semantics. That is the session's job.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version is the current protocol version sent in HELLO.
const Version = 1

// Type is the message discriminator.
type Type string

// Session message types.
const (
	TypeHello     Type = "HELLO"
	TypeChallenge Type = "CHALLENGE"
	TypeAuth      Type = "AUTH"
	TypePayload   Type = "PAYLOAD"
	TypeDenied    Type = "DENIED"
	TypeAck       Type = "ACK"
)

// Relay control message types.
const (
	TypeCreateRoom       Type = "CREATE_ROOM"
	TypeRoomCreated      Type = "ROOM_CREATED"
	TypeJoinRoom         Type = "JOIN_ROOM"
	TypeRoomJoined       Type = "ROOM_JOINED"
	TypePeerJoined       Type = "PEER_JOINED"
	TypePeerDisconnected Type = "PEER_DISCONNECTED"
	TypeError            Type = "ERROR"
)

// Reasons carried by DENIED.
const (
	ReasonInvalidProof    = "invalid_proof"
	ReasonTooManyFailures = "too_many_failures"
)

// Message is the single logical message shape shared by both encodings.
// Fields not used by a given type are omitted on the wire.
type Message struct {
	Type       Type   `json:"type"`
	Version    int    `json:"version,omitempty"`
	Salt       string `json:"salt,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Proof      string `json:"proof,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
}

// Encode serialises m as a single UTF-8 JSON body.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses one JSON body. Anything that is not a JSON object,
// including an empty body, yields ErrMalformedMessage.
func Decode(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &m, nil
}

// DecodeHexField decodes a hex-encoded field. size is the required decoded
// length in bytes, or 0 to accept any non-empty value. A missing, non-hex or
// wrongly sized field is an ErrProtocolViolation.
func DecodeHexField(name, value string, size int) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing field %q", ErrProtocolViolation, name)
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q is not hex", ErrProtocolViolation, name)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("%w: field %q is %d bytes, want %d", ErrProtocolViolation, name, len(b), size)
	}
	return b, nil
}
