// Package session implements the passdrop authentication and delivery
// exchange. It is transport-agnostic: both roles run over any Conn.
//
// The exchange:
//  1. Client sends HELLO{version}.
//  2. Server checks the peer's failure quota. If it is exhausted the server
//     replies DENIED{too_many_failures} and stops. Otherwise it sends
//     CHALLENGE{salt, nonce} with a fresh salt and nonce.
//  3. Client derives the authentication key from passphrase and salt and
//     sends AUTH{proof}, an HMAC of the nonce.
//  4. Server derives the same key and verifies. On failure it records the
//     failure and sends DENIED{invalid_proof}. On success it sends the
//     shared PAYLOAD{salt, nonce, ciphertext}.
//  5. Client derives the payload key and decrypts. On failure it closes
//     without acknowledging.
//  6. Client sends ACK{}. The server waits for it but does not require it.
//
// A message of an unexpected type or with a malformed field ends the session
// with protocol.ErrProtocolViolation. Nothing is retried.
package session

import (
	"errors"
	"fmt"

	"github.com/merlos/passdrop/pkg/protocol"
)

// Conn is the minimal message channel a session needs.
type Conn interface {
	Send(m *protocol.Message) error
	Recv() (*protocol.Message, error)
}

// State is a step of either role's state machine.
type State int

// Server-side states.
const (
	AwaitingHello State = iota
	ChallengeSent
	AwaitingAuth
	Authenticated
	Denied
	PayloadSent
	AwaitingAck
	Closed
)

// Client-side states.
const (
	SendHello State = iota + 100
	AwaitingChallenge
	SendAuth
	AwaitingPayload
	Delivered
	SendAck
)

var stateNames = map[State]string{
	AwaitingHello:     "awaiting_hello",
	ChallengeSent:     "challenge_sent",
	AwaitingAuth:      "awaiting_auth",
	Authenticated:     "authenticated",
	Denied:            "denied",
	PayloadSent:       "payload_sent",
	AwaitingAck:       "awaiting_ack",
	Closed:            "closed",
	SendHello:         "send_hello",
	AwaitingChallenge: "awaiting_challenge",
	SendAuth:          "send_auth",
	AwaitingPayload:   "awaiting_payload",
	Delivered:         "delivered",
	SendAck:           "send_ack",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DeniedError is returned to the client when the server sends DENIED.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied by server: %s", e.Reason)
}

// Unwrap maps the reason onto the shared error taxonomy.
func (e *DeniedError) Unwrap() error {
	switch e.Reason {
	case protocol.ReasonInvalidProof:
		return protocol.ErrAuthFailed
	case protocol.ReasonTooManyFailures:
		return protocol.ErrQuotaExceeded
	}
	return protocol.ErrDenied
}

// expect receives the next message and checks its type. A malformed body is
// a protocol violation; transport errors pass through unchanged.
func expect(c Conn, state State, want protocol.Type) (*protocol.Message, error) {
	m, err := c.Recv()
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedMessage) {
			return nil, fmt.Errorf("%w in state %s: %w", protocol.ErrProtocolViolation, state, err)
		}
		return nil, fmt.Errorf("in state %s: %w", state, err)
	}
	if m.Type != want {
		return m, unexpected(state, m.Type)
	}
	return m, nil
}

func unexpected(state State, got protocol.Type) error {
	return fmt.Errorf("%w: unexpected message %q in state %s", protocol.ErrProtocolViolation, got, state)
}
