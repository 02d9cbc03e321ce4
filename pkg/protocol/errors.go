package protocol

import "errors"

var (
	// ErrProtocolViolation is returned when a peer sends a message of an
	// unexpected type or with a malformed or missing required field.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAuthFailed is returned when a proof does not verify or a payload
	// fails AEAD authentication (wrong passphrase or tampered data).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTransport is returned when a connection cannot be established,
	// is reset, or times out.
	ErrTransport = errors.New("transport failure")

	// ErrQuotaExceeded is returned when a peer identity has exhausted its
	// authentication failure quota.
	ErrQuotaExceeded = errors.New("too many authentication failures")

	// ErrDiscoveryFailed is returned when no advertised service is found
	// before the discovery timeout.
	ErrDiscoveryFailed = errors.New("service not found")

	// ErrDenied is returned when the server denies a session for a reason
	// not covered by ErrAuthFailed or ErrQuotaExceeded.
	ErrDenied = errors.New("denied by server")

	// ErrFrameTooLarge is returned when a stream frame announces a body
	// larger than MaxFrameSize. The body is never read.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedMessage is returned when a frame body is not a JSON object.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrConnClosed is returned when the transport closes before a complete
	// message was received.
	ErrConnClosed = errors.New("connection closed")

	// ErrRoomNotFound is returned when the relay does not know the room.
	ErrRoomNotFound = errors.New("relay room not found")

	// ErrJoinFailed is returned when the relay refuses a room request for
	// any other reason.
	ErrJoinFailed = errors.New("relay room request failed")
)
