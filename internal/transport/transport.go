// Package transport carries protocol messages between a sender and a receiver.
//
// Two transports are supported:
//   - Direct: a TCP connection using length-prefixed stream framing.
//   - Relay: a WebSocket to a rendezvous relay, one message per text frame.
//
// Both expose a Channel for one peer. Listeners produce one Channel per
// arriving peer: TCPListener on accept, RelayListener on each PEER_JOINED
// control event. The server drives either through the same accept loop.
package transport

import (
	"context"
	"errors"

	"github.com/merlos/passdrop/pkg/protocol"
)

// ErrListenerClosed is returned by Accept once the listener can produce no
// more channels.
var ErrListenerClosed = errors.New("listener closed")

// Channel exchanges whole protocol messages with a single peer.
type Channel interface {
	// Send writes one message.
	Send(m *protocol.Message) error

	// Recv blocks for the next message. Closure of the underlying transport
	// yields an error wrapping protocol.ErrConnClosed.
	Recv() (*protocol.Message, error)

	// Identity is the key used for failure-quota tracking: the remote IP for
	// direct connections, the relay peer handle for relay peers.
	Identity() string

	// Close releases the channel.
	Close() error
}

// Listener yields one Channel per arriving peer.
type Listener interface {
	// Accept blocks until a peer arrives, ctx is cancelled or the listener
	// closes. After closure it returns an error wrapping ErrListenerClosed.
	Accept(ctx context.Context) (Channel, error)

	// Close stops the listener and unblocks Accept.
	Close() error
}
