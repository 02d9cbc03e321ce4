// Package client implements the passdrop receiver.
//
// To receive:
//  1. Find the sender: an explicit host:port, an mDNS lookup, or a relay room.
//  2. Connect. Every resolved address is tried in order; relay rooms must
//     answer JOIN_ROOM with ROOM_JOINED.
//  3. Run the client side of the session once and return the plaintext.
//
// Nothing is retried. Any failure ends the attempt with an error from the
// protocol package's taxonomy.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/internal/discovery"
	"github.com/merlos/passdrop/internal/session"
	"github.com/merlos/passdrop/internal/transport"
	"github.com/merlos/passdrop/pkg/protocol"
)

const (
	// DefaultTimeout bounds connecting and each read or write.
	DefaultTimeout = 15 * time.Second

	// DefaultDiscoveryTimeout bounds the mDNS lookup.
	DefaultDiscoveryTimeout = 10 * time.Second
)

// Options holds the parameters for a single receive.
type Options struct {
	// Passphrase is the shared secret.
	Passphrase *crypto.Passphrase

	// Suite must match the sender's cipher suite.
	Suite crypto.Suite

	// Timeout bounds connecting and each message exchange.
	Timeout time.Duration

	// Log is the structured logger.
	Log *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// DirectOptions selects the sender for a direct receive.
type DirectOptions struct {
	Options

	// Address is host:port. If empty, Resolver is used.
	Address string

	// Resolver finds an advertised sender when Address is empty.
	Resolver discovery.Resolver

	// DiscoveryTimeout bounds the lookup.
	DiscoveryTimeout time.Duration
}

// RelayOptions selects the relay room for a relay receive.
type RelayOptions struct {
	Options

	// RelayURL is the relay WebSocket URL.
	RelayURL string

	// RoomID is the room the sender created.
	RoomID string
}

// ReceiveDirect connects to the sender over TCP and returns the payload.
func ReceiveDirect(ctx context.Context, opts *DirectOptions) ([]byte, error) {
	opts.defaults()

	host, port, err := locate(ctx, opts)
	if err != nil {
		return nil, err
	}

	opts.Log.Info("connecting", "host", host, "port", port)
	ch, err := transport.DialStream(ctx, host, port, opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	return receive(ch, &opts.Options)
}

// ReceiveRelay joins the relay room and returns the payload.
func ReceiveRelay(ctx context.Context, opts *RelayOptions) ([]byte, error) {
	opts.defaults()
	if opts.RoomID == "" {
		return nil, fmt.Errorf("%w: room id is required", protocol.ErrJoinFailed)
	}

	opts.Log.Info("connecting to relay", "url", opts.RelayURL)
	conn, err := transport.DialRelay(ctx, opts.RelayURL, opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.JoinRoom(opts.RoomID); err != nil {
		return nil, err
	}
	opts.Log.Info("joined room", "room", opts.RoomID)

	return receive(conn, &opts.Options)
}

func receive(c session.Conn, opts *Options) ([]byte, error) {
	return session.Receive(c, &session.ClientOptions{
		Passphrase: opts.Passphrase,
		Suite:      opts.Suite,
		Log:        opts.Log,
	})
}

// locate returns the sender's host and port from the explicit address or
// from discovery.
func locate(ctx context.Context, opts *DirectOptions) (string, int, error) {
	if opts.Address != "" {
		return SplitAddress(opts.Address)
	}
	if opts.Resolver == nil {
		return "", 0, fmt.Errorf("%w: no address given and discovery is disabled", protocol.ErrDiscoveryFailed)
	}

	timeout := opts.DiscoveryTimeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts.Log.Info("searching for sender on local network", "timeout", timeout)
	svc, err := opts.Resolver.Resolve(dctx)
	if err != nil {
		return "", 0, err
	}
	opts.Log.Info("found sender", "instance", svc.Instance, "host", svc.Host, "port", svc.Port)
	return svc.Host, svc.Port, nil
}

// SplitAddress parses host:port. The split is on the last colon, so bracketed
// IPv6 literals work.
func SplitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return host, port, nil
}
