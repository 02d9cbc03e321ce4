// Package server implements the passdrop sender.
//
// The server:
//  1. Encrypts the payload once under a key derived from the passphrase and
//     a fresh salt. Every peer receives the same salt, nonce and ciphertext.
//  2. Accepts peers from a transport.Listener: TCP connections in direct
//     mode, PEER_JOINED events in relay mode.
//  3. Runs the server side of the session for each peer, at most
//     MaxConcurrentPeers at a time.
//  4. Tracks invalid proofs per peer identity in a Ledger and denies
//     identities that reach MaxFailures.
//
// Failures are local to one peer. The server keeps serving until its context
// is cancelled or the listener closes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marusama/semaphore"
	"go.uber.org/atomic"

	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/internal/session"
	"github.com/merlos/passdrop/internal/transport"
	"github.com/merlos/passdrop/pkg/protocol"
)

const (
	// DefaultMaxFailures is the per-identity invalid proof quota.
	DefaultMaxFailures = 3

	// DefaultMaxConcurrentPeers bounds simultaneous peer sessions.
	DefaultMaxConcurrentPeers = 64

	// DefaultMaxTrackedPeers bounds the number of identities in the Ledger.
	DefaultMaxTrackedPeers = 4096

	// MaxPayloadSize keeps the hex-encoded PAYLOAD message under
	// protocol.MaxFrameSize.
	MaxPayloadSize = 4 << 20
)

// Options holds server startup configuration.
type Options struct {
	// Passphrase is the shared secret.
	Passphrase *crypto.Passphrase

	// Payload is the plaintext to share.
	Payload []byte

	// Suite is the AEAD used for the payload.
	Suite crypto.Suite

	// MaxFailures is the number of invalid proofs after which an identity
	// is denied.
	MaxFailures int

	// MaxConcurrentPeers bounds simultaneous peer sessions.
	MaxConcurrentPeers int

	// MaxTrackedPeers bounds the number of identities in the failure ledger.
	MaxTrackedPeers int

	// OnServed is called after each delivery with the new served total.
	OnServed func(peer string, total int64)

	// Log is the structured logger.
	Log *slog.Logger
}

// Server is a running passdrop sender.
type Server struct {
	opts     *Options
	material *session.Material
	ledger   *Ledger
	served   atomic.Int64
}

// New prepares the shared payload material and returns a Server. The payload
// key is derived exactly once here.
func New(opts *Options) (*Server, error) {
	if len(opts.Payload) == 0 {
		return nil, errors.New("payload is empty")
	}
	if len(opts.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload is %d bytes, limit is %d", len(opts.Payload), MaxPayloadSize)
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.MaxConcurrentPeers <= 0 {
		opts.MaxConcurrentPeers = DefaultMaxConcurrentPeers
	}
	if opts.MaxTrackedPeers <= 0 {
		opts.MaxTrackedPeers = DefaultMaxTrackedPeers
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	mat, err := PrepareMaterial(opts.Suite, opts.Passphrase, opts.Payload)
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:     opts,
		material: mat,
		ledger:   NewLedger(opts.MaxFailures, opts.MaxTrackedPeers),
	}, nil
}

// PrepareMaterial encrypts payload under a key derived from p and a fresh salt.
func PrepareMaterial(suite crypto.Suite, p *crypto.Passphrase, payload []byte) (*session.Material, error) {
	sealed, err := crypto.SealPayload(suite, p, payload)
	if err != nil {
		return nil, fmt.Errorf("preparing payload: %w", err)
	}
	return &session.Material{Salt: sealed.Salt, Nonce: sealed.Nonce, Ciphertext: sealed.Ciphertext}, nil
}

// Served returns the number of completed deliveries.
func (s *Server) Served() int64 { return s.served.Load() }

// Ledger returns the server's failure ledger.
func (s *Server) Ledger() *Ledger { return s.ledger }

// Material returns the shared payload material. Callers must not modify it.
func (s *Server) Material() *session.Material { return s.material }

// Run accepts peers from ln until ctx is cancelled or ln closes. It returns
// nil in both cases. Sessions still in flight are abandoned, not waited for.
func (s *Server) Run(ctx context.Context, ln transport.Listener) error {
	log := s.opts.Log
	sem := semaphore.New(s.opts.MaxConcurrentPeers)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info("passdrop server ready",
		"max_concurrent_peers", s.opts.MaxConcurrentPeers,
		"max_failures", s.opts.MaxFailures,
		"fingerprint", crypto.FingerprintKey(s.material.Ciphertext),
	)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		ch, err := ln.Accept(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				log.Debug("listener closed", "err", err)
				return nil
			}
			log.Warn("accept error", "err", err)
			continue
		}
		go func() {
			defer sem.Release(1)
			defer ch.Close()
			s.handlePeer(ch)
		}()
	}
}

// handlePeer runs one session and records its outcome.
func (s *Server) handlePeer(ch transport.Channel) {
	peer := ch.Identity()
	log := s.opts.Log.With("peer", peer)

	res, err := session.Serve(ch, &session.ServerOptions{
		Passphrase: s.opts.Passphrase,
		Material:   s.material,
		Ledger:     s.ledger,
		Identity:   peer,
		Log:        s.opts.Log,
	})
	switch {
	case err == nil:
		total := s.served.Add(1)
		log.Info("transfer complete", "served", total, "acked", res.Acked)
		if s.opts.OnServed != nil {
			s.opts.OnServed(peer, total)
		}
	case errors.Is(err, protocol.ErrQuotaExceeded):
		log.Warn("peer denied: too many failures")
	case errors.Is(err, protocol.ErrAuthFailed):
		log.Warn("peer failed authentication", "failures", s.ledger.Failures(peer), "max", s.opts.MaxFailures)
	case errors.Is(err, protocol.ErrProtocolViolation):
		log.Warn("protocol violation", "err", err)
	default:
		log.Error("peer session error", "err", err)
	}
}
