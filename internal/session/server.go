package session

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/pkg/protocol"
)

// Ledger tracks authentication attempts and failures per peer identity.
type Ledger interface {
	// Begin reserves an attempt for id before a challenge is issued. It may
	// wait while other attempts for id are in flight, and returns false if
	// id has used up its failure quota.
	Begin(id string) bool

	// Finish releases the attempt, counting it as a failure if failed is
	// set, and returns the failure count for id.
	Finish(id string, failed bool) int
}

// Material is the encrypted payload shared read-only by every peer.
type Material struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// message renders the material as a PAYLOAD message.
func (m *Material) message() *protocol.Message {
	return &protocol.Message{
		Type:       protocol.TypePayload,
		Salt:       hex.EncodeToString(m.Salt),
		Nonce:      hex.EncodeToString(m.Nonce),
		Ciphertext: hex.EncodeToString(m.Ciphertext),
	}
}

// ServerOptions configures the server side of one session.
type ServerOptions struct {
	// Passphrase is the shared secret.
	Passphrase *crypto.Passphrase

	// Material is the payload to deliver.
	Material *Material

	// Ledger reserves an attempt before a challenge and records bad proofs.
	Ledger Ledger

	// Identity is the ledger key for this peer.
	Identity string

	// Log is the structured logger.
	Log *slog.Logger
}

// Result describes a completed delivery.
type Result struct {
	// Acked is true if the peer acknowledged the payload.
	Acked bool
}

// Serve runs the server side of one session over c. It returns a Result only
// when the payload was sent. Denials return protocol.ErrQuotaExceeded or
// protocol.ErrAuthFailed.
func Serve(c Conn, opts *ServerOptions) (*Result, error) {
	log := opts.Log.With("peer", opts.Identity)
	state := AwaitingHello

	hello, err := expect(c, state, protocol.TypeHello)
	if err != nil {
		return nil, err
	}
	if hello.Version != protocol.Version {
		log.Warn("peer protocol version differs", "version", hello.Version, "want", protocol.Version)
	}

	if !opts.Ledger.Begin(opts.Identity) {
		state = Denied
		log.Warn("peer over failure quota, denying", "state", state)
		_ = c.Send(&protocol.Message{Type: protocol.TypeDenied, Reason: protocol.ReasonTooManyFailures})
		return nil, protocol.ErrQuotaExceeded
	}
	judged := false
	defer func() {
		if !judged {
			opts.Ledger.Finish(opts.Identity, false)
		}
	}()

	salt, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(crypto.ChallengeNonceSize)
	if err != nil {
		return nil, err
	}
	if err := c.Send(&protocol.Message{
		Type:  protocol.TypeChallenge,
		Salt:  hex.EncodeToString(salt),
		Nonce: hex.EncodeToString(nonce),
	}); err != nil {
		return nil, err
	}
	log.Debug("challenge sent", "state", ChallengeSent)

	state = AwaitingAuth
	auth, err := expect(c, state, protocol.TypeAuth)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveKey(opts.Passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("deriving auth key: %w", err)
	}
	ok := crypto.VerifyProof(key, nonce, auth.Proof)
	clear(key)
	judged = true
	n := opts.Ledger.Finish(opts.Identity, !ok)

	if !ok {
		state = Denied
		log.Warn("authentication failed", "state", state, "failures", n)
		_ = c.Send(&protocol.Message{Type: protocol.TypeDenied, Reason: protocol.ReasonInvalidProof})
		return nil, fmt.Errorf("%w: invalid proof (failure %d)", protocol.ErrAuthFailed, n)
	}
	state = Authenticated
	log.Debug("peer authenticated", "state", state)

	if err := c.Send(opts.Material.message()); err != nil {
		return nil, err
	}
	log.Debug("payload sent", "state", PayloadSent)

	state = AwaitingAck
	res := &Result{}
	if _, err := expect(c, state, protocol.TypeAck); err != nil {
		log.Debug("no acknowledgement", "state", state, "err", err)
	} else {
		res.Acked = true
	}
	return res, nil
}
