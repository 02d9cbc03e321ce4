package session

import (
	"fmt"
	"log/slog"

	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/pkg/protocol"
)

// ClientOptions configures the client side of one session.
type ClientOptions struct {
	// Passphrase is the shared secret.
	Passphrase *crypto.Passphrase

	// Suite must match the sender's cipher suite.
	Suite crypto.Suite

	// Log is the structured logger.
	Log *slog.Logger
}

// Receive runs the client side of one session over c and returns the
// decrypted payload. A DENIED reply is returned as *DeniedError. A payload
// that fails to decrypt returns protocol.ErrAuthFailed and is not
// acknowledged.
func Receive(c Conn, opts *ClientOptions) ([]byte, error) {
	log := opts.Log
	state := SendHello

	if err := c.Send(&protocol.Message{Type: protocol.TypeHello, Version: protocol.Version}); err != nil {
		return nil, err
	}

	state = AwaitingChallenge
	challenge, err := expectOrDenied(c, state, protocol.TypeChallenge)
	if err != nil {
		return nil, err
	}
	salt, err := protocol.DecodeHexField("salt", challenge.Salt, crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := protocol.DecodeHexField("nonce", challenge.Nonce, crypto.ChallengeNonceSize)
	if err != nil {
		return nil, err
	}

	state = SendAuth
	key, err := crypto.DeriveKey(opts.Passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("deriving auth key: %w", err)
	}
	proof := crypto.ComputeProof(key, nonce)
	clear(key)
	if err := c.Send(&protocol.Message{Type: protocol.TypeAuth, Proof: proof}); err != nil {
		return nil, err
	}
	log.Debug("proof sent", "state", state)

	state = AwaitingPayload
	payload, err := expectOrDenied(c, state, protocol.TypePayload)
	if err != nil {
		return nil, err
	}
	sealed, err := sealedFrom(payload)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.OpenPayload(opts.Suite, opts.Passphrase, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	state = Delivered
	log.Debug("payload decrypted", "state", state, "fingerprint", crypto.FingerprintKey(sealed.Ciphertext))

	state = SendAck
	if err := c.Send(&protocol.Message{Type: protocol.TypeAck}); err != nil {
		log.Debug("sending acknowledgement failed", "state", state, "err", err)
	}
	return plain, nil
}

// expectOrDenied is expect, except that DENIED becomes a *DeniedError.
func expectOrDenied(c Conn, state State, want protocol.Type) (*protocol.Message, error) {
	m, err := expect(c, state, want)
	if err != nil && m != nil && m.Type == protocol.TypeDenied {
		reason := m.Reason
		if reason == "" {
			reason = "unknown"
		}
		return nil, &DeniedError{Reason: reason}
	}
	return m, err
}

func sealedFrom(m *protocol.Message) (*crypto.Sealed, error) {
	salt, err := protocol.DecodeHexField("salt", m.Salt, crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := protocol.DecodeHexField("nonce", m.Nonce, crypto.NonceSize)
	if err != nil {
		return nil, err
	}
	ct, err := protocol.DecodeHexField("ciphertext", m.Ciphertext, 0)
	if err != nil {
		return nil, err
	}
	return &crypto.Sealed{Salt: salt, Nonce: nonce, Ciphertext: ct}, nil
}
