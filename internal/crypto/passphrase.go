package crypto

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
)

// ErrEmptyPassphrase is returned by NewPassphrase for a zero-length secret.
var ErrEmptyPassphrase = errors.New("passphrase must not be empty")

const redacted = "[REDACTED]"

// Passphrase holds the shared secret sealed in a memguard enclave. The
// plaintext is only unsealed into locked memory for the duration of a key
// derivation.
type Passphrase struct {
	enclave *memguard.Enclave
}

// NewPassphrase seals secret into an enclave. secret is wiped in the process.
func NewPassphrase(secret []byte) (*Passphrase, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return &Passphrase{enclave: memguard.NewEnclave(secret)}, nil
}

// use unseals the passphrase, passes it to fn and destroys the plaintext copy.
// fn must not retain the slice.
func (p *Passphrase) use(fn func(secret []byte)) error {
	if p == nil || p.enclave == nil {
		return ErrEmptyPassphrase
	}
	buf, err := p.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening passphrase enclave: %w", err)
	}
	defer buf.Destroy()
	fn(buf.Bytes())
	return nil
}

// String never reveals the passphrase.
func (p *Passphrase) String() string { return redacted }

// LogValue implements slog.LogValuer so a Passphrase is never logged.
func (p *Passphrase) LogValue() slog.Value { return slog.StringValue(redacted) }
