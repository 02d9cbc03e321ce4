// Package qr renders relay join details as a QR code so a receiver on another
// device can scan the room instead of typing it.
//
// The payload never includes the passphrase; it travels out of band.
package qr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	goqr "github.com/skip2/go-qrcode"
)

// Payload is the data encoded into the QR code.
type Payload struct {
	// RelayURL is the relay WebSocket URL.
	RelayURL string `json:"relay"`

	// RoomID is the room the sender created.
	RoomID string `json:"room"`
}

// GenerateOptions controls QR code generation.
type GenerateOptions struct {
	// Size is the QR image size in pixels (default: 256).
	Size int

	// OutputPath is the file path to write the QR PNG to.
	// If empty, the QR is printed to Out as text.
	OutputPath string

	// Out receives the text rendering or the confirmation line.
	// Default is os.Stdout.
	Out io.Writer

	// RecoveryLevel is the QR error correction level (L, M, Q, H).
	// Default is M.
	RecoveryLevel goqr.RecoveryLevel
}

// Encode returns the JSON text placed in the QR code.
func Encode(p *Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshalling QR payload: %w", err)
	}
	return string(data), nil
}

// Generate encodes payload into a QR code. If opts.OutputPath is set, the PNG
// is written to that path; otherwise the code is printed as text.
func Generate(payload *Payload, opts *GenerateOptions) error {
	if payload.RoomID == "" {
		return errors.New("QR payload has no room id")
	}
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	data, err := Encode(payload)
	if err != nil {
		return err
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(data, opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return fmt.Errorf("writing QR PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(opts.Out, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(data, opts.RecoveryLevel)
	if err != nil {
		return fmt.Errorf("generating QR: %w", err)
	}
	fmt.Fprintln(opts.Out, q.ToSmallString(false))
	return nil
}
