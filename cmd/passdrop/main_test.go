package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/merlos/passdrop/internal/discovery"
	"github.com/merlos/passdrop/internal/server"
	"github.com/merlos/passdrop/pkg/protocol"
)

func TestReadPayload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(file, []byte("api-key=42\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	blank := filepath.Join(dir, "blank.txt")
	if err := os.WriteFile(blank, []byte(" \n\t\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	huge := filepath.Join(dir, "huge.bin")
	f, err := os.Create(huge)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(64 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	tests := []struct {
		name    string
		path    string
		stdin   string
		want    string
		wantErr bool
	}{
		{"file", file, "", "api-key=42\n", false},
		{"stdin", "-", "from a pipe", "from a pipe", false},
		{"whitespace file", blank, "", "", true},
		{"empty stdin", "-", "", "", true},
		{"missing file", filepath.Join(dir, "absent"), "", "", true},
		{"oversize stdin", "-", strings.Repeat("a", server.MaxPayloadSize+1), "", true},
		{"oversize file", huge, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPayload(tt.path, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPayload error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("readPayload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadPassphrase_Sources(t *testing.T) {
	t.Setenv(passphraseEnv, "from-env")

	p, err := readPassphrase("from-flag")
	if err != nil {
		t.Fatalf("readPassphrase(flag) error = %v", err)
	}
	if p.String() != "[REDACTED]" {
		t.Errorf("passphrase renders as %q", p.String())
	}

	if _, err := readPassphrase(""); err != nil {
		t.Fatalf("readPassphrase(env) error = %v", err)
	}
}

func TestWritePayload(t *testing.T) {
	var out bytes.Buffer
	if err := writePayload("", []byte("hello"), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello" {
		t.Errorf("stdout = %q, want hello", out.String())
	}

	path := filepath.Join(t.TempDir(), "out.txt")
	if err := writePayload(path, []byte("hello"), &out); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("file = %q, %v", data, err)
	}
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: denied", protocol.ErrQuotaExceeded), "too many failed attempts"},
		{protocol.ErrAuthFailed, "wrong passphrase"},
		{protocol.ErrRoomNotFound, "room not found"},
		{protocol.ErrDiscoveryFailed, "no sender found"},
		{protocol.ErrProtocolViolation, "unexpected protocol"},
	}
	for _, tt := range tests {
		got := describeFailure(tt.err)
		if !strings.Contains(got.Error(), tt.want) {
			t.Errorf("describeFailure(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
		if !errors.Is(got, tt.err) {
			t.Errorf("describeFailure(%v) lost the cause", tt.err)
		}
	}

	plain := errors.New("boom")
	if describeFailure(plain) != plain {
		t.Error("unclassified errors should pass through")
	}
}

func TestInstanceName(t *testing.T) {
	got, err := instanceName("")
	if err != nil || !strings.HasPrefix(got, discovery.InstancePrefix) {
		t.Errorf("instanceName(\"\") = %q, %v", got, err)
	}
	if got, _ := instanceName("laptop"); got != "passdrop-laptop" {
		t.Errorf("instanceName(laptop) = %q", got)
	}
	if got, _ := instanceName("passdrop-laptop"); got != "passdrop-laptop" {
		t.Errorf("instanceName(passdrop-laptop) = %q", got)
	}
}

func TestCheckRelayURL(t *testing.T) {
	for _, ok := range []string{"ws://127.0.0.1:8765", "wss://relay.example/ws"} {
		if err := checkRelayURL(ok); err != nil {
			t.Errorf("checkRelayURL(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "https://relay.example", "relay.example"} {
		if err := checkRelayURL(bad); err == nil {
			t.Errorf("checkRelayURL(%q) should fail", bad)
		}
	}
}
