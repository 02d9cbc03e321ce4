// Command passdrop hands one secret to anyone who knows a shared passphrase.
//
// The sender encrypts the payload once and serves it until interrupted;
// receivers prove knowledge of the passphrase before the ciphertext is sent.
//
// Usage:
//
//	passdrop send notes.txt                  # share on the local network (mDNS)
//	passdrop send --relay < notes.txt        # share through a relay room
//	passdrop send --relay --qr notes.txt     # also show the room as a QR code
//	passdrop receive                         # find a sender on the local network
//	passdrop receive 192.168.1.20:40123      # connect to a known address
//	passdrop receive --relay --room <id>     # join a relay room
//	passdrop init                            # write ~/.passdrop/config.yaml
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/merlos/passdrop/internal/client"
	"github.com/merlos/passdrop/internal/config"
	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/internal/discovery"
	"github.com/merlos/passdrop/internal/qr"
	"github.com/merlos/passdrop/internal/server"
	"github.com/merlos/passdrop/internal/transport"
	"github.com/merlos/passdrop/pkg/protocol"
)

// passphraseEnv is read when --passphrase is not given.
const passphraseEnv = "PASSDROP_PASSPHRASE"

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "passdrop",
		Short: "Passphrase-protected one-shot secret transfer",
		Long: `passdrop shares a single encrypted payload with receivers that know a
shared passphrase. Receivers authenticate with an HMAC challenge-response
before the ciphertext is sent; the passphrase never crosses the network.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(),
		newSendCmd(),
		newReceiveCmd(),
	)

	err := root.Execute()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger creates a slog.Logger at the configured level.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ────────────────────────────────────────────────────────────────────────────
// passdrop init
// ────────────────────────────────────────────────────────────────────────────

func newInitCmd() *cobra.Command {
	var (
		force    bool
		relayURL string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default passdrop configuration",
		Long: `Write the default configuration to ~/.passdrop/config.yaml.
Use --config to override the path.

Example:
  passdrop init
  passdrop init --relay-url wss://relay.example.com --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force, relayURL)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&relayURL, "relay-url", "", "relay WebSocket URL (ws:// or wss://)")
	return cmd
}

// runInit writes the default config. It refuses to overwrite an existing
// file unless force is set.
func runInit(force bool, relayURL string) error {
	cfg := config.DefaultConfig()
	if relayURL != "" {
		if err := checkRelayURL(relayURL); err != nil {
			return err
		}
		cfg.RelayURL = relayURL
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s\nUse --force to overwrite", configPath)
	}

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf(`passdrop configured.

  Config:  %s
  Relay:   %s
  Cipher:  %s

Next steps:
  Share a file on this network:   passdrop send <file>
  Share through the relay:        passdrop send --relay <file>
`, configPath, cfg.RelayURL, cfg.Cipher)
	return nil
}

func checkRelayURL(u string) error {
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("relay URL %q must start with ws:// or wss://", u)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// passdrop send [file|-]
// ────────────────────────────────────────────────────────────────────────────

type sendFlags struct {
	passphrase string
	relay      bool
	relayURL   string
	name       string
	port       int
	showQR     bool
	qrOut      string
}

func newSendCmd() *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send [file|-]",
		Short: "Share a payload until interrupted",
		Long: `Encrypt a file (or stdin) under the passphrase and serve it to every
receiver that proves it knows the passphrase.

Direct mode listens on TCP and advertises itself over mDNS. Relay mode opens a
room on the relay and prints the room id for receivers.

The passphrase is taken from --passphrase, then $PASSDROP_PASSPHRASE, then an
interactive prompt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			return runSend(&f, src)
		},
	}

	cmd.Flags().StringVar(&f.passphrase, "passphrase", "", "shared passphrase")
	cmd.Flags().BoolVar(&f.relay, "relay", false, "share through a relay instead of the local network")
	cmd.Flags().StringVar(&f.relayURL, "relay-url", "", "relay WebSocket URL (default from config)")
	cmd.Flags().StringVar(&f.name, "name", "", "mDNS instance name (default passdrop-<random>)")
	cmd.Flags().IntVar(&f.port, "port", 0, "TCP port for direct mode (0 picks one)")
	cmd.Flags().BoolVar(&f.showQR, "qr", false, "print the relay room as a QR code")
	cmd.Flags().StringVar(&f.qrOut, "qr-out", "", "write the relay room QR code to a PNG file")
	return cmd
}

func runSend(f *sendFlags, src string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	payload, err := readPayload(src, os.Stdin)
	if err != nil {
		return err
	}
	pass, err := readPassphrase(f.passphrase)
	if err != nil {
		return err
	}

	srv, err := server.New(&server.Options{
		Passphrase:         pass,
		Payload:            payload,
		Suite:              cfg.Suite(),
		MaxFailures:        cfg.Server.MaxFailures,
		MaxConcurrentPeers: cfg.Server.MaxConcurrentPeers,
		MaxTrackedPeers:    cfg.Server.MaxTrackedPeers,
		OnServed: func(peer string, total int64) {
			fmt.Fprintf(os.Stderr, "  [OK] Transfer complete (%d receiver(s) served)\n", total)
		},
		Log: log,
	})
	memguard.WipeBytes(payload)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.relay {
		err = sendRelay(ctx, srv, cfg, f, log)
	} else {
		err = sendDirect(ctx, srv, cfg, f, log)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Stopped. %d receiver(s) served.\n", srv.Served())
	return nil
}

func sendDirect(ctx context.Context, srv *server.Server, cfg *config.Config, f *sendFlags, log *slog.Logger) error {
	ln, err := transport.ListenTCP(fmt.Sprintf(":%d", f.port), cfg.Server.PeerTimeout.Duration)
	if err != nil {
		return err
	}

	var adv discovery.Advertiser = discovery.Disabled{}
	if cfg.Server.Advertise {
		adv = &discovery.Zeroconf{Log: log}
	}
	instance, err := instanceName(f.name)
	if err != nil {
		ln.Close()
		return err
	}
	ad, err := adv.Advertise(instance, ln.Port())
	if err != nil {
		log.Warn("mDNS advertisement failed, receivers must pass the address", "err", err)
	} else {
		defer ad.Shutdown()
	}

	fmt.Fprintf(os.Stderr, "Sharing as %s on port %d until Ctrl+C...\n", instance, ln.Port())
	fmt.Fprintf(os.Stderr, "Receivers run: passdrop receive   (or: passdrop receive <this-host>:%d)\n\n", ln.Port())
	return srv.Run(ctx, ln)
}

func sendRelay(ctx context.Context, srv *server.Server, cfg *config.Config, f *sendFlags, log *slog.Logger) error {
	url := f.relayURL
	if url == "" {
		url = cfg.RelayURL
	}
	if err := checkRelayURL(url); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Connecting to relay server... (%s)\n", url)
	conn, err := transport.DialRelay(ctx, url, cfg.Server.PeerTimeout.Duration)
	if err != nil {
		return err
	}
	room, err := conn.CreateRoom()
	if err != nil {
		conn.Close()
		return err
	}

	fmt.Fprintf(os.Stderr, "Room created: %s\n", room)
	fmt.Fprintf(os.Stderr, "Receivers run: passdrop receive --relay --relay-url %s --room %s\n", url, room)
	if f.showQR || f.qrOut != "" {
		err := qr.Generate(&qr.Payload{RelayURL: url, RoomID: room}, &qr.GenerateOptions{OutputPath: f.qrOut, Out: os.Stderr})
		if err != nil {
			log.Warn("QR code not generated", "err", err)
		}
	}
	fmt.Fprintf(os.Stderr, "Sharing until Ctrl+C...\n\n")

	ln := transport.NewRelayListener(conn, room, log)
	defer ln.Close()
	if err := srv.Run(ctx, ln); err != nil {
		return err
	}
	if ctx.Err() == nil {
		log.Warn("relay connection closed", "room", room)
	}
	return nil
}

// instanceName returns the mDNS instance for name, adding the passdrop
// prefix receivers browse for.
func instanceName(name string) (string, error) {
	if name == "" {
		return discovery.NewInstanceName()
	}
	if strings.HasPrefix(name, discovery.InstancePrefix) {
		return name, nil
	}
	return discovery.InstancePrefix + name, nil
}

// ────────────────────────────────────────────────────────────────────────────
// passdrop receive [host:port]
// ────────────────────────────────────────────────────────────────────────────

type receiveFlags struct {
	passphrase string
	relay      bool
	relayURL   string
	room       string
	output     string
}

func newReceiveCmd() *cobra.Command {
	var f receiveFlags

	cmd := &cobra.Command{
		Use:   "receive [host:port]",
		Short: "Fetch a payload from a sender",
		Long: `Connect to a sender, prove knowledge of the passphrase and print the
decrypted payload to stdout (or --output).

Without an address the sender is located over mDNS. With --relay the room
given by --room is joined instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) == 1 {
				addr = args[0]
			}
			return runReceive(&f, addr)
		},
	}

	cmd.Flags().StringVar(&f.passphrase, "passphrase", "", "shared passphrase")
	cmd.Flags().BoolVar(&f.relay, "relay", false, "receive through a relay room")
	cmd.Flags().StringVar(&f.relayURL, "relay-url", "", "relay WebSocket URL (default from config)")
	cmd.Flags().StringVar(&f.room, "room", "", "relay room id")
	cmd.Flags().StringVar(&f.output, "output", "", "write the payload to this file instead of stdout")
	return cmd
}

func runReceive(f *receiveFlags, addr string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if f.relay && f.room == "" {
		return errors.New("--relay requires --room <room_id>")
	}
	pass, err := readPassphrase(f.passphrase)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := client.Options{
		Passphrase: pass,
		Suite:      cfg.Suite(),
		Timeout:    cfg.Client.Timeout.Duration,
		Log:        log,
	}

	var payload []byte
	if f.relay {
		url := f.relayURL
		if url == "" {
			url = cfg.RelayURL
		}
		payload, err = client.ReceiveRelay(ctx, &client.RelayOptions{Options: base, RelayURL: url, RoomID: f.room})
	} else {
		opts := &client.DirectOptions{
			Options:          base,
			Address:          addr,
			DiscoveryTimeout: cfg.Client.DiscoveryTimeout.Duration,
		}
		if addr == "" {
			opts.Resolver = &discovery.Zeroconf{Log: log}
		}
		payload, err = client.ReceiveDirect(ctx, opts)
	}
	if err != nil {
		return describeFailure(err)
	}
	defer memguard.WipeBytes(payload)

	return writePayload(f.output, payload, os.Stdout)
}

// describeFailure turns a receive error into the message shown to the user.
func describeFailure(err error) error {
	switch {
	case errors.Is(err, protocol.ErrQuotaExceeded):
		return fmt.Errorf("too many failed attempts, the sender refuses this receiver: %w", err)
	case errors.Is(err, protocol.ErrAuthFailed):
		return fmt.Errorf("wrong passphrase: %w", err)
	case errors.Is(err, protocol.ErrRoomNotFound):
		return fmt.Errorf("room not found, check the room id: %w", err)
	case errors.Is(err, protocol.ErrDiscoveryFailed):
		return fmt.Errorf("no sender found on the local network, pass host:port or use --relay: %w", err)
	case errors.Is(err, protocol.ErrProtocolViolation):
		return fmt.Errorf("sender spoke an unexpected protocol: %w", err)
	}
	return err
}

// ────────────────────────────────────────────────────────────────────────────
// helpers
// ────────────────────────────────────────────────────────────────────────────

// readPayload reads the payload from path, or from stdin when path is "-".
// Whitespace-only payloads are rejected.
func readPayload(path string, stdin io.Reader) ([]byte, error) {
	src := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		defer f.Close()
		src = f
	}
	data, err := io.ReadAll(io.LimitReader(src, server.MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("payload is empty")
	}
	if len(data) > server.MaxPayloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", server.MaxPayloadSize)
	}
	return data, nil
}

// readPassphrase returns the passphrase from the flag value, then the
// environment, then an interactive prompt on a terminal.
func readPassphrase(flagValue string) (*crypto.Passphrase, error) {
	if flagValue != "" {
		return crypto.NewPassphrase([]byte(flagValue))
	}
	if v := os.Getenv(passphraseEnv); v != "" {
		return crypto.NewPassphrase([]byte(v))
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no passphrase: use --passphrase or $%s", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return crypto.NewPassphrase(secret)
}

// writePayload writes payload to path with owner-only permissions, or to
// stdout when path is empty.
func writePayload(path string, payload []byte, stdout io.Writer) error {
	if path == "" {
		_, err := stdout.Write(payload)
		return err
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Payload written to %s\n", path)
	return nil
}
