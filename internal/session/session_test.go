package session_test

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/internal/session"
	"github.com/merlos/passdrop/pkg/protocol"
)

// pipeConn is one end of an in-memory message pipe.
type pipeConn struct {
	in   <-chan *protocol.Message
	out  chan<- *protocol.Message
	once sync.Once
}

func pipe() (*pipeConn, *pipeConn) {
	ab := make(chan *protocol.Message, 8)
	ba := make(chan *protocol.Message, 8)
	return &pipeConn{in: ba, out: ab}, &pipeConn{in: ab, out: ba}
}

func (p *pipeConn) Send(m *protocol.Message) error {
	p.out <- m
	return nil
}

func (p *pipeConn) Recv() (*protocol.Message, error) {
	m, ok := <-p.in
	if !ok {
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, protocol.ErrConnClosed)
	}
	return m, nil
}

func (p *pipeConn) Close() { p.once.Do(func() { close(p.out) }) }

// mapLedger is an unbounded in-memory Ledger that does not limit attempts
// in flight.
type mapLedger struct {
	mu      sync.Mutex
	quota   int
	fails   map[string]int
	pending map[string]int
}

func newLedger(quota int) *mapLedger {
	return &mapLedger{quota: quota, fails: make(map[string]int), pending: make(map[string]int)}
}

func (l *mapLedger) Begin(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fails[id] >= l.quota {
		return false
	}
	l.pending[id]++
	return true
}

func (l *mapLedger) Finish(id string, failed bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[id]--
	if failed {
		l.fails[id]++
	}
	return l.fails[id]
}

func (l *mapLedger) RecordFailure(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails[id]++
}

func (l *mapLedger) inFlight(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func passphrase(t *testing.T, s string) *crypto.Passphrase {
	t.Helper()
	p, err := crypto.NewPassphrase([]byte(s))
	require.NoError(t, err)
	return p
}

func material(t *testing.T, pass, text string) *session.Material {
	t.Helper()
	sealed, err := crypto.SealPayload(crypto.SuiteAESGCM, passphrase(t, pass), []byte(text))
	require.NoError(t, err)
	return &session.Material{Salt: sealed.Salt, Nonce: sealed.Nonce, Ciphertext: sealed.Ciphertext}
}

type serveResult struct {
	res *session.Result
	err error
}

// startServer runs session.Serve on one end of a pipe and returns the other.
func startServer(t *testing.T, pass string, mat *session.Material, ledger session.Ledger) (*pipeConn, <-chan serveResult) {
	t.Helper()
	srvEnd, cliEnd := pipe()
	done := make(chan serveResult, 1)
	opts := &session.ServerOptions{
		Passphrase: passphrase(t, pass),
		Material:   mat,
		Ledger:     ledger,
		Identity:   "10.0.0.7",
		Log:        testLogger(),
	}
	go func() {
		res, err := session.Serve(srvEnd, opts)
		srvEnd.Close()
		done <- serveResult{res, err}
	}()
	return cliEnd, done
}

func clientOpts(t *testing.T, pass string) *session.ClientOptions {
	return &session.ClientOptions{Passphrase: passphrase(t, pass), Suite: crypto.SuiteAESGCM, Log: testLogger()}
}

func TestSession_CorrectPassphrase(t *testing.T) {
	mat := material(t, "correct-horse", "hello world")
	ledger := newLedger(3)
	conn, done := startServer(t, "correct-horse", mat, ledger)

	got, err := session.Receive(conn, clientOpts(t, "correct-horse"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	r := <-done
	require.NoError(t, r.err)
	require.True(t, r.res.Acked)
	require.Zero(t, ledger.inFlight("10.0.0.7"))
}

func TestSession_WrongPassphrase(t *testing.T) {
	ledger := newLedger(3)
	conn, done := startServer(t, "correct-horse", material(t, "correct-horse", "hello world"), ledger)

	got, err := session.Receive(conn, clientOpts(t, "wrong"))
	require.Nil(t, got)
	require.ErrorIs(t, err, protocol.ErrAuthFailed)

	var denied *session.DeniedError
	require.True(t, errors.As(err, &denied))
	require.Equal(t, protocol.ReasonInvalidProof, denied.Reason)

	r := <-done
	require.ErrorIs(t, r.err, protocol.ErrAuthFailed)
	require.Equal(t, 1, ledger.fails["10.0.0.7"])
}

func TestSession_QuotaExhaustedBeforeChallenge(t *testing.T) {
	ledger := newLedger(1)
	ledger.RecordFailure("10.0.0.7")

	opts := &session.ServerOptions{
		Passphrase: passphrase(t, "correct-horse"),
		Material:   material(t, "correct-horse", "x"),
		Ledger:     ledger,
		Identity:   "10.0.0.7",
		Log:        testLogger(),
	}
	srvEnd, cliEnd := pipe()
	done := make(chan error, 1)
	go func() {
		_, err := session.Serve(srvEnd, opts)
		srvEnd.Close()
		done <- err
	}()

	require.NoError(t, cliEnd.Send(&protocol.Message{Type: protocol.TypeHello, Version: protocol.Version}))
	m, err := cliEnd.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeDenied, m.Type)
	require.Equal(t, protocol.ReasonTooManyFailures, m.Reason)

	// Nothing follows the denial.
	_, err = cliEnd.Recv()
	require.ErrorIs(t, err, protocol.ErrConnClosed)
	require.ErrorIs(t, <-done, protocol.ErrQuotaExceeded)
}

func TestSession_ClientSeesQuotaError(t *testing.T) {
	ledger := newLedger(1)
	ledger.RecordFailure("10.0.0.7")
	conn, _ := startServer(t, "correct-horse", material(t, "correct-horse", "x"), ledger)

	_, err := session.Receive(conn, clientOpts(t, "correct-horse"))
	require.ErrorIs(t, err, protocol.ErrQuotaExceeded)
}

func TestSession_UnexpectedFirstMessage(t *testing.T) {
	conn, done := startServer(t, "pw", material(t, "pw", "x"), newLedger(3))
	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeAuth, Proof: "00"}))

	r := <-done
	require.ErrorIs(t, r.err, protocol.ErrProtocolViolation)
}

func TestSession_AbandonedAttemptIsReleased(t *testing.T) {
	ledger := newLedger(3)
	conn, done := startServer(t, "pw", material(t, "pw", "x"), ledger)

	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeHello, Version: protocol.Version}))
	m, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChallenge, m.Type)
	require.Equal(t, 1, ledger.inFlight("10.0.0.7"))

	conn.Close()
	require.ErrorIs(t, (<-done).err, protocol.ErrConnClosed)
	require.Zero(t, ledger.inFlight("10.0.0.7"))
	require.Zero(t, ledger.fails["10.0.0.7"])
}

func TestSession_MissingProofCountsAsFailure(t *testing.T) {
	ledger := newLedger(3)
	conn, done := startServer(t, "pw", material(t, "pw", "x"), ledger)

	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeHello, Version: protocol.Version}))
	m, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChallenge, m.Type)
	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeAuth}))

	m, err = conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.ReasonInvalidProof, m.Reason)
	require.ErrorIs(t, (<-done).err, protocol.ErrAuthFailed)
	require.Equal(t, 1, ledger.fails["10.0.0.7"])
}

func TestSession_VersionMismatchAccepted(t *testing.T) {
	conn, _ := startServer(t, "pw", material(t, "pw", "x"), newLedger(3))
	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeHello, Version: 99}))

	m, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChallenge, m.Type)
}

func TestSession_MissingAckIsStillDelivery(t *testing.T) {
	conn, done := startServer(t, "pw", material(t, "pw", "x"), newLedger(3))
	key := func(salt string) []byte {
		s, _ := hex.DecodeString(salt)
		k, err := crypto.DeriveKey(passphrase(t, "pw"), s)
		require.NoError(t, err)
		return k
	}

	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeHello, Version: protocol.Version}))
	ch, err := conn.Recv()
	require.NoError(t, err)
	nonce, _ := hex.DecodeString(ch.Nonce)
	require.NoError(t, conn.Send(&protocol.Message{Type: protocol.TypeAuth, Proof: crypto.ComputeProof(key(ch.Salt), nonce)}))

	m, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypePayload, m.Type)
	conn.Close()

	r := <-done
	require.NoError(t, r.err)
	require.False(t, r.res.Acked)
}

// fakeServer answers HELLO with the given challenge and then, if payload is
// non-nil, answers AUTH with it. It records every message it receives.
func fakeServer(challenge, payload *protocol.Message) (*pipeConn, *[]protocol.Type, <-chan struct{}) {
	srvEnd, cliEnd := pipe()
	var seen []protocol.Type
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer srvEnd.Close()
		for _, reply := range []*protocol.Message{challenge, payload} {
			m, err := srvEnd.Recv()
			if err != nil {
				return
			}
			seen = append(seen, m.Type)
			if reply == nil {
				return
			}
			_ = srvEnd.Send(reply)
		}
		if m, err := srvEnd.Recv(); err == nil {
			seen = append(seen, m.Type)
		}
	}()
	return cliEnd, &seen, done
}

func validChallenge() *protocol.Message {
	return &protocol.Message{
		Type:  protocol.TypeChallenge,
		Salt:  hex.EncodeToString(make([]byte, crypto.SaltSize)),
		Nonce: hex.EncodeToString(make([]byte, crypto.ChallengeNonceSize)),
	}
}

func TestReceive_MalformedChallenge(t *testing.T) {
	bad := validChallenge()
	bad.Salt = "not-hex"
	conn, _, _ := fakeServer(bad, nil)
	defer conn.Close()

	_, err := session.Receive(conn, clientOpts(t, "pw"))
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestReceive_UnexpectedReply(t *testing.T) {
	conn, _, _ := fakeServer(&protocol.Message{Type: protocol.TypeAck}, nil)
	defer conn.Close()

	_, err := session.Receive(conn, clientOpts(t, "pw"))
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestReceive_DecryptFailureSendsNoAck(t *testing.T) {
	mat := material(t, "pw", "hello world")
	mat.Ciphertext[0] ^= 0xFF
	payload := &protocol.Message{
		Type:       protocol.TypePayload,
		Salt:       hex.EncodeToString(mat.Salt),
		Nonce:      hex.EncodeToString(mat.Nonce),
		Ciphertext: hex.EncodeToString(mat.Ciphertext),
	}
	conn, seen, done := fakeServer(validChallenge(), payload)

	got, err := session.Receive(conn, clientOpts(t, "pw"))
	require.Nil(t, got)
	require.ErrorIs(t, err, protocol.ErrAuthFailed)

	conn.Close()
	<-done
	require.Equal(t, []protocol.Type{protocol.TypeHello, protocol.TypeAuth}, *seen)
}

func TestDeniedError_Unwrap(t *testing.T) {
	require.ErrorIs(t, &session.DeniedError{Reason: protocol.ReasonInvalidProof}, protocol.ErrAuthFailed)
	require.ErrorIs(t, &session.DeniedError{Reason: protocol.ReasonTooManyFailures}, protocol.ErrQuotaExceeded)
	require.ErrorIs(t, &session.DeniedError{Reason: "maintenance"}, protocol.ErrDenied)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "awaiting_auth", session.AwaitingAuth.String())
	require.Equal(t, "send_ack", session.SendAck.String())
}
