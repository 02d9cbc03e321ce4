package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/merlos/passdrop/pkg/protocol"
)

// RelayConn is a WebSocket connection to a relay. It carries one JSON message
// per text frame. As a Channel it is the receiver's side of a joined room.
//
// A single goroutine reads the socket. Recv timeouts are applied while
// waiting on that reader, so a timed-out Recv leaves the connection usable.
type RelayConn struct {
	ws      *websocket.Conn
	url     string
	timeout time.Duration

	frames    chan relayFrame
	readErr   error
	done      chan struct{}
	closeOnce sync.Once
}

type relayFrame struct {
	m   *protocol.Message
	err error
}

// DialRelay opens a WebSocket to the relay at url. If timeout is positive it
// bounds the handshake and every subsequent Send and Recv.
func DialRelay(ctx context.Context, url string, timeout time.Duration) (*RelayConn, error) {
	dialer := *websocket.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to relay %s: %v", protocol.ErrTransport, url, err)
	}
	ws.SetReadLimit(protocol.MaxFrameSize)
	c := &RelayConn{
		ws:      ws,
		url:     url,
		timeout: timeout,
		frames:  make(chan relayFrame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop delivers decoded frames until the socket fails. The failure is
// kept in readErr and frames is closed.
func (c *RelayConn) readLoop() {
	defer close(c.frames)
	for {
		_, body, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = relayReadErr(err)
			return
		}
		m, err := protocol.Decode(body)
		select {
		case c.frames <- relayFrame{m: m, err: err}:
		case <-c.done:
			c.readErr = fmt.Errorf("%w: %w", protocol.ErrTransport, protocol.ErrConnClosed)
			return
		}
	}
}

func relayReadErr(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %w", protocol.ErrTransport, protocol.ErrFrameTooLarge)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return fmt.Errorf("%w: %w", protocol.ErrTransport, protocol.ErrConnClosed)
	}
	return fmt.Errorf("%w: reading from relay: %v", protocol.ErrTransport, err)
}

// Send writes m as one text frame.
func (c *RelayConn) Send(m *protocol.Message) error {
	body, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("%w: writing %s to relay: %v", protocol.ErrTransport, m.Type, err)
	}
	return nil
}

// Recv reads one frame within the configured timeout.
func (c *RelayConn) Recv() (*protocol.Message, error) {
	return c.recv(context.Background(), c.timeout)
}

// recv waits for the next frame. A timeout or cancelled ctx fails this call
// only. Once the socket has failed every call returns its error.
func (c *RelayConn) recv(ctx context.Context, timeout time.Duration) (*protocol.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, c.readErr
		}
		return f.m, f.err
	case <-expired:
		return nil, fmt.Errorf("%w: no relay message within %s", protocol.ErrTransport, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Identity returns the relay URL.
func (c *RelayConn) Identity() string { return c.url }

// Close sends a close frame (best effort) and closes the socket.
func (c *RelayConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// CreateRoom asks the relay for a new room and returns its id.
func (c *RelayConn) CreateRoom() (string, error) {
	if err := c.Send(&protocol.Message{Type: protocol.TypeCreateRoom}); err != nil {
		return "", err
	}
	resp, err := c.Recv()
	if err != nil {
		return "", err
	}
	if resp.Type != protocol.TypeRoomCreated || resp.RoomID == "" {
		return "", fmt.Errorf("%w: create room: got %s %s", protocol.ErrJoinFailed, resp.Type, resp.Reason)
	}
	return resp.RoomID, nil
}

// JoinRoom joins roomID and waits for ROOM_JOINED. A reason mentioning
// not_found is reported as protocol.ErrRoomNotFound.
func (c *RelayConn) JoinRoom(roomID string) error {
	if err := c.Send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID}); err != nil {
		return err
	}
	resp, err := c.Recv()
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeRoomJoined {
		return nil
	}
	if strings.Contains(resp.Reason, "not_found") {
		return fmt.Errorf("%w: %q", protocol.ErrRoomNotFound, roomID)
	}
	return fmt.Errorf("%w: join room %q: got %s %s", protocol.ErrJoinFailed, roomID, resp.Type, resp.Reason)
}

// RelayListener turns the control stream of a created room into peer
// channels: each PEER_JOINED yields one Channel.
//
// The relay forwards session frames without a peer tag, so only one peer can
// own the socket at a time. Accept does not read the next control event until
// the previously returned Channel is closed. A PEER_JOINED seen by the active
// peer ends that peer's session and is handed to the next Accept.
//
// Relays that send no peer_id get the shared identity "room:<id>", so every
// receiver in the room shares one failure quota.
type RelayListener struct {
	conn   *RelayConn
	roomID string
	log    *slog.Logger

	idle       chan struct{}
	queued     *protocol.Message
	warnShared sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewRelayListener listens for peers joining roomID on conn.
func NewRelayListener(conn *RelayConn, roomID string, log *slog.Logger) *RelayListener {
	l := &RelayListener{
		conn:   conn,
		roomID: roomID,
		log:    log,
		idle:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	l.idle <- struct{}{}
	return l
}

// RoomID returns the room this listener serves.
func (l *RelayListener) RoomID() string { return l.roomID }

// Accept waits for the next PEER_JOINED event. PEER_DISCONNECTED, malformed
// frames and unrecognised messages are logged and skipped. A failure of the
// relay connection closes the listener.
func (l *RelayListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case <-l.idle:
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrListenerClosed, ctx.Err())
	}

	if m := l.queued; m != nil {
		l.queued = nil
		return l.peer(m), nil
	}
	for {
		m, err := l.conn.recv(ctx, 0)
		if errors.Is(err, protocol.ErrMalformedMessage) {
			l.log.Warn("malformed relay frame skipped", "room", l.roomID, "err", err)
			continue
		}
		if err != nil {
			l.idle <- struct{}{}
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		switch m.Type {
		case protocol.TypePeerJoined:
			return l.peer(m), nil
		case protocol.TypePeerDisconnected:
			l.log.Debug("relay peer disconnected", "room", l.roomID, "peer", m.PeerID)
		default:
			l.log.Info("relay message ignored", "room", l.roomID, "type", m.Type, "reason", m.Reason)
		}
	}
}

func (l *RelayListener) peer(joined *protocol.Message) *relayPeer {
	id := joined.PeerID
	if id == "" {
		id = "room:" + l.roomID
		l.warnShared.Do(func() {
			l.log.Warn("relay sends no peer ids, all receivers share one failure quota", "room", l.roomID)
		})
	}
	l.log.Debug("relay peer joined", "room", l.roomID, "peer", id)
	return &relayPeer{l: l, identity: id}
}

// Close closes the relay connection.
func (l *RelayListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

// relayPeer is the Channel for the peer currently holding the room.
type relayPeer struct {
	l         *RelayListener
	identity  string
	closeOnce sync.Once
}

func (p *relayPeer) Send(m *protocol.Message) error { return p.l.conn.Send(m) }

// Recv treats a PEER_DISCONNECTED event for this peer as its connection
// closing. Disconnects of earlier peers that arrive late are skipped. A
// PEER_JOINED means a newer peer took over the room.
func (p *relayPeer) Recv() (*protocol.Message, error) {
	for {
		m, err := p.l.conn.Recv()
		if err != nil {
			return nil, err
		}
		switch m.Type {
		case protocol.TypePeerJoined:
			p.l.queued = m
			return nil, fmt.Errorf("%w: %w: peer %s superseded", protocol.ErrTransport, protocol.ErrConnClosed, p.identity)
		case protocol.TypePeerDisconnected:
			if m.PeerID == "" || m.PeerID == p.identity {
				return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, protocol.ErrConnClosed)
			}
			p.l.log.Debug("stale relay disconnect skipped", "room", p.l.roomID, "peer", m.PeerID)
		default:
			return m, nil
		}
	}
}

func (p *relayPeer) Identity() string { return p.identity }

// Close hands the room back to the listener. The relay socket stays open.
func (p *relayPeer) Close() error {
	p.closeOnce.Do(func() { p.l.idle <- struct{}{} })
	return nil
}
