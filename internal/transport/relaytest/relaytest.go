// Package relaytest runs an in-process rendezvous relay for tests.
//
// The relay speaks the room protocol the transport package consumes: the
// creator of a room receives PEER_JOINED and PEER_DISCONNECTED events, and
// every other frame is forwarded between the creator and the newest joined
// peer.
package relaytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/merlos/passdrop/pkg/protocol"
)

// Relay is a test relay server.
type Relay struct {
	srv *httptest.Server
	up  websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
	seq   int
}

type room struct {
	id     string
	owner  *conn
	guests []*conn
}

type conn struct {
	ws *websocket.Conn
	id string
	mu sync.Mutex
}

func (c *conn) send(m *protocol.Message) error {
	body, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.sendRaw(body)
}

func (c *conn) sendRaw(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

// New starts a relay that is shut down when the test ends.
func New(t testing.TB) *Relay {
	t.Helper()
	r := &Relay{rooms: make(map[string]*room)}
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/", r.handle)
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

// URL returns the relay's ws:// URL.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// Rooms returns the number of open rooms.
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SendToOwner delivers m to the creator of roomID as if the relay emitted it.
func (r *Relay) SendToOwner(roomID string, m *protocol.Message) error {
	body, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return r.SendRawToOwner(roomID, body)
}

// SendRawToOwner delivers body as one text frame to the creator of roomID.
func (r *Relay) SendRawToOwner(roomID string, body []byte) error {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no room %q", roomID)
	}
	return rm.owner.sendRaw(body)
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := r.up.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	c := &conn{ws: ws}
	var owned, joined *room
	defer func() {
		if owned != nil {
			r.closeRoom(owned)
		}
		if joined != nil {
			r.leave(joined, c)
		}
	}()

	for {
		_, body, err := ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := protocol.Decode(body)
		if err != nil {
			continue
		}

		switch {
		case owned == nil && joined == nil && m.Type == protocol.TypeCreateRoom:
			owned = r.createRoom(c)
			_ = c.send(&protocol.Message{Type: protocol.TypeRoomCreated, RoomID: owned.id})
		case owned == nil && joined == nil && m.Type == protocol.TypeJoinRoom:
			rm := r.join(m.RoomID, c)
			if rm == nil {
				_ = c.send(&protocol.Message{Type: protocol.TypeError, Reason: "room_not_found"})
				continue
			}
			joined = rm
			_ = c.send(&protocol.Message{Type: protocol.TypeRoomJoined, RoomID: rm.id})
			_ = rm.owner.send(&protocol.Message{Type: protocol.TypePeerJoined, RoomID: rm.id, PeerID: c.id})
		case owned != nil:
			if g := r.newestGuest(owned); g != nil {
				_ = g.send(m)
			}
		case joined != nil:
			_ = joined.owner.send(m)
		default:
			_ = c.send(&protocol.Message{Type: protocol.TypeError, Reason: "not_in_room"})
		}
	}
}

func (r *Relay) createRoom(owner *conn) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rm := &room{id: fmt.Sprintf("room-%d", r.seq), owner: owner}
	r.rooms[rm.id] = rm
	return rm
}

func (r *Relay) join(id string, c *conn) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	r.seq++
	c.id = fmt.Sprintf("peer-%d", r.seq)
	rm.guests = append(rm.guests, c)
	return rm
}

func (r *Relay) newestGuest(rm *room) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(rm.guests) == 0 {
		return nil
	}
	return rm.guests[len(rm.guests)-1]
}

func (r *Relay) leave(rm *room, c *conn) {
	r.mu.Lock()
	for i, g := range rm.guests {
		if g == c {
			rm.guests = append(rm.guests[:i], rm.guests[i+1:]...)
			break
		}
	}
	_, open := r.rooms[rm.id]
	r.mu.Unlock()

	if open {
		_ = rm.owner.send(&protocol.Message{Type: protocol.TypePeerDisconnected, RoomID: rm.id, PeerID: c.id})
	}
}

func (r *Relay) closeRoom(rm *room) {
	r.mu.Lock()
	delete(r.rooms, rm.id)
	guests := rm.guests
	rm.guests = nil
	r.mu.Unlock()

	for _, g := range guests {
		_ = g.ws.Close()
	}
}
