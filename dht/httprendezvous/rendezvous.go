/*
File Name:  rendezvous.go

HTTP/WebSocket rendezvous fallback (§6): when neither a direct
connection nor DHT-based signaling (see dht.SignalingMessage) can reach
a peer, both sides can instead join a shared "room" on a well-known
HTTP rendezvous server and exchange signaling envelopes over a
WebSocket, exactly as an STUN/TURN-less WebRTC app typically bootstraps
its first handshake.
*/

package httprendezvous

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Envelope is relayed verbatim between members of a room; To addresses a
// specific peer id within the room, or is empty to broadcast to the rest.
type Envelope struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type member struct {
	peerID string
	conn   *websocket.Conn
	send   chan Envelope
}

// Server is an HTTP rendezvous server grouping connected peers into
// rooms identified by an arbitrary caller-chosen code.
type Server struct {
	router   *mux.Router
	upgrader websocket.Upgrader

	mutex sync.Mutex
	rooms map[string]map[string]*member // room -> peerID -> member
}

// NewServer creates a rendezvous server and registers its routes.
func NewServer() *Server {
	s := &Server{
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*member),
	}
	s.router.HandleFunc("/rooms/{room}/{peerId}", s.handleJoin)
	return s
}

// Handler returns the HTTP handler serving the rendezvous routes.
func (s *Server) Handler() http.Handler { return s.router }

// RoomSize returns the number of peers currently joined to room.
func (s *Server) RoomSize(room string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.rooms[room])
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	room, peerID := vars["room"], vars["peerId"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := &member{peerID: peerID, conn: conn, send: make(chan Envelope, 16)}
	s.addMember(room, m)
	defer s.removeMember(room, m)

	go m.writePump()
	m.readPump(s, room)
}

func (s *Server) addMember(room string, m *member) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[string]*member)
	}
	s.rooms[room][m.peerID] = m
}

func (s *Server) removeMember(room string, m *member) {
	s.mutex.Lock()
	members := s.rooms[room]
	if members != nil {
		delete(members, m.peerID)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mutex.Unlock()
	close(m.send)
	_ = m.conn.Close()
}

// relay delivers env to a specific peer in room, or to every other
// member if env.To is empty.
func (s *Server) relay(room string, env Envelope) {
	s.mutex.Lock()
	members := s.rooms[room]
	var targets []*member
	for peerID, m := range members {
		if peerID == env.From {
			continue
		}
		if env.To != "" && peerID != env.To {
			continue
		}
		targets = append(targets, m)
	}
	s.mutex.Unlock()

	for _, m := range targets {
		select {
		case m.send <- env:
		default:
			log.Printf("rendezvous: dropping envelope to %s, send buffer full", m.peerID)
		}
	}
}

func (m *member) readPump(s *Server, room string) {
	for {
		var env Envelope
		if err := m.conn.ReadJSON(&env); err != nil {
			return
		}
		env.From = m.peerID
		s.relay(room, env)
	}
}

func (m *member) writePump() {
	for env := range m.send {
		if err := m.conn.WriteJSON(env); err != nil {
			return
		}
	}
}
