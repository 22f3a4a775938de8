package mockbackend

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/realtime"
)

const (
	writeWait   = 10 * time.Second
	sendBacklog = 32
)

// session is one connected realtime client.
type session struct {
	id       string
	identity string
	conn     *websocket.Conn
	send     chan realtime.Message
	done     chan struct{}
	once     sync.Once
}

func (s *session) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		s.conn.Close()
	})
}

// enqueue queues msg for the writer. A client too slow to keep up is disconnected.
func (s *session) enqueue(msg realtime.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.close(websocket.ClosePolicyViolation, "send backlog exceeded")
		return false
	}
}

func (s *session) writeLoop(log *logger.Logger) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				log.WithError(err).WithField("session", s.id).Debug("realtime write failed")
				s.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

// hub tracks connected sessions.
type hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      *logger.Logger
}

func newHub(log *logger.Logger) *hub {
	return &hub{sessions: make(map[string]*session), log: log}
}

func (h *hub) register(identity string, conn *websocket.Conn) *session {
	s := &session{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		send:     make(chan realtime.Message, sendBacklog),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	go s.writeLoop(h.log)
	return s
}

func (h *hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *hub) broadcast(msg realtime.Message) {
	for _, s := range h.snapshot() {
		s.enqueue(msg)
	}
}

func (h *hub) sendTo(identity string, msg realtime.Message) {
	for _, s := range h.snapshot() {
		if s.identity == identity {
			s.enqueue(msg)
		}
	}
}

func (h *hub) closeAll(code int, reason string) int {
	sessions := h.snapshot()
	for _, s := range sessions {
		s.close(code, reason)
		h.unregister(s)
	}
	return len(sessions)
}
