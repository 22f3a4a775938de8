package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/storefront_transport/storefront/realtime"
)

// handleRealtime upgrades to the assistant channel. The identity comes from the
// path, then the identity query parameter, then the token subject.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if identity == "" {
		identity = r.URL.Query().Get("identity")
	}
	if identity == "" {
		identity = claimsFrom(r.Context()).Subject
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := s.hub.register(identity, conn)
	defer func() {
		s.hub.unregister(sess)
		sess.close(websocket.CloseNormalClosure, "")
	}()

	log := s.log.WithContext(r.Context()).WithField("session", sess.id)
	log.Info("realtime session opened")
	sess.enqueue(realtime.NewMessage(realtime.KindSystem,
		fmt.Sprintf("Welcome %s, you are connected to the storefront assistant.", identity), s.now()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("realtime session closed")
			return
		}

		var in realtime.Message
		if err := json.Unmarshal(data, &in); err != nil {
			sess.enqueue(realtime.NewMessage(realtime.KindError, "malformed message", s.now()))
			continue
		}
		if in.Kind != realtime.KindUser {
			sess.enqueue(realtime.NewMessage(realtime.KindError,
				fmt.Sprintf("unsupported message kind %q", in.Kind), s.now()))
			continue
		}
		sess.enqueue(realtime.NewMessage(realtime.KindAssistant, s.reply(identity, in.Text), s.now()))
	}
}
