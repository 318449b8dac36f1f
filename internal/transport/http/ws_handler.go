package http

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quizroom/internal/relay"
)

var roomName = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// WSHandler upgrades room requests and hands the connection to the relay hub.
type WSHandler struct {
	hub      *relay.Hub
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *relay.Hub, log logrus.FieldLogger) *WSHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WSHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS joins the caller to the room named by the {room} path variable. Frames are
// relayed verbatim until either side closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if !roomName.MatchString(room) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("room", room).Warn("ws upgrade failed")
		return
	}
	h.hub.Serve(r.Context(), room, conn)
}
