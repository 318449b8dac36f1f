package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"quizroom/internal/domain"
	"quizroom/internal/relay"
)

// QuizCatalog looks up question sets for hosts seeding a room.
type QuizCatalog interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// RoomLister reports rooms known to a shared registry, possibly across relay instances.
type RoomLister interface {
	Rooms(ctx context.Context) (map[string]int, error)
}

// Deps are the collaborators of the router. Catalog and Registry may be nil.
type Deps struct {
	Hub      *relay.Hub
	Catalog  QuizCatalog
	Registry RoomLister
	Log      logrus.FieldLogger
}

type statsResponse struct {
	relay.Stats
	Registered map[string]int `json:"registered,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// NewRouter wires the relay endpoint and the small HTTP surface around it.
func NewRouter(deps Deps) *mux.Router {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	ws := NewWSHandler(deps.Hub, deps.Log)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}", ws.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		resp := statsResponse{Stats: deps.Hub.Stats()}
		if deps.Registry != nil {
			rooms, err := deps.Registry.Rooms(req.Context())
			if err != nil {
				deps.Log.WithError(err).Warn("list registered rooms")
			} else {
				resp.Registered = rooms
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)
	if deps.Catalog != nil {
		r.HandleFunc("/quizzes/{id}", func(w http.ResponseWriter, req *http.Request) {
			quiz, err := deps.Catalog.GetQuiz(req.Context(), mux.Vars(req)["id"])
			switch {
			case errors.Is(err, domain.ErrQuizNotFound):
				writeJSON(w, http.StatusNotFound, errorPayload{Message: err.Error()})
			case err != nil:
				deps.Log.WithError(err).Error("load quiz")
				writeJSON(w, http.StatusInternalServerError, errorPayload{Message: "internal error"})
			default:
				writeJSON(w, http.StatusOK, quiz)
			}
		}).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
