package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quizroom/internal/domain"
	"quizroom/internal/infra/memory"
	"quizroom/internal/relay"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newServer(t *testing.T) (*httptest.Server, *relay.Hub, *memory.RoomRegistry) {
	t.Helper()
	registry := memory.NewRoomRegistry()
	hub := relay.NewHub(relay.DefaultOptions(), registry, quietLogger())
	catalog := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)
	server := httptest.NewServer(NewRouter(Deps{Hub: hub, Catalog: catalog, Registry: registry, Log: quietLogger()}))
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return server, hub, registry
}

func dial(t *testing.T, server *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/rooms/" + room
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketRelayFlow(t *testing.T) {
	server, hub, _ := newServer(t)

	a := dial(t, server, "r1")
	b := dial(t, server, "r1")
	waitFor(t, func() bool { return hub.RoomSize("r1") == 2 })

	payload := []byte{0x01, 0x02, 0xff}
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.BinaryMessage || string(got) != string(payload) {
		t.Fatalf("expected binary frame %x, got type=%d %x", payload, typ, got)
	}
}

func TestRejectsInvalidRoomName(t *testing.T) {
	server, _, _ := newServer(t)

	u := "ws" + server.URL[len("http"):] + "/rooms/" + "bad%20room"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestStatsListsRooms(t *testing.T) {
	server, hub, registry := newServer(t)
	dial(t, server, "r1")
	dial(t, server, "r1")
	dial(t, server, "r2")
	waitFor(t, func() bool { return hub.Stats().Connections == 3 })
	waitFor(t, func() bool {
		rooms, _ := registry.Rooms(context.Background())
		return rooms["r1"] == 2 && rooms["r2"] == 1
	})

	resp, err := http.Get(server.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Rooms       int            `json:"rooms"`
		Connections int            `json:"connections"`
		PerRoom     map[string]int `json:"perRoom"`
		Registered  map[string]int `json:"registered"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Rooms != 2 || body.Connections != 3 || body.PerRoom["r1"] != 2 {
		t.Fatalf("unexpected stats %+v", body)
	}
	if body.Registered["r1"] != 2 || body.Registered["r2"] != 1 {
		t.Fatalf("unexpected registry view %+v", body.Registered)
	}
}

func TestQuizCatalog(t *testing.T) {
	server, _, _ := newServer(t)

	resp, err := http.Get(server.URL + "/quizzes/quiz-1")
	if err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var quiz domain.Quiz
	if err := json.NewDecoder(resp.Body).Decode(&quiz); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(quiz.Questions) != 1 || quiz.Questions[0].CorrectIndex == nil {
		t.Fatalf("hosts need the answer key, got %+v", quiz)
	}

	missing, err := http.Get(server.URL + "/quizzes/nope")
	if err != nil {
		t.Fatalf("get missing quiz: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sampleQuiz() map[string]domain.Quiz {
	correct := 1
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Arithmetic",
			Questions: []domain.Question{
				{ID: "q1", Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, Duration: 20, CorrectIndex: &correct},
			},
		},
	}
}
