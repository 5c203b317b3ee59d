package chat

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"birbstream/native/internal/domain"
	"birbstream/native/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	h := NewHub(cfg)
	h.now = func() time.Time { return time.UnixMilli(1700000000000) }
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, h *Hub, url string) *websocket.Conn {
	t.Helper()
	before := h.Len()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() <= before {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHub_RelaysMessagesWithTimestamp(t *testing.T) {
	h, url := newTestHub(t, Config{})
	alice := dial(t, h, url)
	bob := dial(t, h, url)

	if err := alice.WriteJSON(map[string]any{"type": "chat", "user": "alice", "text": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		msg := readJSON(t, conn)
		if msg["text"] != "hello" || msg["user"] != "alice" {
			t.Errorf("%s: unexpected message %v", name, msg)
		}
		if ts, _ := msg["timestamp"].(float64); int64(ts) != 1700000000000 {
			t.Errorf("%s: expected millisecond timestamp, got %v", name, msg["timestamp"])
		}
	}
}

func TestHub_DefaultsMissingType(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, h, url)

	if err := conn.WriteJSON(map[string]any{"text": "untyped"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "message" {
		t.Errorf("expected type message, got %v", msg["type"])
	}
}

func TestHub_HistoryForLateJoiner(t *testing.T) {
	m := metrics.New()
	h, url := newTestHub(t, Config{History: 2, Metrics: m})

	for _, text := range []string{"one", "two", "three"} {
		h.publish(map[string]any{"type": "chat", "text": text})
	}
	h.publish(map[string]any{"type": "system", "text": "maintenance"})

	late := dial(t, h, url)
	msg := readJSON(t, late)
	if msg["type"] != "history" {
		t.Fatalf("expected history, got %v", msg)
	}
	messages, _ := msg["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(messages))
	}
	for i, want := range []string{"two", "three"} {
		got, _ := messages[i].(map[string]any)
		if got["text"] != want {
			t.Errorf("history[%d]: expected %q, got %v", i, want, got["text"])
		}
	}

	if got := testutil.ToFloat64(m.ChatMessages); got != 3 {
		t.Errorf("expected 3 chat messages counted, got %v", got)
	}
}

func TestHub_ViewerCount(t *testing.T) {
	h, url := newTestHub(t, Config{})
	early := dial(t, h, url)

	h.Broadcast(domain.BroadcastMessage{Type: "viewers", Count: 0})
	msg := readJSON(t, early)
	if msg["type"] != "viewers" {
		t.Fatalf("expected viewers message, got %v", msg)
	}
	if count, ok := msg["count"].(float64); !ok || count != 0 {
		t.Errorf("expected count 0 to be present, got %v", msg["count"])
	}

	h.Broadcast(domain.BroadcastMessage{Type: "viewers", Count: 3})
	readJSON(t, early)

	// Viewer counts stay out of the history but the latest is replayed.
	late := dial(t, h, url)
	msg = readJSON(t, late)
	if msg["type"] != "viewers" || msg["count"] != float64(3) {
		t.Errorf("expected latest viewer count, got %v", msg)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1})
	slow := newClient(nil, 1)
	h.add(slow)

	h.publish(map[string]any{"type": "chat", "text": "a"})
	h.publish(map[string]any{"type": "chat", "text": "b"})

	if n := h.Len(); n != 0 {
		t.Fatalf("expected slow client dropped, got %d clients", n)
	}
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client was not closed")
	}

	var first map[string]any
	if err := json.Unmarshal(<-slow.send, &first); err != nil || first["text"] != "a" {
		t.Errorf("expected the first message to be queued, got %v (%v)", first, err)
	}
}

func TestHub_ClientLeaves(t *testing.T) {
	m := metrics.New()
	h, url := newTestHub(t, Config{Metrics: m})
	conn := dial(t, h, url)

	if got := testutil.ToFloat64(m.ChatClients); got != 1 {
		t.Errorf("expected 1 chat client, got %v", got)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never removed")
		}
		time.Sleep(time.Millisecond)
	}
	if got := testutil.ToFloat64(m.ChatClients); got != 0 {
		t.Errorf("expected 0 chat clients, got %v", got)
	}
}
