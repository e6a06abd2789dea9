package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newClient(topics ...string) *Client {
	c := NewClient()
	c.Topics = topics
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("client did not receive event")
	}
	return Event{}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("series/study/7")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("series/study/7") != 1 {
		t.Fatalf("expected one registered subscriber, got clients=%d topic=%d",
			hub.ClientCount(), hub.TopicCount("series/study/7"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("series/study/7") != 0 {
		t.Fatal("expected client to be removed")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	// A second unregister is a no-op.
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := newClient("series/study/7")
	other := newClient("series/study/8")
	hub.Register(subscriber)
	hub.Register(other)

	hub.Notify("series/study/7", "updated", 2)

	ev := receive(t, subscriber)
	if ev.Type != "updated" || ev.Topic != "series/study/7" || ev.Page != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received event")
	default:
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Broadcast(Event{Type: "invalidated", Topic: "steps/request/1"})
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"steps/request/1"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Notify("steps/request/1", "invalidated", 0)
	hub.Notify("steps/request/1", "invalidated", 0)

	if len(client.Send) != 1 {
		t.Fatalf("expected one queued event, got %d", len(client.Send))
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient()
	hub.Register(client)

	hub.Subscribe(client, []string{"series/study/1", "series/study/1", "steps/request/2"})

	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	if hub.TopicCount("series/study/1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount("series/study/1"))
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("series/study/1", "series/study/2", "steps/request/3")
	hub.Register(client)

	hub.Unsubscribe(client, []string{"series/study/1", "steps/request/3"})

	if hub.TopicCount("series/study/1") != 0 || hub.TopicCount("steps/request/3") != 0 {
		t.Fatal("expected topics to be removed")
	}
	if hub.TopicCount("series/study/2") != 1 {
		t.Fatal("expected remaining topic to keep its subscriber")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "series/study/2" {
		t.Fatalf("unexpected remaining topics %v", client.Topics)
	}
}

func TestHub_ProcessMessageValidatesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient()
	hub.Register(client)

	validate := func(topic string) error {
		if strings.HasPrefix(topic, "series/") {
			return nil
		}
		return errors.New("unknown scope")
	}

	var msg ClientMessage
	raw := `{"action":"subscribe","topics":["series/study/4","Patient/123"]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	hub.ProcessMessage(client, msg, validate)

	if hub.TopicCount("series/study/4") != 1 {
		t.Fatal("expected valid topic to be subscribed")
	}
	if hub.TopicCount("Patient/123") != 0 {
		t.Fatal("expected invalid topic to be rejected")
	}
	ev := receive(t, client)
	if ev.Type != "error" || ev.Topic != "Patient/123" || ev.Error != "unknown scope" {
		t.Fatalf("unexpected error event %+v", ev)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"series/study/4"}}, validate)
	if hub.TopicCount("series/study/4") != 0 {
		t.Fatal("expected unsubscribe to remove topic")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "shout"}, validate)
	if ev := receive(t, client); ev.Type != "error" {
		t.Fatalf("expected error for unknown action, got %+v", ev)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	active map[string]int
	events []string
}

func (o *recordingObserver) Observe(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[topic]++
	o.events = append(o.events, "observe "+topic)
}

func (o *recordingObserver) Forget(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[topic]--
	o.events = append(o.events, "forget "+topic)
}

func TestHub_ObserverSeesFirstAndLastSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	obs := &recordingObserver{active: make(map[string]int)}
	hub.SetObserver(obs)

	a := newClient("series/study/1")
	b := newClient()
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(b, []string{"series/study/1", "steps/request/2"})

	if obs.active["series/study/1"] != 1 || obs.active["steps/request/2"] != 1 {
		t.Fatalf("expected one observation per topic, got %v", obs.active)
	}

	hub.Unsubscribe(a, []string{"series/study/1"})
	hub.Unsubscribe(a, []string{"series/study/1"})
	if obs.active["series/study/1"] != 1 {
		t.Fatalf("expected the topic to stay observed while b holds it, got %v", obs.active)
	}

	hub.Unregister(b)
	if obs.active["series/study/1"] != 0 || obs.active["steps/request/2"] != 0 {
		t.Fatalf("expected every topic to be forgotten, got %v", obs.active)
	}
	if len(obs.events) != 4 {
		t.Errorf("expected two observes and two forgets, got %v", obs.events)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("series/study/1")
			hub.Register(c)
			hub.Notify("series/study/1", "invalidated", 0)
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil, nil).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := NewHandler(NewHub(zerolog.Nop()), nil, nil).HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil, []string{"http://localhost:3000"}).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topic=series/study/9"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("series/study/9") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("series/study/9") != 1 {
		t.Fatal("expected query topic to be subscribed")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"steps/request/3"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	deadline = time.Now().Add(time.Second)
	for hub.TopicCount("steps/request/3") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.Notify("steps/request/3", "invalidated", 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "invalidated" || received.Topic != "steps/request/3" {
		t.Fatalf("unexpected event %+v", received)
	}
}
