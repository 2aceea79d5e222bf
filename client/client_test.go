package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetchat/relay"
)

// relayStub is a minimal upgrade endpoint that hands accepted sockets to the
// test over a channel.
type relayStub struct {
	upgrader websocket.Upgrader
	accepted chan *websocket.Conn
	mu       sync.Mutex
	dials    int
}

func newRelayStub() *relayStub {
	return &relayStub{accepted: make(chan *websocket.Conn, 8)}
}

func (s *relayStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)

	if err != nil {
		return
	}
	s.mu.Lock()

	s.dials++

	s.mu.Unlock()

	s.accepted <- ws
}

func (s *relayStub) dialCount() int {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.dials
}

func (s *relayStub) accept(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case ws := <-s.accepted:
		return ws
	case <-time.After(3 * time.Second):
		t.Fatal("no connection arrived at the stub relay")

		return nil
	}
}

func fastConfig() Config {
	return Config{
		BaseDelay:         20 * time.Millisecond,
		AbnormalBaseDelay: 10 * time.Millisecond,
		GrowthFactor:      1.5,
		MaxDelay:          100 * time.Millisecond,
		MaxAttempts:       5,
		Cooldown:          200 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		HandshakeTimeout:  time.Second,
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)

	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client never reached %v, stuck in %v", want, c.State())
}

func TestClientConnectsAndReceivesEvents(t *testing.T) {
	stub := newRelayStub()

	ts := httptest.NewServer(stub)

	defer ts.Close()

	c := New(wsURL(ts), nil, fastConfig(), nil)

	defer c.Close()

	received := make(chan relay.Event, 1)

	c.OnEvent(func(e relay.Event) {
		select {
		case received <- e:
		default:
		}
	})

	c.Connect()

	ws := stub.accept(t)

	defer ws.Close()

	waitForState(t, c, Connected)

	event, _ := relay.NewEvent(relay.UserOnline, relay.StatusPayload{UserID: "bob", IsOnline: true})

	if err := ws.WriteJSON(event); err != nil {
		t.Fatalf("stub write failed: %v", err)
	}
	select {
	case got := <-received:
		if got.Type != relay.UserOnline {
			t.Errorf("expected USER_ONLINE, got %s", got.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never dispatched the event")
	}
}

func TestClientConnectWhileConnectedIsNoOp(t *testing.T) {
	stub := newRelayStub()

	ts := httptest.NewServer(stub)

	defer ts.Close()

	c := New(wsURL(ts), nil, fastConfig(), nil)

	defer c.Close()

	c.Connect()

	ws := stub.accept(t)

	defer ws.Close()

	waitForState(t, c, Connected)

	c.Connect()

	c.Connect()

	time.Sleep(50 * time.Millisecond)

	if got := stub.dialCount(); got != 1 {
		t.Errorf("expected a single dial, got %d", got)
	}
}

func TestClientReconnectsAfterAbnormalClose(t *testing.T) {
	stub := newRelayStub()

	ts := httptest.NewServer(stub)

	defer ts.Close()

	c := New(wsURL(ts), nil, fastConfig(), nil)

	defer c.Close()

	states := make(chan State, 16)

	c.OnStateChange(func(s State) {
		select {
		case states <- s:
		default:
		}
	})

	c.Connect()

	first := stub.accept(t)

	waitForState(t, c, Connected)

	// Drop the TCP link without a close frame: an abnormal closure.
	_ = first.Close()

	second := stub.accept(t)

	defer second.Close()

	waitForState(t, c, Connected)

	if got := stub.dialCount(); got < 2 {
		t.Errorf("expected a reconnect dial, got %d dials", got)
	}

	// The journey must have passed through Reconnecting.
	sawReconnecting := false

drain:
	for {
		select {
		case s := <-states:
			if s == Reconnecting {
				sawReconnecting = true
			}
		default:
			break drain
		}
	}
	if !sawReconnecting {
		t.Error("client must pass through Reconnecting after an abnormal closure")
	}
}

func TestClientNormalClosureDoesNotReconnect(t *testing.T) {
	stub := newRelayStub()

	ts := httptest.NewServer(stub)

	defer ts.Close()

	c := New(wsURL(ts), nil, fastConfig(), nil)

	defer c.Close()

	c.Connect()

	ws := stub.accept(t)

	waitForState(t, c, Connected)

	deadline := time.Now().Add(time.Second)

	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)

	_ = ws.Close()

	waitForState(t, c, Disconnected)

	// Give any wrongly scheduled retry time to fire.
	time.Sleep(150 * time.Millisecond)

	if got := stub.dialCount(); got != 1 {
		t.Errorf("normal closure must not trigger reconnection, got %d dials", got)
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1", nil, fastConfig(), nil)

	defer c.Close()

	event, _ := relay.NewEvent(relay.Ping, nil)

	if c.Send(event) {
		t.Error("send while disconnected must report false")
	}
}

func TestClientSendsKeepalivePings(t *testing.T) {
	stub := newRelayStub()

	ts := httptest.NewServer(stub)

	defer ts.Close()

	c := New(wsURL(ts), nil, fastConfig(), nil)

	defer c.Close()

	c.Connect()

	ws := stub.accept(t)

	defer ws.Close()

	waitForState(t, c, Connected)

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var event relay.Event
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("expected a keepalive frame: %v", err)
	}
	if event.Type != relay.Ping {
		t.Errorf("expected PING keepalive, got %s", event.Type)
	}
}

func TestClientCloseIsTerminal(t *testing.T) {
	stub := newRelayStub()

	ts := httptest.NewServer(stub)

	defer ts.Close()

	c := New(wsURL(ts), nil, fastConfig(), nil)

	c.Connect()

	ws := stub.accept(t)

	defer ws.Close()

	waitForState(t, c, Connected)

	c.Close()

	waitForState(t, c, Disconnected)

	c.Connect()

	time.Sleep(100 * time.Millisecond)

	if got := stub.dialCount(); got != 1 {
		t.Errorf("connect after Close must be a no-op, got %d dials", got)
	}
}
