// Shared test fixtures: an in-memory socket, directly constructed
// connections in the style the pumps would produce, and fake external
// collaborators for status, participants and message persistence.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSocket struct {
	mu           sync.Mutex
	pings        int
	closed       bool
	pingErr      error
	pongHandler  func(string) error
	closeHandler func(int, string) error
	readBlock    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{readBlock: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	<-f.readBlock

	return 0, nil, errors.New("socket closed")
}

func (f *fakeSocket) WriteMessage(int, []byte) error { return nil }

func (f *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	if f.pingErr != nil {
		return f.pingErr
	}
	f.pings++

	return nil
}

func (f *fakeSocket) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeSocket) SetReadLimit(int64)               {}

func (f *fakeSocket) SetPongHandler(h func(string) error) { f.pongHandler = h }

func (f *fakeSocket) SetCloseHandler(h func(int, string) error) { f.closeHandler = h }

func (f *fakeSocket) Close() error {
	f.mu.Lock()

	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true

		close(f.readBlock)
	}
	return nil
}

func (f *fakeSocket) pingCount() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return f.pings
}

func newTestConn(userID string, buffer int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		ID:          userID + "-" + uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		ws:          newFakeSocket(),
		send:        make(chan []byte, buffer),
		closeChan:   make(chan struct{}),
		lastPong:    time.Now(),
		opts:        DefaultOptions(),
		log:         slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// recvEvent pops the next queued frame off a connection's send buffer.
func recvEvent(t *testing.T, c *Conn) Event {
	t.Helper()

	select {
	case data := <-c.send:
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("failed to unmarshal queued frame: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no frame queued on connection")

		return Event{}
	}
}

// expectNoEvent asserts that nothing is queued on the connection.
func expectNoEvent(t *testing.T, c *Conn) {
	t.Helper()

	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame queued: %s", data)
	default:
	}
}

type statusCall struct {
	userID string
	online bool
}

type fakeStatusStore struct {
	mu    sync.Mutex
	calls []statusCall
	err   error
}

func (f *fakeStatusStore) SetOnline(_ context.Context, userID string) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.calls = append(f.calls, statusCall{userID: userID, online: true})

	return f.err
}

func (f *fakeStatusStore) SetOffline(_ context.Context, userID string, _ time.Time) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.calls = append(f.calls, statusCall{userID: userID, online: false})

	return f.err
}

func (f *fakeStatusStore) callCount() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *fakeStatusStore) lastCall() (statusCall, bool) {
	f.mu.Lock()

	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return statusCall{}, false
	}
	return f.calls[len(f.calls)-1], true
}

type fakeResolver struct {
	sessions map[string][]string
	err      error
}

func (f *fakeResolver) Participants(_ context.Context, sessionID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	participants, ok := f.sessions[sessionID]
	if !ok {
		return nil, notFound("participants", "unknown session "+sessionID)
	}
	return participants, nil
}

type fakeMessageStore struct {
	mu     sync.Mutex
	saved  []StoredMessage
	nextID int
	err    error
}

func (f *fakeMessageStore) SaveMessage(_ context.Context, sessionID, senderID, content string) (StoredMessage, error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	if f.err != nil {
		return StoredMessage{}, f.err
	}
	f.nextID++

	msg := StoredMessage{ID: fmt.Sprintf("msg-%d", f.nextID), CreatedAt: time.Now()}

	f.saved = append(f.saved, msg)

	return msg, nil
}

func (f *fakeMessageStore) savedCount() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return len(f.saved)
}
