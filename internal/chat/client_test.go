package chat

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"gophersnake-go/internal/faults"
)

// relayStub is a minimal upgrade-and-hold WebSocket endpoint. Accepted
// server-side connections are delivered on Conns for the test to drive.
type relayStub struct {
	srv   *httptest.Server
	Conns chan *websocket.Conn
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	stub := &relayStub{Conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.Conns <- conn
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *relayStub) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *relayStub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.Conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no client connected to stub relay")
		return nil
	}
}

// deadAddr returns a ws:// URL nothing listens on, so every dial fails fast.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr + "/chat"
}

func TestReconnectDelaysAreLinearAndBounded(t *testing.T) {
	base := 100 * time.Millisecond

	c := NewClient(deadAddr(t),
		WithReconnectPolicy(3, base),
		WithGracePeriod(0))

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(d time.Duration, _ <-chan struct{}) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	c.Connect(true)

	require.Eventually(t, func() bool {
		return c.State() == Disconnected && !c.shouldRun()
	}, 5*time.Second, 10*time.Millisecond, "client should give up after the retry budget")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []time.Duration{base, 2 * base, 3 * base}, delays,
		"scheduled delays must be base*1, base*2, base*3 and nothing after")
}

func TestConnectionHandlerOpenAndClose(t *testing.T) {
	stub := newRelayStub(t)

	c := NewClient(stub.URL(), WithGracePeriod(2*time.Second))
	defer c.Disconnect()

	transitions := make(chan bool, 4)
	c.OnConnectionState(func(connected bool) { transitions <- connected })

	c.Connect(false)
	server := stub.accept(t)

	select {
	case got := <-transitions:
		require.True(t, got, "first transition must be the open")
	case <-time.After(5 * time.Second):
		t.Fatal("no open transition delivered")
	}

	require.NoError(t, server.Close())

	select {
	case got := <-transitions:
		require.False(t, got, "close after open must deliver false")
	case <-time.After(5 * time.Second):
		t.Fatal("no close transition delivered")
	}
}

func TestConnectionHandlerImmediateWhenAlreadyConnected(t *testing.T) {
	stub := newRelayStub(t)

	c := NewClient(stub.URL(), WithGracePeriod(2*time.Second))
	defer c.Disconnect()

	c.Connect(false)
	stub.accept(t)

	require.Eventually(t, func() bool { return c.State() == Connected },
		5*time.Second, 10*time.Millisecond)

	var got bool
	var called bool
	c.OnConnectionState(func(connected bool) {
		got = connected
		called = true
	})
	require.True(t, called, "registering while connected must fire synchronously")
	require.True(t, got)
}

func TestSendWhileDisconnectedIsHardError(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/chat")

	err := c.Send("hello", "")
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.NotConnected))
}

func TestSendOmitsSenderAndCarriesTarget(t *testing.T) {
	stub := newRelayStub(t)

	c := NewClient(stub.URL(), WithGracePeriod(2*time.Second))
	defer c.Disconnect()

	c.Connect(false)
	server := stub.accept(t)

	require.Eventually(t, func() bool { return c.State() == Connected },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send("hi there", "steve"))

	var frame map[string]any
	require.NoError(t, server.ReadJSON(&frame))
	require.Equal(t, MessageTypeChat, frame["type"])
	require.Equal(t, "hi there", frame["message"])
	require.Equal(t, "steve", frame["target"])
	require.NotContains(t, frame, "sender", "outbound frames never carry a sender")

	// An untargeted send drops the target field entirely.
	require.NoError(t, c.Send("to everyone", ""))
	frame = nil
	require.NoError(t, server.ReadJSON(&frame))
	require.NotContains(t, frame, "target")
}

func TestInboundChatDispatchAndMalformedFrames(t *testing.T) {
	stub := newRelayStub(t)

	c := NewClient(stub.URL(), WithGracePeriod(2*time.Second))
	defer c.Disconnect()

	type event struct{ sender, message string }
	received := make(chan event, 4)
	c.OnChat(func(sender, message string) { received <- event{sender, message} })

	c.Connect(false)
	server := stub.accept(t)

	// Malformed and unknown-type frames are dropped without killing the loop.
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, server.WriteJSON(Message{Type: "presence", Message: "ignored"}))
	require.NoError(t, server.WriteJSON(Message{Type: MessageTypeChat, Sender: "alex", Message: "still alive"}))

	select {
	case got := <-received:
		require.Equal(t, event{"alex", "still alive"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("chat event not delivered")
	}
	require.Empty(t, received, "non-chat frames must not reach the handler")
}

func TestDisconnectStopsReconnection(t *testing.T) {
	stub := newRelayStub(t)

	c := NewClient(stub.URL(),
		WithReconnectPolicy(5, time.Hour),
		WithGracePeriod(2*time.Second))

	slept := make(chan struct{}, 1)
	c.sleep = func(d time.Duration, stop <-chan struct{}) bool {
		slept <- struct{}{}
		<-stop
		return false
	}

	c.Connect(true)
	server := stub.accept(t)
	require.NoError(t, server.Close())

	// Reconnect backoff is in flight; Disconnect must cancel it.
	select {
	case <-slept:
	case <-time.After(5 * time.Second):
		t.Fatal("backoff never started")
	}
	c.Disconnect()

	require.Eventually(t, func() bool {
		return c.State() == Disconnected && !c.shouldRun()
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, stub.Conns, "no further connection attempts after disconnect")
}
