package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/studiodesk/relay/internal/protocol"
)

func newTestServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readEnvelope is a test-server helper: read one envelope off the conn.
func readEnvelope(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	return env, json.Unmarshal(data, &env)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestClientInitialState(t *testing.T) {
	c := New(Options{URL: "ws://localhost:0/ws", Token: "token"})
	if c.State() != StateDisconnected {
		t.Errorf("initial state = %d, want %d", c.State(), StateDisconnected)
	}
}

func TestSendNotConnected(t *testing.T) {
	c := New(Options{URL: "ws://localhost:0/ws", Token: "token"})
	if ok := c.Send(protocol.KindPing, nil); ok {
		t.Error("Send = true with no connection, want false")
	}
}

func TestSendWithAckResolves(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			t.Logf("server read: %v", err)
			return
		}
		reply, _ := protocol.NewEnvelope(protocol.KindPong, env.ID, protocol.Pong{Timestamp: 1234})
		writeEnvelope(ctx, conn, reply)
		time.Sleep(100 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Token: "t", MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	waitForState(t, c, StateConnected)

	data, err := c.SendWithAck(ctx, protocol.KindPing, nil)
	if err != nil {
		t.Fatalf("SendWithAck: %v", err)
	}
	var pong protocol.Pong
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Timestamp != 1234 {
		t.Errorf("Timestamp = %d, want 1234", pong.Timestamp)
	}
}

func TestSendWithAckServerError(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return
		}
		reply, _ := protocol.NewEnvelope(protocol.KindError, env.ID, protocol.ErrorEvent{
			Type:    "handler_error",
			Details: "boom",
		})
		writeEnvelope(ctx, conn, reply)
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Token: "t", MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	waitForState(t, c, StateConnected)

	_, err := c.SendWithAck(ctx, protocol.KindAICall, protocol.AICall{Model: "m", Prompt: "p"})
	if err == nil {
		t.Fatal("SendWithAck: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want details surfaced", err)
	}
}

func TestSendWithAckTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return
		}
		// Reply only after the client's ack window has passed.
		<-release
		reply, _ := protocol.NewEnvelope(protocol.KindPong, env.ID, protocol.Pong{Timestamp: 1})
		writeEnvelope(ctx, conn, reply)
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Token: "t", MaxAttempts: 1, AckTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	waitForState(t, c, StateConnected)

	var late sync.WaitGroup
	late.Add(1)
	var lateFired bool
	var lateMu sync.Mutex
	c.On(protocol.KindPong, func(env protocol.Envelope) {
		lateMu.Lock()
		lateFired = true
		lateMu.Unlock()
		late.Done()
	})

	_, err := c.SendWithAck(ctx, protocol.KindPing, nil)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("SendWithAck = %v, want ErrAckTimeout", err)
	}

	// Let the late reply arrive. It no longer matches a pending ack, so
	// it flows to subscribers instead of settling anything twice.
	close(release)
	done := make(chan struct{})
	go func() { late.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("late reply never reached subscribers")
	}
	lateMu.Lock()
	defer lateMu.Unlock()
	if !lateFired {
		t.Error("late reply dropped entirely")
	}
}

func TestHandlersRunInOrderAndSurvivePanic(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		env, _ := protocol.NewEnvelope(protocol.KindTask, "", protocol.Task{ID: "t1", Type: "render"})
		writeEnvelope(ctx, conn, env)
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Token: "t", MaxAttempts: 1})

	var mu sync.Mutex
	var order []int
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}
	c.On(protocol.KindTask, func(protocol.Envelope) { record(1) })
	c.On(protocol.KindTask, func(protocol.Envelope) { record(2); panic("handler bug") })
	c.On(protocol.KindTask, func(protocol.Envelope) { record(3) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("handlers ran %d times, want 3", n)
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int{1, 2, 3} {
		if order[i] != want {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want)
		}
	}
}

func TestClientReconnect(t *testing.T) {
	var connCount int
	var mu sync.Mutex

	srv := newTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()

		if n == 1 {
			// First connection: close immediately to trigger reconnect.
			conn.Close(websocket.StatusGoingAway, "test disconnect")
			return
		}
		time.Sleep(2 * time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := New(Options{
		URL:         wsURL(srv),
		Token:       "t",
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(8 * time.Second)
	for {
		mu.Lock()
		n := connCount
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect, connections: %d", n)
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRunAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Token: "bad"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %d, want %d", c.State(), StateFailed)
	}
}

func TestRunReconnectExhausted(t *testing.T) {
	// Nothing is listening here; every dial fails.
	c := New(Options{
		URL:         "ws://127.0.0.1:1/ws",
		Token:       "t",
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		MaxAttempts: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %d, want %d", c.State(), StateFailed)
	}

	// Terminal until Run is invoked again; pending sends refuse.
	if ok := c.Send(protocol.KindPing, nil); ok {
		t.Error("Send = true in failed state, want false")
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for c.State() != want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %d, at %d", want, c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
