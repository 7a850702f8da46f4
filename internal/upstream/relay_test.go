package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/voxgate/internal/protocol"
)

type relayServer struct {
	srv      *httptest.Server
	received chan []byte
	query    chan string
	headers  chan http.Header
	send     chan []byte
	drop     chan struct{}
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{
		received: make(chan []byte, 16),
		query:    make(chan string, 1),
		headers:  make(chan http.Header, 1),
		send:     make(chan []byte, 16),
		drop:     make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.query <- r.URL.RawQuery
		rs.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				rs.received <- data
			}
		}()
		for {
			select {
			case data := <-rs.send:
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-rs.drop:
				return
			}
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http") + "/v1/stream"
}

func TestRelayDialerSendsEventsAndQueryParams(t *testing.T) {
	rs := newRelayServer(t)
	d := &RelayDialer{
		URL:     rs.url(),
		ModelID: "amazon.nova-sonic-v1:0",
		Region:  "us-east-1",
		Headers: map[string]string{"Authorization": "Bearer relay"},
	}

	ch, err := d.Dial(context.Background(), DialRequest{DeviceID: "dev-1", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	query := <-rs.query
	if !strings.Contains(query, "model_id=amazon.nova-sonic-v1%3A0") || !strings.Contains(query, "region=us-east-1") {
		t.Fatalf("unexpected query %q", query)
	}
	headers := <-rs.headers
	if headers.Get("Authorization") != "Bearer relay" || headers.Get(HeaderDeviceID) != "dev-1" {
		t.Fatalf("unexpected headers %v", headers)
	}

	evt := protocol.NewEvent(protocol.EventSessionStart, map[string]any{"inferenceConfiguration": map[string]any{"maxTokens": 1024}})
	if err := ch.Send(context.Background(), evt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-rs.received:
		if !strings.Contains(string(data), `"sessionStart"`) {
			t.Fatalf("unexpected frame %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not receive frame")
	}
}

func TestRelayChannelDeliversOutput(t *testing.T) {
	rs := newRelayServer(t)
	ch, err := (&RelayDialer{URL: rs.url()}).Dial(context.Background(), DialRequest{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	rs.send <- []byte(`not json`)
	rs.send <- []byte(`{"event":{"textOutput":{"content":"hello","role":"ASSISTANT"}}}`)

	select {
	case evt := <-ch.Events():
		if evt.Name != protocol.EventTextOutput || evt.Str("content") != "hello" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no output event")
	}
}

func TestRelayChannelReportsDroppedConnection(t *testing.T) {
	rs := newRelayServer(t)
	ch, err := (&RelayDialer{URL: rs.url()}).Dial(context.Background(), DialRequest{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	close(rs.drop)

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Fatal("expected events channel to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after drop")
	}
	if ch.Err() == nil {
		t.Fatal("expected terminal error after abrupt drop")
	}
	if err := ch.Send(context.Background(), protocol.NewEvent(protocol.EventSessionEnd, nil)); err == nil {
		t.Fatal("expected send to fail after stream ended")
	}
}

func TestRelayChannelCloseIsIdempotent(t *testing.T) {
	rs := newRelayServer(t)
	ch, err := (&RelayDialer{URL: rs.url()}).Dial(context.Background(), DialRequest{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ch.Err() != nil {
		t.Fatalf("clean close should not report an error, got %v", ch.Err())
	}
	if err := ch.Send(context.Background(), protocol.NewEvent(protocol.EventSessionEnd, nil)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestRelayEndpointValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "", wantErr: true},
		{url: "ftp://example.com", wantErr: true},
		{url: "http://relay.local/stream", want: "ws://relay.local/stream"},
		{url: "https://relay.local/stream", want: "wss://relay.local/stream"},
		{url: "wss://relay.local/stream?x=1", want: "wss://relay.local/stream?x=1"},
	}
	for _, tc := range cases {
		got, err := (&RelayDialer{URL: tc.url}).endpoint()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.url)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.url, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.url, got, tc.want)
		}
	}
}
