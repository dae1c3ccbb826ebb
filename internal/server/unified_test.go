package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/toy-pair-chat/internal/chat"
	"github.com/omochice/toy-pair-chat/internal/config"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"github.com/pkg/errors"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.SniffTimeout = 50 * time.Millisecond
	return cfg
}

func startUnified(t *testing.T, cfg config.Config) *UnifiedServer {
	t.Helper()

	hub := chat.NewHub(nil)
	srv := NewUnifiedServer(cfg, hub, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop in time")
		}
		hub.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" || srv.TCPAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv
}

type wsPeer struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, addr string) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{conn: conn}
}

func (p *wsPeer) read(t *testing.T) protocol.Event {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		t.Fatalf("WebSocket read error: %v", err)
	}
	var ev protocol.Event
	if err := ev.DecodeJSON(data); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func (p *wsPeer) send(t *testing.T, ev protocol.Event) {
	t.Helper()
	data, err := ev.EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WebSocket write error: %v", err)
	}
}

func (p *wsPeer) close() { p.conn.Close() }

type tcpPeer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTCP(t *testing.T, addr string) *tcpPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect TCP client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &tcpPeer{conn: conn, reader: bufio.NewReader(conn)}
}

func (p *tcpPeer) read(t *testing.T) protocol.Event {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ev, err := protocol.ReadFrame(p.reader, 0)
	if err != nil {
		t.Fatalf("TCP read error: %v", err)
	}
	return ev
}

func (p *tcpPeer) send(t *testing.T, ev protocol.Event) {
	t.Helper()
	if err := protocol.WriteFrame(p.conn, ev); err != nil {
		t.Fatalf("TCP write error: %v", err)
	}
}

func (p *tcpPeer) close() { p.conn.Close() }

func TestUnifiedServer_SinglePortWebSocket(t *testing.T) {
	srv := startUnified(t, testConfig())

	if srv.Addr() != srv.TCPAddr() {
		t.Errorf("single port mode: Addr() = %s, TCPAddr() = %s", srv.Addr(), srv.TCPAddr())
	}

	a := dialWS(t, srv.Addr())
	if ev := a.read(t); ev.Type != protocol.EventWaiting {
		t.Errorf("got %v, want waiting", ev.Type)
	}
	if count := srv.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestUnifiedServer_SinglePortTCP(t *testing.T) {
	srv := startUnified(t, testConfig())

	a := dialTCP(t, srv.TCPAddr())
	if ev := a.read(t); ev.Type != protocol.EventWaiting {
		t.Errorf("got %v, want waiting", ev.Type)
	}
}

func TestUnifiedServer_SinglePortTCPSpeaksFirst(t *testing.T) {
	cfg := testConfig()
	cfg.SniffTimeout = 5 * time.Second
	srv := startUnified(t, cfg)

	a := dialTCP(t, srv.TCPAddr())
	// a frame sent before pairing is dropped, but routes the connection
	// without waiting for the sniff timeout
	a.send(t, protocol.Event{Type: protocol.EventTyping})
	if ev := a.read(t); ev.Type != protocol.EventWaiting {
		t.Errorf("got %v, want waiting", ev.Type)
	}
}

func TestUnifiedServer_SinglePortHealth(t *testing.T) {
	srv := startUnified(t, testConfig())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (%s)", resp.StatusCode, body)
	}
}

// TestUnifiedServer_MixedSession walks a browser and a terminal client
// through pairing, relaying, typing, leaving and a new arrival.
func TestUnifiedServer_MixedSession(t *testing.T) {
	srv := startUnified(t, testConfig())

	a := dialWS(t, srv.Addr())
	if ev := a.read(t); ev.Type != protocol.EventWaiting {
		t.Fatalf("A got %v, want waiting", ev.Type)
	}

	b := dialTCP(t, srv.TCPAddr())
	evA, evB := a.read(t), b.read(t)
	if evA.Type != protocol.EventPartnerConnected || evB.Type != protocol.EventPartnerConnected {
		t.Fatalf("pairing events = %v / %v", evA.Type, evB.Type)
	}
	if evA.PartnerID == "" || evB.PartnerID == "" || evA.PartnerID == evB.PartnerID {
		t.Errorf("partner IDs %q / %q", evA.PartnerID, evB.PartnerID)
	}

	b.send(t, protocol.Event{Type: protocol.EventSendMsg, Message: "hi"})
	if ev := a.read(t); ev.Type != protocol.EventReceiveMsg || ev.Message != "hi" {
		t.Errorf("A got %+v, want receive-msg hi", ev)
	}

	a.send(t, protocol.Event{Type: protocol.EventTyping})
	a.send(t, protocol.Event{Type: protocol.EventStopTyping})
	a.send(t, protocol.Event{Type: protocol.EventSendMsg, Message: "hello back"})
	for _, want := range []protocol.EventType{protocol.EventTyping, protocol.EventStopTyping, protocol.EventReceiveMsg} {
		if ev := b.read(t); ev.Type != want {
			t.Errorf("B got %v, want %v", ev.Type, want)
		}
	}

	a.close()
	if ev := b.read(t); ev.Type != protocol.EventPartnerLeft {
		t.Errorf("B got %v, want partner-left", ev.Type)
	}

	// B is idle, so a newcomer waits instead of pairing with B
	c := dialWS(t, srv.Addr())
	if ev := c.read(t); ev.Type != protocol.EventWaiting {
		t.Errorf("C got %v, want waiting", ev.Type)
	}
	if count := srv.ClientCount(); count != 2 {
		t.Errorf("Expected 2 clients, got %d", count)
	}
}

func TestUnifiedServer_DualPort(t *testing.T) {
	cfg := testConfig()
	cfg.TCPAddr = "127.0.0.1:0"
	srv := startUnified(t, cfg)

	if srv.Addr() == srv.TCPAddr() {
		t.Fatalf("dual port mode shares %s", srv.Addr())
	}

	a := dialTCP(t, srv.TCPAddr())
	if ev := a.read(t); ev.Type != protocol.EventWaiting {
		t.Fatalf("A got %v, want waiting", ev.Type)
	}
	b := dialWS(t, srv.Addr())
	a.read(t)
	b.read(t)

	b.send(t, protocol.Event{Type: protocol.EventSendMsg, Message: "over two ports"})
	if ev := a.read(t); ev.Message != "over two ports" {
		t.Errorf("A got %+v", ev)
	}

	b.close()
	if ev := a.read(t); ev.Type != protocol.EventPartnerLeft {
		t.Errorf("A got %v, want partner-left", ev.Type)
	}
}

func TestUnifiedServer_StopClosesClients(t *testing.T) {
	hub := chat.NewHub(nil)
	defer hub.Close()
	srv := NewUnifiedServer(testConfig(), hub, nil)
	go srv.Start()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a := dialWS(t, srv.Addr())
	a.read(t)
	b := dialTCP(t, srv.TCPAddr())
	a.read(t)
	b.read(t)

	srv.Stop()
	srv.Stop()

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("Expected 0 clients after Stop, got %d", count)
	}
	// A may be closed first, so B can see partner-left before its own close.
	b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for partnerLeft := 0; ; {
		ev, err := protocol.ReadFrame(b.reader, 0)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Error("TCP client still open after Stop")
			}
			break
		}
		if ev.Type != protocol.EventPartnerLeft || partnerLeft > 0 {
			t.Fatalf("unexpected event %+v after Stop", ev)
		}
		partnerLeft++
	}
}

func TestUnifiedServer_Run(t *testing.T) {
	hub := chat.NewHub(nil)
	defer hub.Close()
	srv := NewUnifiedServer(testConfig(), hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestUnifiedServer_ListenError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	hub := chat.NewHub(nil)
	defer hub.Close()

	cfg := testConfig()
	cfg.Addr = taken.Addr().String()
	srv := NewUnifiedServer(cfg, hub, nil)
	defer srv.Stop()

	if err := srv.Start(); err == nil {
		t.Error("Start() on a used port must fail")
	}
}
