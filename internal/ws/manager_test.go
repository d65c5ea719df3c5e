package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
)

type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	block     chan struct{}

	mu      sync.Mutex
	written [][]byte
	pings   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return errors.New("closed")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
		return nil
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}
func (f *fakeTransport) SetReadLimit(int64)                {}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) frames() []domain.OutboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OutboundFrame, 0, len(f.written))
	for _, data := range f.written {
		var frame domain.OutboundFrame
		_ = json.Unmarshal(data, &frame)
		out = append(out, frame)
	}
	return out
}

type recordingHandler struct {
	mu          sync.Mutex
	connects    int
	frames      []domain.InboundFrame
	disconnects []string
}

func (h *recordingHandler) HandleConnect(_ context.Context, s Session) {
	h.mu.Lock()
	h.connects++
	h.mu.Unlock()
	_ = s.Send(domain.PongFrame())
}

func (h *recordingHandler) HandleFrame(_ context.Context, s Session, frame domain.InboundFrame) {
	h.mu.Lock()
	h.frames = append(h.frames, frame)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleDisconnect(_ context.Context, _ Session, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, reason)
}

func (h *recordingHandler) snapshot() (int, []domain.InboundFrame, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, append([]domain.InboundFrame(nil), h.frames...), append([]string(nil), h.disconnects...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newTestManager(cfg Config) (*Manager, *recordingHandler) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "inst-1"
	}
	m := NewManager(zap.NewNop(), cfg)
	h := &recordingHandler{}
	m.SetHandler(h)
	return m, h
}

func TestManager_MultiDeviceFanOutAndDisconnect(t *testing.T) {
	m, h := newTestManager(Config{})
	bob := domain.Identity{UserID: "bob", Role: "user"}

	phone, laptop := newFakeTransport(), newFakeTransport()
	c1, err := m.Accept(bob, phone)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := m.Accept(bob, laptop); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitFor(t, func() bool { connects, _, _ := h.snapshot(); return connects == 2 })

	if n := m.SendToIdentity("bob", domain.PresenceFrame(domain.PresenceRecord{Identity: "alice", Online: true})); n != 2 {
		t.Fatalf("SendToIdentity reached %d connections, want 2", n)
	}
	waitFor(t, func() bool { return len(phone.frames()) == 2 && len(laptop.frames()) == 2 })
	if got := phone.frames()[1]; got.Type != domain.FramePresence || got.Identity != "alice" {
		t.Fatalf("unexpected frame %+v", got)
	}
	if conns := m.Connections("bob"); len(conns) != 2 || conns[0].InstanceID != "inst-1" {
		t.Fatalf("unexpected connections %+v", conns)
	}

	var callbacks int
	var cbMu sync.Mutex
	if err := m.OnDisconnect(c1.ID(), func(string) { cbMu.Lock(); callbacks++; cbMu.Unlock() }); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}
	c1.Close()
	c1.Close()
	if !m.HasConnections("bob") {
		t.Fatalf("laptop connection should remain")
	}
	if err := c1.Send(domain.PongFrame()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send on closed connection: %v", err)
	}
	if err := m.Send(c1.ID(), domain.PongFrame()); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("send to removed connection: %v", err)
	}
	cbMu.Lock()
	if callbacks != 1 {
		t.Fatalf("disconnect callback ran %d times, want 1", callbacks)
	}
	cbMu.Unlock()
	_, _, disconnects := h.snapshot()
	if len(disconnects) != 1 || disconnects[0] != ReasonClosed {
		t.Fatalf("unexpected disconnects %v", disconnects)
	}
}

func TestManager_InvalidFrameGetsErrorFrame(t *testing.T) {
	m, h := newTestManager(Config{})
	tr := newFakeTransport()
	if _, err := m.Accept(domain.Identity{UserID: "alice"}, tr); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	tr.in <- []byte(`{"type":"message","clientMessageId":"c-1"}`)
	tr.in <- []byte(`not json`)
	tr.in <- []byte(`{"type":"ack","conversationId":"c1","sequence":2,"state":"read"}`)

	waitFor(t, func() bool { _, frames, _ := h.snapshot(); return len(frames) == 1 })
	waitFor(t, func() bool { return len(tr.frames()) == 3 })

	out := tr.frames()
	if out[1].Type != domain.FrameError || out[1].Code != "invalid_frame" || out[1].ClientMessageID != "c-1" {
		t.Fatalf("unexpected error frame %+v", out[1])
	}
	if out[2].Type != domain.FrameError {
		t.Fatalf("malformed json should produce an error frame, got %+v", out[2])
	}
	_, frames, _ := h.snapshot()
	if frames[0].Type != domain.FrameAck || frames[0].Sequence != 2 {
		t.Fatalf("unexpected handled frame %+v", frames[0])
	}
}

func TestManager_SlowConsumerIsDisconnected(t *testing.T) {
	m, h := newTestManager(Config{SendBuffer: 1})
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	c, err := m.Accept(domain.Identity{UserID: "alice"}, tr)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	var lastErr error
	for i := 0; i < 10 && lastErr == nil; i++ {
		lastErr = c.Send(domain.PongFrame())
	}
	if !errors.Is(lastErr, ErrSlowConsumer) && !errors.Is(lastErr, ErrConnectionClosed) {
		t.Fatalf("expected the overflowing send to fail, got %v", lastErr)
	}
	waitFor(t, func() bool { return !m.HasConnections("alice") })
	waitFor(t, func() bool {
		_, _, d := h.snapshot()
		return len(d) == 1 && d[0] == ReasonSlowConsumer
	})
}

func TestManager_ReaperDropsSilentConnections(t *testing.T) {
	m, h := newTestManager(Config{HeartbeatTimeout: 40 * time.Millisecond, PingInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	if _, err := m.Accept(domain.Identity{UserID: "alice"}, newFakeTransport()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitFor(t, func() bool {
		_, _, d := h.snapshot()
		return len(d) == 1 && d[0] == ReasonHeartbeatTimeout
	})
	if m.Count() != 0 {
		t.Fatalf("silent connection still registered")
	}
}

func TestManager_CloseRejectsNewConnections(t *testing.T) {
	m, _ := newTestManager(Config{})
	if _, err := m.Accept(domain.Identity{UserID: "alice"}, newFakeTransport()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	m.Close()
	if m.Count() != 0 {
		t.Fatalf("expected every connection closed")
	}
	tr := newFakeTransport()
	if _, err := m.Accept(domain.Identity{UserID: "bob"}, tr); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	select {
	case <-tr.closed:
	default:
		t.Fatalf("rejected transport must be closed")
	}
}

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"app.wanna-help.com"}, "", true},
		{[]string{"app.wanna-help.com"}, "https://app.wanna-help.com", true},
		{[]string{"app.wanna-help.com"}, "https://evil.example", false},
		{[]string{"*.wanna-help.com"}, "https://admin.wanna-help.com:8443", true},
		{[]string{"localhost"}, "http://localhost:5173", true},
		{[]string{"localhost"}, "::bad", false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.allowed, tc.origin); got != tc.want {
			t.Fatalf("originAllowed(%v, %q) = %v, want %v", tc.allowed, tc.origin, got, tc.want)
		}
	}
}
