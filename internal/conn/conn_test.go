package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/multi-agent/chatstream/internal/clock"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
)

// ========================================
// fakes
// ========================================

type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   []string
	failAt    int // 第 failAt 次写失败 (从 1 开始), 0 表示不失败
	writes    int
	readErrCh chan error
}

func newFakeTransport(failAt int) *fakeTransport {
	return &fakeTransport{
		in:        make(chan []byte, 16),
		closed:    make(chan struct{}),
		failAt:    failAt,
		readErrCh: make(chan error, 1),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case err := <-f.readErrCh:
		return nil, err
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failAt > 0 && f.writes == f.failAt {
		return errors.New("write failed")
	}
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

type fakeDialer struct {
	mu         sync.Mutex
	fail       bool
	failWrites int
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport(d.failWrites)
	d.failWrites = 0
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) set(fail bool, failWrites int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
	d.failWrites = failWrites
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, d *fakeDialer, maxAttempts int) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	m := New(Options{
		SessionID:   "s1",
		URL:         "ws://test/chats/s1/stream",
		Dialer:      d,
		Clock:       clk,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: maxAttempts,
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ========================================
// Machine
// ========================================

func TestBackoffDelay(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.attempt, base, max); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStateText(t *testing.T) {
	for st := StateDisconnected; st <= StateClosed; st++ {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", st, err)
		}
		var back State
		if err := back.UnmarshalText(b); err != nil || back != st {
			t.Errorf("round trip %s → %v (%v)", b, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestMachineExhaustion(t *testing.T) {
	m := Machine{State: StateDisconnected, MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	if !m.OnConnect() {
		t.Fatal("OnConnect() from disconnected = false")
	}
	if m.OnConnect() {
		t.Fatal("OnConnect() while connecting should be no-op")
	}
	for i := 1; i <= 3; i++ {
		if _, retry := m.OnFailure(); !retry {
			t.Fatalf("failure %d: retry = false", i)
		}
		if m.State != StateBackoff || m.Attempt != i {
			t.Fatalf("failure %d: state=%v attempt=%d", i, m.State, m.Attempt)
		}
		if !m.OnRetry() {
			t.Fatalf("OnRetry() after failure %d = false", i)
		}
	}
	if _, retry := m.OnFailure(); retry {
		t.Fatal("retry after max attempts")
	}
	if m.State != StateDisconnected || !m.Exhausted {
		t.Fatalf("state=%v exhausted=%v", m.State, m.Exhausted)
	}

	// 用户重试: 计数清零
	if !m.OnConnect() || m.Attempt != 0 || m.Exhausted {
		t.Fatalf("OnConnect after exhaustion: %+v", m)
	}
	m.OnOpened()
	if m.State != StateOpen || m.Attempt != 0 {
		t.Fatalf("OnOpened: %+v", m)
	}
}

func TestMachineClosedIgnoresFailure(t *testing.T) {
	m := Machine{State: StateOpen, MaxAttempts: 3}
	m.OnClose()
	if _, retry := m.OnFailure(); retry {
		t.Error("closed machine scheduled retry")
	}
	if m.State != StateClosed {
		t.Errorf("state = %v, want closed", m.State)
	}
}

// ========================================
// Manager
// ========================================

func TestManagerConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, 3)
	if err := m.Connect(func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d, want 1", d.Dials())
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false")
	}
}

func TestManagerForwardsFramesVerbatim(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, 3)
	got := make(chan string, 2)
	if err := m.Connect(func(b []byte) { got <- string(b) }); err != nil {
		t.Fatal(err)
	}
	d.Transport(0).in <- []byte(`not even json`)
	d.Transport(0).in <- []byte(`{"type":"chunk","content":"x"}`)
	for _, want := range []string{`not even json`, `{"type":"chunk","content":"x"}`} {
		select {
		case g := <-got:
			if g != want {
				t.Errorf("frame = %q, want %q", g, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("frame not forwarded")
		}
	}
}

// N 次连续失败后不再调度重连, 状态为永久断开。
func TestManagerReconnectBound(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, clk := newTestManager(t, d, 3)

	if err := m.Connect(func([]byte) {}); err == nil {
		t.Fatal("expected dial error")
	}
	clk.Advance(time.Hour)

	if d.Dials() != 4 {
		t.Errorf("dials = %d, want 1 initial + 3 retries", d.Dials())
	}
	st := m.Status()
	if st.State != StateDisconnected || !st.Exhausted {
		t.Errorf("status = %+v, want exhausted disconnected", st)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
	clk.Advance(time.Hour)
	if d.Dials() != 4 {
		t.Errorf("dials after exhaustion = %d", d.Dials())
	}
}

func TestManagerBackoffSchedule(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, clk := newTestManager(t, d, 5)
	_ = m.Connect(func([]byte) {})

	// 第 1 次立即重连
	clk.Advance(0)
	if d.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", d.Dials())
	}
	// 第 2 次等待 base
	clk.Advance(99 * time.Millisecond)
	if d.Dials() != 2 {
		t.Fatalf("reconnected before base delay: %d", d.Dials())
	}
	clk.Advance(time.Millisecond)
	if d.Dials() != 3 {
		t.Fatalf("dials = %d, want 3", d.Dials())
	}
	// 第 3 次等待 2·base
	clk.Advance(199 * time.Millisecond)
	if d.Dials() != 3 {
		t.Fatalf("reconnected early: %d", d.Dials())
	}
	clk.Advance(time.Millisecond)
	if d.Dials() != 4 {
		t.Fatalf("dials = %d, want 4", d.Dials())
	}
	if st := m.Status(); st.Attempt != 4 || st.State != StateBackoff {
		t.Errorf("status = %+v, want attempt 4 in backoff", st)
	}
}

// 断线期间发送的帧在重连后按 FIFO 写出, 恰好一次。
func TestManagerQueueDrainFIFO(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, clk := newTestManager(t, d, 5)
	_ = m.Connect(func([]byte) {})

	for _, s := range []string{"a", "b", "c"} {
		if err := m.Send([]byte(s)); err != nil {
			t.Fatalf("Send(%s): %v", s, err)
		}
	}
	if st := m.Status(); st.Queued != 3 {
		t.Fatalf("queued = %d, want 3", st.Queued)
	}

	d.set(false, 0)
	clk.Advance(0)

	tr := d.Transport(0)
	if got := tr.Written(); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Fatalf("written = %v", got)
	}
	st := m.Status()
	if st.State != StateOpen || st.Queued != 0 || st.Attempt != 0 {
		t.Fatalf("status = %+v", st)
	}

	_ = m.Send([]byte("d"))
	if got := tr.Written(); !equalStrings(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("written = %v", got)
	}
}

// 排空过程中写失败: 失败帧留在队首, 下次重连续发, 不重复。
func TestManagerDrainFailureRequeues(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, clk := newTestManager(t, d, 5)
	_ = m.Connect(func([]byte) {})
	_ = m.Send([]byte("a"))
	_ = m.Send([]byte("b"))
	_ = m.Send([]byte("c"))

	d.set(false, 2) // 第一条新连接的第 2 次写失败
	// 写失败后的首次重连延迟为 0, 在同一次 Advance 内完成
	clk.Advance(0)

	if got := d.Transport(0).Written(); !equalStrings(got, []string{"a"}) {
		t.Fatalf("first transport written = %v", got)
	}
	if got := d.Transport(1).Written(); !equalStrings(got, []string{"b", "c"}) {
		t.Fatalf("second transport written = %v", got)
	}
	if st := m.Status(); st.State != StateOpen || st.Queued != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestManagerReconnectAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m, clk := newTestManager(t, d, 3)
	if err := m.Connect(func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	d.Transport(0).readErrCh <- errors.New("connection reset")
	waitFor(t, func() bool { return m.State() == StateBackoff })

	clk.Advance(0)
	if !m.IsConnected() {
		t.Fatalf("state = %v, want open", m.State())
	}
	if d.Dials() != 2 {
		t.Errorf("dials = %d, want 2", d.Dials())
	}
	if m.Status().Attempt != 0 {
		t.Errorf("attempt not reset: %d", m.Status().Attempt)
	}
}

// 已建立的连接断开后, 连续 MaxAttempts 次重连失败即耗尽, 不再调度。
func TestManagerReconnectBoundAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m, clk := newTestManager(t, d, 2)
	if err := m.Connect(func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	d.set(true, 0)
	d.Transport(0).readErrCh <- errors.New("connection reset")
	waitFor(t, func() bool { return m.State() == StateBackoff })

	// 第 1 次重连失败: 仍可重试
	clk.Advance(0)
	if st := m.Status(); st.State != StateBackoff || st.Attempt != 2 || st.Exhausted {
		t.Fatalf("after 1st failed reconnect: %+v", st)
	}
	// 第 2 次重连失败: 耗尽
	clk.Advance(time.Hour)
	st := m.Status()
	if st.State != StateDisconnected || !st.Exhausted {
		t.Fatalf("after 2nd failed reconnect: %+v", st)
	}
	if d.Dials() != 3 {
		t.Errorf("dials = %d, want 1 initial + 2 reconnects", d.Dials())
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestManagerCloseStopsReconnect(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, clk := newTestManager(t, d, 3)
	_ = m.Connect(func([]byte) {})

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	clk.Advance(time.Hour)
	if d.Dials() != 1 {
		t.Errorf("dials after Close = %d, want 1", d.Dials())
	}
	if m.State() != StateClosed {
		t.Errorf("state = %v", m.State())
	}
	if err := m.Send([]byte("x")); !errors.Is(err, apperrors.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := m.Connect(func([]byte) {}); !errors.Is(err, apperrors.ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestManagerCloseOpenTransport(t *testing.T) {
	d := &fakeDialer{}
	m, clk := newTestManager(t, d, 3)
	_ = m.Connect(func([]byte) {})
	_ = m.Close()

	select {
	case <-d.Transport(0).closed:
	default:
		t.Fatal("transport not closed")
	}
	clk.Advance(time.Hour)
	if d.Dials() != 1 {
		t.Errorf("explicit Close triggered reconnect: dials = %d", d.Dials())
	}
}

// 重连耗尽后, 下一次 Send 透明地重新发起连接。
func TestManagerSendAfterExhaustionRetries(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, clk := newTestManager(t, d, 1)
	_ = m.Connect(func([]byte) {})
	clk.Advance(time.Hour)
	if !m.Status().Exhausted {
		t.Fatal("expected exhausted")
	}

	d.set(false, 0)
	if err := m.Send([]byte("retry")); err != nil {
		t.Fatal(err)
	}
	clk.Advance(0)
	if !m.IsConnected() {
		t.Fatalf("state = %v, want open", m.State())
	}
	if got := d.Transport(0).Written(); !equalStrings(got, []string{"retry"}) {
		t.Errorf("written = %v", got)
	}
}

func TestManagerStateObserver(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, 3)
	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State, _ Status) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	_ = m.Connect(func([]byte) {})

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateOpen {
		t.Errorf("states = %v, want [connecting open]", states)
	}
}

// ========================================
// WSDialer (真实 gorilla 连接)
// ========================================

func TestWSDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := &WSDialer{
		HandshakeTimeout: 2 * time.Second,
		ReadIdleTimeout:  5 * time.Second,
		WriteTimeout:     2 * time.Second,
		PingInterval:     50 * time.Millisecond,
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := d.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	if err := tr.WriteMessage([]byte(`{"type":"message","content":"Hello"}`)); err != nil {
		t.Fatal(err)
	}
	got, err := tr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"type":"message","content":"Hello"}` {
		t.Errorf("echo = %s", got)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWSDialerRefused(t *testing.T) {
	d := &WSDialer{HandshakeTimeout: 500 * time.Millisecond}
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/nothing")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeTransport {
		t.Errorf("CodeOf = %q", apperrors.CodeOf(err))
	}
}

// 通过 Manager + 真实 WebSocket 完整收发。
func TestManagerOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if string(data) != `{"type":"message","content":"Hello"}` {
			return
		}
		for _, f := range []string{
			`{"type":"start","message_id":"m1"}`,
			`{"type":"chunk","content":"Hi "}`,
			`{"type":"end"}`,
		} {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(f))
		}
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	m := New(Options{
		SessionID:   "s1",
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Dialer:      &WSDialer{HandshakeTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second},
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		MaxAttempts: 1,
	})
	defer m.Close()

	got := make(chan string, 3)
	if err := m.Connect(func(b []byte) { got <- string(b) }); err != nil {
		t.Fatal(err)
	}
	if err := m.Send([]byte(`{"type":"message","content":"Hello"}`)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d frames, want 3", i)
		}
	}
}
