// transport.go — WebSocket 传输层: 拨号、读写超时、ping 保活。
package conn

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/multi-agent/chatstream/internal/config"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

// Transport 一条已建立的双工连接。
//
// ReadMessage 只会被单个 goroutine 调用; WriteMessage 与 Close 可并发调用。
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立 Transport。
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WSDialer 基于 gorilla/websocket 的 Dialer。
type WSDialer struct {
	HandshakeTimeout time.Duration
	ReadIdleTimeout  time.Duration // 超过该时长无任何入站数据 (含 pong) 视为断线
	WriteTimeout     time.Duration
	PingInterval     time.Duration // <=0 关闭 ping
	Header           http.Header
}

// NewWSDialer 按配置构造 WSDialer。
func NewWSDialer(cfg *config.Config) *WSDialer {
	return &WSDialer{
		HandshakeTimeout: util.DurationSec(cfg.HandshakeTimeoutSec),
		ReadIdleTimeout:  util.DurationSec(cfg.ReadIdleTimeoutSec),
		WriteTimeout:     util.DurationSec(cfg.WriteTimeoutSec),
		PingInterval:     util.DurationSec(cfg.PingIntervalSec),
	}
}

// Dial 建立 WebSocket 连接并启动 ping 循环。
func (d *WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: d.HandshakeTimeout}).DialContext,
	}
	ws, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, apperrors.WithCode(err, "WSDialer.Dial", apperrors.CodeTransport, "ws dial")
	}
	if ws == nil {
		return nil, apperrors.New("WSDialer.Dial", "dial returned nil websocket connection")
	}

	t := &wsTransport{
		ws:           ws,
		readIdle:     d.ReadIdleTimeout,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	t.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})
	if d.PingInterval > 0 {
		util.SafeGo(func() { t.pingLoop(d.PingInterval) })
	}
	return t, nil
}

type wsTransport struct {
	ws           *websocket.Conn
	readIdle     time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) extendReadDeadline() {
	if t.readIdle <= 0 {
		return
	}
	_ = t.ws.SetReadDeadline(time.Now().Add(t.readIdle))
}

func (t *wsTransport) writeDeadline() time.Time {
	if t.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.writeTimeout)
}

// ReadMessage 读取下一条文本/二进制消息。
func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	t.extendReadDeadline()
	return data, nil
}

// WriteMessage 以文本帧写出。
func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.ws.SetWriteDeadline(t.writeDeadline())
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.WithCode(err, "wsTransport.WriteMessage", apperrors.CodeTransport, "ws write")
	}
	return nil
}

// Close 发送 close 帧后关闭底层连接, 可重复调用。
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.ws.WriteControl(websocket.PingMessage, []byte("ping"), t.writeDeadline())
			t.writeMu.Unlock()
			if err != nil {
				logger.Debug("conn: ping failed, closing transport", logger.FieldError, err)
				// 关闭底层连接使 ReadMessage 返回错误, 由 Manager 走重连
				_ = t.ws.Close()
				return
			}
		}
	}
}
