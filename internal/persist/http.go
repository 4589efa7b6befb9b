// Package persist 持久化协作者: 通过 REST 或直接读 Postgres 获取权威消息列表与内容块。
//
// 两种实现都满足 stream.Source, 由 cmd 层按配置选择。
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/multi-agent/chatstream/internal/blocks"
	"github.com/multi-agent/chatstream/internal/config"
	"github.com/multi-agent/chatstream/internal/stream"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

// DefaultPageSize 服务端 messages 接口的默认 limit。
const DefaultPageSize = 100

// maxPages 分页拉取的安全上限。
const maxPages = 1000

var _ stream.Source = (*HTTPSource)(nil)

// HTTPSource 通过聊天服务 REST 接口读取持久化数据:
//
//	GET {base}/chats/{id}/messages?skip=&limit=  → {"messages":[...],"total":N}
//	GET {base}/chats/{id}/blocks                 → {"blocks":[...],"total":N}
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
}

// HTTPOption 配置 HTTPSource。
type HTTPOption func(*HTTPSource)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.httpClient = c }
}

// WithTimeout 设置请求超时。
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.httpClient.Timeout = d }
}

// WithPageSize 设置消息分页大小。
func WithPageSize(n int) HTTPOption {
	return func(s *HTTPSource) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewHTTPSource 创建 REST 数据源。baseURL 形如 http://host:8000/api/v1。
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHTTPSourceFromConfig 按全局配置创建。
func NewHTTPSourceFromConfig(cfg *config.Config) *HTTPSource {
	return NewHTTPSource(cfg.ChatBaseURL, WithTimeout(util.DurationSec(cfg.PersistHTTPTimeoutSec)))
}

// ListMessages 分页拉取会话全部消息 (created_at 升序)。
func (s *HTTPSource) ListMessages(ctx context.Context, sessionID string) ([]stream.Message, error) {
	const op = "HTTPSource.ListMessages"
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "session id is required")
	}

	var out []stream.Message
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("skip", strconv.Itoa(len(out)))
		q.Set("limit", strconv.Itoa(s.pageSize))

		var resp messageListResponse
		if err := s.doRequest(ctx, op, sessionPath(sessionID, "messages"), q, &resp); err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			out = append(out, m.toMessage(sessionID))
		}
		if len(resp.Messages) == 0 || len(out) >= resp.Total {
			break
		}
	}
	logger.Debug("persist: messages fetched",
		logger.FieldSessionID, sessionID,
		logger.FieldCount, len(out),
	)
	return out, nil
}

// ListBlocks 拉取会话全部内容块 (顺序不作保证, 由 blocks.GroupBlocks 排序)。
func (s *HTTPSource) ListBlocks(ctx context.Context, sessionID string) ([]blocks.ContentBlock, error) {
	const op = "HTTPSource.ListBlocks"
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "session id is required")
	}

	var resp blockListResponse
	if err := s.doRequest(ctx, op, sessionPath(sessionID, "blocks"), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]blocks.ContentBlock, 0, len(resp.Blocks))
	for _, b := range resp.Blocks {
		out = append(out, b.toBlock(sessionID))
	}
	return out, nil
}

func sessionPath(sessionID, leaf string) string {
	return "/chats/" + url.PathEscape(sessionID) + "/" + leaf
}

// doRequest 执行 GET 并解码 JSON 响应。
//
//	404 → ErrNotFound; 其他 >=400 → CodeHTTP; 超时 → ErrTimeout
func (s *HTTPSource) doRequest(ctx context.Context, op, path string, query url.Values, result any) error {
	reqURL := s.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return apperrors.Wrap(err, op, "create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return apperrors.WithCode(fmt.Errorf("%w: %v", apperrors.ErrTimeout, err), op, apperrors.CodeHTTP, "request timed out")
		}
		return apperrors.WithCode(err, op, apperrors.CodeHTTP, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := util.Truncate(strings.TrimSpace(string(body)), 200)
		if resp.StatusCode == http.StatusNotFound {
			return apperrors.WithCode(apperrors.ErrNotFound, op, apperrors.CodeHTTP, "HTTP 404: "+detail)
		}
		return apperrors.WithCode(fmt.Errorf("HTTP %d: %s", resp.StatusCode, detail), op, apperrors.CodeHTTP, "unexpected status")
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return apperrors.WithCode(err, op, apperrors.CodeHTTP, "decode response")
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
