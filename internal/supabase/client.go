// Package supabase はホスティング型の認証サービス（GoTrue互換）と
// データベースREST API（PostgREST互換）のクライアントを提供する。
//
// backend.Authenticator と backend.RoleStore を実装し、
// user_roles テーブルへのアクセスはリクエストごとのユーザートークンで認可される。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/estate-report/internal/backend"
)

const (
	// maxResponseSize はバックエンドのレスポンスボディの最大サイズ。
	maxResponseSize = 1 << 20
	// userAgent はバックエンドへのリクエストに付与するUser-Agent。
	userAgent = "EstateReport/1.0"
)

// Options はClientの接続設定。
type Options struct {
	URL            string // プロジェクトURL（例: https://xxxx.supabase.co）
	AnonKey        string // 公開（anon）キー
	ServiceRoleKey string // 管理操作用のキー（任意）
	JWTSecret      string // アクセストークン検証用のHS256シークレット（任意）
}

// ObserveFunc はバックエンド呼び出しの結果を記録するフック。
// opは論理操作名、statusはHTTPステータス（通信失敗時は0）。
type ObserveFunc func(op string, status int, d time.Duration)

// Client はバックエンドのHTTP APIクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options
	observe    ObserveFunc
	now        func() time.Time // テスト用に差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはSSRF防止とトレースが設定されたクライアントを渡すことを想定する。
func NewClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// SetObserver はバックエンド呼び出しの観測フックを設定する。
func (c *Client) SetObserver(fn ObserveFunc) {
	c.observe = fn
}

// Configured はURLと公開キーが設定されているかを返す。
func (c *Client) Configured() bool {
	return c.opts.URL != "" && c.opts.AnonKey != ""
}

// APIError はバックエンドが返したエラーレスポンスを表す。
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// errorBody は認証APIとREST APIの両方のエラー形式を受け付ける。
// codeは認証APIでは数値、REST APIでは文字列になる。
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	ErrorDescription string          `json:"error_description"`
	Error            string          `json:"error"`
}

// parseAPIError はエラーレスポンスのボディからAPIErrorを組み立てる。
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}

	apiErr.Code = eb.ErrorCode
	if apiErr.Code == "" && len(eb.Code) > 0 {
		var s string
		if err := json.Unmarshal(eb.Code, &s); err == nil {
			apiErr.Code = s
		}
	}
	if apiErr.Code == "" && eb.Error != "" && eb.ErrorDescription != "" {
		apiErr.Code = eb.Error
	}

	for _, m := range []string{eb.Msg, eb.Message, eb.ErrorDescription, eb.Error} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// request はバックエンドへの1回のHTTP呼び出しを表す。
type request struct {
	op      string
	method  string
	path    string
	query   url.Values
	bearer  string
	apiKey  string
	headers map[string]string
	body    any
}

// do はリクエストを送信し、2xxの場合はレスポンスボディを返す。
// 2xx以外の場合は*APIErrorを返す。
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	if !c.Configured() {
		return nil, backend.ErrNotConfigured
	}

	reqURL := c.opts.URL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	apiKey := r.apiKey
	if apiKey == "" {
		apiKey = c.opts.AnonKey
	}
	req.Header.Set("apikey", apiKey)
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	req.Header.Set("User-Agent", userAgent)
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(r.op, 0, start)
		c.logger.Error("backend request failed",
			slog.String("op", r.op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("backend request %s failed: %w", r.op, err)
	}
	defer resp.Body.Close()
	c.record(r.op, resp.StatusCode, start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, body)
		c.logger.Debug("backend returned error status",
			slog.String("op", r.op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) record(op string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(op, status, c.now().Sub(start))
	}
}

// asAPIError はerrが*APIErrorの場合にそれを返す。
func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
