package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// requestInfoContextKey はリクエストログに追加する情報の格納先を示すキー。
var requestInfoContextKey = contextKey("request_info")

// requestInfo は内側のミドルウェアがログ用に書き込む情報。
// ロギングミドルウェアが外側にあるため、コンテキストの値ではなく共有ポインタで受け渡す。
type requestInfo struct {
	mu     sync.Mutex
	userID string
}

// setRequestUserID はリクエストログに出力するユーザーIDを記録する。
// ロギングミドルウェアを通過していないリクエストでは何もしない。
func setRequestUserID(ctx context.Context, userID string) {
	info, ok := ctx.Value(requestInfoContextKey).(*requestInfo)
	if !ok {
		return
	}
	info.mu.Lock()
	info.userID = userID
	info.mu.Unlock()
}

func (i *requestInfo) UserID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userID
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_id（認証済みの場合）を含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			info := &requestInfo{}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoContextKey, info)))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			// 認証済みの場合はユーザーIDを追加
			if userID := info.UserID(); userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			// slog.Attr をany スライスに変換
			args := make([]any, len(attrs))
			for i, attr := range attrs {
				args[i] = attr
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
