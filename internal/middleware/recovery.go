package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hitoshi/estate-report/internal/model"
)

// NewRecoveryMiddleware はハンドラーのpanicを500応答に変換するミドルウェアを返す。
// ロギングミドルウェアの内側にある場合は、認証済みユーザーのIDもログに含める。
// http.ErrAbortHandlerは接続の中断を意図したものなので再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if info, ok := r.Context().Value(requestInfoContextKey).(*requestInfo); ok {
					if userID := info.UserID(); userID != "" {
						attrs = append(attrs, slog.String("user_id", userID))
					}
				}
				logger.Error("panic recovered", attrs...)

				writeRequestError(w, r, http.StatusInternalServerError, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}
