package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/estate-report/internal/model"
)

func panickingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
}

// APIのpanicは統一フォーマットのJSONで500を返すこと
func TestRecoveryMiddleware_APIReturnsJSON(t *testing.T) {
	var buf bytes.Buffer
	handler := NewRecoveryMiddleware(slog.New(slog.NewJSONHandler(&buf, nil)))(panickingHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if !strings.Contains(buf.String(), `"panic":"boom"`) {
		t.Errorf("panic should be logged, got %s", buf.String())
	}
}

// 画面のpanicはプレーンテキストで500を返すこと
func TestRecoveryMiddleware_PageReturnsText(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger())(panickingHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/signin", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if !strings.Contains(w.Body.String(), model.NewInternalError().Message) {
		t.Errorf("body = %q", w.Body.String())
	}
}

// ロギングミドルウェアの内側ではユーザーIDを記録し、リクエストログも500になること
func TestRecoveryMiddleware_LogsUserID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRequestUserID(r.Context(), "u1")
		panic("boom")
	})
	handler := NewLoggingMiddleware(logger)(NewRecoveryMiddleware(logger)(inner))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var panicLog, requestLog map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		switch entry["msg"] {
		case "panic recovered":
			panicLog = entry
		case "http_request":
			requestLog = entry
		}
	}
	if panicLog == nil || panicLog["user_id"] != "u1" {
		t.Errorf("panic log = %v, want user_id u1", panicLog)
	}
	if requestLog == nil || requestLog["status"] != float64(http.StatusInternalServerError) {
		t.Errorf("request log = %v, want status 500", requestLog)
	}
}

// 接続中断のためのpanicは握りつぶさないこと
func TestRecoveryMiddleware_RepanicsAbortHandler(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok || !errors.Is(err, http.ErrAbortHandler) {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRecoveryMiddleware_PassesThrough(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSeeOther)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/signout", nil))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", w.Code)
	}
}
