package middleware

import "net/http"

const (
	// corsAllowMethods は /api が提供するメソッド。APIは読み取り専用。
	corsAllowMethods = "GET, OPTIONS"
	// corsAllowHeaders はクロスオリジンのAPI呼び出しで許可するヘッダー。
	// CSRFトークンはX-CSRF-Tokenヘッダーで送られる。
	corsAllowHeaders = "Content-Type, " + csrfHeaderName
)

// NewCORSMiddleware は /api 用のCORSミドルウェアを返す。
// 認証Cookieを送れるよう、許可オリジンからのリクエストにだけオリジンを返し、ワイルドカードは使わない。
// OPTIONSプリフライトには204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			if origin := r.Header.Get("Origin"); origin != "" && origin == allowedOrigin {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
