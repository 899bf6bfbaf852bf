// Package view は認証フォームとメイン画面のHTMLを描画する。
// テンプレートと静的ファイルはバイナリに埋め込まれる。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Mode は認証フォームのモード。バックエンドとは無関係な画面上の切り替えのみを表す。
type Mode string

const (
	ModeSignIn Mode = "signin"
	ModeSignUp Mode = "signup"
)

// ParseMode は文字列をModeに変換する。"signup"以外はサインインとして扱う。
func ParseMode(s string) Mode {
	if s == string(ModeSignUp) {
		return ModeSignUp
	}
	return ModeSignIn
}

// SignUpNotice はメール確認待ちのサインアップ成功時に表示する文言。
const SignUpNotice = "アカウントが作成されました。確認メールをご確認ください。"

// AuthFormData は認証フォームの描画データ。
type AuthFormData struct {
	Mode      Mode
	Email     string
	Error     string
	Notice    string
	CSRFToken string
}

// SignUp はアカウント作成モードかを返す。
func (d AuthFormData) SignUp() bool {
	return d.Mode == ModeSignUp
}

// Title はモード表示と送信ボタンの文言を返す。
func (d AuthFormData) Title() string {
	if d.SignUp() {
		return "アカウント作成"
	}
	return "ログイン"
}

// ToggleText はモード切り替えリンクの文言を返す。
func (d AuthFormData) ToggleText() string {
	if d.SignUp() {
		return "すでにアカウントをお持ちですか？ログイン"
	}
	return "アカウントをお持ちでないですか？登録"
}

// ToggleMode は切り替え先のモードを返す。
func (d AuthFormData) ToggleMode() Mode {
	if d.SignUp() {
		return ModeSignIn
	}
	return ModeSignUp
}

// Action はフォームの送信先を返す。
func (d AuthFormData) Action() string {
	if d.SignUp() {
		return "/auth/signup"
	}
	return "/auth/signin"
}

// MainAppData はメイン画面の描画データ。
type MainAppData struct {
	Email     string
	RoleLabel string
	CanEdit   bool
	Degraded  bool
	Alert     string
	CSRFToken string
}

// Renderer は埋め込みテンプレートでページを描画する。
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer はテンプレートを読み込んでRendererを生成する。
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// RenderAuthForm は認証フォームを描画する。
func (r *Renderer) RenderAuthForm(w io.Writer, data AuthFormData) error {
	return r.render(w, "auth_form", data)
}

// RenderMainApp はメイン画面を描画する。
func (r *Renderer) RenderMainApp(w io.Writer, data MainAppData) error {
	return r.render(w, "main_app", data)
}

// render はバッファに描画してから書き出す。途中で失敗した場合に中途半端なHTMLを返さない。
func (r *Renderer) render(w io.Writer, name string, data any) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// StaticHandler は/static/配下の埋め込みファイルを配信するハンドラーを返す。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(fmt.Sprintf("embedded static dir missing: %v", err))
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}
