// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// allowedSchemes は認証バックエンドへの接続で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は厳格モードでブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// NewBackendHTTPClient は認証バックエンド用のHTTPクライアントを生成する。
//
// strictがtrueの場合はsafeurlでプライベートIP・ループバック・リンクローカルへの
// 接続を拒否し、ポートを80/443に制限する。ホスティングされたバックエンド（https）を
// 使う本番構成を想定している。strictがfalseの場合はローカル開発用のバックエンド
// （http://localhost:54321 など）に接続できるよう制限をかけない。
//
// どちらの場合もトランスポートはotelhttpでラップされ、バックエンド呼び出しがトレースされる。
func NewBackendHTTPClient(timeout time.Duration, strict bool) *http.Client {
	if !strict {
		return &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	client := safeurl.Client(config).Client
	client.Transport = otelhttp.NewTransport(client.Transport)
	return client
}

// ValidateBackendURL は認証バックエンドのURLを静的に検証する。
// DNS解決を伴わないため、起動時の設定チェックとして使用する。
// strictがfalseの場合はスキームとホストの有無のみを検証する。
func ValidateBackendURL(rawURL string, strict bool) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if !strict {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
