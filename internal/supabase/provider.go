package supabase

import "github.com/hitoshi/estate-report/internal/backend"

// Provider はClientをbackend.Providerとして公開する。
type Provider struct {
	client *Client
}

// NewProvider はProviderを生成する。
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Authenticator は認証操作の実装を返す。
func (p *Provider) Authenticator() backend.Authenticator {
	return p.client
}

// RoleStore はtokensで認可されるロールストアを返す。
func (p *Provider) RoleStore(tokens backend.TokenSource) backend.RoleStore {
	return NewRoleStore(p.client, tokens)
}

// compile-time interface check
var _ backend.Provider = (*Provider)(nil)
