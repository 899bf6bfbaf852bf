package role

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/estate-report/internal/model"
)

// SeedFile はロール一括設定ファイルの形式。
//
//	roles:
//	  - user_id: 3f0c...
//	    role: editor
type SeedFile struct {
	Roles []SeedEntry `yaml:"roles"`
}

// SeedEntry は1ユーザー分のロール設定。
type SeedEntry struct {
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
}

// ParseSeed はYAMLを読み込み、全エントリを検証する。
// 1件でも不正なエントリがあればエラーを返す。
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse role seed: %w", err)
	}

	seen := make(map[string]bool, len(f.Roles))
	for i, e := range f.Roles {
		if e.UserID == "" {
			return nil, fmt.Errorf("roles[%d]: user_id is required", i)
		}
		if _, err := model.ParseRole(e.Role); err != nil {
			return nil, fmt.Errorf("roles[%d]: %w", i, err)
		}
		if seen[e.UserID] {
			return nil, fmt.Errorf("roles[%d]: duplicate user_id %q", i, e.UserID)
		}
		seen[e.UserID] = true
	}
	return &f, nil
}

// LoadSeedFile はファイルパスからロール設定を読み込む。
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open role seed: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// ApplySeed は設定ファイルの全エントリをSetUserRoleで反映する。
// 途中で失敗した場合は、それまでに反映した件数とエラーを返す。
func (r *Resolver) ApplySeed(ctx context.Context, seed *SeedFile) (int, error) {
	applied := 0
	for _, e := range seed.Roles {
		if err := r.SetUserRole(ctx, e.UserID, model.Role(e.Role)); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
