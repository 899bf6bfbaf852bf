package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/estate-report/internal/config"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/role"
)

// roleUsage はroleサブコマンドの使い方。
const roleUsage = `usage:
  estate-report role get <user-id>
  estate-report role set <user-id> <editor|viewer>
  estate-report role list
  estate-report role seed <file.yaml>`

// ErrUsage はサブコマンドの引数が不正であることを示す。
var ErrUsage = errors.New("invalid arguments")

// ErrServiceRoleKeyRequired はホスティング型バックエンドで管理者キーが未設定であることを示す。
// 公開キーでは行レベルセキュリティにより他ユーザーのロールを操作できない。
var ErrServiceRoleKeyRequired = errors.New("SUPABASE_SERVICE_ROLE_KEY is required for role administration")

// runRole は管理者向けのロール操作を実行する。
// ロールストアには管理者権限（ホスティング型バックエンドではサービスロールキー）でアクセスする。
func runRole(ctx context.Context, w io.Writer, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return usageError("missing role subcommand")
	}
	if cfg.AuthBackend == config.BackendSupabase && cfg.SupabaseServiceRoleKey == "" {
		return ErrServiceRoleKeyRequired
	}

	provider, db, err := openProvider(cfg, nil)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	resolver := role.NewResolver(provider.RoleStore(nil), slog.Default())
	return execRole(ctx, w, resolver, args)
}

// execRole はroleサブコマンドを解釈してresolverに対して実行する。
func execRole(ctx context.Context, w io.Writer, resolver *role.Resolver, args []string) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return usageError("role get takes exactly one user id")
		}
		res := resolver.Resolve(ctx, args[1])
		fmt.Fprintf(w, "%s\t%s\t%s\n", args[1], res.Role, res.Outcome)
		if res.Err != nil {
			return fmt.Errorf("role lookup for %s was %s: %w", args[1], res.Outcome, res.Err)
		}
		return nil

	case "set":
		if len(args) != 3 {
			return usageError("role set takes a user id and a role")
		}
		r, err := model.ParseRole(args[2])
		if err != nil {
			return usageError(err.Error())
		}
		if err := resolver.SetUserRole(ctx, args[1], r); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", args[1], r)
		return nil

	case "list":
		roles, err := resolver.ListRoles(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "USER_ID\tROLE\tUPDATED_AT")
		for _, ur := range roles {
			updated := "-"
			if !ur.UpdatedAt.IsZero() {
				updated = ur.UpdatedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", ur.UserID, ur.Role, updated)
		}
		return tw.Flush()

	case "seed":
		if len(args) != 2 {
			return usageError("role seed takes exactly one file")
		}
		seed, err := role.LoadSeedFile(args[1])
		if err != nil {
			return err
		}
		applied, err := resolver.ApplySeed(ctx, seed)
		fmt.Fprintf(w, "applied %d/%d roles\n", applied, len(seed.Roles))
		return err

	default:
		return usageError(fmt.Sprintf("unknown role subcommand %q", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%w: %s\n%s", ErrUsage, msg, roleUsage)
}
