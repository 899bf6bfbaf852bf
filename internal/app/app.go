package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitoshi/estate-report/internal/auth"
	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/config"
	"github.com/hitoshi/estate-report/internal/database"
	"github.com/hitoshi/estate-report/internal/handler"
	"github.com/hitoshi/estate-report/internal/logger"
	"github.com/hitoshi/estate-report/internal/metrics"
	"github.com/hitoshi/estate-report/internal/middleware"
	"github.com/hitoshi/estate-report/internal/repository"
	"github.com/hitoshi/estate-report/internal/role"
	"github.com/hitoshi/estate-report/internal/security"
	"github.com/hitoshi/estate-report/internal/supabase"
	"github.com/hitoshi/estate-report/internal/telemetry"
	"github.com/hitoshi/estate-report/internal/view"
	"github.com/hitoshi/estate-report/internal/worker/cleanup"
)

// serviceName はトレースとログで使うサービス名。
const serviceName = "estate-report"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	for _, warning := range cfg.Warnings {
		slog.Warn("configuration warning", slog.String("detail", warning))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("auth_backend", string(cfg.AuthBackend)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRole:
		return runRole(ctx, w, cfg, args[1:])
	default:
		return runServe(ctx, cfg)
	}
}

// openProvider はAUTH_BACKENDに応じた認証・ロール保存の実装を生成する。
// localバックエンドの場合はDB接続も返す。呼び出し側がCloseする。
// observeがnilでない場合はバックエンド呼び出しのレイテンシを記録する。
func openProvider(cfg *config.Config, observe supabase.ObserveFunc) (backend.Provider, *sql.DB, error) {
	switch cfg.AuthBackend {
	case config.BackendLocal:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)

		service := auth.NewService(
			repository.NewPostgresUserRepo(db),
			repository.NewPostgresSessionRepo(db),
			auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
		)
		return auth.NewProvider(service, repository.NewPostgresRoleRepo(db)), db, nil

	default:
		if cfg.SupabaseURL != "" {
			if err := security.ValidateBackendURL(cfg.SupabaseURL, cfg.BackendEgressStrict); err != nil {
				return nil, nil, fmt.Errorf("invalid SUPABASE_URL: %w", err)
			}
		}
		client := supabase.NewClient(supabase.Options{
			URL:            cfg.SupabaseURL,
			AnonKey:        cfg.SupabaseAnonKey,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			JWTSecret:      cfg.SupabaseJWTSecret,
		}, security.NewBackendHTTPClient(cfg.BackendTimeout, cfg.BackendEgressStrict), slog.Default())
		if observe != nil {
			client.SetObserver(observe)
		}
		return supabase.NewProvider(client), nil, nil
	}
}

// runServe はWebサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERMを受信する）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. トレースとメトリクス
	shutdownTracing := telemetry.Setup(ctx, serviceName)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. 認証バックエンド
	provider, db, err := openProvider(cfg, collector.RecordBackendRequest)
	if err != nil {
		return err
	}

	var healthChecker handler.HealthChecker
	if db != nil {
		defer db.Close()
		healthChecker = db
	}

	// 3. ロール解決（ストアはリクエストごとに差し替える）
	roles := role.NewResolver(nil, slog.Default())
	roles.SetObserver(collector)

	// 4. 画面
	renderer, err := view.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Provider:  provider,
		Roles:     roles,
		Renderer:  renderer,
		Sanitizer: security.NewMessageSanitizer(),
		AuthConfig: middleware.AuthConfig{
			CookieSecure:  cfg.CookieSecure,
			CookieDomain:  cfg.CookieDomain,
			RefreshMaxAge: cfg.SessionMaxAge,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Metrics:           collector,
		Gatherer:          reg,
		HealthChecker:     healthChecker,
		Logger:            slog.Default(),
	})

	// 6. 期限切れセッションの削除（localバックエンドのみ）
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if db != nil {
		go cleanup.NewCleanupJob(db, collector, slog.Default()).Start(workerCtx, cfg.SessionCleanupInterval)
	}

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", listener.Addr().String()),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
