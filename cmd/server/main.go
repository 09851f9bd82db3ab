// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"key-maintenance-service/config"
	"key-maintenance-service/internal/authz"
	"key-maintenance-service/internal/handler"
	"key-maintenance-service/internal/infra"
	"key-maintenance-service/internal/repository"
	"key-maintenance-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()
	logLevel := infra.ParseLogLevel(cfg.LogLevel)

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	db, err := infra.NewDB(cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// セキュアバックエンド初期化。ソフトウェアバックエンドは常に有効で、
	// KMS設定がある場合はTEE相当のバックエンドも登録する。
	softwareBackend, err := infra.NewSoftwareBackend()
	if err != nil {
		slog.Error("failed to init software backend", "error", err)
		os.Exit(1)
	}
	backends := []usecase.SecureBackend{softwareBackend}

	if cfg.KMSKeyName != "" {
		kmsBackend, err := infra.NewCloudKMSBackend(ctx, cfg.KMSKeyName, cfg.KMSKeyRing)
		if err != nil {
			slog.Error("failed to init KMS backend", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsBackend.Close(); closeErr != nil {
				slog.Error("failed to close KMS backend", "error", closeErr)
			}
		}()
		backends = append(backends, kmsBackend)
	}

	// 権限オラクル初期化
	oracle, err := authz.NewOracle(authz.Config{
		SystemUID: cfg.SystemUID,
	})
	if err != nil {
		slog.Error("failed to init authorization oracle", "error", err)
		os.Exit(1)
	}

	// DI
	keyRepo := repository.NewKeyEntryRepository(db)
	userRepo := repository.NewUserRepository(db)
	service := usecase.NewMaintenanceService(keyRepo, userRepo, backends, oracle, oracle, usecase.MaintenanceConfig{
		SystemUID:      cfg.SystemUID,
		BackendTimeout: cfg.BackendTimeout,
	})
	h := handler.NewMaintenanceHandler(service)
	router := handler.NewRouter(h, cfg.OtelEnabled)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
