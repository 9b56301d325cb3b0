package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/koopa0/system-design/chirp-store/internal"
	"github.com/koopa0/system-design/chirp-store/pkg/logger"
	"github.com/koopa0/system-design/chirp-store/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// .env 不存在時忽略
	_ = godotenv.Load()

	// 載入配置
	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, err := logger.Init(config.Log.Level, config.Log.Format, config.Log.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(config, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(config *internal.Config, log *slog.Logger) error {
	ctx := context.Background()

	// 連接 Redis
	redisClient, err := internal.NewRedisClient(ctx, config)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	ids, err := snowflake.NewGenerator(config.Snowflake.NodeID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// 創建資料模型和處理器
	model := internal.NewModel(redisClient, ids, config, log)
	handler := internal.NewHandler(model, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", config.Server.Port,
			"redis", config.Redis.Addr,
			"node_id", config.Snowflake.NodeID)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		// 給予 30 秒時間完成當前請求
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	log.Info("server stopped")
	return nil
}
