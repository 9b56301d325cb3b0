// Package migrations 管理匯入紀錄（import_runs）的資料庫結構
//
// SQL 檔以 embed 打包進執行檔；chirp 資料本身在 Redis，不經過這裡。
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Schema import_runs 的版本管理
type Schema struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// Open 連線並載入內嵌的遷移檔
//
// databaseURL 必須是 postgres:// 形式（golang-migrate 不接受 key=value DSN）。
func Open(databaseURL string, logger *slog.Logger) (*Schema, error) {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect for migrations: %w", err)
	}

	return &Schema{m: m, logger: logger}, nil
}

// Up 套用所有未執行的遷移
//
// 上次遷移中斷留下 dirty 狀態時，先把版本標記回乾淨再繼續。
func (s *Schema) Up() error {
	version, dirty, err := s.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	if dirty {
		s.logger.Warn("schema is dirty, forcing version", "version", version)
		if err := s.m.Force(int(version)); err != nil { // #nosec G115 - 版本號來自遷移檔名
			return fmt.Errorf("force schema version %d: %w", version, err)
		}
	}

	switch err := s.m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		s.logger.Debug("schema up to date", "version", version)
		return nil
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	}

	current, _, _ := s.m.Version()
	s.logger.Info("schema migrated", "from", version, "to", current)
	return nil
}

// Rollback 回滾 steps 個版本
func (s *Schema) Rollback(steps int) error {
	if steps <= 0 {
		return nil
	}

	err := s.m.Steps(-steps)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back %d migrations: %w", steps, err)
	}

	current, _, _ := s.m.Version()
	s.logger.Info("schema rolled back", "steps", steps, "version", current)
	return nil
}

// Version 目前版本；尚未遷移時返回 0
func (s *Schema) Version() (uint, error) {
	version, dirty, err := s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// Close 關閉遷移使用的連線
func (s *Schema) Close() error {
	srcErr, dbErr := s.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Apply 開啟、遷移到最新版本後關閉
func Apply(databaseURL string, logger *slog.Logger) error {
	s, err := Open(databaseURL, logger)
	if err != nil {
		return err
	}

	upErr := s.Up()
	if closeErr := s.Close(); closeErr != nil {
		s.logger.Warn("failed to close migration connection", "error", closeErr)
	}
	return upErr
}
