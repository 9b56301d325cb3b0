// Package importer 將推文資料批量匯入 chirp 資料模型
//
// 系統設計考量：
//
//	資料來源可能是數 GB 的壓縮封存，不能一次載入記憶體。
//
// 處理方式：
//   - 串流讀取（JSON 陣列、JSONL、bzip2、目錄）
//   - 逐筆匯入，單筆失敗只計數不中斷
//   - 可選的限速（golang.org/x/time/rate），避免壓垮共用的 Redis
//   - 每次執行的摘要可寫入 PostgreSQL（import_runs）
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/koopa0/system-design/chirp-store/internal"
	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
	"github.com/koopa0/system-design/chirp-store/pkg/logger"
)

// 隨機互動計數的上限（含）
const (
	MaxRandomLikes    = 5_000_000
	MaxRandomRechirps = 20_000_000
)

// progressEvery 每處理多少筆記錄輸出一次進度
const progressEvery = 1000

// Store 匯入器需要的資料模型操作
type Store interface {
	ImportChirp(ctx context.Context, data *internal.ChirpData) (string, error)
}

// RunRecorder 保存每次匯入的摘要
type RunRecorder interface {
	RecordRun(ctx context.Context, summary *Summary) error
}

// Options 匯入參數
type Options struct {
	// Lang 只匯入此語言的推文；空字串表示不過濾
	Lang string

	// Limit 最多讀取的記錄數（過濾前）；0 表示不限制
	Limit int

	// RatePerSecond 每秒最多匯入筆數；0 表示不限速
	RatePerSecond float64
	Burst         int

	// RandomEngagement 以隨機值覆寫按讚/轉推數
	RandomEngagement bool

	// Seed 隨機數種子；0 表示每次執行不同
	Seed uint64
}

// OptionsFromConfig 由配置建立匯入參數
func OptionsFromConfig(config *internal.Config) Options {
	return Options{
		Lang:             config.Import.Lang,
		Limit:            config.Import.Limit,
		RatePerSecond:    config.Import.RatePerSecond,
		Burst:            config.Import.Burst,
		RandomEngagement: config.Import.RandomEngagement,
	}
}

// Summary 一次匯入的結果
type Summary struct {
	ID         int64     `json:"id,omitempty"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Read     int `json:"records_read"`
	Imported int `json:"imported"`
	Filtered int `json:"filtered"` // 語言不符
	Skipped  int `json:"skipped"`  // 格式錯誤
	Failed   int `json:"failed"`   // 儲存失敗
	Users    int `json:"users"`    // 不同作者數

	// Error 中止匯入的錯誤（正常結束時為空）
	Error string `json:"error,omitempty"`
}

// Duration 匯入耗時
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Importer 推文匯入器
type Importer struct {
	store    Store
	opts     Options
	limiter  *rate.Limiter
	rng      *rand.Rand
	recorder RunRecorder
	logger   *slog.Logger
}

// New 創建匯入器
func New(store Store, opts Options, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}

	im := &Importer{
		store:  store,
		opts:   opts,
		logger: logger,
	}

	if opts.RatePerSecond > 0 {
		burst := max(opts.Burst, 1)
		im.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	im.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	return im
}

// WithRecorder 設定匯入紀錄的保存方式
func (im *Importer) WithRecorder(recorder RunRecorder) *Importer {
	im.recorder = recorder
	return im
}

// Run 開啟路徑並匯入
func (im *Importer) Run(ctx context.Context, path string) (*Summary, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			im.logger.Warn("failed to close source", "path", path, "error", err)
		}
	}()

	return im.Import(ctx, path, src)
}

// Import 從來源逐筆匯入
//
// 單筆記錄的錯誤只計數；來源損壞或 context 取消時中止並返回已完成的摘要。
func (im *Importer) Import(ctx context.Context, name string, src Source) (*Summary, error) {
	summary := &Summary{Source: name, StartedAt: time.Now()}
	users := make(map[string]struct{})

	im.logger.InfoContext(ctx, "import started",
		"source", name,
		"lang", im.opts.Lang,
		"limit", im.opts.Limit,
		"random_engagement", im.opts.RandomEngagement)

	runErr := im.loop(ctx, src, summary, users)

	summary.Users = len(users)
	// 以單調時鐘計算結束時間，牆上時鐘回撥也不會早於開始時間
	summary.FinishedAt = summary.StartedAt.Add(time.Since(summary.StartedAt))
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	internal.ObserveImportDuration(summary.StartedAt)

	logger.Metrics(ctx, im.logger, "import", summary.Duration(),
		slog.String("source", name),
		slog.Int("read", summary.Read),
		slog.Int("imported", summary.Imported),
		slog.Int("filtered", summary.Filtered),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("users", summary.Users))

	im.record(ctx, summary)

	return summary, runErr
}

func (im *Importer) loop(ctx context.Context, src Source, summary *Summary, users map[string]struct{}) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if im.opts.Limit > 0 && summary.Read >= im.opts.Limit {
			return nil
		}

		raw, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		var recErr *RecordError
		if errors.As(err, &recErr) {
			summary.Read++
			im.count(summary, "skipped")
			im.logger.Debug("unreadable record skipped", "line", recErr.Line, "error", recErr.Err)
			continue
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}

		summary.Read++
		if err := im.importOne(ctx, raw, summary, users); err != nil {
			return err
		}

		if summary.Read%progressEvery == 0 {
			im.logger.InfoContext(ctx, "import progress",
				"read", summary.Read,
				"imported", summary.Imported)
		}
	}
}

// importOne 處理一筆記錄；只有 context 取消會返回錯誤
func (im *Importer) importOne(ctx context.Context, raw json.RawMessage, summary *Summary, users map[string]struct{}) error {
	var data internal.ChirpData
	if err := json.Unmarshal(raw, &data); err != nil {
		im.count(summary, "skipped")
		im.logger.Debug("undecodable record skipped", "error", err)
		return nil
	}

	if im.opts.Lang != "" && data.Lang != im.opts.Lang {
		im.count(summary, "filtered")
		return nil
	}

	if im.opts.RandomEngagement {
		data.FavoriteCount = internal.Int(im.rng.Int64N(MaxRandomLikes + 1))
		data.RetweetCount = internal.Int(im.rng.Int64N(MaxRandomRechirps + 1))
	}

	if im.limiter != nil {
		if err := im.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if _, err := im.store.ImportChirp(ctx, &data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperrors.IsMalformed(err) {
			im.count(summary, "skipped")
			im.logger.Warn("malformed record skipped", "chirp_id", data.ID.Value, "error", err)
			return nil
		}
		im.count(summary, "failed")
		im.logger.Error("failed to import chirp", "chirp_id", data.ID.Value, "error", err)
		return nil
	}

	im.count(summary, "imported")
	users[data.User.ID.Value] = struct{}{}
	return nil
}

// count 更新摘要與指標
func (im *Importer) count(summary *Summary, outcome string) {
	switch outcome {
	case "imported":
		summary.Imported++
	case "filtered":
		summary.Filtered++
	case "skipped":
		summary.Skipped++
	case "failed":
		summary.Failed++
	}
	internal.ImportRecords.WithLabelValues(outcome).Inc()
}

// record 保存摘要，失敗只記錄日誌
func (im *Importer) record(ctx context.Context, summary *Summary) {
	if im.recorder == nil {
		return
	}

	// 匯入被取消時仍要寫入紀錄
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := im.recorder.RecordRun(ctx, summary); err != nil {
		im.logger.Warn("failed to record import run", "source", summary.Source, "error", err)
	}
}

// RandomEngagement 產生隨機互動計數的函數（給既有資料的補值使用）
func (im *Importer) RandomEngagement() internal.EngagementFunc {
	return func(string) (int64, int64) {
		return im.rng.Int64N(MaxRandomLikes + 1), im.rng.Int64N(MaxRandomRechirps + 1)
	}
}
