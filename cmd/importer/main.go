// Command importer 將推文封存匯入 chirp 資料模型
//
// 用法：
//
//	importer [flags] <file-or-directory>
//
// 支援 JSON 陣列、JSONL、bzip2 壓縮的 JSONL，以及含 *.json.bz2 的目錄。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/koopa0/system-design/chirp-store/internal"
	"github.com/koopa0/system-design/chirp-store/internal/importer"
	"github.com/koopa0/system-design/chirp-store/internal/migrations"
	"github.com/koopa0/system-design/chirp-store/pkg/logger"
	"github.com/koopa0/system-design/chirp-store/pkg/snowflake"
)

type flags struct {
	config           string
	limit            int
	reset            bool
	randomEngagement bool
	fixEngagement    bool
	lang             string
	rate             float64
	seed             uint64
	history          int
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "config.yaml", "path to config file")
	flag.IntVar(&f.limit, "limit", -1, "maximum records to read (0 = no limit, default from config)")
	flag.BoolVar(&f.reset, "reset", false, "flush the Redis database before importing")
	flag.BoolVar(&f.randomEngagement, "random-engagement", false, "overwrite like/rechirp counts with random values")
	flag.BoolVar(&f.fixEngagement, "fix-engagement", false, "randomize engagement of chirps already stored, then exit")
	flag.StringVar(&f.lang, "lang", "", "only import chirps in this language (default from config)")
	flag.Float64Var(&f.rate, "rate", -1, "maximum records per second (0 = unlimited, default from config)")
	flag.Uint64Var(&f.seed, "seed", 0, "random seed for engagement values (0 = random)")
	flag.IntVar(&f.history, "history", 0, "print the last N import runs from PostgreSQL, then exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file-or-directory>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	config, err := internal.LoadConfig(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(config.Log.Level, config.Log.Format, config.Log.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, f, flag.Args(), log); err != nil {
		log.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config *internal.Config, f flags, args []string, log *slog.Logger) error {
	var ledger *importer.PostgresLedger
	if config.Postgres.Enabled {
		if err := migrations.Apply(config.PostgresURL(), log); err != nil {
			return fmt.Errorf("migrate import ledger: %w", err)
		}
		pool, err := importer.NewPool(ctx, config.PostgresDSN(), config.Postgres.MaxConns, config.Postgres.MinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		ledger = importer.NewPostgresLedger(pool)
	}

	if f.history > 0 {
		if ledger == nil {
			return errors.New("-history requires postgres to be configured")
		}
		return printHistory(ctx, ledger, f.history)
	}

	redisClient, err := internal.NewRedisClient(ctx, config)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	ids, err := snowflake.NewGenerator(config.Snowflake.NodeID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}
	model := internal.NewModel(redisClient, ids, config, log)

	opts := importer.OptionsFromConfig(config)
	if f.limit >= 0 {
		opts.Limit = f.limit
	}
	if f.lang != "" {
		opts.Lang = f.lang
	}
	if f.rate >= 0 {
		opts.RatePerSecond = f.rate
	}
	if f.randomEngagement {
		opts.RandomEngagement = true
	}
	opts.Seed = f.seed

	im := importer.New(model, opts, log)
	if ledger != nil {
		im.WithRecorder(ledger)
	}

	if f.fixEngagement {
		n, err := model.RandomizeEngagement(ctx, im.RandomEngagement())
		if err != nil {
			return err
		}
		fmt.Printf("Randomized engagement of %d chirps\n", n)
		return nil
	}

	if len(args) != 1 {
		flag.Usage()
		return errors.New("exactly one source path is required")
	}

	if f.reset {
		log.Info("resetting redis database", "addr", config.Redis.Addr, "db", config.Redis.DB)
		if err := model.ResetAll(ctx); err != nil {
			return err
		}
	}

	summary, runErr := im.Run(ctx, args[0])
	if summary == nil {
		return runErr
	}

	// 中斷時仍輸出已完成部分的報告
	if err := importer.WriteReport(context.WithoutCancel(ctx), os.Stdout, summary, model); err != nil {
		log.Warn("failed to write report", "error", err)
	}

	return runErr
}

func printHistory(ctx context.Context, ledger *importer.PostgresLedger, n int) error {
	runs, err := ledger.ListRuns(ctx, n)
	if err != nil {
		return err
	}

	for _, r := range runs {
		status := "ok"
		if r.Error != "" {
			status = "aborted: " + r.Error
		}
		fmt.Printf("#%d %s %s read=%d imported=%d filtered=%d skipped=%d failed=%d users=%d (%s) %s\n",
			r.ID,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Source,
			r.Read, r.Imported, r.Filtered, r.Skipped, r.Failed, r.Users,
			r.Duration().Round(time.Millisecond),
			status)
	}
	return nil
}
