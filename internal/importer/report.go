package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/koopa0/system-design/chirp-store/internal"
)

// reportSize 報告中列出的用戶與 chirp 數
const reportSize = 5

// previewRunes chirp 內文預覽長度
const previewRunes = 50

// ReportSource 報告需要的查詢
type ReportSource interface {
	Stats(ctx context.Context) (*internal.Stats, error)
	TopByFollowers(ctx context.Context, n int) ([]internal.User, error)
	LatestChirps(ctx context.Context, n int) ([]internal.Chirp, error)
}

// WriteReport 輸出匯入結果與資料集概況
func WriteReport(ctx context.Context, w io.Writer, summary *Summary, q ReportSource) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	top, err := q.TopByFollowers(ctx, reportSize)
	if err != nil {
		return fmt.Errorf("load top users: %w", err)
	}
	latest, err := q.LatestChirps(ctx, reportSize)
	if err != nil {
		return fmt.Errorf("load latest chirps: %w", err)
	}

	p := &printer{w: w}
	p.printf("Import completed in %s\n", summary.Duration().Round(time.Millisecond))
	p.printf("  records read:    %d\n", summary.Read)
	p.printf("  chirps imported: %d\n", summary.Imported)
	p.printf("  users imported:  %d\n", summary.Users)
	p.printf("  filtered:        %d\n", summary.Filtered)
	p.printf("  skipped:         %d\n", summary.Skipped)
	p.printf("  failed:          %d\n", summary.Failed)
	if summary.Error != "" {
		p.printf("  aborted:         %s\n", summary.Error)
	}

	p.printf("\nStatistics:\n")
	p.printf("  chirps on timeline: %d\n", stats.TimelineSize)
	p.printf("  chirps stored:      %d\n", stats.ChirpCount)
	p.printf("  users:              %d\n", stats.UserCount)

	p.printf("\nTop %d users by followers:\n", reportSize)
	for i, u := range top {
		p.printf("  %d. @%s - %d followers\n", i+1, u.Username, u.FollowerCount)
	}

	p.printf("\n%d latest chirps:\n", reportSize)
	for _, c := range latest {
		p.printf("  - @%s: %s\n", c.Username, preview(c.Text))
	}

	return p.err
}

// preview 截斷內文（以 rune 計）
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}

// printer 記住第一個寫入錯誤
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
