package internal

import (
	"context"
	"time"
)

// Stats 資料集概況
type Stats struct {
	UserCount    int64 `json:"user_count"`
	ChirpCount   int64 `json:"chirp_count"`
	TimelineSize int64 `json:"timeline_size"`
}

// ResetAll 清空目前 Redis 資料庫
//
// 注意：FLUSHDB 會刪除同一個 DB 內的所有 key，包含不屬於本系統的資料。
// 只應在專用的 DB 上使用。
func (m *Model) ResetAll(ctx context.Context) error {
	start := time.Now()

	if err := m.rdb.FlushDB(ctx).Err(); err != nil {
		return storeError("flush database", err)
	}

	m.logger.InfoContext(ctx, "data store reset", "duration", time.Since(start))
	return nil
}

// Stats 統計用戶數、chirp 數與時間軸長度
//
// 用戶數取自 follower 排行榜（每個用戶必在其中）；
// chirp 數需要 SCAN，大資料集上較慢。
func (m *Model) Stats(ctx context.Context) (*Stats, error) {
	users, err := m.rdb.ZCard(ctx, KeyTopFollowers).Result()
	if err != nil {
		return nil, storeError("count users", err)
	}

	timeline, err := m.rdb.ZCard(ctx, KeyTimeline).Result()
	if err != nil {
		return nil, storeError("count timeline", err)
	}

	chirpKeys, err := scanKeys(ctx, m.rdb, chirpKeyPrefix)
	if err != nil {
		return nil, err
	}

	return &Stats{
		UserCount:    users,
		ChirpCount:   int64(len(chirpKeys)),
		TimelineSize: timeline,
	}, nil
}
