// Package internal 實現 chirp（微網誌）資料模型
//
// 系統設計問題：
//
//	如何用 Redis 的 hash 與 sorted set 表達用戶、貼文、排行榜與時間軸？
//
// 核心挑戰：
//  1. 排行榜：follower 數、發文數需要 O(log n) 更新與 top-N 查詢
//  2. 時間軸：只保留有限數量的最新 chirp，避免無限成長
//  3. 唯一性：username 不可重複
//  4. 一致性：一次操作會寫多個 key，但沒有分散式交易
//
// 設計方案：
//
//	✅ 每個實體一個 hash，排行榜與時間軸用 sorted set
//	✅ 計數器變動時在同一操作內改寫對應的排行榜
//	✅ HSETNX 保證 username 唯一
//	✅ Lua 腳本讓「檢查 + 遞增」「遞增 + 改寫排行」成為原子操作
//	✅ 時間軸超過上限時一次淘汰到只剩固定數量（只在匯入時觸發）
package internal

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CreatedAtLayout 新建用戶與 chirp 的 created_at 格式（與匯入資料相同）
const CreatedAtLayout = "Mon Jan 02 15:04:05 +0000 2006"

// IDGenerator 產生唯一、可作為 Redis key 的字串 ID
type IDGenerator interface {
	NextID() (string, error)
}

// User 用戶
type User struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	ChirpCount     int64  `json:"chirp_count"`
	CreatedAt      string `json:"created_at"`
	ProfileImage   string `json:"profile_image,omitempty"`
}

// Chirp 貼文
type Chirp struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	CreatedAt     string `json:"created_at"`
	Lang          string `json:"lang"`
	FavoriteCount int64  `json:"favorite_count"`
	RetweetCount  int64  `json:"retweet_count"`

	// Timestamp 時間軸上的 score（秒），只有從時間軸讀出時才有值
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Model chirp 資料模型
//
// 架構：
//
//	CLI / HTTP / 匯入器 → Model → Redis
//
// 每個操作 1-4 次 Redis 往返，沒有背景任務與快取。
// Model 不持有可變狀態（ID 生成器自帶鎖），可並發使用；
// 但跨 key 的寫入不在同一交易內，崩潰時索引可能短暫落後實體。
type Model struct {
	rdb    redis.UniversalClient
	ids    IDGenerator
	logger *slog.Logger

	// 時間軸淘汰：數量 > timelineMaxSize 時只保留最新 timelineKeep 則
	timelineMaxSize int64
	timelineKeep    int64

	now func() time.Time
}

// NewModel 創建資料模型
//
// config 可為 nil，此時使用預設的淘汰參數。
func NewModel(rdb redis.UniversalClient, ids IDGenerator, config *Config, logger *slog.Logger) *Model {
	m := &Model{
		rdb:             rdb,
		ids:             ids,
		logger:          logger,
		timelineMaxSize: DefaultTimelineMaxSize,
		timelineKeep:    DefaultTimelineKeep,
		now:             time.Now,
	}

	if config != nil {
		if config.Timeline.MaxSize > 0 {
			m.timelineMaxSize = config.Timeline.MaxSize
		}
		if config.Timeline.Keep > 0 {
			m.timelineKeep = config.Timeline.Keep
		}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	return m
}

// SetClock 替換時鐘（測試用）
func (m *Model) SetClock(now func() time.Time) {
	m.now = now
}

// Ping 檢查 Redis 連線
func (m *Model) Ping(ctx context.Context) error {
	return storeError("ping", m.rdb.Ping(ctx).Err())
}

// userFromHash 將 hash 轉為 User
func userFromHash(id string, h map[string]string) User {
	return User{
		ID:             id,
		Username:       h["username"],
		Name:           h["name"],
		FollowerCount:  toInt(h["follower_count"]),
		FollowingCount: toInt(h["following_count"]),
		ChirpCount:     toInt(h["chirp_count"]),
		CreatedAt:      h["created_at"],
		ProfileImage:   h["profile_image"],
	}
}

// chirpFromHash 將 hash 轉為 Chirp，互動計數無法解析時為 0
func chirpFromHash(id string, h map[string]string) Chirp {
	return Chirp{
		ID:            id,
		Text:          h["text"],
		UserID:        h["user_id"],
		Username:      h["username"],
		CreatedAt:     h["created_at"],
		Lang:          h["lang"],
		FavoriteCount: toInt(h["favorite_count"]),
		RetweetCount:  toInt(h["retweet_count"]),
	}
}

// toInt 寬鬆解析儲存的計數值
func toInt(s string) int64 {
	v, ok := parseInt(s)
	if !ok {
		return 0
	}
	return v
}
