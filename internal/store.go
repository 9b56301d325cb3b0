package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
)

// Redis 資料佈局
//
//	users:<id>           hash  用戶資料與三個計數器
//	usernames            hash  username → user id
//	chirp:<id>           hash  chirp 內容與互動計數
//	users:top_followers  zset  user id，score = follower_count
//	users:top_posters    zset  user id，score = chirp_count
//	chirps:timeline      zset  chirp id，score = 發文時間（秒）
//
// 佈局需與既有資料相容，不可更改。
const (
	KeyUsernames    = "usernames"
	KeyTopFollowers = "users:top_followers"
	KeyTopPosters   = "users:top_posters"
	KeyTimeline     = "chirps:timeline"

	userKeyPrefix  = "users:"
	chirpKeyPrefix = "chirp:"
)

// UserKey 用戶 hash 的 key
func UserKey(id string) string { return userKeyPrefix + id }

// ChirpKey chirp hash 的 key
func ChirpKey(id string) string { return chirpKeyPrefix + id }

// NewRedisClient 依配置建立 Redis 客戶端並驗證連線
func NewRedisClient(ctx context.Context, config *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Redis.Addr,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
		MaxRetries:   config.Redis.MaxRetries,
		DialTimeout:  config.Redis.DialTimeout,
		ReadTimeout:  config.Redis.ReadTimeout,
		WriteTimeout: config.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeError("ping redis", err)
	}

	return client, nil
}

// storeError 依錯誤來源包裝 Redis 錯誤
//
//   - 連線、逾時等傳輸層錯誤，以及 LOADING 等服務暫時不可用的回覆：STORE_UNAVAILABLE
//   - 其他 Redis 回覆（WRONGTYPE 等）與呼叫方取消：INTERNAL_ERROR
//
// 不做重試，由呼叫方決定是否重試整個操作。
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf("%s failed", op)
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, msg)
	}

	var reply redis.Error
	if errors.As(err, &reply) && !serverBusy(err) {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, msg)
	}

	return apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, msg)
}

// serverBusy Redis 回覆代表服務暫時無法處理請求
func serverBusy(err error) bool {
	for _, prefix := range []string{"LOADING", "BUSY", "MASTERDOWN", "READONLY", "CLUSTERDOWN", "TRYAGAIN"} {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	return false
}

// isWrongType key 存在但型別不符
func isWrongType(err error) bool {
	return redis.HasErrorPrefix(err, "WRONGTYPE")
}

// reservedUserID 與排行榜 key 衝突的用戶 ID
//
// UserKey 與排行榜共用 "users:" 前綴，這些 ID 永遠不是用戶。
func reservedUserID(id string) bool {
	key := UserKey(id)
	return key == KeyTopFollowers || key == KeyTopPosters
}

// scanKeys 以 SCAN 列出符合前綴的所有 key
//
// 不使用 KEYS，避免在大資料集上阻塞 Redis。
func scanKeys(ctx context.Context, rdb redis.UniversalClient, prefix string) ([]string, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeError("scan "+prefix, err)
	}
	return keys, nil
}
