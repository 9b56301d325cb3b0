package internal

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
)

// engagementScript chirp 存在時才遞增互動計數
//
// KEYS[1]: chirp hash
// ARGV[1]: 欄位（favorite_count / retweet_count）
//
// 不存在時返回 nil（go-redis 對應 redis.Nil），避免 HINCRBY 建立殘缺的 chirp。
var engagementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

// postCountScript 遞增用戶發文數並改寫發文排行榜
//
// KEYS[1]: 用戶 hash
// KEYS[2]: users:top_posters
// ARGV[1]: 用戶 ID
var postCountScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'chirp_count', 1)
redis.call('ZADD', KEYS[2], n, ARGV[1])
return n
`)

// ImportChirp 匯入一則外部推文
//
// 流程：
//  1. 匯入作者（ImportUser）
//  2. 寫入 chirp hash（username 反正規化，互動計數缺失或無法解析時為 0）
//  3. 加入時間軸，score = timestamp_ms / 1000
//  4. 時間軸超過上限時淘汰最舊的項目
//
// 淘汰只移除時間軸上的索引，chirp hash 本身保留。
func (m *Model) ImportChirp(ctx context.Context, data *ChirpData) (string, error) {
	if err := data.Validate(); err != nil {
		return "", err
	}

	if _, err := m.ImportUser(ctx, data.User); err != nil {
		return "", err
	}

	id := data.ID.Value
	score := float64(data.TimestampMS.Value) / 1000

	var size *redis.IntCmd
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ChirpKey(id), map[string]any{
			"text":           data.Text.Value,
			"user_id":        data.User.ID.Value,
			"username":       data.User.ScreenName.Value,
			"created_at":     data.CreatedAt.Value,
			"lang":           data.Lang,
			"favorite_count": data.FavoriteCount.OrZero(),
			"retweet_count":  data.RetweetCount.OrZero(),
		})
		pipe.ZAdd(ctx, KeyTimeline, redis.Z{Score: score, Member: id})
		size = pipe.ZCard(ctx, KeyTimeline)
		return nil
	})
	if err != nil {
		return "", storeError("import chirp", err)
	}

	if err := m.trimTimeline(ctx, size.Val()); err != nil {
		return "", err
	}

	return id, nil
}

// trimTimeline 時間軸淘汰
//
// 規則（必須精確重現）：
//
//	size > timelineMaxSize 時，移除排名 [0, size-timelineKeep-1] 的項目，
//	剛好留下 timelineKeep 則最新的 chirp。
//
// 這是一次性的大量淘汰（100,001 → 1,000），不是逐步淘汰。
func (m *Model) trimTimeline(ctx context.Context, size int64) error {
	if size <= m.timelineMaxSize {
		return nil
	}

	removed, err := m.rdb.ZRemRangeByRank(ctx, KeyTimeline, 0, size-m.timelineKeep-1).Result()
	if err != nil {
		return storeError("trim timeline", err)
	}

	timelineEvictions.Add(float64(removed))
	m.logger.InfoContext(ctx, "timeline trimmed",
		"size_before", size,
		"removed", removed,
		"kept", m.timelineKeep)

	return nil
}

// PostChirp 發佈新 chirp
//
// 用戶不存在時返回 ErrUserNotFound，且不寫入任何資料。
//
// 已知不對稱：發文不觸發時間軸淘汰，只有匯入會。
func (m *Model) PostChirp(ctx context.Context, userID, text string) (string, error) {
	if reservedUserID(userID) {
		return "", apperrors.ErrUserNotFound.WithDetails(userID)
	}

	// 用戶 hash 一定有 username，缺失即代表用戶不存在
	username, err := m.rdb.HGet(ctx, UserKey(userID), "username").Result()
	if errors.Is(err, redis.Nil) || isWrongType(err) {
		return "", apperrors.ErrUserNotFound.WithDetails(userID)
	}
	if err != nil {
		return "", storeError("lookup author", err)
	}

	id, err := m.ids.NextID()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate chirp id")
	}

	now := m.now()
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ChirpKey(id), map[string]any{
			"text":           text,
			"user_id":        userID,
			"username":       username,
			"created_at":     now.UTC().Format(CreatedAtLayout),
			"lang":           "en",
			"favorite_count": 0,
			"retweet_count":  0,
		})
		pipe.ZAdd(ctx, KeyTimeline, redis.Z{Score: float64(now.UnixMilli()) / 1000, Member: id})
		return nil
	})
	if err != nil {
		return "", storeError("post chirp", err)
	}

	if err := postCountScript.Run(ctx, m.rdb, []string{UserKey(userID), KeyTopPosters}, userID).Err(); err != nil {
		return "", storeError("update chirp count", err)
	}

	return id, nil
}

// LikeChirp 按讚，返回新的 favorite_count
func (m *Model) LikeChirp(ctx context.Context, chirpID string) (int64, error) {
	return m.incrEngagement(ctx, chirpID, "favorite_count")
}

// Rechirp 轉推，返回新的 retweet_count
func (m *Model) Rechirp(ctx context.Context, chirpID string) (int64, error) {
	return m.incrEngagement(ctx, chirpID, "retweet_count")
}

func (m *Model) incrEngagement(ctx context.Context, chirpID, field string) (int64, error) {
	n, err := engagementScript.Run(ctx, m.rdb, []string{ChirpKey(chirpID)}, field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, apperrors.ErrChirpNotFound.WithDetails(chirpID)
	}
	if err != nil {
		return 0, storeError("increment "+field, err)
	}
	return n, nil
}

// GetChirp 讀取單則 chirp
func (m *Model) GetChirp(ctx context.Context, id string) (*Chirp, error) {
	h, err := m.rdb.HGetAll(ctx, ChirpKey(id)).Result()
	if err != nil {
		return nil, storeError("get chirp", err)
	}
	if len(h) == 0 {
		return nil, apperrors.ErrChirpNotFound.WithDetails(id)
	}

	c := chirpFromHash(id, h)
	return &c, nil
}

// LatestChirps 時間軸上最新的 n 則 chirp（新到舊）
func (m *Model) LatestChirps(ctx context.Context, n int) ([]Chirp, error) {
	if n <= 0 {
		return []Chirp{}, nil
	}

	entries, err := m.rdb.ZRevRangeWithScores(ctx, KeyTimeline, 0, int64(n-1)).Result()
	if err != nil {
		return nil, storeError("read timeline", err)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = memberString(e.Member)
	}

	loaded, err := m.loadChirps(ctx, ids)
	if err != nil {
		return nil, err
	}

	chirps := make([]Chirp, 0, len(loaded))
	for i, c := range loaded {
		if c == nil {
			continue
		}
		c.Timestamp = entries[i].Score
		chirps = append(chirps, *c)
	}

	return chirps, nil
}

// TopLiked 按讚數最多的 n 則 chirp
func (m *Model) TopLiked(ctx context.Context, n int) ([]Chirp, error) {
	return m.topChirps(ctx, n, func(c Chirp) int64 { return c.FavoriteCount })
}

// TopRechirped 轉推數最多的 n 則 chirp
func (m *Model) TopRechirped(ctx context.Context, n int) ([]Chirp, error) {
	return m.topChirps(ctx, n, func(c Chirp) int64 { return c.RetweetCount })
}

// topChirps 掃描所有 chirp 並排序
//
// 系統設計考量：
//   - 涵蓋所有 chirp，包含已從時間軸淘汰的
//   - 每次 O(總 chirp 數)；資料量受時間軸淘汰同一數量級限制
//   - 同分時依 chirp ID 字典序由小到大
func (m *Model) topChirps(ctx context.Context, n int, score func(Chirp) int64) ([]Chirp, error) {
	if n <= 0 {
		return []Chirp{}, nil
	}

	keys, err := scanKeys(ctx, m.rdb, chirpKeyPrefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, chirpKeyPrefix)
	}

	loaded, err := m.loadChirps(ctx, ids)
	if err != nil {
		return nil, err
	}

	chirps := make([]Chirp, 0, len(loaded))
	for _, c := range loaded {
		if c != nil {
			chirps = append(chirps, *c)
		}
	}

	slices.SortStableFunc(chirps, func(a, b Chirp) int {
		if c := cmp.Compare(score(b), score(a)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if len(chirps) > n {
		chirps = chirps[:n]
	}
	return chirps, nil
}

// EngagementFunc 為一則 chirp 產生新的互動計數
type EngagementFunc func(chirpID string) (likes, rechirps int64)

// RandomizeEngagement 覆寫所有 chirp 的互動計數
//
// 用於示範資料：匯入的推文多半是即時串流，按讚與轉推數幾乎都是 0。
// 以 SCAN 逐批處理，每批一次 pipeline；返回更新的 chirp 數。
func (m *Model) RandomizeEngagement(ctx context.Context, gen EngagementFunc) (int, error) {
	keys, err := scanKeys(ctx, m.rdb, chirpKeyPrefix)
	if err != nil {
		return 0, err
	}

	updated := 0
	for start := 0; start < len(keys); start += loadBatchSize {
		end := min(start+loadBatchSize, len(keys))

		_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys[start:end] {
				likes, rechirps := gen(strings.TrimPrefix(key, chirpKeyPrefix))
				pipe.HSet(ctx, key, "favorite_count", likes, "retweet_count", rechirps)
			}
			return nil
		})
		if err != nil {
			return updated, storeError("randomize engagement", err)
		}
		updated += end - start
	}

	m.logger.InfoContext(ctx, "engagement randomized", "chirps", updated)
	return updated, nil
}

// loadBatchSize 每次 pipeline 讀取的 chirp 數
const loadBatchSize = 500

// loadChirps 以 pipeline 批量讀取，不存在的位置為 nil
func (m *Model) loadChirps(ctx context.Context, ids []string) ([]*Chirp, error) {
	out := make([]*Chirp, len(ids))

	for start := 0; start < len(ids); start += loadBatchSize {
		end := min(start+loadBatchSize, len(ids))

		cmds := make([]*redis.MapStringStringCmd, end-start)
		_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids[start:end] {
				cmds[i] = pipe.HGetAll(ctx, ChirpKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, storeError("load chirps", err)
		}

		for i, cmd := range cmds {
			h := cmd.Val()
			if len(h) == 0 {
				continue
			}
			c := chirpFromHash(ids[start+i], h)
			out[start+i] = &c
		}
	}

	return out, nil
}

// memberString sorted set 成員轉字串
func memberString(member any) string {
	switch v := member.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
