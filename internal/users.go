package internal

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
)

// ImportUser 匯入（或刷新）外部資料中的用戶
//
// 以外部 ID 做 upsert：
//   - 不存在：寫入完整資料並登記 username 索引
//   - 已存在：只覆寫三個計數器，名稱/username/頭像不更新
//
// 兩種情況都會把兩個排行榜改寫為目前的計數。重複匯入視為刷新，不是錯誤。
//
// 已知限制：
//   - 若外部資料中同一 ID 的 username 改變，舊的 username 索引不會被清除
//   - 本系統從不修改 username，所以不做防護
func (m *Model) ImportUser(ctx context.Context, data *UserData) (string, error) {
	if err := data.Validate(); err != nil {
		return "", err
	}

	id := data.ID.Value
	key := UserKey(id)
	followers := data.FollowersCount.Value
	following := data.FriendsCount.Value
	chirps := data.StatusesCount.Value

	exists, err := m.rdb.Exists(ctx, key).Result()
	if err != nil {
		return "", storeError("check user", err)
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if exists > 0 {
			pipe.HSet(ctx, key,
				"follower_count", followers,
				"following_count", following,
				"chirp_count", chirps,
			)
		} else {
			pipe.HSet(ctx, key, map[string]any{
				"username":        data.ScreenName.Value,
				"name":            data.Name.Value,
				"follower_count":  followers,
				"following_count": following,
				"chirp_count":     chirps,
				"created_at":      data.CreatedAt.Value,
				"profile_image":   data.ProfileImage,
			})
			pipe.HSet(ctx, KeyUsernames, data.ScreenName.Value, id)
		}

		pipe.ZAdd(ctx, KeyTopFollowers, redis.Z{Score: float64(followers), Member: id})
		pipe.ZAdd(ctx, KeyTopPosters, redis.Z{Score: float64(chirps), Member: id})
		return nil
	})
	if err != nil {
		return "", storeError("import user", err)
	}

	return id, nil
}

// AddUser 註冊新用戶
//
// username 以 HSETNX 原子佔用：已存在時返回 ErrDuplicateUsername，且不寫入任何資料。
// 計數器從 0 開始，兩個排行榜都以 score 0 加入。
func (m *Model) AddUser(ctx context.Context, username, name, profileImage string) (string, error) {
	// username 原樣儲存，與匯入及查詢一致；只拒絕空白
	if strings.TrimSpace(username) == "" {
		return "", apperrors.ErrInvalidInput.WithDetails("username required")
	}

	id, err := m.ids.NextID()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate user id")
	}

	claimed, err := m.rdb.HSetNX(ctx, KeyUsernames, username, id).Result()
	if err != nil {
		return "", storeError("claim username", err)
	}
	if !claimed {
		return "", apperrors.ErrDuplicateUsername.WithDetails("@" + username)
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, UserKey(id), map[string]any{
			"username":        username,
			"name":            name,
			"follower_count":  0,
			"following_count": 0,
			"chirp_count":     0,
			"created_at":      m.now().UTC().Format(CreatedAtLayout),
			"profile_image":   profileImage,
		})
		pipe.ZAdd(ctx, KeyTopFollowers, redis.Z{Score: 0, Member: id})
		pipe.ZAdd(ctx, KeyTopPosters, redis.Z{Score: 0, Member: id})
		return nil
	})
	if err != nil {
		// 釋放已佔用的 username，失敗只記錄日誌
		if delErr := m.rdb.HDel(ctx, KeyUsernames, username).Err(); delErr != nil {
			m.logger.WarnContext(ctx, "failed to release username after failed registration",
				"username", username,
				"error", delErr)
		}
		return "", storeError("add user", err)
	}

	m.logger.DebugContext(ctx, "user registered", "user_id", id, "username", username)
	return id, nil
}

// GetUser 讀取用戶
func (m *Model) GetUser(ctx context.Context, id string) (*User, error) {
	if reservedUserID(id) {
		return nil, apperrors.ErrUserNotFound.WithDetails(id)
	}

	h, err := m.rdb.HGetAll(ctx, UserKey(id)).Result()
	if isWrongType(err) {
		return nil, apperrors.ErrUserNotFound.WithDetails(id)
	}
	if err != nil {
		return nil, storeError("get user", err)
	}
	if len(h) == 0 {
		return nil, apperrors.ErrUserNotFound.WithDetails(id)
	}

	u := userFromHash(id, h)
	return &u, nil
}

// UserIDByUsername 透過 username 索引查詢用戶 ID
func (m *Model) UserIDByUsername(ctx context.Context, username string) (string, error) {
	id, err := m.rdb.HGet(ctx, KeyUsernames, username).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperrors.ErrUserNotFound.WithDetails("@" + username)
	}
	if err != nil {
		return "", storeError("lookup username", err)
	}
	return id, nil
}

// TopByFollowers 依 follower 數排序的前 n 位用戶
//
// 同分時依 Redis ZREVRANGE 的規則：成員（用戶 ID）字典序由大到小。
func (m *Model) TopByFollowers(ctx context.Context, n int) ([]User, error) {
	return m.topUsers(ctx, KeyTopFollowers, n)
}

// TopByChirpCount 依發文數排序的前 n 位用戶（同分規則同 TopByFollowers）
func (m *Model) TopByChirpCount(ctx context.Context, n int) ([]User, error) {
	return m.topUsers(ctx, KeyTopPosters, n)
}

func (m *Model) topUsers(ctx context.Context, rankingKey string, n int) ([]User, error) {
	if n <= 0 {
		return []User{}, nil
	}

	ids, err := m.rdb.ZRevRange(ctx, rankingKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, storeError("read ranking", err)
	}
	if len(ids) == 0 {
		return []User{}, nil
	}

	// 一次往返取回所有用戶資料
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, UserKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, storeError("load ranked users", err)
	}

	users := make([]User, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			// 排行榜指向已不存在的用戶（只會在手動刪除 key 時發生）
			continue
		}
		users = append(users, userFromHash(ids[i], h))
	}

	return users, nil
}
