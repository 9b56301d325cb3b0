package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/chirp-store/internal"
)

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig() *internal.Config {
	cfg := &internal.Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second

	cfg.Redis.PoolSize = 10
	cfg.Redis.MaxRetries = 0
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Timeline.MaxSize = internal.DefaultTimelineMaxSize
	cfg.Timeline.Keep = internal.DefaultTimelineKeep

	cfg.Import.Lang = internal.DefaultImportLang

	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	return cfg
}

// NewTestModel 以測試容器的 Redis 建立資料模型
//
// config 為 nil 時使用 DefaultTestConfig；ID 依序產生（"1001", "1002", ...）。
func NewTestModel(env *TestEnvironment, config *internal.Config) *internal.Model {
	if config == nil {
		config = DefaultTestConfig()
	}
	return internal.NewModel(env.RedisClient, NewSequentialIDs(1000), config, env.Logger)
}

// FixedClock 固定時間的時鐘
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// UserRecord 建立匯入用的用戶資料
func UserRecord(id, screenName string, followers, friends, statuses int64) *internal.UserData {
	return &internal.UserData{
		ID:             internal.Str(id),
		ScreenName:     internal.Str(screenName),
		Name:           internal.Str(screenName),
		FollowersCount: internal.Int(followers),
		FriendsCount:   internal.Int(friends),
		StatusesCount:  internal.Int(statuses),
		CreatedAt:      internal.Str("Mon Jan 01 00:00:00 +0000 2018"),
	}
}

// ChirpRecord 建立匯入用的推文資料（lang = en）
func ChirpRecord(id, text string, user *internal.UserData, timestampMS int64) *internal.ChirpData {
	return &internal.ChirpData{
		ID:            internal.Str(id),
		Text:          internal.Str(text),
		User:          user,
		CreatedAt:     internal.Str(time.UnixMilli(timestampMS).UTC().Format(internal.CreatedAtLayout)),
		TimestampMS:   internal.Int(timestampMS),
		Lang:          "en",
		FavoriteCount: internal.Int(0),
		RetweetCount:  internal.Int(0),
	}
}

// TweetJSON 一則推文的原始 JSON（與串流封存的格式相同，ID 為數字）
func TweetJSON(id int64, userID int64, screenName, lang, text string, timestampMS int64) string {
	tweet := map[string]any{
		"id":           id,
		"id_str":       fmt.Sprint(id),
		"text":         text,
		"lang":         lang,
		"created_at":   time.UnixMilli(timestampMS).UTC().Format(internal.CreatedAtLayout),
		"timestamp_ms": fmt.Sprint(timestampMS),
		"user": map[string]any{
			"id":              userID,
			"screen_name":     screenName,
			"name":            screenName,
			"followers_count": 10,
			"friends_count":   5,
			"statuses_count":  100,
			"created_at":      "Mon Jan 01 00:00:00 +0000 2018",
		},
		"favorite_count": 0,
		"retweet_count":  0,
	}

	data, err := json.Marshal(tweet)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var wg sync.WaitGroup
	for i := range concurrency {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range iterations {
				fn(workerID, j)
			}
		}(i)
	}
	wg.Wait()
}

// SeedTimeline 直接寫入 n 個時間軸成員（score 為 1..n），用於淘汰測試
//
// 只寫 sorted set，不建立 chirp hash；以 pipeline 分批送出。
func SeedTimeline(t testing.TB, env *TestEnvironment, n int) {
	t.Helper()

	ctx := context.Background()
	const batch = 10_000

	for start := 1; start <= n; start += batch {
		end := min(start+batch-1, n)
		pipe := env.RedisClient.Pipeline()
		for i := start; i <= end; i++ {
			pipe.ZAdd(ctx, internal.KeyTimeline, redis.Z{Score: float64(i), Member: fmt.Sprintf("seed-%07d", i)})
		}
		_, err := pipe.Exec(ctx)
		require.NoError(t, err)
	}
}
