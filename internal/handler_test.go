package internal_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/chirp-store/internal"
	"github.com/koopa0/system-design/chirp-store/internal/testutils"
	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
)

// 響應結構（與 handler 的 JSON 對應）
type idBody struct {
	ID string `json:"id"`
}

type countBody struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

type usersBody struct {
	Users []internal.User `json:"users"`
}

type chirpsBody struct {
	Chirps []internal.Chirp `json:"chirps"`
}

type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

// newTestRoutes 建立連到測試容器的路由
func newTestRoutes(t *testing.T) (*testutils.TestEnvironment, http.Handler) {
	t.Helper()

	env := testutils.SetupTestEnvironment(t)
	model := testutils.NewTestModel(env, nil)
	return env, internal.NewHandler(model, env.Logger).Routes()
}

// unavailableRoutes 建立 Redis 無法連線的路由（不需要容器）
func unavailableRoutes(t *testing.T) http.Handler {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	model := internal.NewModel(client, testutils.NewSequentialIDs(0), nil, logger)
	return internal.NewHandler(model, logger).Routes()
}

// TestHandler_Users 測試用戶相關端點
func TestHandler_Users(t *testing.T) {
	env, routes := newTestRoutes(t)

	t.Run("register and read back", func(t *testing.T) {
		env.FlushRedis(t)

		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users",
			map[string]string{"username": "alice", "name": "Alice"})
		require.Equal(t, http.StatusCreated, rec.Code)

		var created idBody
		testutils.ParseJSONResponse(t, rec, &created)
		require.NotEmpty(t, created.ID)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/users/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var user internal.User
		testutils.ParseJSONResponse(t, rec, &user)
		assert.Equal(t, "alice", user.Username)
		assert.Equal(t, "Alice", user.Name)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/users/by-username/alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		testutils.ParseJSONResponse(t, rec, &user)
		assert.Equal(t, created.ID, user.ID)
	})

	t.Run("duplicate username is a conflict", func(t *testing.T) {
		env.FlushRedis(t)

		body := map[string]string{"username": "alice", "name": "Alice"}
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users", body)
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users", body)
		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp errorBody
		testutils.ParseJSONResponse(t, rec, &resp)
		assert.Equal(t, apperrors.ErrCodeDuplicateUsername, resp.Code)
		assert.Equal(t, "@alice", resp.Details)
	})

	t.Run("unknown user", func(t *testing.T) {
		env.FlushRedis(t)

		// 排行榜存在時，與其 key 同名的 ID 也是未知用戶
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users",
			map[string]string{"username": "alice", "name": "Alice"})
		require.Equal(t, http.StatusCreated, rec.Code)

		paths := []string{
			"/api/v1/users/404",
			"/api/v1/users/by-username/nobody",
			"/api/v1/users/top_followers",
			"/api/v1/users/top_posters",
		}
		for _, path := range paths {
			rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, path)

			var resp errorBody
			testutils.ParseJSONResponse(t, rec, &resp)
			assert.Equal(t, apperrors.ErrCodeUserNotFound, resp.Code, path)
		}
	})

	t.Run("rankings", func(t *testing.T) {
		env.FlushRedis(t)

		model := testutils.NewTestModel(env, nil)
		for i, followers := range []int64{10, 30, 20} {
			_, err := model.ImportUser(context.Background(),
				testutils.UserRecord(fmt.Sprint(i+1), fmt.Sprintf("user%d", i+1), followers, 0, int64(3-i)))
			require.NoError(t, err)
		}

		rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/users/top/followers?n=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var followers usersBody
		testutils.ParseJSONResponse(t, rec, &followers)
		require.Len(t, followers.Users, 2)
		assert.Equal(t, "user2", followers.Users[0].Username)
		assert.Equal(t, "user3", followers.Users[1].Username)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/users/top/posters?n=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var posters usersBody
		testutils.ParseJSONResponse(t, rec, &posters)
		require.Len(t, posters.Users, 1)
		assert.Equal(t, "user1", posters.Users[0].Username)
	})
}

// TestHandler_Chirps 測試 chirp 相關端點
func TestHandler_Chirps(t *testing.T) {
	env, routes := newTestRoutes(t)

	register := func(t *testing.T, username string) string {
		t.Helper()
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users",
			map[string]string{"username": username, "name": username})
		require.Equal(t, http.StatusCreated, rec.Code)
		var created idBody
		testutils.ParseJSONResponse(t, rec, &created)
		return created.ID
	}

	t.Run("post by user id and by username", func(t *testing.T) {
		env.FlushRedis(t)
		bob := register(t, "bob")

		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps",
			map[string]string{"user_id": bob, "text": "first"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps",
			map[string]string{"username": "@bob", "text": "second"})
		require.Equal(t, http.StatusCreated, rec.Code)
		var second idBody
		testutils.ParseJSONResponse(t, rec, &second)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/chirps/"+second.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var chirp internal.Chirp
		testutils.ParseJSONResponse(t, rec, &chirp)
		assert.Equal(t, "second", chirp.Text)
		assert.Equal(t, "bob", chirp.Username)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/users/"+bob, nil)
		var user internal.User
		testutils.ParseJSONResponse(t, rec, &user)
		assert.Equal(t, int64(2), user.ChirpCount)
	})

	t.Run("post errors", func(t *testing.T) {
		env.FlushRedis(t)

		tests := []struct {
			name       string
			body       any
			wantStatus int
			wantCode   string
		}{
			{name: "unknown user id", body: map[string]string{"user_id": "404", "text": "x"}, wantStatus: http.StatusNotFound, wantCode: apperrors.ErrCodeUserNotFound},
			{name: "unknown username", body: map[string]string{"username": "ghost", "text": "x"}, wantStatus: http.StatusNotFound, wantCode: apperrors.ErrCodeUserNotFound},
			{name: "ranking key as user id", body: map[string]string{"user_id": "top_posters", "text": "x"}, wantStatus: http.StatusNotFound, wantCode: apperrors.ErrCodeUserNotFound},
			{name: "no author", body: map[string]string{"text": "x"}, wantStatus: http.StatusBadRequest, wantCode: apperrors.ErrCodeInvalidInput},
			{name: "invalid json", body: `{"text":`, wantStatus: http.StatusBadRequest, wantCode: apperrors.ErrCodeInvalidInput},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps", tt.body)
				assert.Equal(t, tt.wantStatus, rec.Code)

				var resp errorBody
				testutils.ParseJSONResponse(t, rec, &resp)
				assert.Equal(t, tt.wantCode, resp.Code)
			})
		}

		assert.Equal(t, int64(0), env.KeyCount(t))
	})

	t.Run("import", func(t *testing.T) {
		env.FlushRedis(t)

		raw := testutils.TweetJSON(967824267948773377, 99, "streamer", "en", "from the archive", baseMS)
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps/import", raw)
		require.Equal(t, http.StatusCreated, rec.Code)
		var created idBody
		testutils.ParseJSONResponse(t, rec, &created)
		assert.Equal(t, "967824267948773377", created.ID)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps/import", `{"id": 1, "text": "no user"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp errorBody
		testutils.ParseJSONResponse(t, rec, &resp)
		assert.Equal(t, apperrors.ErrCodeMalformedRecord, resp.Code)
	})

	t.Run("like and rechirp", func(t *testing.T) {
		env.FlushRedis(t)
		bob := register(t, "bob")

		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps",
			map[string]string{"user_id": bob, "text": "like me"})
		var created idBody
		testutils.ParseJSONResponse(t, rec, &created)

		var count countBody
		for range 3 {
			rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps/"+created.ID+"/like", nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		testutils.ParseJSONResponse(t, rec, &count)
		assert.Equal(t, countBody{ID: created.ID, Count: 3}, count)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps/"+created.ID+"/rechirp", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		testutils.ParseJSONResponse(t, rec, &count)
		assert.Equal(t, int64(1), count.Count)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/chirps/missing/like", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/chirps/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lists", func(t *testing.T) {
		env.FlushRedis(t)

		model := testutils.NewTestModel(env, nil)
		user := testutils.UserRecord("1", "alice", 1, 1, 1)
		for i := range 7 {
			data := testutils.ChirpRecord(fmt.Sprintf("c%d", i), "text", user, baseMS+int64(i)*1000)
			data.FavoriteCount = internal.Int(int64(i))
			data.RetweetCount = internal.Int(int64(10 - i))
			_, err := model.ImportChirp(context.Background(), data)
			require.NoError(t, err)
		}

		tests := []struct {
			path    string
			wantIDs []string
		}{
			{path: "/api/v1/chirps/latest", wantIDs: []string{"c6", "c5", "c4", "c3", "c2"}},
			{path: "/api/v1/chirps/latest?n=2", wantIDs: []string{"c6", "c5"}},
			{path: "/api/v1/chirps/top/liked?n=3", wantIDs: []string{"c6", "c5", "c4"}},
			{path: "/api/v1/chirps/top/rechirped?n=2", wantIDs: []string{"c0", "c1"}},
			{path: "/api/v1/chirps/latest?n=0", wantIDs: []string{}},
			{path: "/api/v1/chirps/latest?n=1000", wantIDs: []string{"c6", "c5", "c4", "c3", "c2", "c1", "c0"}},
		}

		for _, tt := range tests {
			t.Run(tt.path, func(t *testing.T) {
				rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, tt.path, nil)
				require.Equal(t, http.StatusOK, rec.Code)

				var resp chirpsBody
				testutils.ParseJSONResponse(t, rec, &resp)
				ids := make([]string, len(resp.Chirps))
				for i, c := range resp.Chirps {
					ids[i] = c.ID
				}
				assert.Equal(t, tt.wantIDs, ids)
			})
		}
	})
}

// TestHandler_Admin 測試統計與重置端點
func TestHandler_Admin(t *testing.T) {
	env, routes := newTestRoutes(t)

	rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users",
		map[string]string{"username": "alice", "name": "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats internal.Stats
	testutils.ParseJSONResponse(t, rec, &stats)
	assert.Equal(t, int64(1), stats.UserCount)

	rec = testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/admin/reset", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), env.KeyCount(t))

	rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ready", rec.Body.String())
}

// TestHandler_ListSize 測試 n 參數驗證（不需要 Redis）
func TestHandler_ListSize(t *testing.T) {
	routes := unavailableRoutes(t)

	for _, n := range []string{"-1", "abc", "1.5"} {
		t.Run(n, func(t *testing.T) {
			rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/chirps/latest?n="+n, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorBody
			testutils.ParseJSONResponse(t, rec, &resp)
			assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Code)
		})
	}
}

// TestHandler_StoreUnavailable 測試 Redis 不可用時的響應
func TestHandler_StoreUnavailable(t *testing.T) {
	routes := unavailableRoutes(t)

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{method: http.MethodGet, path: "/ready"},
		{method: http.MethodGet, path: "/api/v1/users/1"},
		{method: http.MethodGet, path: "/api/v1/chirps/latest"},
		{method: http.MethodPost, path: "/api/v1/chirps/1/like"},
		{method: http.MethodPost, path: "/api/v1/users", body: map[string]string{"username": "alice", "name": "Alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := testutils.MakeHTTPRequest(t, routes, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

			var resp errorBody
			testutils.ParseJSONResponse(t, rec, &resp)
			assert.Equal(t, apperrors.ErrCodeStoreUnavailable, resp.Code)
		})
	}

	t.Run("health does not touch the store", func(t *testing.T) {
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})
}

// TestHandler_Middleware 測試請求 ID、路由與指標
func TestHandler_Middleware(t *testing.T) {
	routes := unavailableRoutes(t)

	t.Run("request id is generated", func(t *testing.T) {
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/health", nil)
		assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
	})

	t.Run("request id is propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)

		assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	})

	t.Run("json content type", func(t *testing.T) {
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/chirps/latest?n=x", nil)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/api/v1/chirps", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		body := `{"username":"` + strings.Repeat("a", 2<<20) + `"}`
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodPost, "/api/v1/users", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = testutils.MakeHTTPRequest(t, routes, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, `chirp_http_requests_total{route="GET /health",status="200"}`)
		assert.Contains(t, body, "chirp_http_request_duration_seconds")
	})
}

// BenchmarkHandler_Like 基準測試：按讚端點
func BenchmarkHandler_Like(b *testing.B) {
	env := testutils.SetupTestEnvironment(b)
	model := testutils.NewTestModel(env, nil)
	routes := internal.NewHandler(model, env.Logger).Routes()

	_, err := model.ImportChirp(context.Background(),
		testutils.ChirpRecord("bench", "text", testutils.UserRecord("1", "alice", 1, 1, 1), baseMS))
	require.NoError(b, err)

	b.ResetTimer()
	for b.Loop() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chirps/bench/like", nil)
		routes.ServeHTTP(httptest.NewRecorder(), req)
	}
}

// BenchmarkHandler_Latest 基準測試：時間軸查詢
func BenchmarkHandler_Latest(b *testing.B) {
	env := testutils.SetupTestEnvironment(b)
	model := testutils.NewTestModel(env, nil)
	routes := internal.NewHandler(model, env.Logger).Routes()

	user := testutils.UserRecord("1", "alice", 1, 1, 1)
	for i := range 100 {
		_, err := model.ImportChirp(context.Background(),
			testutils.ChirpRecord(fmt.Sprint(i), "text", user, baseMS+int64(i)))
		require.NoError(b, err)
	}

	b.ResetTimer()
	for b.Loop() {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chirps/latest?n=20", nil)
		routes.ServeHTTP(httptest.NewRecorder(), req)
	}
}
