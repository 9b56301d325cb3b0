package internal

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
)

// FlexString 接受 JSON 字串或數字的欄位（推文 ID 常以數字出現且超過 2^53）
type FlexString struct {
	Value string
	Valid bool
}

// UnmarshalJSON 實現 json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = FlexString{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString{Value: s, Valid: true}
		return nil
	}

	// 數字原樣保留，不經過 float64
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString{Value: n.String(), Valid: true}
	return nil
}

// MarshalJSON 實現 json.Marshaler
func (f FlexString) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Str 建立有效的 FlexString
func Str(s string) FlexString { return FlexString{Value: s, Valid: true} }

// FlexInt 接受 JSON 數字或數字字串的計數欄位
//
// 無法解析的值不會導致解碼失敗，只是 Valid 為 false。
type FlexInt struct {
	Value int64
	Valid bool
}

// UnmarshalJSON 實現 json.Unmarshaler
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	*f = FlexInt{}

	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}

	if v, ok := parseInt(raw); ok {
		*f = FlexInt{Value: v, Valid: true}
	}
	return nil
}

// MarshalJSON 實現 json.Marshaler
func (f FlexInt) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// Int 建立有效的 FlexInt
func Int(v int64) FlexInt { return FlexInt{Value: v, Valid: true} }

// OrZero 有效且非負時返回值，否則 0
func (f FlexInt) OrZero() int64 {
	if !f.Valid || f.Value < 0 {
		return 0
	}
	return f.Value
}

// parseInt 解析整數，也接受整數值的浮點數（如 "12.0"）
func parseInt(s string) (int64, bool) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(fv) || math.IsInf(fv, 0) || fv != math.Trunc(fv) {
		return 0, false
	}
	if fv > math.MaxInt64 || fv < math.MinInt64 {
		return 0, false
	}
	return int64(fv), true
}

// UserData 匯入來源中的用戶物件（推文的 user 欄位）
type UserData struct {
	ID             FlexString `json:"id"`
	ScreenName     FlexString `json:"screen_name"`
	Name           FlexString `json:"name"`
	FollowersCount FlexInt    `json:"followers_count"`
	FriendsCount   FlexInt    `json:"friends_count"`
	StatusesCount  FlexInt    `json:"statuses_count"`
	CreatedAt      FlexString `json:"created_at"`
	ProfileImage   string     `json:"profile_image_url_https,omitempty"`
}

// Validate 檢查必要欄位
func (u *UserData) Validate() error {
	if u == nil {
		return apperrors.ErrMalformedRecord.WithDetails("missing user")
	}

	var missing []string
	if !u.ID.Valid || u.ID.Value == "" || reservedUserID(u.ID.Value) {
		missing = append(missing, "user.id")
	}
	if !u.ScreenName.Valid || u.ScreenName.Value == "" {
		missing = append(missing, "user.screen_name")
	}
	if !u.Name.Valid {
		missing = append(missing, "user.name")
	}
	if !u.CreatedAt.Valid {
		missing = append(missing, "user.created_at")
	}
	// 計數器不可缺失也不可為負
	counters := []struct {
		name  string
		value FlexInt
	}{
		{"user.followers_count", u.FollowersCount},
		{"user.friends_count", u.FriendsCount},
		{"user.statuses_count", u.StatusesCount},
	}
	for _, c := range counters {
		if !c.value.Valid || c.value.Value < 0 {
			missing = append(missing, c.name)
		}
	}

	if len(missing) > 0 {
		return malformed(missing)
	}
	return nil
}

// ChirpData 匯入來源中的一則推文
type ChirpData struct {
	ID            FlexString `json:"id"`
	Text          FlexString `json:"text"`
	User          *UserData  `json:"user"`
	CreatedAt     FlexString `json:"created_at"`
	TimestampMS   FlexInt    `json:"timestamp_ms"`
	Lang          string     `json:"lang"`
	FavoriteCount FlexInt    `json:"favorite_count"`
	RetweetCount  FlexInt    `json:"retweet_count"`
}

// Validate 檢查必要欄位（包含 user）
func (c *ChirpData) Validate() error {
	if c == nil {
		return apperrors.ErrMalformedRecord.WithDetails("nil record")
	}

	var missing []string
	if !c.ID.Valid || c.ID.Value == "" {
		missing = append(missing, "id")
	}
	if !c.Text.Valid {
		missing = append(missing, "text")
	}
	if !c.CreatedAt.Valid {
		missing = append(missing, "created_at")
	}
	if !c.TimestampMS.Valid || c.TimestampMS.Value < 0 {
		missing = append(missing, "timestamp_ms")
	}
	if len(missing) > 0 {
		return malformed(missing)
	}

	return c.User.Validate()
}

func malformed(fields []string) error {
	return apperrors.ErrMalformedRecord.WithDetails("missing or invalid: " + strings.Join(fields, ", "))
}
