package testutils

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/chirp-store/internal"
	"github.com/koopa0/system-design/chirp-store/internal/importer"
	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
)

// SequentialIDs 依序產生 ID 的 IDGenerator（測試中 ID 可預測）
type SequentialIDs struct {
	next atomic.Int64
}

// NewSequentialIDs 第一個 ID 為 start+1
func NewSequentialIDs(start int64) *SequentialIDs {
	ids := &SequentialIDs{}
	ids.next.Store(start)
	return ids
}

// NextID 實作 internal.IDGenerator
func (s *SequentialIDs) NextID() (string, error) {
	return strconv.FormatInt(s.next.Add(1), 10), nil
}

// FailingIDs 永遠失敗的 IDGenerator
type FailingIDs struct{ Err error }

// NextID 實作 internal.IDGenerator
func (f FailingIDs) NextID() (string, error) { return "", f.Err }

// MockStore 實作 importer.Store 的記憶體版本
type MockStore struct {
	mu       sync.Mutex
	Imported []*internal.ChirpData

	// FailIDs 匯入這些 chirp ID 時返回 STORE_UNAVAILABLE
	FailIDs map[string]bool

	Calls atomic.Int32
}

// NewMockStore 創建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{FailIDs: make(map[string]bool)}
}

// ImportChirp 驗證記錄後保存；行為與資料模型的錯誤分類一致
func (m *MockStore) ImportChirp(ctx context.Context, data *internal.ChirpData) (string, error) {
	m.Calls.Add(1)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := data.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailIDs[data.ID.Value] {
		return "", apperrors.Wrap(errors.New("connection refused"), apperrors.ErrCodeStoreUnavailable, "import chirp failed")
	}

	cp := *data
	m.Imported = append(m.Imported, &cp)
	return data.ID.Value, nil
}

// ImportedIDs 已匯入的 chirp ID（依匯入順序）
func (m *MockStore) ImportedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(m.Imported))
	for i, c := range m.Imported {
		ids[i] = c.ID.Value
	}
	return ids
}

// MemoryRecorder 實作 importer.RunRecorder 的記憶體版本
type MemoryRecorder struct {
	mu   sync.Mutex
	Runs []importer.Summary

	// Err 不為 nil 時 RecordRun 返回此錯誤
	Err error
}

// RecordRun 實作 importer.RunRecorder
func (r *MemoryRecorder) RecordRun(_ context.Context, summary *importer.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	summary.ID = int64(len(r.Runs) + 1)
	r.Runs = append(r.Runs, *summary)
	return nil
}
