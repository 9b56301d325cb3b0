// Package snowflake 產生用戶與 chirp 的識別碼
//
// ID 結構（64 bit）：
//
//	1 bit    | 41 bit           | 10 bit     | 12 bit
//	符號位   | 時間戳(毫秒)      | 節點 ID     | 序列號
//
// 以十進位字串作為 Redis key 的一部分（users:<id>、chirp:<id>）。
// 同一毫秒內的多次註冊/發文由序列號區分，不會互相覆蓋。
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// epoch 2024-01-01 00:00:00 UTC（毫秒）
	epoch int64 = 1704067200000

	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeBits) - 1     // 1023
	maxSequence = (1 << sequenceBits) - 1 // 4095

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

var (
	// ErrInvalidNodeID 節點 ID 超出範圍
	ErrInvalidNodeID = errors.New("node ID must be between 0 and 1023")

	// ErrClockMovedBackwards 時鐘回撥
	ErrClockMovedBackwards = errors.New("clock moved backwards, refusing to generate ID")
)

// Generator Snowflake ID 生成器，可並發使用
type Generator struct {
	mu            sync.Mutex
	nodeID        int64
	sequence      int64
	lastTimestamp int64

	now func() int64 // 毫秒時鐘，測試可替換
}

// NewGenerator 創建生成器
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeID, nodeID)
	}

	return &Generator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate 生成下一個 ID
//
// 同一毫秒內序列號用盡時等待下一毫秒；時鐘回撥時拒絕生成。
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()
	if timestamp < g.lastTimestamp {
		return 0, fmt.Errorf("%w: last=%d, current=%d",
			ErrClockMovedBackwards, g.lastTimestamp, timestamp)
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for timestamp <= g.lastTimestamp {
				time.Sleep(10 * time.Microsecond)
				timestamp = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = timestamp

	return ((timestamp - epoch) << timestampShift) |
		(g.nodeID << nodeShift) |
		g.sequence, nil
}

// NextID 生成字串形式的 ID
func (g *Generator) NextID() (string, error) {
	id, err := g.Generate()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// ParseID 拆解 ID
func ParseID(id int64) (timestamp, nodeID, sequence int64) {
	sequence = id & maxSequence
	nodeID = (id >> nodeShift) & maxNodeID
	timestamp = (id >> timestampShift) + epoch
	return
}

// TimeOf 返回 ID 的生成時間
func TimeOf(id int64) time.Time {
	timestamp, _, _ := ParseID(id)
	return time.UnixMilli(timestamp)
}
