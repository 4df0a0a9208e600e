// ============================================================================
// 結果日誌（append-only）
// 職責：
// 1. 每接受一個窗口結果就追加一行 JSON 到影片的 results.jsonl
// 2. 啟動時重放，讓已完成的窗口不必重新推理（崩潰恢復）
// 3. 每筆記錄帶 CRC32 校驗和，損壞的行在重放時跳過而非中止
// ============================================================================

package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seglab/framecut/pkg/types"
)

var (
	// ErrClosed 日誌已關閉，不能再追加
	ErrClosed = errors.New("journal: already closed")
)

// Record 一筆已接受的窗口結果
type Record struct {
	Seq          uint64      `json:"seq"`
	JobID        types.JobID `json:"job_id"`
	WindowID     int         `json:"window_id"`
	Transitions  []int       `json:"transitions"`
	Instructions []string    `json:"instructions"`
	Timestamp    int64       `json:"ts"`
	Checksum     uint32      `json:"crc"`
}

// RecordHandler 重放時逐筆套用記錄的處理函式
type RecordHandler func(rec Record) error

// Journal 單部影片的結果日誌
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint64
	closed bool
}

// checksum 計算記錄關鍵欄位的 CRC32。
// 不含 Timestamp：重放時需要和寫入時一致。
func checksum(rec Record) uint32 {
	var b strings.Builder
	b.WriteString(string(rec.JobID))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(rec.WindowID))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(rec.Seq, 10))
	for _, t := range rec.Transitions {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(t))
	}
	for _, inst := range rec.Instructions {
		b.WriteByte('|')
		b.WriteString(inst)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Open 建立或開啟一個結果日誌。
// 檔案已存在時從最後一筆有效記錄之後繼續編號。
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{file: file, path: path}

	// 掃一遍既有記錄取得最後序號；損壞的行忽略
	if err := replayFile(path, func(rec Record) error {
		if rec.Seq > j.seq {
			j.seq = rec.Seq
		}
		return nil
	}); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// Append 追加一筆結果記錄並同步到磁碟
func (j *Journal) Append(jobID types.JobID, windowID int, transitions []int, instructions []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	rec := Record{
		Seq:          j.seq,
		JobID:        jobID,
		WindowID:     windowID,
		Transitions:  transitions,
		Instructions: instructions,
		Timestamp:    time.Now().UnixMilli(),
	}
	rec.Checksum = checksum(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Replay 從頭重放所有有效記錄。
// 無法解析或校驗失敗的行會被跳過（寬鬆模式）；handler 的錯誤會中止重放。
func (j *Journal) Replay(handler RecordHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return replayFile(j.path, handler)
}

func replayFile(path string, handler RecordHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// 崩潰時可能留下半行，跳過
			continue
		}
		if rec.Checksum != checksum(rec) {
			continue
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("journal: scan %s: %w", path, err)
	}
	return nil
}

// Close 關閉日誌檔案
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
