package importer

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source 逐筆產生原始 JSON 記錄，結束時返回 io.EOF
//
// Next 返回的錯誤分兩類：
//   - *RecordError：單筆記錄無法解析，呼叫方可跳過後繼續
//   - 其他：來源本身損壞或 I/O 失敗，無法繼續
type Source interface {
	Next() (json.RawMessage, error)
	Close() error
}

// RecordError 單筆記錄層級的錯誤
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record at line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// maxLineSize 單行 JSON 上限（推文含嵌入物件，可能超過 bufio 預設的 64KB）
const maxLineSize = 16 << 20

// Open 依路徑開啟匯入來源
//
// 支援：
//   - 目錄：依檔名排序讀取其中所有 *.json.bz2
//   - *.bz2：bzip2 壓縮的 JSONL 或 JSON 陣列
//   - 其他檔案：JSON 陣列或 JSONL（依第一個非空白字元判斷）
func Open(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	if info.IsDir() {
		files, err := filepath.Glob(filepath.Join(path, "*.json.bz2"))
		if err != nil {
			return nil, fmt.Errorf("list archive: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no *.json.bz2 files in %s", path)
		}
		sort.Strings(files)
		return &multiSource{files: files}, nil
	}

	return openFile(path)
}

// openFile 開啟單一檔案
func openFile(path string) (Source, error) {
	// #nosec G304 - path 來自命令列參數
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	var r io.Reader = f
	if strings.HasSuffix(path, ".bz2") {
		r = bzip2.NewReader(f)
	}

	src, err := NewReader(r)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &fileSource{Source: src, file: f}, nil
}

// NewReader 由未壓縮的串流建立來源，自動判斷 JSON 陣列或 JSONL
func NewReader(r io.Reader) (Source, error) {
	br := bufio.NewReaderSize(r, 64<<10)

	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return emptySource{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	if first == '[' {
		dec := json.NewDecoder(br)
		dec.UseNumber()
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("read array start: %w", err)
		}
		return &arraySource{dec: dec}, nil
	}

	return &lineSource{r: br}, nil
}

// peekNonSpace 跳過 BOM 與開頭空白，返回第一個字元（不消耗）
func peekNonSpace(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}

	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.Discard(1)
			continue
		}
		return b[0], nil
	}
}

// arraySource 串流解析頂層 JSON 陣列，不會一次載入整個檔案
type arraySource struct {
	dec   *json.Decoder
	index int
	done  bool
}

func (s *arraySource) Next() (json.RawMessage, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.dec.More() {
		s.done = true
		// 消耗結尾的 ']'
		if _, err := s.dec.Token(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read array end: %w", err)
		}
		return nil, io.EOF
	}

	s.index++
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		// 陣列中的語法錯誤無法恢復
		s.done = true
		return nil, fmt.Errorf("decode array element %d: %w", s.index, err)
	}
	return raw, nil
}

func (s *arraySource) Close() error { return nil }

// lineSource 逐行解析 JSONL，空行略過
type lineSource struct {
	r    *bufio.Reader
	line int
}

func (s *lineSource) Next() (json.RawMessage, error) {
	for {
		data, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			s.line++
			return nil, &RecordError{Line: s.line, Err: err}
		}
		if err != nil {
			return nil, err
		}
		s.line++

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		if !json.Valid(data) {
			return nil, &RecordError{Line: s.line, Err: errors.New("invalid JSON")}
		}
		return json.RawMessage(data), nil
	}
}

var errLineTooLong = errors.New("line exceeds maximum size")

// readLine 讀取一行（不含換行）；最後一行沒有換行時照常返回
func (s *lineSource) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := s.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)

		if len(buf) > maxLineSize {
			// 丟棄這一行剩餘的部分
			for isPrefix && err == nil {
				_, isPrefix, err = s.r.ReadLine()
			}
			return nil, errLineTooLong
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func (s *lineSource) Close() error { return nil }

// fileSource 結束時關閉底層檔案
type fileSource struct {
	Source
	file *os.File
}

func (s *fileSource) Close() error {
	return s.file.Close()
}

// multiSource 依序讀取多個壓縮檔
type multiSource struct {
	files   []string
	current Source
	next    int
}

func (s *multiSource) Next() (json.RawMessage, error) {
	for {
		if s.current == nil {
			if s.next >= len(s.files) {
				return nil, io.EOF
			}
			src, err := openFile(s.files[s.next])
			if err != nil {
				return nil, err
			}
			s.current = src
			s.next++
		}

		raw, err := s.current.Next()
		if errors.Is(err, io.EOF) {
			if closeErr := s.current.Close(); closeErr != nil {
				return nil, closeErr
			}
			s.current = nil
			continue
		}
		return raw, err
	}
}

func (s *multiSource) Close() error {
	if s.current != nil {
		return s.current.Close()
	}
	return nil
}

type emptySource struct{}

func (emptySource) Next() (json.RawMessage, error) { return nil, io.EOF }
func (emptySource) Close() error                   { return nil }
