package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/zombor/voucher-capture/internal/voucher"
)

// maxLine bounds a single JSONL line. Records carry inline data: previews,
// so lines can be much longer than bufio's default.
const maxLine = 16 << 20

// JSONL appends records as one JSON object per line
type JSONL struct {
	mu   sync.Mutex
	path string
}

// NewJSONL returns a sink writing to path. The file is created on first append.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

// Path returns the file the sink writes to
func (j *JSONL) Path() string {
	return j.path
}

// Append writes one line and syncs it to disk.
func (j *JSONL) Append(rec *voucher.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing jsonl: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing jsonl: %w", err)
	}
	return nil
}

// ReadLastJSONL returns the last record in the file that has an id. Lines
// that fail to decode are skipped. It returns nil when no such record exists.
func ReadLastJSONL(path string) (*voucher.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var last *voucher.Record
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec voucher.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.ID == "" {
			continue
		}
		last = &rec
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("reading jsonl: %w", err)
	}
	return last, nil
}
