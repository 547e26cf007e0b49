package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"sessiongate/internal/domain"
	"sessiongate/internal/store"
)

// FileLog is a JSONL audit sink. The sequence number of an entry is its
// 1-based line number, so the file is the only state.
type FileLog struct {
	Path string

	mu    sync.Mutex
	lines int64
	ready bool
}

var _ store.AuditLog = (*FileLog)(nil)

func NewFileLog(path string) *FileLog {
	return &FileLog{Path: path}
}

func (l *FileLog) Append(_ context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		n, err := countLines(l.Path)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		l.lines, l.ready = n, true
	}
	e.Seq = 0
	data, err := json.Marshal(e)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	l.lines++
	e.Seq = l.lines
	return e, nil
}

func (l *FileLog) Entries(_ context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []domain.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lineNo int64
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e domain.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", lineNo, err)
		}
		e.Seq = lineNo
		if !filter.Match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

func (l *FileLog) LatestSeq(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return countLines(l.Path)
}

func countLines(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read audit log: %w", err)
	}
	return int64(bytes.Count(data, []byte{'\n'})), nil
}
