package logging

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationOptions bound the size and retention of the jsonl files.
type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Compress gzips rotated segments.
	Compress bool
}

// RotatingJSONLStore appends one JSON document per line and lets lumberjack
// rotate the file. Queries scan the live file and every kept segment.
type RotatingJSONLStore struct {
	mu   sync.Mutex
	w    *lumberjack.Logger
	path string
}

// NewRotatingJSONLStore creates the parent directory of path if needed.
func NewRotatingJSONLStore(path string, opts RotationOptions) (*RotatingJSONLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("attempt log dir: %w", err)
		}
	}
	return &RotatingJSONLStore{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		path: path,
	}, nil
}

// Append writes rec as one line.
func (s *RotatingJSONLStore) Append(_ context.Context, rec LogRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

// segments lists the live file and its rotated backups. A backup still being
// compressed is read from its plain copy only.
func (s *RotatingJSONLStore) segments() ([]string, error) {
	base := filepath.Base(s.path)
	ext := filepath.Ext(base)
	pattern := filepath.Join(filepath.Dir(s.path), strings.TrimSuffix(base, ext)+"*"+ext)
	plain, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	gz, err := filepath.Glob(pattern + ".gz")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(plain))
	for _, f := range plain {
		seen[f] = struct{}{}
	}
	for _, f := range gz {
		if _, ok := seen[strings.TrimSuffix(f, ".gz")]; !ok {
			plain = append(plain, f)
		}
	}
	return plain, nil
}

func scanSegment(path string, q LogQuery, out []LogRecord) ([]LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var rec LogRecord
		if json.Unmarshal(sc.Bytes(), &rec) != nil {
			continue
		}
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}

// Query reads every segment. Unreadable segments are skipped.
func (s *RotatingJSONLStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.segments()
	if err != nil {
		return nil, err
	}
	var res []LogRecord
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, _ = scanSegment(f, q, res)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return q.latest(res), nil
}

// Close closes the live file.
func (s *RotatingJSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
