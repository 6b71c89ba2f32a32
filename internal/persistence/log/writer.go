// Package log holds append-only compressed JSONL journals. Files rotate hourly
// and each line is flushed as it is written so a crash loses at most the
// frame in progress.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	hourLayout = "2006-01-02-15"
	fileSuffix = ".jsonl.zst"
)

// segment is one open hourly file.
type segment struct {
	hour string
	path string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, path: path, f: f, enc: enc, buf: bufio.NewWriterSize(enc, 32*1024)}, nil
}

// appendLine writes b plus a newline and pushes a complete zstd frame to disk.
func (s *segment) appendLine(b []byte) error {
	if _, err := s.buf.Write(b); err != nil {
		return err
	}
	if err := s.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.enc.Flush()
}

func (s *segment) seal() error {
	flushErr := s.buf.Flush()
	encErr := s.enc.Close()
	fileErr := s.f.Close()
	return errors.Join(flushErr, encErr, fileErr)
}

// HourlyWriter appends JSON values to <dir>/<prefix>-<yyyy-mm-dd-hh>.jsonl.zst.
type HourlyWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	// OnSeal, when set, receives the path of each file after rotation or
	// Close stops writing to it. It runs with the writer locked.
	OnSeal func(path string)

	mu  sync.Mutex
	cur *segment
}

func NewHourlyWriter(dir, prefix string) *HourlyWriter {
	return &HourlyWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *HourlyWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := w.now().UTC().Format(hourLayout)
	if w.cur == nil || w.cur.hour != hour {
		if err := w.sealLocked(); err != nil {
			return err
		}
		seg, err := openSegment(w.pathFor(hour), hour)
		if err != nil {
			return err
		}
		w.cur = seg
	}
	return w.cur.appendLine(b)
}

func (w *HourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sealLocked()
}

func (w *HourlyWriter) sealLocked() error {
	if w.cur == nil {
		return nil
	}
	seg := w.cur
	w.cur = nil
	err := seg.seal()
	if w.OnSeal != nil {
		w.OnSeal(seg.path)
	}
	return err
}

func (w *HourlyWriter) pathFor(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s%s", w.prefix, hour, fileSuffix))
}

// Files lists journal files under dir for prefix, oldest first.
func Files(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadJSONL decodes every line of one compressed journal file, calling fn with
// the raw JSON. A truncated trailing frame ends the scan without error.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := sc.Bytes(); len(line) > 0 {
			if err := fn(line); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}
