package offsite

import (
	"context"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the part of Client the mirror needs.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

type Stats struct {
	Queued    int
	Capacity  int
	Enqueued  uint64
	Dropped   uint64
	Uploaded  uint64
	Failed    uint64
	LastOKAt  int64
	LastErrAt int64
}

// Mirror copies sealed files in the background. Enqueue never blocks; a
// full queue drops the path and counts it.
type Mirror struct {
	up       Uploader
	prefix   string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *log.Logger

	mu     sync.RWMutex
	jobs   chan string
	closed bool
	wg     sync.WaitGroup

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
	lastOKAt  atomic.Int64
	lastErrAt atomic.Int64
}

func NewMirror(up Uploader, s Settings, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := s.Queue
	if queue <= 0 {
		queue = 256
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	m := &Mirror{
		up:       up,
		prefix:   strings.Trim(strings.ReplaceAll(s.Prefix, "\\", "/"), "/"),
		timeout:  timeout,
		attempts: 4,
		backoff:  250 * time.Millisecond,
		logger:   logger,
		jobs:     make(chan string, queue),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.work()
	}
	return m
}

// Key is the object name for a local journal file: <prefix>/<dir>/<file>.
func (m *Mirror) Key(localPath string) string {
	dir := filepath.Base(filepath.Dir(localPath))
	return path.Join(m.prefix, dir, filepath.Base(localPath))
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
	default:
		n := m.dropped.Add(1)
		m.logger.Printf("drop %s: queue full (dropped=%d)", localPath, n)
	}
}

// Close stops accepting paths and waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Queued:    len(m.jobs),
		Capacity:  cap(m.jobs),
		Enqueued:  m.enqueued.Load(),
		Dropped:   m.dropped.Load(),
		Uploaded:  m.uploaded.Load(),
		Failed:    m.failed.Load(),
		LastOKAt:  m.lastOKAt.Load(),
		LastErrAt: m.lastErrAt.Load(),
	}
}

func (m *Mirror) work() {
	defer m.wg.Done()
	for p := range m.jobs {
		key := m.Key(p)
		if err := m.upload(key, p); err != nil {
			m.failed.Add(1)
			m.lastErrAt.Store(time.Now().Unix())
			m.logger.Printf("upload %s failed: %v", key, err)
			continue
		}
		m.uploaded.Add(1)
		m.lastOKAt.Store(time.Now().Unix())
		m.logger.Printf("uploaded %s", key)
	}
}

func (m *Mirror) upload(key, localPath string) error {
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err = m.up.Upload(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < m.attempts {
			time.Sleep(time.Duration(attempt) * m.backoff)
		}
	}
	return err
}
