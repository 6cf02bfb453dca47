package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry is one buffered append-only record, tagged with the file it belongs
// in.
type entry struct {
	kind string
	at   time.Time
	data interface{}
}

// logBuffer batches entries and flushes them to dataDir/log/<kind>.jsonl
// every flushEvery entries or every interval, whichever comes first.
type logBuffer struct {
	logger  *zap.Logger
	dataDir string

	flushEvery int
	interval   time.Duration

	mu      sync.Mutex
	pending []entry

	stopCh chan struct{}
	doneCh chan struct{}
}

func newLogBuffer(logger *zap.Logger, dataDir string, flushEvery int, interval time.Duration) *logBuffer {
	b := &logBuffer{
		logger:     logger,
		dataDir:    dataDir,
		flushEvery: flushEvery,
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *logBuffer) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopCh:
			b.flush()
			return
		}
	}
}

func (b *logBuffer) stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *logBuffer) append(kind string, data interface{}) {
	b.mu.Lock()
	b.pending = append(b.pending, entry{kind: kind, at: time.Now().UTC(), data: data})
	full := len(b.pending) >= b.flushEvery
	b.mu.Unlock()
	if full {
		b.flush()
	}
}

func (b *logBuffer) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	byKind := make(map[string][]entry)
	for _, e := range batch {
		byKind[e.kind] = append(byKind[e.kind], e)
	}

	for kind, entries := range byKind {
		if err := b.writeKind(kind, entries); err != nil {
			b.logger.Warn("sink: failed to flush log", zap.String("kind", kind), zap.Error(err))
		}
	}
}

func (b *logBuffer) writeKind(kind string, entries []entry) error {
	path := filepath.Join(b.dataDir, "log", kind+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		line := map[string]interface{}{"at": e.at, "data": e.data}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
