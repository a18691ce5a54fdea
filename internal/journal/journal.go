// Package journal writes relay lifecycle outcomes (attach, detach, reconnect,
// reconciliation) as JSON lines into date-organized, size-rotated files.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

var (
	ErrClosed     = errors.New("journal is closed")
	ErrBufferFull = errors.New("journal buffer full")
)

// Entry is one journal line.
type Entry struct {
	ID    string            `json:"id"`
	Time  time.Time         `json:"time"`
	Kind  string            `json:"kind"`
	TabID types.TabID       `json:"tab_id,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Writer appends entries asynchronously.
type Writer struct {
	baseDir     string
	maxSizeMB   int
	writeCh     chan Entry
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	currentDate string
	logger      *lumberjack.Logger
	mu          sync.Mutex
	now         func() time.Time
}

// NewWriter starts a writer below baseDir.
func NewWriter(baseDir string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 25
	}
	w := &Writer{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Entry, bufferSize),
		done:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Append queues an entry. It never blocks; a full buffer drops the entry.
func (w *Writer) Append(kind string, tab types.TabID, attrs map[string]string) {
	if err := w.Write(Entry{Kind: kind, TabID: tab, Attrs: attrs}); err != nil {
		slog.Debug("journal entry dropped", "kind", kind, "error", err)
	}
}

// Write queues e, filling in its id and time when unset.
func (w *Writer) Write(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = w.now()
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- e:
		return nil
	default:
		slog.Warn("journal buffer full, dropping entry", "kind", e.Kind)
		return ErrBufferFull
	}
}

// Close flushes queued entries and closes the current file.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-w.done:
			// Drain what was queued before Close.
			for {
				select {
				case e := <-w.writeCh:
					w.writeEntry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeEntry(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("journal marshal failed", "error", err, "kind", e.Kind)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := e.Time.UTC().Format("2006-01-02")
	if date != w.currentDate || w.logger == nil {
		if err := w.rotateForDate(date); err != nil {
			slog.Error("journal rotate failed", "error", err)
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (w *Writer) rotateForDate(date string) error {
	if w.logger != nil {
		w.logger.Close()
	}
	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir %s: %w", dir, err)
	}
	filename := filepath.Join(dir, "relay.jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("journal file opened", "file", filename)
	return nil
}

// Path returns the journal file for date (YYYY-MM-DD).
func (w *Writer) Path(date string) string {
	return filepath.Join(w.baseDir, date, "relay.jsonl")
}
