// Package auditlog implements the append-only audit trail. Every state
// transition in the pipeline produces exactly one entry. Entries are written
// as one JSON object per line into day-partitioned files
// (audit-2006-01-02.jsonl) so an operator can read history with nothing but
// cat and grep, and retention is a matter of deleting old partitions.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	EventID   string    `json:"event_id,omitempty"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Result    string    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
}

// filePrefix and fileSuffix frame partition file names.
const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	dayFormat  = "2006-01-02"
)

// defaultBufferSize is the Record channel capacity. When the buffer is full
// entries are dropped and counted rather than blocking the caller.
const defaultBufferSize = 1024

// writeRetryDelay is the pause before retrying a failed partition write.
const writeRetryDelay = 250 * time.Millisecond

// Writer appends audit entries. Record never blocks on I/O: entries go
// through a buffered channel drained by a background goroutine that retries
// failed writes.
type Writer struct {
	dir     string
	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewWriter creates the audit directory if needed and starts the background
// drain goroutine. Callers must Close the writer to flush buffered entries.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}
	w := &Writer{
		dir:     dir,
		entries: make(chan Entry, defaultBufferSize),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	w.wg.Add(1)
	go w.drain()
	return w, nil
}

// Record queues an entry for writing. It never blocks: if the buffer is full
// the entry is dropped and counted in Dropped. A zero Timestamp is filled in.
func (w *Writer) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.nowFunc()
	}
	select {
	case w.entries <- e:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of entries discarded because the buffer was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops the drain goroutine after flushing all buffered entries.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}

// drain writes queued entries until Close, then flushes what remains.
func (w *Writer) drain() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.entries:
			w.writeWithRetry(e)
		case <-w.done:
			for {
				select {
				case e := <-w.entries:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

// writeWithRetry appends one entry to its day partition, retrying once after
// a short delay. A second failure drops the entry and counts it; audit
// writes must never wedge the pipeline.
func (w *Writer) writeWithRetry(e Entry) {
	if err := w.append(e); err != nil {
		time.Sleep(writeRetryDelay)
		if err := w.append(e); err != nil {
			w.dropped.Add(1)
		}
	}
}

// append writes one JSONL line to the partition for the entry's day (UTC).
func (w *Writer) append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(w.dir, partitionName(e.Timestamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is derived from the configured audit dir
	if err != nil {
		return fmt.Errorf("open audit partition %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit partition %s: %w", path, err)
	}
	return nil
}

// partitionName returns the file name for the day containing ts.
func partitionName(ts time.Time) string {
	return filePrefix + ts.UTC().Format(dayFormat) + fileSuffix
}

// Prune deletes partitions older than retentionDays. It returns the number
// of files removed.
func Prune(dir string, retentionDays int, now time.Time) (int, error) {
	names, err := partitionFiles(dir)
	if err != nil {
		return 0, err
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	removed := 0
	for _, name := range names {
		day, ok := partitionDay(name)
		if !ok {
			continue
		}
		if day.Before(cutoff.Truncate(24 * time.Hour)) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return removed, fmt.Errorf("remove audit partition %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// partitionFiles lists partition file names in dir, sorted ascending by day.
func partitionFiles(dir string) ([]string, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir %s: %w", dir, err)
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if _, ok := partitionDay(d.Name()); ok {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// partitionDay parses the day out of a partition file name.
func partitionDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	day, err := time.Parse(dayFormat, raw)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
