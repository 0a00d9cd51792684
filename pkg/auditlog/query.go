package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QueryOpts specifies filter criteria for querying audit entries.
type QueryOpts struct {
	// EventID filters entries to one event.
	EventID string

	// Actor filters to a specific actor (e.g., "supervisor", "loop", a worker name).
	Actor string

	// After filters entries with Timestamp >= After.
	After *time.Time

	// Before filters entries with Timestamp <= Before.
	Before *time.Time

	// Limit restricts the number of results, newest first (0 = no limit).
	Limit int
}

// Query reads matching entries from the partitions in dir, newest first.
// Malformed lines are skipped; a partially written trailing line must not
// make history unreadable.
func Query(dir string, opts QueryOpts) ([]Entry, error) {
	names, err := partitionFiles(dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	// Walk partitions newest-first so Limit cuts off the oldest entries.
	for i := len(names) - 1; i >= 0; i-- {
		day, _ := partitionDay(names[i])
		if opts.After != nil && day.Add(24*time.Hour).Before(opts.After.UTC()) {
			break // older partitions cannot match
		}
		if opts.Before != nil && day.After(opts.Before.UTC()) {
			continue
		}

		entries, err := readPartition(filepath.Join(dir, names[i]), opts)
		if err != nil {
			return nil, err
		}
		// Entries within a partition are append-ordered; reverse for newest-first.
		for j := len(entries) - 1; j >= 0; j-- {
			out = append(out, entries[j])
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// readPartition scans one partition file and returns entries matching opts
// in file order.
func readPartition(path string, opts QueryOpts) ([]Entry, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from the configured audit dir
	if err != nil {
		return nil, fmt.Errorf("open audit partition %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if opts.EventID != "" && e.EventID != opts.EventID {
			continue
		}
		if opts.Actor != "" && e.Actor != opts.Actor {
			continue
		}
		if opts.After != nil && e.Timestamp.Before(*opts.After) {
			continue
		}
		if opts.Before != nil && e.Timestamp.After(*opts.Before) {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit partition %s: %w", path, err)
	}
	return entries, nil
}
