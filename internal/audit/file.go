package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ldapconsole/api/pkg/utils"
)

// FileBackend appends JSON lines to a local file. Every access takes an
// advisory lock so several worker processes can share one file.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (b *FileBackend) Append(ctx context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(b.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return fmt.Errorf("locking audit log: %w", err)
	}
	defer unlock(f)

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return f.Sync()
}

func (b *FileBackend) Find(ctx context.Context, filter Filter, p utils.PaginationParams) ([]Event, error) {
	events, err := b.matching(filter)
	if err != nil {
		return nil, err
	}
	start, end := utils.PageSlice(len(events), p)
	return events[start:end], nil
}

func (b *FileBackend) Count(ctx context.Context, filter Filter) (int64, error) {
	events, err := b.matching(filter)
	return int64(len(events)), err
}

// Prune rewrites the file in place under an exclusive lock, so appenders
// waiting on the lock continue writing to the same file.
func (b *FileBackend) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	f, err := os.OpenFile(b.Path, os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return 0, fmt.Errorf("locking audit log: %w", err)
	}
	defer unlock(f)

	var kept bytes.Buffer
	removed := 0
	err = scanLines(f, func(line []byte) {
		var e Event
		if json.Unmarshal(line, &e) == nil {
			if t, ok := e.Time(); ok && t.Before(cutoff) {
				removed++
				return
			}
		}
		kept.Write(line)
		kept.WriteByte('\n')
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncating audit log: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := f.Write(kept.Bytes()); err != nil {
		return 0, fmt.Errorf("rewriting audit log: %w", err)
	}
	return removed, f.Sync()
}

// matching loads every parseable event that passes filter, newest first.
func (b *FileBackend) matching(filter Filter) ([]Event, error) {
	f, err := os.Open(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if err := lockShared(f); err != nil {
		return nil, fmt.Errorf("locking audit log: %w", err)
	}
	defer unlock(f)

	var events []Event
	err = scanLines(f, func(line []byte) {
		var e Event
		if json.Unmarshal(line, &e) != nil {
			return
		}
		if filter.Match(e) {
			events = append(events, e)
		}
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

func scanLines(r io.Reader, fn func(line []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	return nil
}
