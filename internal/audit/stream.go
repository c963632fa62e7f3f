package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/ldapconsole/api/pkg/utils"
)

// StreamBackend writes JSON lines to a stream such as stdout. It cannot be
// read back.
type StreamBackend struct {
	mu  sync.Mutex
	out io.Writer
}

func NewStreamBackend(out io.Writer) *StreamBackend {
	return &StreamBackend{out: out}
}

func (b *StreamBackend) Append(ctx context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err = b.out.Write(append(line, '\n'))
	return err
}

func (b *StreamBackend) Find(ctx context.Context, f Filter, p utils.PaginationParams) ([]Event, error) {
	return nil, ErrNotReadable
}

func (b *StreamBackend) Count(ctx context.Context, f Filter) (int64, error) {
	return 0, ErrNotReadable
}

func (b *StreamBackend) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, ErrNotReadable
}
