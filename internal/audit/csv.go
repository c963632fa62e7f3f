package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"

	"github.com/ldapconsole/api/pkg/utils"
)

var csvHeader = []string{"timestamp", "actor", "source_ip", "action", "target", "result", "details"}

// ExportCSV renders every matching event, newest first.
func (l *Log) ExportCSV(ctx context.Context, f Filter) (string, error) {
	var events []Event
	if l.readable() {
		found, err := l.Backend.Find(ctx, f, utils.PaginationParams{})
		if err != nil && !errors.Is(err, ErrNotReadable) {
			return "", err
		}
		events = found
	}
	return EncodeCSV(events)
}

func EncodeCSV(events []Event) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}
	for _, e := range events {
		if err := w.Write([]string{e.Timestamp, e.Actor, e.SourceIP, e.Action, e.Target, string(e.Result), e.Details}); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
