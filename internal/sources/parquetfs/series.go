package parquetfs

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/storage"
	"github.com/parquet-go/parquet-go"
)

// Row is the on-disk sample layout.
type Row struct {
	TS    int64   `parquet:"ts"`
	Value float64 `parquet:"value"`
}

// series is one resource file, sorted by timestamp.
type series struct {
	rows []Row
}

const readBatch = 1024

func loadSeries(ctx context.Context, store storage.Store, key string) (*series, error) {
	data, err := storage.ReadAll(ctx, store, key)
	if err != nil {
		return nil, err
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parquet: open %s: %w", key, err)
	}
	reader := parquet.NewGenericReader[Row](file)
	defer reader.Close()

	rows := make([]Row, 0, file.NumRows())
	buf := make([]Row, readBatch)
	for {
		n, err := reader.Read(buf)
		rows = append(rows, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parquet: read %s: %w", key, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	slices.SortStableFunc(rows, func(a, b Row) int { return cmp.Compare(a.TS, b.TS) })
	return &series{rows: rows}, nil
}

// bounds returns the first timestamp and one period past the last.
func (s *series) bounds(period time.Duration) (time.Time, time.Time, bool) {
	if len(s.rows) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first := time.Unix(0, s.rows[0].TS).UTC()
	last := time.Unix(0, s.rows[len(s.rows)-1].TS).UTC()
	return first, last.Add(period), true
}

// Row timestamps are int64 nanoseconds, so windows must stay inside
// [minStamp, maxStamp].
var (
	minStamp = time.Unix(0, math.MinInt64)
	maxStamp = time.Unix(0, math.MaxInt64)
)

// window calls fn with the slot index of every aligned row in [begin, end).
// Later rows for the same slot win.
func (s *series) window(begin, end time.Time, period time.Duration, fn func(slot int, v float64) error) error {
	if begin.Before(minStamp) || end.After(maxStamp) {
		return fmt.Errorf("%w: window %s to %s is outside the nanosecond timestamp range",
			extensibility.ErrProtocol, begin.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	lo, hi := begin.UnixNano(), end.UnixNano()
	start, _ := slices.BinarySearchFunc(s.rows, lo, func(r Row, ts int64) int { return cmp.Compare(r.TS, ts) })
	step := int64(period)
	for _, r := range s.rows[start:] {
		if r.TS >= hi {
			break
		}
		offset := r.TS - lo
		if offset%step != 0 {
			continue
		}
		if err := fn(int(offset/step), r.Value); err != nil {
			return err
		}
	}
	return nil
}
