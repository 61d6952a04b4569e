package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
)

// Allocate builds one caller-owned request per item, sized for [begin, end).
func Allocate(begin, end time.Time, items ...datamodel.CatalogItem) ([]extensibility.ReadRequest, error) {
	out := make([]extensibility.ReadRequest, 0, len(items))
	for _, item := range items {
		rep := item.Representation
		if !rep.DataType().Valid() {
			return nil, fmt.Errorf("%w: %s has no data type", extensibility.ErrProtocol, item.Path())
		}
		n, err := datamodel.SampleCount(begin, end, rep.SamplePeriod())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", extensibility.ErrProtocol, err)
		}
		out = append(out, extensibility.ReadRequest{
			Item:   item,
			Data:   extensibility.NewSampleBuffer(rep.DataType(), n),
			Status: make([]byte, n),
		})
	}
	return out, nil
}

// ForEachRequest runs fn for every request with at most limit in flight.
// The first error cancels the context handed to the remaining calls and is
// returned once all started calls have finished.
func ForEachRequest(
	ctx context.Context,
	requests []extensibility.ReadRequest,
	limit int,
	fn func(ctx context.Context, index int, req extensibility.ReadRequest) error,
) error {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	sem := make(chan struct{}, limit)
	for i, req := range requests {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			fail(ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, req extensibility.ReadRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, i, req); err != nil {
				fail(err)
			}
		}(i, req)
	}
	wg.Wait()
	return firstErr
}
