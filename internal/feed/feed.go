// Package feed serves stored records as fixed-size pages, newest first.
package feed

import (
	"context"
	"fmt"
	"math"

	"channel-mirror/pkg/mirror"
)

// DefaultPageSize is the number of records per page when none is configured.
const DefaultPageSize = 20

// Reader reads a consistent slice and total count.
type Reader interface {
	RangeWithCount(ctx context.Context, offset int, limit int) ([]mirror.Record, int, error)
}

// Pager splits the record set into pages.
type Pager struct {
	reader   Reader
	pageSize int
}

// New creates a Pager; non-positive sizes fall back to DefaultPageSize.
func New(reader Reader, pageSize int) (*Pager, error) {
	if reader == nil {
		return nil, fmt.Errorf("new pager: nil reader")
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	return &Pager{reader: reader, pageSize: pageSize}, nil
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// Page returns page n (1-based) at the configured size.
func (p *Pager) Page(ctx context.Context, n int) (mirror.Page, error) {
	return p.PageOf(ctx, n, p.pageSize)
}

// PageOf returns page n (1-based) of size records.
//
// It fails with mirror.ErrInvalidPage when size < 1, when the store is empty,
// or when n falls outside [1, pages], including n too large to address.
func (p *Pager) PageOf(ctx context.Context, n int, size int) (mirror.Page, error) {
	if size < 1 {
		return mirror.Page{}, fmt.Errorf("page %d: size %d: %w", n, size, mirror.ErrInvalidPage)
	}
	if n < 1 {
		return mirror.Page{}, fmt.Errorf("page %d: %w", n, mirror.ErrInvalidPage)
	}
	// No store holds more than MaxInt records, so an unrepresentable offset is past the end.
	if n-1 > math.MaxInt/size {
		return mirror.Page{}, fmt.Errorf("page %d of size %d: %w", n, size, mirror.ErrInvalidPage)
	}

	records, total, err := p.reader.RangeWithCount(ctx, (n-1)*size, size)
	if err != nil {
		return mirror.Page{}, fmt.Errorf("page %d: %w", n, err)
	}

	pages := PageCount(total, size)
	if pages == 0 || n > pages {
		return mirror.Page{}, fmt.Errorf("page %d of %d: %w", n, pages, mirror.ErrInvalidPage)
	}

	return mirror.Page{Data: records, Pages: pages}, nil
}

// PageCount returns ceil(total / size).
func PageCount(total int, size int) int {
	if total <= 0 || size < 1 {
		return 0
	}

	return (total + size - 1) / size
}
