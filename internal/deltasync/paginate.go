package deltasync

import (
	"context"

	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

// Page is one provider response. Cursor continues the listing when More is
// set; on the last page of an event listing it is the new watermark.
type Page struct {
	Patch  maildb.Patch `json:"patch"`
	Cursor string       `json:"cursor"`
	More   bool         `json:"more"`
}

type PageFunc func(ctx context.Context, cursor string) (Page, error)

// Paginate requests pages from start until one reports no more data and
// returns their patches folded into one. A page that asks for more with the
// cursor it was requested with fails with a PaginationLoopError.
func Paginate(ctx context.Context, start string, fetchPage PageFunc) (Page, error) {
	merged := Page{Cursor: start}
	cursor := start
	for pages := 1; ; pages++ {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		page, err := fetchPage(ctx, cursor)
		if err != nil {
			return Page{}, err
		}
		merged.Patch.Append(page.Patch)
		if page.Cursor != "" {
			merged.Cursor = page.Cursor
		}
		if !page.More {
			return merged, nil
		}
		if page.Cursor == cursor {
			return Page{}, &syncerr.PaginationLoopError{Cursor: cursor, Pages: pages}
		}
		cursor = page.Cursor
	}
}
