package vendorapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

const maxPages = 1000

// Page is one page of a paginated listing handed to the callback.
type Page struct {
	Items  []any
	Number int
	Result Result
}

// Paginate walks a vendor listing, preferring the opaque cursor whenever
// the server returns one (links.next, meta.next or page_info) and falling
// back to a numeric page parameter otherwise. Iteration stops when a page
// comes back empty, when no next cursor is offered after the opaque path
// has been taken, or at the page cap.
func (c *Client) Paginate(ctx context.Context, path string, query url.Values, onPage func(Page) error) error {
	if query == nil {
		query = url.Values{}
	}

	var (
		cursor     string
		usedCursor bool
	)

	// A caller resuming from a checkpoint passes its saved cursor as
	// "after"; the walk starts on the opaque path and the numeric page
	// parameter is never sent alongside it.
	if after := query.Get("after"); after != "" {
		cursor = after
		usedCursor = true
	}

	for page := 1; page <= maxPages; page++ {
		q := url.Values{}

		for k, vs := range query {
			if k == "after" {
				continue
			}
			q[k] = vs
		}

		if cursor != "" {
			q.Set("after", cursor)
		} else if !usedCursor {
			q.Set("page", strconv.Itoa(page))
		} else {
			// The opaque path ran out of cursors: we are done.
			return nil
		}

		res, err := c.Get(ctx, path+"?"+q.Encode(), nil)

		if err != nil {
			return err
		}

		if res.Status < 200 || res.Status > 299 {
			return fmt.Errorf("paginate %s: status %d on page %d", path, res.Status, page)
		}

		items := extractItems(res.Body)

		if len(items) == 0 {
			return nil
		}

		if err := onPage(Page{Items: items, Number: page, Result: res}); err != nil {
			return err
		}

		next := extractNextCursor(res.Body)

		if next != "" {
			cursor = next
			usedCursor = true
		} else if usedCursor {
			return nil
		} else {
			cursor = ""
		}
	}

	return fmt.Errorf("paginate %s: page cap (%d) reached", path, maxPages)
}

// NextCursor exposes the cursor extraction for callers that checkpoint
// their position between pages.
func NextCursor(r Result) string {
	return extractNextCursor(r.Body)
}

func extractItems(body any) []any {
	m, ok := body.(map[string]any)

	if !ok {
		if arr, ok := body.([]any); ok {
			return arr
		}
		return nil
	}

	for _, key := range []string{"data", "items", "results"} {
		if arr, ok := m[key].([]any); ok {
			return arr
		}
	}
	return nil
}

func extractNextCursor(body any) string {
	m, ok := body.(map[string]any)

	if !ok {
		return ""
	}

	if links, ok := m["links"].(map[string]any); ok {
		if next, ok := links["next"].(string); ok && next != "" {
			return next
		}
	}

	if meta, ok := m["meta"].(map[string]any); ok {
		if next, ok := meta["next"].(string); ok && next != "" {
			return next
		}
	}

	if pi, ok := m["page_info"].(string); ok && pi != "" {
		return pi
	}

	if pi, ok := m["page_info"].(map[string]any); ok {
		if next, ok := pi["next"].(string); ok {
			return next
		}
	}

	return ""
}
