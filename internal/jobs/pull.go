package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/vendorapi"
)

// pullHandler builds the cursor-driven bulk pull for a vendor listing.
// The position survives restarts in sync_cursors, checkpointed after
// every applied page so a crash re-pulls at most one page.
func (h *Handlers) pullHandler(stream, path string) Handler {
	return func(ctx context.Context, j job.Job) error {
		decoded, err := DecodePayload(JobType(j.Type), j.Payload)

		if err != nil {
			return err
		}
		p := decoded.(PullPayload)

		cursor, err := h.cursors.Get(ctx, stream)

		if err != nil {
			return err
		}

		query := url.Values{}

		if cursor != "" {
			query.Set("after", cursor)
		}

		if p.PageLimit > 0 {
			query.Set("page_size", strconv.Itoa(p.PageLimit))
		}

		var (
			pages int
			items int
		)

		err = h.vendor.Paginate(ctx, path, query, func(page vendorapi.Page) error {
			for _, item := range page.Items {
				if aerr := h.downstream.Apply(ctx, stream, item); aerr != nil {
					return aerr
				}
			}

			pages++
			items += len(page.Items)

			if next := vendorapi.NextCursor(page.Result); next != "" {
				if serr := h.cursors.Set(ctx, stream, next); serr != nil {
					return serr
				}
			}
			return nil
		})

		if err != nil {
			return err
		}

		h.queue.Audit(ctx, j.ID, job.LogInfo,
			fmt.Sprintf("pull.%s done (%d pages, %d items)", stream, pages, items))
		return nil
	}
}
