package jobs

import (
	"context"
	"net/http"

	"github.com/marcusrw/posbridge/internal/domain/job"
)

// syncHandler builds the fetch-and-forward handler shared by the four
// fan-out sync types: re-read the canonical entity from the vendor and
// hand it downstream. Fetching fresh state instead of trusting the
// webhook body keeps out-of-order deliveries harmless.
func (h *Handlers) syncHandler(kind, basePath string) Handler {
	return func(ctx context.Context, j job.Job) error {
		decoded, err := DecodePayload(JobType(j.Type), j.Payload)

		if err != nil {
			return err
		}
		p := decoded.(SyncPayload)

		res, err := h.vendor.Get(ctx, basePath+p.EntityID, nil)

		if err != nil {
			return err
		}

		if res.Status == http.StatusNotFound {
			// Deleted between the webhook and us; nothing left to sync.
			h.queue.Audit(ctx, j.ID, job.LogWarning, "sync."+kind+" entity gone "+p.EntityID)
			return nil
		}

		if !is2xx(res.Status) {
			return vendorStatusErr("sync_"+kind, res)
		}

		if err := h.downstream.Apply(ctx, kind, res.Body); err != nil {
			return err
		}

		h.queue.Audit(ctx, j.ID, job.LogInfo, "sync."+kind+" applied "+p.EntityID)
		return nil
	}
}

func (h *Handlers) handlePushProductUpdate(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypePushProductUpdate, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ProductPushPayload)

	res, err := h.vendor.PutJSON(ctx, "/api/2.0/products/"+p.ProductID, p.Fields, nil)

	if err != nil {
		return err
	}

	if !is2xx(res.Status) {
		return vendorStatusErr("push_product_update", res)
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo, "product.pushed "+p.ProductID)
	return nil
}

func (h *Handlers) handleInventoryCommand(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeInventoryCommand, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(InventoryCommandPayload)

	if p.Command == "set" {
		res, err := h.vendor.PutJSON(ctx, "/api/2.0/inventory", map[string]any{
			"product_id": p.ProductID,
			"outlet_id":  p.OutletID,
			"count":      p.Count,
		}, nil)

		if err != nil {
			return err
		}

		if !is2xx(res.Status) {
			return vendorStatusErr("inventory.set", res)
		}
	} else {
		res, err := h.vendor.PostJSON(ctx, "/api/2.0/inventory/adjustments", map[string]any{
			"product_id": p.ProductID,
			"outlet_id":  p.OutletID,
			"adjustment": p.Count,
		}, nil)

		if err != nil {
			return err
		}

		if !is2xx(res.Status) {
			return vendorStatusErr("inventory.adjust", res)
		}
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo, "inventory."+p.Command+" "+p.ProductID+"@"+p.OutletID)
	return nil
}
