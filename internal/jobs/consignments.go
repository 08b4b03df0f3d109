package jobs

import (
	"context"
	"fmt"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/vendorapi"
)

const consignmentsPath = "/api/2.0/consignments"

func (h *Handlers) handleCreateConsignment(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeCreateConsignment, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ConsignmentPayload)

	body := map[string]any{
		"outlet_id": p.OutletID,
		"name":      p.Name,
	}

	if p.SourceOutletID != "" {
		body["source_outlet_id"] = p.SourceOutletID
	}

	if p.DueAt != "" {
		body["due_at"] = p.DueAt
	}

	if len(p.Lines) > 0 {
		body["products"] = linesBody(p.Lines)
	}

	headers := map[string]string{vendorapi.IdempotencyHeader: idempotencyKeyFor(j)}

	res, err := h.vendor.PostJSON(ctx, consignmentsPath, body, headers)

	if err != nil {
		return err
	}

	if !is2xx(res.Status) {
		return vendorStatusErr("create_consignment", res)
	}

	id := extractEntityID(res.Body)

	if id == "" {
		// Duplicate replays come back without a body worth parsing; the
		// payload id is the fallback when the caller pre-assigned one.
		id = p.ConsignmentID
	}

	if id != "" {
		if err := h.verifyVisible(ctx, consignmentsPath+"/"+id); err != nil {
			return err
		}
		h.queue.Audit(ctx, j.ID, job.LogInfo, "consignment.created "+id)
	}

	return nil
}

func (h *Handlers) handleUpdateConsignment(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeUpdateConsignment, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ConsignmentPayload)

	body := map[string]any{}

	if p.Name != "" {
		body["name"] = p.Name
	}

	if p.DueAt != "" {
		body["due_at"] = p.DueAt
	}

	if p.OutletID != "" {
		body["outlet_id"] = p.OutletID
	}

	res, err := h.vendor.PutJSON(ctx, consignmentsPath+"/"+p.ConsignmentID, body, nil)

	if err != nil {
		return err
	}

	if !is2xx(res.Status) {
		return vendorStatusErr("update_consignment", res)
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo, "consignment.updated "+p.ConsignmentID)
	return nil
}

func (h *Handlers) handleCancelConsignment(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeCancelConsignment, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ConsignmentPayload)

	res, err := h.vendor.PutJSON(ctx, consignmentsPath+"/"+p.ConsignmentID,
		map[string]any{"status": "CANCELLED"}, nil)

	if err != nil {
		return err
	}

	if !is2xx(res.Status) {
		return vendorStatusErr("cancel_consignment", res)
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo, "consignment.cancelled "+p.ConsignmentID)
	return nil
}

func (h *Handlers) handleEditConsignmentLines(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeEditConsignmentLines, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ConsignmentLinesPayload)

	for _, line := range p.Lines {
		body := map[string]any{"count": line.Count}

		if line.Cost != nil {
			body["cost"] = *line.Cost
		}

		res, err := h.vendor.PutJSON(ctx,
			fmt.Sprintf("%s/%s/products/%s", consignmentsPath, p.ConsignmentID, line.ProductID),
			body, nil)

		if err != nil {
			return err
		}

		if !is2xx(res.Status) {
			return vendorStatusErr("edit_consignment_lines", res)
		}
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo,
		fmt.Sprintf("consignment.lines_edited %s (%d lines)", p.ConsignmentID, len(p.Lines)))
	return nil
}

func (h *Handlers) handleAddConsignmentProducts(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeAddConsignmentProducts, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ConsignmentLinesPayload)

	headers := map[string]string{vendorapi.IdempotencyHeader: idempotencyKeyFor(j)}

	res, err := h.vendor.PostJSON(ctx,
		consignmentsPath+"/"+p.ConsignmentID+"/products",
		map[string]any{"products": linesBody(p.Lines)}, headers)

	if err != nil {
		return err
	}

	if !is2xx(res.Status) {
		return vendorStatusErr("add_consignment_products", res)
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo,
		fmt.Sprintf("consignment.products_added %s (%d lines)", p.ConsignmentID, len(p.Lines)))
	return nil
}

func (h *Handlers) handleMarkTransferPartial(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeMarkTransferPartial, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(ConsignmentPayload)

	res, err := h.vendor.PutJSON(ctx, consignmentsPath+"/"+p.ConsignmentID,
		map[string]any{"status": "RECEIVED_PARTIAL"}, nil)

	if err != nil {
		return err
	}

	if !is2xx(res.Status) {
		return vendorStatusErr("mark_transfer_partial", res)
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo, "consignment.marked_partial "+p.ConsignmentID)
	return nil
}

func linesBody(lines []ConsignmentLine) []map[string]any {
	out := make([]map[string]any, 0, len(lines))

	for _, line := range lines {
		entry := map[string]any{
			"product_id": line.ProductID,
			"count":      line.Count,
		}

		if line.Cost != nil {
			entry["cost"] = *line.Cost
		}
		out = append(out, entry)
	}
	return out
}

// extractEntityID digs the created resource id out of the common vendor
// envelope shapes: {data:{id}}, {id} or {consignment:{id}}.
func extractEntityID(body any) string {
	m, ok := body.(map[string]any)

	if !ok {
		return ""
	}

	if id, ok := m["id"].(string); ok && id != "" {
		return id
	}

	for _, key := range []string{"data", "consignment", "product"} {
		if inner, ok := m[key].(map[string]any); ok {
			if id, ok := inner["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}
