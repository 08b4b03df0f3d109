package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/domain/webhook"
)

// handleWebhookEvent re-runs the fan-out for an event that was queued
// instead of fanned out inline, which is how replays and events that
// arrived during an outage catch up.
func (h *Handlers) handleWebhookEvent(ctx context.Context, j job.Job) error {
	decoded, err := DecodePayload(TypeWebhookEvent, j.Payload)

	if err != nil {
		return err
	}
	p := decoded.(WebhookEventPayload)

	event, err := h.events.GetByEventID(ctx, p.EventID)

	if errors.Is(err, webhook.ErrEventNotFound) {
		// The row is gone; retrying cannot bring it back.
		h.queue.Audit(ctx, j.ID, job.LogWarning, "webhook.event missing "+p.EventID)
		return nil
	}

	if err != nil {
		return err
	}

	syncType, routed := FanoutType(event.Topic)

	if !routed {
		h.queue.Audit(ctx, j.ID, job.LogInfo, "webhook.event unrouted topic "+event.Topic)
		return h.events.MarkCompleted(ctx, event.EventID)
	}

	entityID := EntityIDFromPayload(event.Payload)

	if entityID == "" {
		markErr := h.events.MarkFailed(ctx, event.EventID)

		if markErr != nil {
			h.log.WarnContext(ctx, "webhook.mark_failed", "event_id", event.EventID, "error", markErr)
		}
		return fmt.Errorf("%w: no entity id in event %s", ErrInvalidJobPayload, event.EventID)
	}

	key := FanoutKey(event.Topic, event.EventID)

	payload, err := SyncPayload{EntityID: entityID, EventID: event.EventID}.JSON()

	if err != nil {
		return err
	}

	if _, err := h.queue.Enqueue(ctx, job.CreateRequest{
		Type:           syncType.String(),
		Payload:        payload,
		Priority:       job.DefaultPriority,
		NextRunAt:      time.Now(),
		IdempotencyKey: &key,
	}); err != nil {
		return err
	}

	if err := h.events.MarkCompleted(ctx, event.EventID); err != nil {
		return err
	}

	h.queue.Audit(ctx, j.ID, job.LogInfo, "webhook.event fanned out "+event.EventID+" -> "+syncType.String())
	return nil
}
