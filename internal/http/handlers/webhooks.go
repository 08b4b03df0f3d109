package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marcusrw/posbridge/internal/webhook"
)

type WebhookHandler struct {
	receiver *webhook.Receiver
}

func NewWebhookHandler(receiver *webhook.Receiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// POST /webhooks/vendor
// The provider expects an ack within five seconds; everything after
// persistence is best effort from its point of view.
func (h *WebhookHandler) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)

	if err != nil {
		RespondBadRequest(ctx, "unreadable body", nil)
		return
	}

	outcome, err := h.receiver.Receive(ctx.Request.Context(), webhook.Intake{
		Body:      body,
		Headers:   ctx.Request.Header,
		SourceIP:  ctx.ClientIP(),
		UserAgent: ctx.Request.UserAgent(),
	})

	if err != nil {
		// Storage failure: a 5xx makes the provider redeliver.
		RespondInternal(ctx, "Could not persist event")
		return
	}

	switch outcome.Status {
	case http.StatusNoContent:
		ctx.Status(http.StatusNoContent)
	case http.StatusOK:
		ctx.JSON(http.StatusOK, gin.H{"ok": true, "eventId": outcome.EventID})
	default:
		ctx.JSON(outcome.Status, gin.H{"ok": false, "error": gin.H{
			"code":    outcome.Reason,
			"message": "webhook rejected",
		}})
	}
}
