package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marcusrw/posbridge/internal/domain/job"
	domain "github.com/marcusrw/posbridge/internal/domain/webhook"
	"github.com/marcusrw/posbridge/internal/jobs"
	"github.com/marcusrw/posbridge/internal/metrics"
	"github.com/marcusrw/posbridge/internal/observability"
)

// Config store keys the receiver consults on every delivery.
const (
	enabledKey         = "webhooks_enabled"
	openModeKey        = "webhook.open_mode"
	openModeExpiresKey = "webhook.open_mode_expires_at"
	secretKey          = "webhook.secret"
	prevSecretKey      = "webhook.secret_prev"
	prevExpiresKey     = "webhook.secret_prev_expires_at"
	verifyModeKey      = "webhook_verify_mode"
	handoffKey         = "webhook.queue_handoff"
	inlineKey          = "webhook.inline_processing"
	respond204Key      = "webhook.respond_204"
)

// Header names, with the short fallbacks some provider configurations use.
const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderTopic     = "X-Webhook-Topic"
)

type EventStore interface {
	Insert(ctx context.Context, e domain.Event) (domain.Event, bool, error)
	MarkProcessing(ctx context.Context, eventID string, jobID int64) error
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string) error
	TouchSubscription(ctx context.Context, topic string) error
}

type Queue interface {
	Enqueue(ctx context.Context, req job.CreateRequest) (job.Job, error)
}

// FlagStore is the configstore slice the receiver reads.
type FlagStore interface {
	GetCached(ctx context.Context, key string) (string, bool, error)
}

// Kicker nudges a runner after queue handoff. Optional.
type Kicker interface {
	Kick(ctx context.Context) error
}

// Intake carries one delivery out of the HTTP layer.
type Intake struct {
	Body      []byte
	Headers   http.Header
	SourceIP  string
	UserAgent string
}

// Outcome is what the HTTP layer writes back.
type Outcome struct {
	Status  int
	Ok      bool
	EventID string
	Reason  string
}

type Receiver struct {
	events EventStore
	queue  Queue
	flags  FlagStore
	kicker Kicker
	sink   metrics.Sink
	prom   *observability.Prom
	log    *slog.Logger

	now func() time.Time
}

func NewReceiver(events EventStore, queue Queue, flags FlagStore, kicker Kicker, sink metrics.Sink, prom *observability.Prom, log *slog.Logger) *Receiver {
	if sink == nil {
		sink = metrics.NewMemorySink()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Receiver{
		events: events,
		queue:  queue,
		flags:  flags,
		kicker: kicker,
		sink:   sink,
		prom:   prom,
		log:    log,
		now:    time.Now,
	}
}

// Receive runs the full intake: gate, verify, persist, fan out. Always
// returns an Outcome the HTTP layer can serialize; err is reserved for
// storage failures that warrant a 5xx so the provider redelivers.
func (r *Receiver) Receive(ctx context.Context, in Intake) (Outcome, error) {
	if !r.boolFlag(ctx, enabledKey, true) {
		return Outcome{Status: http.StatusForbidden, Reason: "disabled"}, nil
	}

	topic := in.Headers.Get(HeaderTopic)
	start := r.now()

	if !r.openMode(ctx) {
		if reason := r.verify(ctx, in); reason != "" {
			r.countVerifyFail(ctx, reason)

			if r.strictVerify(ctx) {
				r.recordReceived(topic, "rejected")
				return Outcome{Status: http.StatusUnauthorized, Reason: reason}, nil
			}

			r.log.WarnContext(ctx, "webhook.verify_soft_fail", "reason", reason, "topic", topic)
		}
	}

	payload, parseOK := parseBody(in.Body, in.Headers.Get("Content-Type"))

	if topic == "" {
		topic = topicFromPayload(payload)
	}

	if topic == "" || !parseOK {
		r.recordReceived(topic, "malformed")
		return Outcome{Status: http.StatusBadRequest, Reason: "malformed"}, nil
	}

	eventID := in.Headers.Get(HeaderEventID)

	if eventID == "" {
		eventID = derivedEventID(in.Body)
	}

	event := domain.Event{
		EventID: eventID,
		Topic:   topic,
		Status:  domain.StatusReceived,
		RawBody: in.Body,
		Payload: payload,
	}

	if hdrs, err := json.Marshal(flattenHeaders(in.Headers)); err == nil {
		event.Headers = hdrs
	}

	if sig := in.Headers.Get(HeaderSignature); sig != "" {
		event.Signature = &sig
	}

	if in.SourceIP != "" {
		event.SourceIP = &in.SourceIP
	}

	if in.UserAgent != "" {
		event.UserAgent = &in.UserAgent
	}

	stored, inserted, err := r.events.Insert(ctx, event)

	if err != nil {
		return Outcome{Status: http.StatusInternalServerError, Reason: "storage"}, err
	}

	if !inserted {
		// Redelivery of an event already on file: acknowledge, do not
		// double fan-out.
		r.recordReceived(topic, "duplicate")
		return r.ack(ctx, stored.EventID), nil
	}

	if err := r.events.TouchSubscription(ctx, topic); err != nil {
		r.log.WarnContext(ctx, "webhook.subscription_touch", "topic", topic, "error", err)
	}

	r.sink.Inc(ctx, "webhook.received."+topic, 1)
	r.recordReceived(topic, "accepted")

	if r.boolFlag(ctx, handoffKey, false) {
		if err := r.handoff(ctx, stored); err != nil {
			r.log.WarnContext(ctx, "webhook.handoff", "event_id", stored.EventID, "error", err)
		}
	}

	if r.boolFlag(ctx, inlineKey, true) {
		r.fanout(ctx, stored)
	}

	if r.prom != nil {
		r.prom.WebhookProcessing.Observe(r.now().Sub(start).Seconds())
	}

	return r.ack(ctx, stored.EventID), nil
}

// verify returns "" on success, otherwise the soft-fail reason.
func (r *Receiver) verify(ctx context.Context, in Intake) string {
	sigHeader := in.Headers.Get(HeaderSignature)

	if sigHeader == "" {
		return "missing"
	}

	sig, algorithm := ParseSignatureHeader(sigHeader)

	if algorithm != "" && !strings.EqualFold(algorithm, "HMAC-SHA256") {
		return "algorithm"
	}

	ts := in.Headers.Get(HeaderTimestamp)

	if ts != "" && !CheckTimestamp(ts, r.now()) {
		return "stale"
	}

	if !MatchesAny(sig, Candidates(in.Body, ts, r.secrets(ctx))) {
		return "mismatch"
	}
	return ""
}

// secrets returns the current secret plus the previous one while its
// rotation-overlap window is still open.
func (r *Receiver) secrets(ctx context.Context) []string {
	out := make([]string, 0, 2)

	if cur, ok, _ := r.flags.GetCached(ctx, secretKey); ok && cur != "" {
		out = append(out, cur)
	}

	prev, ok, _ := r.flags.GetCached(ctx, prevSecretKey)

	if !ok || prev == "" {
		return out
	}

	if raw, ok, _ := r.flags.GetCached(ctx, prevExpiresKey); ok {
		if exp := parseTime(raw); !exp.IsZero() && r.now().After(exp) {
			return out
		}
	}

	return append(out, prev)
}

func (r *Receiver) openMode(ctx context.Context) bool {
	if !r.boolFlag(ctx, openModeKey, false) {
		return false
	}

	raw, ok, _ := r.flags.GetCached(ctx, openModeExpiresKey)

	if !ok {
		return true
	}

	exp := parseTime(raw)
	return exp.IsZero() || r.now().Before(exp)
}

func (r *Receiver) strictVerify(ctx context.Context) bool {
	mode, ok, _ := r.flags.GetCached(ctx, verifyModeKey)

	if !ok {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(mode), "soft")
}

func (r *Receiver) handoff(ctx context.Context, e domain.Event) error {
	payload, err := jobs.WebhookEventPayload{EventID: e.EventID}.JSON()

	if err != nil {
		return err
	}

	key := "webhook:" + e.EventID

	j, err := r.queue.Enqueue(ctx, job.CreateRequest{
		Type:           jobs.TypeWebhookEvent.String(),
		Payload:        payload,
		Priority:       job.DefaultPriority,
		NextRunAt:      r.now(),
		IdempotencyKey: &key,
	})

	if err != nil {
		return err
	}

	if err := r.events.MarkProcessing(ctx, e.EventID, j.ID); err != nil {
		return err
	}

	if r.kicker != nil {
		if err := r.kicker.Kick(ctx); err != nil {
			r.log.DebugContext(ctx, "webhook.runner_kick", "error", err)
		}
	}
	return nil
}

// fanout maps the event onto its sync job and completes the event. All
// failures downgrade to queue handoff semantics rather than failing the
// delivery: the provider already got its ack.
func (r *Receiver) fanout(ctx context.Context, e domain.Event) {
	syncType, routed := jobs.FanoutType(e.Topic)

	if !routed {
		if err := r.events.MarkCompleted(ctx, e.EventID); err != nil {
			r.log.WarnContext(ctx, "webhook.mark_completed", "event_id", e.EventID, "error", err)
		}
		return
	}

	entityID := jobs.EntityIDFromPayload(e.Payload)

	if entityID == "" {
		r.log.WarnContext(ctx, "webhook.no_entity_id", "event_id", e.EventID, "topic", e.Topic)

		if err := r.events.MarkFailed(ctx, e.EventID); err != nil {
			r.log.WarnContext(ctx, "webhook.mark_failed", "event_id", e.EventID, "error", err)
		}
		return
	}

	payload, err := jobs.SyncPayload{EntityID: entityID, EventID: e.EventID}.JSON()

	if err != nil {
		return
	}

	key := jobs.FanoutKey(e.Topic, e.EventID)

	if _, err := r.queue.Enqueue(ctx, job.CreateRequest{
		Type:           syncType.String(),
		Payload:        payload,
		Priority:       job.DefaultPriority,
		NextRunAt:      r.now(),
		IdempotencyKey: &key,
	}); err != nil {
		r.log.WarnContext(ctx, "webhook.fanout_enqueue", "event_id", e.EventID, "error", err)
		return
	}

	if err := r.events.MarkCompleted(ctx, e.EventID); err != nil {
		r.log.WarnContext(ctx, "webhook.mark_completed", "event_id", e.EventID, "error", err)
		return
	}

	r.sink.Inc(ctx, "webhook.processed."+e.Topic, 1)
}

func (r *Receiver) ack(ctx context.Context, eventID string) Outcome {
	status := http.StatusOK

	if r.boolFlag(ctx, respond204Key, false) {
		status = http.StatusNoContent
	}
	return Outcome{Status: status, Ok: true, EventID: eventID}
}

func (r *Receiver) recordReceived(topic, outcome string) {
	if r.prom == nil {
		return
	}

	if topic == "" {
		topic = "unknown"
	}
	r.prom.WebhookReceived.WithLabelValues(topic, outcome).Inc()
}

func (r *Receiver) countVerifyFail(ctx context.Context, reason string) {
	if r.prom != nil {
		r.prom.WebhookVerifyFails.WithLabelValues(reason).Inc()
	}
	r.sink.Inc(ctx, "webhook.verify_fail."+reason, 1)
}

// boolFlag treats a missing key as fallback; only an explicit value
// flips the behavior.
func (r *Receiver) boolFlag(ctx context.Context, key string, fallback bool) bool {
	raw, ok, err := r.flags.GetCached(ctx, key)

	if err != nil || !ok {
		return fallback
	}

	v, err := strconv.ParseBool(strings.TrimSpace(raw))

	if err != nil {
		return fallback
	}
	return v
}

func parseBody(body []byte, contentType string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(string(body))

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid(body) {
			return json.RawMessage(body), true
		}
		return nil, false
	}

	// Form-encoded deliveries wrap the JSON in payload=<json>.
	if strings.Contains(contentType, "form") || strings.Contains(trimmed, "payload=") {
		values, err := url.ParseQuery(trimmed)

		if err != nil {
			return nil, false
		}

		inner := values.Get("payload")

		if inner != "" && json.Valid([]byte(inner)) {
			return json.RawMessage(inner), true
		}
	}

	return nil, false
}

func topicFromPayload(payload json.RawMessage) string {
	var m struct {
		Type  string `json:"type"`
		Topic string `json:"topic"`
	}

	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}

	if m.Type != "" {
		return m.Type
	}
	return m.Topic
}

// derivedEventID stands in when the provider omits an event id: a hash
// of the body keeps redeliveries idempotent.
func derivedEventID(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha:" + hex.EncodeToString(sum[:16])
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))

	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)

	if raw == "" {
		return time.Time{}
	}

	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(epoch, 0)
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Time{}
}
