package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marcusrw/posbridge/internal/config"
	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/http/middlewares"
	"github.com/marcusrw/posbridge/internal/jobs"
	"github.com/marcusrw/posbridge/internal/repo/postgres"
	"github.com/marcusrw/posbridge/internal/security"
	"github.com/marcusrw/posbridge/internal/utils"
	"github.com/marcusrw/posbridge/internal/vendorapi"
)

const (
	maxConcurrencyCap = 50
	maxRedriveLimit   = 500
	minOverlapMinutes = 1
	maxOverlapMinutes = 1440
)

type AdminJobsRepo interface {
	Enqueue(ctx context.Context, req job.CreateRequest) (job.Job, error)
	GetByID(ctx context.Context, id int64) (job.Job, error)
	ListCursor(
		ctx context.Context,
		status *string,
		limit int,
		afterUpdatedAt time.Time,
		afterID int64,
	) (items []job.Job, nextCursor *string, hasMore bool, err error)
	Summary(ctx context.Context) (postgres.StatusSummary, error)
	CountsByType(ctx context.Context) (map[string]postgres.TypeCounts, error)
	ListDeadLetters(ctx context.Context, limit int) ([]job.DeadLetter, error)
	Redrive(ctx context.Context, ids []int64, oldest int) (int64, error)
}

type AdminConfigStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetJSON(ctx context.Context, key string, out any) (bool, error)
}

type TokenRefresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

type BearerRotator interface {
	RotateBearer(ctx context.Context, newSecret string, overlap time.Duration) (string, error)
}

type WebhookReplayer interface {
	MarkReplayed(ctx context.Context, eventIDs []string, reason string) (int64, error)
}

type BreakerInfo interface {
	State(ctx context.Context) (vendorapi.BreakerState, error)
}

type RunnerKicker interface {
	Kick(ctx context.Context) error
}

type AdminHandler struct {
	repo     AdminJobsRepo
	store    AdminConfigStore
	tokens   TokenRefresher
	rotator  BearerRotator
	replayer WebhookReplayer
	breaker  BreakerInfo
	kicker   RunnerKicker
}

func NewAdminHandler(repo AdminJobsRepo, store AdminConfigStore, tokens TokenRefresher, rotator BearerRotator, replayer WebhookReplayer, breaker BreakerInfo, kicker RunnerKicker) *AdminHandler {
	return &AdminHandler{
		repo:     repo,
		store:    store,
		tokens:   tokens,
		rotator:  rotator,
		replayer: replayer,
		breaker:  breaker,
		kicker:   kicker,
	}
}

type enqueueRequest struct {
	Type           string          `json:"type" binding:"required"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
	Priority       int             `json:"priority" binding:"omitempty,min=1,max=9"`
	MaxAttempts    int             `json:"maxAttempts" binding:"omitempty,min=1,max=10"`
	RunAt          *time.Time      `json:"runAt"`
	IdempotencyKey *string         `json:"idempotencyKey" binding:"omitempty,max=128"`
}

// POST /admin/jobs
func (h *AdminHandler) Enqueue(ctx *gin.Context) {
	var req enqueueRequest

	if !BindJSON(ctx, &req) {
		return
	}

	jt := jobs.JobType(req.Type)

	if !jt.IsValid() {
		RespondBadRequest(ctx, "unknown job type", gin.H{"type": req.Type})
		return
	}

	if err := jobs.ValidatePayload(jt, req.Payload); err != nil {
		RespondBadRequest(ctx, "invalid payload for job type", gin.H{"reason": err.Error()})
		return
	}

	runAt := time.Now()

	if req.RunAt != nil {
		runAt = *req.RunAt
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	created, err := h.repo.Enqueue(cctx, job.CreateRequest{
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		NextRunAt:      runAt,
		IdempotencyKey: req.IdempotencyKey,
	})

	if err != nil {
		if errors.Is(err, job.ErrIdempotencyKeyLong) {
			RespondBadRequest(ctx, "idempotency key too long", nil)
			return
		}

		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	if h.kicker != nil {
		_ = h.kicker.Kick(ctx.Request.Context())
	}

	RespondCreated(ctx, created)
}

// GET /admin/jobs?status=&limit=&cursor=
func (h *AdminHandler) ListJobs(ctx *gin.Context) {
	limit := parseIntDefault(ctx.Query("limit"), 20)

	if limit < 1 || limit > 100 {
		RespondBadRequest(ctx, "limit must be between 1 and 100", nil)
		return
	}

	var statusPtr *string
	if s := ctx.Query("status"); s != "" {
		statusPtr = &s
	}

	// DESC first-page sentinel
	afterUpdatedAt := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	afterID := int64(math.MaxInt64)

	if cursor := ctx.Query("cursor"); cursor != "" {
		cur, err := utils.DecodeJobCursor(cursor)

		if err != nil {
			RespondBadRequest(ctx, "cursor is invalid", nil)
			return
		}
		afterUpdatedAt = cur.UpdatedAt
		afterID = cur.ID
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, next, hasMore, err := h.repo.ListCursor(cctx, statusPtr, limit, afterUpdatedAt, afterID)

	if err != nil {
		RespondInternal(ctx, "Could not list jobs")
		return
	}

	RespondOK(ctx, gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": next,
	})
}

// GET /admin/jobs/:id
func (h *AdminHandler) GetJob(ctx *gin.Context) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)

	if err != nil || id <= 0 {
		RespondBadRequest(ctx, "invalid job id", nil)
		return
	}
	ctx.Set(middlewares.CtxJobID, strconv.FormatInt(id, 10))

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	j, err := h.repo.GetByID(cctx, id)

	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}

		RespondInternal(ctx, "Could not fetch job")
		return
	}

	RespondOK(ctx, j)
}

type pauseRequest struct {
	Type string `json:"type"`
}

// POST /admin/queue/pause and /admin/queue/resume
func (h *AdminHandler) Pause(ctx *gin.Context) { h.setPause(ctx, true) }

func (h *AdminHandler) Resume(ctx *gin.Context) { h.setPause(ctx, false) }

func (h *AdminHandler) setPause(ctx *gin.Context, paused bool) {
	var req pauseRequest

	if ctx.Request.ContentLength > 0 && !BindJSON(ctx, &req) {
		return
	}

	targets := jobs.All

	if req.Type != "" {
		jt := jobs.JobType(req.Type)

		if !jt.IsValid() {
			RespondBadRequest(ctx, "unknown job type", gin.H{"type": req.Type})
			return
		}
		targets = []jobs.JobType{jt}
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	for _, t := range targets {
		if err := h.store.Set(cctx, "queue_pause."+t.String(), strconv.FormatBool(paused)); err != nil {
			RespondInternal(ctx, "Could not update pause flag")
			return
		}
	}

	RespondOK(ctx, gin.H{"paused": paused, "types": targets})
}

type concurrencyRequest struct {
	Type string `json:"type" binding:"required"`
	Cap  *int   `json:"cap" binding:"required"`
}

// PUT /admin/queue/concurrency
func (h *AdminHandler) SetConcurrency(ctx *gin.Context) {
	var req concurrencyRequest

	if !BindJSON(ctx, &req) {
		return
	}

	jt := jobs.JobType(req.Type)

	if !jt.IsValid() {
		RespondBadRequest(ctx, "unknown job type", gin.H{"type": req.Type})
		return
	}

	if *req.Cap < 0 || *req.Cap > maxConcurrencyCap {
		RespondBadRequest(ctx, "cap must be between 0 and 50", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.store.Set(cctx, "queue.max_concurrency."+jt.String(), strconv.Itoa(*req.Cap)); err != nil {
		RespondInternal(ctx, "Could not update concurrency cap")
		return
	}

	RespondOK(ctx, gin.H{"type": jt, "cap": *req.Cap})
}

// GET /admin/dlq?limit=
func (h *AdminHandler) ListDLQ(ctx *gin.Context) {
	limit := parseIntDefault(ctx.Query("limit"), 50)

	if limit < 1 || limit > maxRedriveLimit {
		RespondBadRequest(ctx, "limit must be between 1 and 500", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, err := h.repo.ListDeadLetters(cctx, limit)

	if err != nil {
		RespondInternal(ctx, "Could not list dead letters")
		return
	}

	RespondOK(ctx, gin.H{"count": len(items), "items": items})
}

type redriveRequest struct {
	IDs    []int64 `json:"ids"`
	Oldest int     `json:"oldest"`
}

// POST /admin/dlq/redrive
func (h *AdminHandler) Redrive(ctx *gin.Context) {
	var req redriveRequest

	if !BindJSON(ctx, &req) {
		return
	}

	if len(req.IDs) == 0 && req.Oldest <= 0 {
		RespondBadRequest(ctx, "provide ids or oldest", nil)
		return
	}

	if len(req.IDs) > maxRedriveLimit || req.Oldest > maxRedriveLimit {
		RespondBadRequest(ctx, "at most 500 jobs per redrive", nil)
		return
	}

	cctx, cancel := config.WithTimeout(10 * time.Second)
	defer cancel()

	n, err := h.repo.Redrive(cctx, req.IDs, req.Oldest)

	if err != nil {
		RespondInternal(ctx, "Could not redrive dead letters")
		return
	}

	if h.kicker != nil {
		_ = h.kicker.Kick(ctx.Request.Context())
	}

	RespondOK(ctx, gin.H{"redriven": n})
}

// GET /admin/status
func (h *AdminHandler) Status(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	summary, err := h.repo.Summary(cctx)

	if err != nil {
		RespondInternal(ctx, "Could not read queue summary")
		return
	}

	counts, err := h.repo.CountsByType(cctx)

	if err != nil {
		RespondInternal(ctx, "Could not read per-type counts")
		return
	}

	data := gin.H{
		"queue":  summary,
		"types":  counts,
		"banner": nil,
	}

	var banner map[string]any

	if found, _ := h.store.GetJSON(cctx, "ui.banner", &banner); found {
		data["banner"] = banner
	}

	if h.breaker != nil {
		if bs, berr := h.breaker.State(cctx); berr == nil {
			data["breaker"] = bs
		}
	}

	RespondOK(ctx, data)
}

// POST /admin/oauth/refresh
func (h *AdminHandler) RefreshToken(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(15 * time.Second)
	defer cancel()

	if _, err := h.tokens.ForceRefresh(cctx); err != nil {
		RespondError(ctx, 502, "refresh_failed", "Vendor token refresh failed", gin.H{"reason": err.Error()})
		return
	}

	RespondOK(ctx, gin.H{"refreshed": true})
}

type rotateRequest struct {
	Target         string  `json:"target" binding:"required,oneof=admin_bearer webhook_secret"`
	OverlapMinutes int     `json:"overlapMinutes" binding:"required,min=1,max=1440"`
	Secret         *string `json:"secret"`
}

// POST /admin/keys/rotate
func (h *AdminHandler) RotateKey(ctx *gin.Context) {
	var req rotateRequest

	if !BindJSON(ctx, &req) {
		return
	}

	overlap := time.Duration(req.OverlapMinutes) * time.Minute

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	switch req.Target {
	case "admin_bearer":
		secret := ""

		if req.Secret != nil {
			secret = *req.Secret
		}

		issued, err := h.rotator.RotateBearer(cctx, secret, overlap)

		if err != nil {
			RespondInternal(ctx, "Could not rotate admin bearer")
			return
		}

		// The plaintext appears in exactly this one response.
		RespondOK(ctx, gin.H{"target": req.Target, "secret": issued, "overlapMinutes": req.OverlapMinutes})

	case "webhook_secret":
		secret, err := h.rotateWebhookSecret(cctx, req.Secret, overlap)

		if err != nil {
			RespondInternal(ctx, "Could not rotate webhook secret")
			return
		}

		RespondOK(ctx, gin.H{"target": req.Target, "secret": secret, "overlapMinutes": req.OverlapMinutes})
	}
}

// rotateWebhookSecret slides the current signing secret into the
// previous slot with an expiry, so in-flight sender configs keep
// verifying until the overlap closes.
func (h *AdminHandler) rotateWebhookSecret(ctx context.Context, explicit *string, overlap time.Duration) (string, error) {
	secret := ""

	if explicit != nil {
		secret = *explicit
	}

	if secret == "" {
		generated, err := security.GenerateSecret()

		if err != nil {
			return "", err
		}
		secret = generated
	}

	if current, ok, _ := h.store.Get(ctx, "webhook.secret"); ok && current != "" {
		if err := h.store.Set(ctx, "webhook.secret_prev", current); err != nil {
			return "", err
		}

		expires := time.Now().Add(overlap).Format(time.RFC3339)

		if err := h.store.Set(ctx, "webhook.secret_prev_expires_at", expires); err != nil {
			return "", err
		}
	}

	if err := h.store.Set(ctx, "webhook.secret", secret); err != nil {
		return "", err
	}
	return secret, nil
}

type replayRequest struct {
	EventIDs []string `json:"eventIds" binding:"required,min=1,max=500"`
	Reason   string   `json:"reason" binding:"required"`
}

// POST /admin/webhooks/replay
func (h *AdminHandler) ReplayWebhooks(ctx *gin.Context) {
	var req replayRequest

	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	n, err := h.replayer.MarkReplayed(cctx, req.EventIDs, strings.TrimSpace(req.Reason))

	if err != nil {
		RespondInternal(ctx, "Could not mark events for replay")
		return
	}

	RespondOK(ctx, gin.H{"replayed": n})
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)

	if err != nil {
		return fallback
	}

	return n
}
