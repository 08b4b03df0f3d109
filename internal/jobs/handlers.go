package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/domain/webhook"
	"github.com/marcusrw/posbridge/internal/vendorapi"
)

// Vendor is the slice of the vendor client handlers call through.
type Vendor interface {
	Get(ctx context.Context, path string, headers map[string]string) (vendorapi.Result, error)
	PostJSON(ctx context.Context, path string, body any, headers map[string]string) (vendorapi.Result, error)
	PutJSON(ctx context.Context, path string, body any, headers map[string]string) (vendorapi.Result, error)
	PatchJSON(ctx context.Context, path string, body any, headers map[string]string) (vendorapi.Result, error)
	Paginate(ctx context.Context, path string, query url.Values, onPage func(vendorapi.Page) error) error
}

// Queue is what handlers need from the jobs repository: fan-out enqueue
// and the audit trail.
type Queue interface {
	Enqueue(ctx context.Context, req job.CreateRequest) (job.Job, error)
	Audit(ctx context.Context, id int64, level job.LogLevel, msg string)
}

type EventStore interface {
	GetByEventID(ctx context.Context, eventID string) (webhook.Event, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string) error
}

type CursorStore interface {
	Get(ctx context.Context, stream string) (string, error)
	Set(ctx context.Context, stream, cursor string) error
}

// Downstream receives entities fetched from the vendor. The back-office
// integration plugs in here; NopDownstream keeps the pipeline runnable
// without one.
type Downstream interface {
	Apply(ctx context.Context, kind string, entity any) error
}

type NopDownstream struct{}

func (NopDownstream) Apply(context.Context, string, any) error { return nil }

// Tunables is the slice of the config store handlers read for runtime
// knobs.
type Tunables interface {
	GetInt(ctx context.Context, key string, fallback int) (int, error)
}

type defaultTunables struct{}

func (defaultTunables) GetInt(_ context.Context, _ string, fallback int) (int, error) {
	return fallback, nil
}

type Handlers struct {
	vendor     Vendor
	queue      Queue
	events     EventStore
	cursors    CursorStore
	downstream Downstream
	tunables   Tunables
	log        *slog.Logger
}

func NewHandlers(vendor Vendor, queue Queue, events EventStore, cursors CursorStore, downstream Downstream, tunables Tunables, log *slog.Logger) *Handlers {
	if downstream == nil {
		downstream = NopDownstream{}
	}
	if tunables == nil {
		tunables = defaultTunables{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Handlers{
		vendor:     vendor,
		queue:      queue,
		events:     events,
		cursors:    cursors,
		downstream: downstream,
		tunables:   tunables,
		log:        log,
	}
}

// RegisterAll wires every known job type into reg.
func (h *Handlers) RegisterAll(reg *Registry) {
	reg.Register(TypeCreateConsignment, h.handleCreateConsignment)
	reg.Register(TypeUpdateConsignment, h.handleUpdateConsignment)
	reg.Register(TypeCancelConsignment, h.handleCancelConsignment)
	reg.Register(TypeEditConsignmentLines, h.handleEditConsignmentLines)
	reg.Register(TypeAddConsignmentProducts, h.handleAddConsignmentProducts)
	reg.Register(TypeMarkTransferPartial, h.handleMarkTransferPartial)
	reg.Register(TypePushProductUpdate, h.handlePushProductUpdate)
	reg.Register(TypeInventoryCommand, h.handleInventoryCommand)
	reg.Register(TypeWebhookEvent, h.handleWebhookEvent)
	reg.Register(TypeSyncProduct, h.syncHandler("product", "/api/2.0/products/"))
	reg.Register(TypeSyncInventory, h.syncHandler("inventory", "/api/2.0/inventory/"))
	reg.Register(TypeSyncCustomer, h.syncHandler("customer", "/api/2.0/customers/"))
	reg.Register(TypeSyncSale, h.syncHandler("sale", "/api/2.0/sales/"))
	reg.Register(TypePullProducts, h.pullHandler("products", "/api/2.0/products"))
	reg.Register(TypePullInventory, h.pullHandler("inventory", "/api/2.0/inventory"))
	reg.Register(TypePullConsignments, h.pullHandler("consignments", "/api/2.0/consignments"))
}

// idempotencyKeyFor derives the vendor-facing idempotency key for a
// create-like call. The job's own key wins so a redriven job replays the
// same vendor request.
func idempotencyKeyFor(j job.Job) string {
	if j.IdempotencyKey != nil && *j.IdempotencyKey != "" {
		return *j.IdempotencyKey
	}
	return fmt.Sprintf("job:%d", j.ID)
}

func vendorStatusErr(op string, res vendorapi.Result) error {
	return fmt.Errorf("%s: vendor returned %d", op, res.Status)
}

func is2xx(status int) bool {
	return status >= 200 && status <= 299
}
