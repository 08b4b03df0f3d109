package jobs

type JobType string

const (
	TypeCreateConsignment      JobType = "create_consignment"
	TypeUpdateConsignment      JobType = "update_consignment"
	TypeCancelConsignment      JobType = "cancel_consignment"
	TypeEditConsignmentLines   JobType = "edit_consignment_lines"
	TypeAddConsignmentProducts JobType = "add_consignment_products"
	TypeMarkTransferPartial    JobType = "mark_transfer_partial"
	TypePushProductUpdate      JobType = "push_product_update"
	TypeInventoryCommand       JobType = "inventory.command"
	TypeWebhookEvent           JobType = "webhook.event"
	TypeSyncProduct            JobType = "sync_product"
	TypeSyncInventory          JobType = "sync_inventory"
	TypeSyncCustomer           JobType = "sync_customer"
	TypeSyncSale               JobType = "sync_sale"
	TypePullProducts           JobType = "pull_products"
	TypePullInventory          JobType = "pull_inventory"
	TypePullConsignments       JobType = "pull_consignments"
)

// All lists every known type in dispatcher selection order.
var All = []JobType{
	TypeCreateConsignment,
	TypeUpdateConsignment,
	TypeCancelConsignment,
	TypeEditConsignmentLines,
	TypeAddConsignmentProducts,
	TypeMarkTransferPartial,
	TypePushProductUpdate,
	TypeInventoryCommand,
	TypeWebhookEvent,
	TypeSyncProduct,
	TypeSyncInventory,
	TypeSyncCustomer,
	TypeSyncSale,
	TypePullProducts,
	TypePullInventory,
	TypePullConsignments,
}

// IsValid reports whether t belongs to the closed set.
func (t JobType) IsValid() bool {
	for _, known := range All {
		if t == known {
			return true
		}
	}
	return false
}

func (t JobType) String() string {
	return string(t)
}
