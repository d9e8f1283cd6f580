package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoveType classifies a ledger movement.
type MoveType string

const (
	MoveReceive   MoveType = "RECEIVE"
	MoveDeliver   MoveType = "DELIVER"
	MoveTransfer  MoveType = "TRANSFER"
	MoveAdjust    MoveType = "ADJUST"
	MoveDamage    MoveType = "DAMAGE"
	MoveReturnIn  MoveType = "RETURN_IN"
	MoveReturnOut MoveType = "RETURN_OUT"
	MovePOSSale   MoveType = "POS_SALE"
)

// MoveStatus tracks the ledger state of a move. The engine only ever writes POSTED moves.
type MoveStatus string

const (
	MoveStatusDraft     MoveStatus = "DRAFT"
	MoveStatusPosted    MoveStatus = "POSTED"
	MoveStatusCancelled MoveStatus = "CANCELLED"
)

// DocumentType names a transactional document kind. It doubles as the ledger reference type.
type DocumentType string

const (
	DocGoodsReceipt    DocumentType = "GoodsReceipt"
	DocDeliveryNote    DocumentType = "DeliveryNote"
	DocStockTransfer   DocumentType = "StockTransfer"
	DocStockAdjustment DocumentType = "StockAdjustment"
	DocDamagedReport   DocumentType = "DamagedReport"
	DocPurchaseReturn  DocumentType = "PurchaseReturn"
	DocSalesReturn     DocumentType = "SalesReturn"
	DocPOSSale         DocumentType = "POSSale"
	DocPOSRefund       DocumentType = "POSRefund"
)

// DocumentStatus enumerates document lifecycle states.
type DocumentStatus string

const (
	StatusDraft     DocumentStatus = "DRAFT"
	StatusApproved  DocumentStatus = "APPROVED"
	StatusPaid      DocumentStatus = "PAID"
	StatusPosted    DocumentStatus = "POSTED"
	StatusCancelled DocumentStatus = "CANCELLED"
	StatusVoid      DocumentStatus = "VOID"
	StatusRefunded  DocumentStatus = "REFUNDED"
)

// ShiftOpen is the only cashier shift state that allows POS postings.
const ShiftOpen = "OPEN"

// StockMove is one immutable ledger row.
type StockMove struct {
	ID              int64           `json:"id"`
	Type            MoveType        `json:"move_type"`
	ItemID          int64           `json:"item_id"`
	Qty             decimal.Decimal `json:"qty"`
	UnitID          int64           `json:"unit_id"`
	FromLocationID  int64           `json:"from_location_id,omitempty"`
	ToLocationID    int64           `json:"to_location_id,omitempty"`
	ReferenceType   DocumentType    `json:"reference_type"`
	ReferenceID     int64           `json:"reference_id"`
	ReferenceNumber string          `json:"reference_number"`
	Status          MoveStatus      `json:"status"`
	BatchNumber     string          `json:"batch_number,omitempty"`
	SerialNumber    string          `json:"serial_number,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	ReversalOf      int64           `json:"reversal_of,omitempty"`
	CreatedBy       int64           `json:"created_by"`
	PostedBy        int64           `json:"posted_by"`
	CreatedAt       time.Time       `json:"created_at"`
	PostedAt        time.Time       `json:"posted_at"`
}

// BalanceKey identifies one balance row.
type BalanceKey struct {
	ItemID     int64
	LocationID int64
}

// Less orders keys by (item, location), the global lock order.
func (k BalanceKey) Less(other BalanceKey) bool {
	if k.ItemID != other.ItemID {
		return k.ItemID < other.ItemID
	}
	return k.LocationID < other.LocationID
}

// Balance is the materialized on-hand and reserved quantity at one location.
type Balance struct {
	ItemID     int64           `json:"item_id"`
	LocationID int64           `json:"location_id"`
	OnHand     decimal.Decimal `json:"qty_on_hand"`
	Reserved   decimal.Decimal `json:"qty_reserved"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Key returns the balance identity.
func (b Balance) Key() BalanceKey {
	return BalanceKey{ItemID: b.ItemID, LocationID: b.LocationID}
}

// Available is on-hand minus reserved.
func (b Balance) Available() decimal.Decimal {
	return b.OnHand.Sub(b.Reserved)
}

// Location is a storage bin inside a warehouse.
type Location struct {
	ID                 int64
	WarehouseID        int64
	AllowNegativeStock bool
}

// Reservation holds available quantity for a downstream document.
type Reservation struct {
	ID            int64           `json:"id"`
	ItemID        int64           `json:"item_id"`
	LocationID    int64           `json:"location_id"`
	Qty           decimal.Decimal `json:"qty"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   int64           `json:"reference_id"`
	IsFulfilled   bool            `json:"is_fulfilled"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
	CreatedBy     int64           `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Open reports whether the reservation still holds quantity.
func (r Reservation) Open() bool {
	return !r.IsFulfilled && r.ReleasedAt == nil
}

// Document is the common shape of every postable transactional document.
type Document struct {
	ID              int64           `json:"id"`
	Type            DocumentType    `json:"type"`
	Number          string          `json:"number"`
	Status          DocumentStatus  `json:"status"`
	WarehouseID     int64           `json:"warehouse_id,omitempty"`
	FromWarehouseID int64           `json:"from_warehouse_id,omitempty"`
	ToWarehouseID   int64           `json:"to_warehouse_id,omitempty"`
	PurchaseOrderID int64           `json:"purchase_order_id,omitempty"`
	SalesOrderID    int64           `json:"sales_order_id,omitempty"`
	ShiftID         int64           `json:"shift_id,omitempty"`
	ShiftStatus     string          `json:"shift_status,omitempty"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
	PaidTotal       decimal.Decimal `json:"paid_total"`
	OriginalSaleID  int64           `json:"original_sale_id,omitempty"`
	CreatedBy       int64           `json:"created_by"`
	PostedBy        int64           `json:"posted_by,omitempty"`
	PostedAt        *time.Time      `json:"posted_at,omitempty"`
	CancelledBy     int64           `json:"cancelled_by,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	Lines           []DocumentLine  `json:"lines"`
}

// DocumentLine carries the per-item detail. Which location fields are used depends on the document type.
type DocumentLine struct {
	ID             int64           `json:"id"`
	ItemID         int64           `json:"item_id"`
	UnitID         int64           `json:"unit_id"`
	LocationID     int64           `json:"location_id,omitempty"`
	FromLocationID int64           `json:"from_location_id,omitempty"`
	ToLocationID   int64           `json:"to_location_id,omitempty"`
	Qty            decimal.Decimal `json:"qty"`
	QtySystem      decimal.Decimal `json:"qty_system"`
	QtyCounted     decimal.Decimal `json:"qty_counted"`
	BatchNumber    string          `json:"batch_number,omitempty"`
	SerialNumber   string          `json:"serial_number,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// DocumentStatusChange updates the lifecycle columns of a document.
type DocumentStatusChange struct {
	DocumentID int64
	Status     DocumentStatus
	ActorID    int64
	At         time.Time
}

// MoveFilter selects ledger rows.
type MoveFilter struct {
	ReferenceType DocumentType
	ReferenceID   int64
	ItemID        int64
	LocationID    int64
	Limit         int
}

// BalanceFilter selects balance rows.
type BalanceFilter struct {
	ItemID      int64
	WarehouseID int64
}

// Drift reports a balance whose on-hand disagrees with the sum of its posted moves.
type Drift struct {
	ItemID     int64           `json:"item_id"`
	LocationID int64           `json:"location_id"`
	OnHand     decimal.Decimal `json:"qty_on_hand"`
	LedgerQty  decimal.Decimal `json:"ledger_qty"`
}

// Difference is the on-hand excess over the ledger.
func (d Drift) Difference() decimal.Decimal {
	return d.OnHand.Sub(d.LedgerQty)
}
