package stock

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Delta is the uniform balance effect of one document line.
// From is debited and To is credited; zero means no location on that side.
type Delta struct {
	ItemID         int64
	UnitID         int64
	From           int64
	To             int64
	Qty            decimal.Decimal
	MoveType       MoveType
	BatchNumber    string
	SerialNumber   string
	Notes          string
	CheckAvailable bool
}

// Negate swaps the direction of the delta.
func (d Delta) Negate() Delta {
	d.From, d.To = d.To, d.From
	d.CheckAvailable = false
	return d
}

// Keys lists the balances the delta touches.
func (d Delta) Keys() []BalanceKey {
	keys := make([]BalanceKey, 0, 2)
	if d.From != 0 {
		keys = append(keys, BalanceKey{ItemID: d.ItemID, LocationID: d.From})
	}
	if d.To != 0 {
		keys = append(keys, BalanceKey{ItemID: d.ItemID, LocationID: d.To})
	}
	return keys
}

// Postable is implemented by each document variant the engine knows how to post.
type Postable interface {
	Document() Document
	// AllowedFrom lists the statuses the document may be posted from.
	AllowedFrom() []DocumentStatus
	// Validate checks type-specific preconditions before any balance is touched.
	Validate(ctx context.Context, tx TxRepository) error
	Deltas() []Delta
}

// afterApplier runs extra writes once all deltas are applied, inside the same transaction.
type afterApplier interface {
	afterApply(ctx context.Context, run *postingRun) error
}

// Bind wraps a loaded document into its postable variant.
func Bind(doc Document) (Postable, error) {
	switch doc.Type {
	case DocGoodsReceipt:
		return GoodsReceipt{doc}, nil
	case DocDeliveryNote:
		return DeliveryNote{doc}, nil
	case DocStockTransfer:
		return StockTransfer{doc}, nil
	case DocStockAdjustment:
		return StockAdjustment{doc}, nil
	case DocDamagedReport:
		return DamagedReport{doc}, nil
	case DocPurchaseReturn:
		return PurchaseReturn{doc}, nil
	case DocSalesReturn:
		return SalesReturn{doc}, nil
	case DocPOSSale:
		return POSSale{doc}, nil
	case DocPOSRefund:
		return POSRefund{doc}, nil
	default:
		return nil, validationError("unknown document type %q", doc.Type)
	}
}

var draftOnly = []DocumentStatus{StatusDraft}

func validateLines(doc Document, needLocation func(DocumentLine) bool) error {
	if len(doc.Lines) == 0 {
		return validationError("%s %s has no lines", doc.Type, doc.Number)
	}
	for i, line := range doc.Lines {
		if line.ItemID <= 0 {
			return validationError("line %d: item required", i+1)
		}
		if !line.Qty.IsPositive() {
			return validationError("line %d: qty must be positive", i+1)
		}
		if needLocation != nil && !needLocation(line) {
			return validationError("line %d: location required", i+1)
		}
	}
	return nil
}

func hasLocation(line DocumentLine) bool { return line.LocationID > 0 }

// GoodsReceipt receives purchased goods into a location.
type GoodsReceipt struct{ doc Document }

func (g GoodsReceipt) Document() Document            { return g.doc }
func (g GoodsReceipt) AllowedFrom() []DocumentStatus { return draftOnly }

func (g GoodsReceipt) Validate(context.Context, TxRepository) error {
	return validateLines(g.doc, hasLocation)
}

func (g GoodsReceipt) Deltas() []Delta {
	deltas := make([]Delta, 0, len(g.doc.Lines))
	for _, line := range g.doc.Lines {
		deltas = append(deltas, lineDelta(line, MoveReceive, 0, line.LocationID))
	}
	return deltas
}

func (g GoodsReceipt) afterApply(ctx context.Context, run *postingRun) error {
	if g.doc.PurchaseOrderID > 0 {
		for _, line := range g.doc.Lines {
			if err := run.tx.IncrementPurchaseReceived(ctx, g.doc.PurchaseOrderID, line.ItemID, line.Qty); err != nil {
				return err
			}
		}
	}
	return run.updateAverageCost(ctx, g.doc)
}

// DeliveryNote ships goods out of a location.
type DeliveryNote struct{ doc Document }

func (d DeliveryNote) Document() Document            { return d.doc }
func (d DeliveryNote) AllowedFrom() []DocumentStatus { return draftOnly }

func (d DeliveryNote) Validate(context.Context, TxRepository) error {
	return validateLines(d.doc, hasLocation)
}

func (d DeliveryNote) Deltas() []Delta {
	deltas := make([]Delta, 0, len(d.doc.Lines))
	for _, line := range d.doc.Lines {
		deltas = append(deltas, lineDelta(line, MoveDeliver, line.LocationID, 0))
	}
	return deltas
}

func (d DeliveryNote) afterApply(ctx context.Context, run *postingRun) error {
	if d.doc.SalesOrderID <= 0 {
		return nil
	}
	for _, line := range d.doc.Lines {
		if err := run.tx.IncrementSalesDelivered(ctx, d.doc.SalesOrderID, line.ItemID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

// StockTransfer moves goods between locations of two warehouses.
type StockTransfer struct{ doc Document }

func (t StockTransfer) Document() Document            { return t.doc }
func (t StockTransfer) AllowedFrom() []DocumentStatus { return draftOnly }

func (t StockTransfer) Validate(ctx context.Context, tx TxRepository) error {
	err := validateLines(t.doc, func(line DocumentLine) bool {
		return line.FromLocationID > 0 && line.ToLocationID > 0
	})
	if err != nil {
		return err
	}
	for _, line := range t.doc.Lines {
		if err := checkWarehouse(ctx, tx, line.FromLocationID, t.doc.FromWarehouseID); err != nil {
			return err
		}
		if err := checkWarehouse(ctx, tx, line.ToLocationID, t.doc.ToWarehouseID); err != nil {
			return err
		}
	}
	return nil
}

func (t StockTransfer) Deltas() []Delta {
	deltas := make([]Delta, 0, len(t.doc.Lines))
	for _, line := range t.doc.Lines {
		deltas = append(deltas, lineDelta(line, MoveTransfer, line.FromLocationID, line.ToLocationID))
	}
	return deltas
}

func checkWarehouse(ctx context.Context, tx TxRepository, locationID, warehouseID int64) error {
	loc, err := tx.GetLocation(ctx, locationID)
	if err != nil {
		return err
	}
	if loc.WarehouseID != warehouseID {
		return &LocationMismatchError{LocationID: locationID, WarehouseID: warehouseID, Actual: loc.WarehouseID}
	}
	return nil
}

// StockAdjustment reconciles system quantity with a physical count.
type StockAdjustment struct{ doc Document }

func (a StockAdjustment) Document() Document { return a.doc }

func (a StockAdjustment) AllowedFrom() []DocumentStatus {
	return []DocumentStatus{StatusDraft, StatusApproved}
}

func (a StockAdjustment) Validate(context.Context, TxRepository) error {
	if len(a.doc.Lines) == 0 {
		return validationError("%s %s has no lines", a.doc.Type, a.doc.Number)
	}
	for i, line := range a.doc.Lines {
		if line.ItemID <= 0 || line.LocationID <= 0 {
			return validationError("line %d: item and location required", i+1)
		}
		if line.QtyCounted.IsNegative() {
			return validationError("line %d: counted qty cannot be negative", i+1)
		}
	}
	return nil
}

// Deltas skips lines whose count matches the system quantity.
func (a StockAdjustment) Deltas() []Delta {
	deltas := make([]Delta, 0, len(a.doc.Lines))
	for _, line := range a.doc.Lines {
		diff := line.QtyCounted.Sub(line.QtySystem)
		if diff.IsZero() {
			continue
		}
		d := Delta{
			ItemID:       line.ItemID,
			UnitID:       line.UnitID,
			Qty:          diff.Abs(),
			MoveType:     MoveAdjust,
			BatchNumber:  line.BatchNumber,
			SerialNumber: line.SerialNumber,
			Notes:        fmt.Sprintf("Adjustment: system=%s, counted=%s", line.QtySystem, line.QtyCounted),
		}
		if diff.IsNegative() {
			d.From = line.LocationID
		} else {
			d.To = line.LocationID
		}
		deltas = append(deltas, d)
	}
	return deltas
}

// DamagedReport writes off damaged goods.
type DamagedReport struct{ doc Document }

func (r DamagedReport) Document() Document            { return r.doc }
func (r DamagedReport) AllowedFrom() []DocumentStatus { return draftOnly }

func (r DamagedReport) Validate(context.Context, TxRepository) error {
	return validateLines(r.doc, hasLocation)
}

func (r DamagedReport) Deltas() []Delta {
	deltas := make([]Delta, 0, len(r.doc.Lines))
	for _, line := range r.doc.Lines {
		d := lineDelta(line, MoveDamage, line.LocationID, 0)
		d.Notes = line.Reason
		deltas = append(deltas, d)
	}
	return deltas
}

// PurchaseReturn sends goods back to a supplier.
type PurchaseReturn struct{ doc Document }

func (r PurchaseReturn) Document() Document            { return r.doc }
func (r PurchaseReturn) AllowedFrom() []DocumentStatus { return draftOnly }

func (r PurchaseReturn) Validate(context.Context, TxRepository) error {
	return validateLines(r.doc, hasLocation)
}

func (r PurchaseReturn) Deltas() []Delta {
	deltas := make([]Delta, 0, len(r.doc.Lines))
	for _, line := range r.doc.Lines {
		deltas = append(deltas, lineDelta(line, MoveReturnOut, line.LocationID, 0))
	}
	return deltas
}

// SalesReturn takes goods back from a customer.
type SalesReturn struct{ doc Document }

func (r SalesReturn) Document() Document            { return r.doc }
func (r SalesReturn) AllowedFrom() []DocumentStatus { return draftOnly }

func (r SalesReturn) Validate(context.Context, TxRepository) error {
	return validateLines(r.doc, hasLocation)
}

func (r SalesReturn) Deltas() []Delta {
	deltas := make([]Delta, 0, len(r.doc.Lines))
	for _, line := range r.doc.Lines {
		deltas = append(deltas, lineDelta(line, MoveReturnIn, 0, line.LocationID))
	}
	return deltas
}

// POSSale consumes available stock at the till. Lines without a location use the sale warehouse default
// resolved by the repository when the document is loaded.
type POSSale struct{ doc Document }

func (s POSSale) Document() Document { return s.doc }

func (s POSSale) AllowedFrom() []DocumentStatus {
	return []DocumentStatus{StatusDraft, StatusPaid}
}

func (s POSSale) Validate(context.Context, TxRepository) error {
	if s.doc.ShiftStatus != ShiftOpen {
		return fmt.Errorf("%w: shift %d is %s", ErrShiftNotOpen, s.doc.ShiftID, s.doc.ShiftStatus)
	}
	if s.doc.PaidTotal.LessThan(s.doc.GrandTotal) {
		return &PaymentShortfallError{GrandTotal: s.doc.GrandTotal, Paid: s.doc.PaidTotal}
	}
	return validateLines(s.doc, hasLocation)
}

func (s POSSale) Deltas() []Delta {
	deltas := make([]Delta, 0, len(s.doc.Lines))
	for _, line := range s.doc.Lines {
		d := lineDelta(line, MovePOSSale, line.LocationID, 0)
		d.CheckAvailable = true
		deltas = append(deltas, d)
	}
	return deltas
}

// POSRefund returns goods from a POS sale and marks the sale refunded.
type POSRefund struct{ doc Document }

func (r POSRefund) Document() Document            { return r.doc }
func (r POSRefund) AllowedFrom() []DocumentStatus { return draftOnly }

// Validate locks the original sale before any balance row, the same order a void takes.
func (r POSRefund) Validate(ctx context.Context, tx TxRepository) error {
	if r.doc.ShiftStatus != ShiftOpen {
		return fmt.Errorf("%w: shift %d is %s", ErrShiftNotOpen, r.doc.ShiftID, r.doc.ShiftStatus)
	}
	if r.doc.OriginalSaleID <= 0 {
		return validationError("refund %s has no original sale", r.doc.Number)
	}
	if err := validateLines(r.doc, hasLocation); err != nil {
		return err
	}
	sale, err := tx.GetDocumentForUpdate(ctx, r.doc.OriginalSaleID)
	if err != nil {
		return err
	}
	if sale.Type != DocPOSSale {
		return validationError("refund %s points at %s, not a POS sale", r.doc.Number, sale.Type)
	}
	if sale.Status != StatusPosted {
		return &InvalidStateError{Expected: []DocumentStatus{StatusPosted}, Actual: sale.Status}
	}
	return nil
}

func (r POSRefund) Deltas() []Delta {
	deltas := make([]Delta, 0, len(r.doc.Lines))
	for _, line := range r.doc.Lines {
		deltas = append(deltas, lineDelta(line, MoveReturnIn, 0, line.LocationID))
	}
	return deltas
}

func (r POSRefund) afterApply(ctx context.Context, run *postingRun) error {
	return run.tx.UpdateDocumentStatus(ctx, DocumentStatusChange{
		DocumentID: r.doc.OriginalSaleID,
		Status:     StatusRefunded,
		ActorID:    run.actorID,
		At:         run.now,
	})
}

func lineDelta(line DocumentLine, moveType MoveType, from, to int64) Delta {
	return Delta{
		ItemID:       line.ItemID,
		UnitID:       line.UnitID,
		From:         from,
		To:           to,
		Qty:          line.Qty,
		MoveType:     moveType,
		BatchNumber:  line.BatchNumber,
		SerialNumber: line.SerialNumber,
	}
}
