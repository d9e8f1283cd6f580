package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/audit"
)

// postingRun carries the per-transaction state shared by the engine and type hooks.
type postingRun struct {
	tx       TxRepository
	balances *BalanceUpdater
	actorID  int64
	now      time.Time
	// onHandBefore is the total on-hand per item across all locked rows, before any delta was applied.
	onHandBefore map[int64]decimal.Decimal
}

// Post applies a document to the ledger: lock, validate, apply balance deltas, write moves and flip the status to POSTED.
// Either every effect commits or none does.
func (e *Engine) Post(ctx context.Context, documentID, actorID int64) (Document, error) {
	if documentID <= 0 {
		return Document{}, validationError("document id required")
	}
	if actorID <= 0 {
		return Document{}, validationError("actor required")
	}
	var (
		posted Document
		moves  []StockMove
	)
	docType := "unknown"
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		docType = string(doc.Type)
		postable, err := Bind(doc)
		if err != nil {
			return err
		}
		if !statusIn(doc.Status, postable.AllowedFrom()) {
			return &InvalidStateError{Expected: postable.AllowedFrom(), Actual: doc.Status}
		}
		if err := postable.Validate(ctx, tx); err != nil {
			return err
		}

		now := e.now()
		run := &postingRun{
			tx:       tx,
			balances: NewBalanceUpdater(tx, now),
			actorID:  actorID,
			now:      now,
		}
		deltas := postable.Deltas()
		keys := deltaKeys(deltas)
		if doc.Type == DocGoodsReceipt {
			// Average cost needs every balance of the received items stable for the whole receipt.
			// Item rows are locked first so receipts of the same item queue up before the listing.
			items := deltaItems(deltas)
			sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
			if err := tx.LockItems(ctx, items); err != nil {
				return err
			}
			existing, err := tx.ListBalanceKeys(ctx, items)
			if err != nil {
				return err
			}
			keys = append(keys, existing...)
		}
		if err := run.balances.Lock(ctx, keys...); err != nil {
			return err
		}
		run.onHandBefore = run.balances.Totals()

		for _, d := range deltas {
			if err := run.balances.Apply(ctx, d); err != nil {
				return err
			}
		}
		if len(deltas) > 0 {
			moves, err = tx.InsertMoves(ctx, buildMoves(doc, deltas, actorID, now))
			if err != nil {
				return err
			}
		}
		if hook, ok := postable.(afterApplier); ok {
			if err := hook.afterApply(ctx, run); err != nil {
				return err
			}
		}
		if err := tx.UpdateDocumentStatus(ctx, DocumentStatusChange{
			DocumentID: doc.ID,
			Status:     StatusPosted,
			ActorID:    actorID,
			At:         now,
		}); err != nil {
			return err
		}
		doc.Status = StatusPosted
		doc.PostedBy = actorID
		doc.PostedAt = &now
		posted = doc
		return nil
	})
	e.metrics.ObservePosting("post", docType, outcome(err), len(moves))
	if err != nil {
		return Document{}, err
	}

	e.record(ctx, audit.Event{
		ActorID:    actorID,
		Action:     audit.ActionPost,
		EntityType: string(posted.Type),
		EntityID:   formatID(posted.ID),
		EntityRepr: posted.Number,
		Changes:    map[string]any{"lines": len(posted.Lines), "moves": len(moves)},
	})
	return posted, nil
}

func buildMoves(doc Document, deltas []Delta, actorID int64, now time.Time) []StockMove {
	moves := make([]StockMove, 0, len(deltas))
	for _, d := range deltas {
		moves = append(moves, StockMove{
			Type:            d.MoveType,
			ItemID:          d.ItemID,
			Qty:             d.Qty,
			UnitID:          d.UnitID,
			FromLocationID:  d.From,
			ToLocationID:    d.To,
			ReferenceType:   doc.Type,
			ReferenceID:     doc.ID,
			ReferenceNumber: doc.Number,
			Status:          MoveStatusPosted,
			BatchNumber:     d.BatchNumber,
			SerialNumber:    d.SerialNumber,
			Notes:           d.Notes,
			CreatedBy:       actorID,
			PostedBy:        actorID,
			CreatedAt:       now,
			PostedAt:        now,
		})
	}
	return moves
}

func deltaItems(deltas []Delta) []int64 {
	seen := make(map[int64]struct{}, len(deltas))
	items := make([]int64, 0, len(deltas))
	for _, d := range deltas {
		if _, ok := seen[d.ItemID]; ok {
			continue
		}
		seen[d.ItemID] = struct{}{}
		items = append(items, d.ItemID)
	}
	return items
}

// updateAverageCost folds each receipt line into the item's weighted-average cost, in line order.
// Lines without a positive purchase price leave the cost untouched but still count toward quantity.
func (r *postingRun) updateAverageCost(ctx context.Context, doc Document) error {
	if doc.PurchaseOrderID <= 0 {
		return nil
	}
	running := make(map[int64]decimal.Decimal, len(r.onHandBefore))
	for item, qty := range r.onHandBefore {
		running[item] = qty
	}
	for _, line := range doc.Lines {
		oldQty := running[line.ItemID]
		newQty := oldQty.Add(line.Qty)
		running[line.ItemID] = newQty

		price, err := r.tx.PurchaseUnitPrice(ctx, doc.PurchaseOrderID, line.ItemID)
		if err != nil {
			return err
		}
		if !price.IsPositive() || newQty.IsZero() {
			continue
		}
		oldCost, err := r.tx.GetItemCost(ctx, line.ItemID)
		if err != nil {
			return err
		}
		cost := oldQty.Mul(oldCost).Add(line.Qty.Mul(price)).Div(newQty)
		if err := r.tx.UpdateItemCost(ctx, line.ItemID, cost); err != nil {
			return err
		}
	}
	return nil
}
