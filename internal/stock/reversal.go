package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-stock/internal/audit"
)

type reversalSpec struct {
	operation string
	target    DocumentStatus
	// terminal is the status that means the operation already happened.
	terminal DocumentStatus
	// blocked statuses cannot be reversed by this operation.
	blocked      []DocumentStatus
	prefix       string
	moveType     MoveType
	noteTemplate string
}

var cancelSpec = reversalSpec{
	operation:    "cancel",
	target:       StatusCancelled,
	terminal:     StatusCancelled,
	blocked:      []DocumentStatus{StatusVoid, StatusRefunded},
	prefix:       "REV-",
	noteTemplate: "Reversal of move #%d",
}

var voidSpec = reversalSpec{
	operation:    "void",
	target:       StatusVoid,
	terminal:     StatusVoid,
	blocked:      []DocumentStatus{StatusRefunded, StatusCancelled},
	prefix:       "VOID-",
	moveType:     MoveReturnIn,
	noteTemplate: "Void reversal of move #%d",
}

// Cancel cancels a document. Posted documents get one reversal move per original move, applied in the same transaction.
// A posted POS refund is final: its sale stays REFUNDED, so only a draft refund can be cancelled.
func (e *Engine) Cancel(ctx context.Context, documentID, actorID int64) (Document, error) {
	return e.reverse(ctx, documentID, actorID, cancelSpec, func(doc Document) error {
		if doc.Type == DocPOSRefund && doc.Status == StatusPosted {
			return &InvalidStateError{Expected: []DocumentStatus{StatusDraft}, Actual: doc.Status}
		}
		return nil
	})
}

// Void voids a POS sale, returning posted quantities to their locations.
func (e *Engine) Void(ctx context.Context, saleID, actorID int64) (Document, error) {
	return e.reverse(ctx, saleID, actorID, voidSpec, func(doc Document) error {
		if doc.Type != DocPOSSale {
			return validationError("only POS sales can be voided, got %s", doc.Type)
		}
		return nil
	})
}

func (e *Engine) reverse(ctx context.Context, documentID, actorID int64, spec reversalSpec, check func(Document) error) (Document, error) {
	if documentID <= 0 {
		return Document{}, validationError("document id required")
	}
	if actorID <= 0 {
		return Document{}, validationError("actor required")
	}
	var (
		result    Document
		reversals []StockMove
	)
	docType := "unknown"
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		docType = string(doc.Type)
		if check != nil {
			if err := check(doc); err != nil {
				return err
			}
		}
		if doc.Status == spec.terminal {
			return fmt.Errorf("%w: %s %s", ErrAlreadyCancelled, doc.Type, doc.Number)
		}
		if statusIn(doc.Status, spec.blocked) {
			return &InvalidStateError{
				Expected: []DocumentStatus{StatusDraft, StatusApproved, StatusPaid, StatusPosted},
				Actual:   doc.Status,
			}
		}

		now := e.now()
		if doc.Status == StatusPosted {
			originals, err := tx.ListPostedMoves(ctx, doc.Type, doc.ID)
			if err != nil {
				return err
			}
			deltas := make([]Delta, 0, len(originals))
			for _, m := range originals {
				deltas = append(deltas, moveDelta(m).Negate())
			}
			balances := NewBalanceUpdater(tx, now)
			if err := balances.Lock(ctx, deltaKeys(deltas)...); err != nil {
				return err
			}
			for _, d := range deltas {
				if err := balances.Apply(ctx, d); err != nil {
					return err
				}
			}
			if len(originals) > 0 {
				reversals, err = tx.InsertMoves(ctx, buildReversals(doc, originals, spec, actorID, now))
				if err != nil {
					return err
				}
			}
		}

		if err := tx.UpdateDocumentStatus(ctx, DocumentStatusChange{
			DocumentID: doc.ID,
			Status:     spec.target,
			ActorID:    actorID,
			At:         now,
		}); err != nil {
			return err
		}
		doc.Status = spec.target
		doc.CancelledBy = actorID
		doc.CancelledAt = &now
		result = doc
		return nil
	})
	e.metrics.ObservePosting(spec.operation, docType, outcome(err), len(reversals))
	if err != nil {
		return Document{}, err
	}

	e.record(ctx, audit.Event{
		ActorID:    actorID,
		Action:     audit.ActionCancel,
		EntityType: string(result.Type),
		EntityID:   formatID(result.ID),
		EntityRepr: result.Number,
		Changes:    map[string]any{"status": string(spec.target), "reversal_moves": len(reversals)},
	})
	return result, nil
}

// moveDelta recovers the delta a posted move applied.
func moveDelta(m StockMove) Delta {
	return Delta{
		ItemID:       m.ItemID,
		UnitID:       m.UnitID,
		From:         m.FromLocationID,
		To:           m.ToLocationID,
		Qty:          m.Qty,
		MoveType:     m.Type,
		BatchNumber:  m.BatchNumber,
		SerialNumber: m.SerialNumber,
		Notes:        m.Notes,
	}
}

// Reverse builds the move that exactly undoes m.
func Reverse(m StockMove, referenceNumber string) StockMove {
	r := m
	r.ID = 0
	r.FromLocationID, r.ToLocationID = m.ToLocationID, m.FromLocationID
	r.ReferenceNumber = referenceNumber
	r.ReversalOf = m.ID
	r.Status = MoveStatusPosted
	return r
}

func buildReversals(doc Document, originals []StockMove, spec reversalSpec, actorID int64, now time.Time) []StockMove {
	moves := make([]StockMove, 0, len(originals))
	for _, m := range originals {
		r := Reverse(m, spec.prefix+doc.Number)
		if spec.moveType != "" {
			r.Type = spec.moveType
		}
		r.Notes = fmt.Sprintf(spec.noteTemplate, m.ID)
		r.CreatedBy = actorID
		r.PostedBy = actorID
		r.CreatedAt = now
		r.PostedAt = now
		moves = append(moves, r)
	}
	return moves
}
