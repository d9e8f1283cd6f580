package stock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/audit"
)

func requireQty(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, qty(want).Equal(got), "want %s, got %s", want, got)
}

func TestPostGoodsReceipt(t *testing.T) {
	f := newFixture()
	f.repo.addDocument(Document{
		ID: 1, Type: DocGoodsReceipt, Number: "GRN-001", Status: StatusDraft, PurchaseOrderID: 7,
		Lines: []DocumentLine{
			{ItemID: 1, LocationID: 10, Qty: qty("10"), BatchNumber: "B-1"},
			{ItemID: 2, LocationID: 11, Qty: qty("5")},
		},
	})
	f.repo.state.costs[1] = decimal.Zero
	f.repo.state.costs[2] = decimal.Zero

	doc, err := f.engine.Post(context.Background(), 1, 42)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, doc.Status)
	require.Equal(t, int64(42), doc.PostedBy)
	require.Equal(t, StatusPosted, f.repo.document(1).Status)

	requireQty(t, "10", f.repo.balance(1, 10).OnHand)
	requireQty(t, "5", f.repo.balance(2, 11).OnHand)

	moves := f.repo.allMoves()
	require.Len(t, moves, 2)
	require.Equal(t, MoveReceive, moves[0].Type)
	require.Equal(t, int64(10), moves[0].ToLocationID)
	require.Zero(t, moves[0].FromLocationID)
	require.Equal(t, DocGoodsReceipt, moves[0].ReferenceType)
	require.Equal(t, "GRN-001", moves[0].ReferenceNumber)
	require.Equal(t, "B-1", moves[0].BatchNumber)
	require.Equal(t, MoveStatusPosted, moves[0].Status)
	require.Equal(t, testNow, moves[0].PostedAt)

	requireQty(t, "10", f.repo.state.received[orderItem{orderID: 7, itemID: 1}])
	requireQty(t, "5", f.repo.state.received[orderItem{orderID: 7, itemID: 2}])

	require.Len(t, f.audit.events, 1)
	require.Equal(t, audit.ActionPost, f.audit.events[0].Action)
	require.Equal(t, "GoodsReceipt", f.audit.events[0].EntityType)
	require.Equal(t, "1", f.audit.events[0].EntityID)
	require.Equal(t, []string{"post/GoodsReceipt/ok/2"}, f.metrics.postings)
}

func TestPostGoodsReceiptWeightedAverageCost(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "10")
	f.repo.setOnHand(1, 11, "10")
	f.repo.state.costs[1] = qty("100")
	f.repo.state.costs[2] = qty("50")
	f.repo.state.costs[3] = qty("0")
	f.prices[orderItem{orderID: 7, itemID: 1}] = qty("130")
	f.prices[orderItem{orderID: 7, itemID: 3}] = qty("12.5")
	f.repo.addDocument(Document{
		ID: 1, Type: DocGoodsReceipt, Number: "GRN-002", Status: StatusDraft, PurchaseOrderID: 7,
		Lines: []DocumentLine{
			{ItemID: 1, LocationID: 10, Qty: qty("5")},
			{ItemID: 1, LocationID: 11, Qty: qty("5")},
			{ItemID: 2, LocationID: 10, Qty: qty("4")},
			{ItemID: 3, LocationID: 10, Qty: qty("8")},
		},
	})

	_, err := f.engine.Post(context.Background(), 1, 42)
	require.NoError(t, err)

	// (20*100 + 5*130) / 25 = 106, then (25*106 + 5*130) / 30 = 110
	requireQty(t, "110", f.repo.state.costs[1])
	// no purchase price: cost untouched
	requireQty(t, "50", f.repo.state.costs[2])
	// empty stock: cost becomes the price
	requireQty(t, "12.5", f.repo.state.costs[3])
}

func TestPostGoodsReceiptWithoutPurchaseOrderKeepsCost(t *testing.T) {
	f := newFixture()
	f.repo.state.costs[1] = qty("9")
	f.prices[orderItem{orderID: 0, itemID: 1}] = qty("100")
	f.repo.addDocument(Document{
		ID: 1, Type: DocGoodsReceipt, Number: "GRN-003", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("3")}},
	})

	_, err := f.engine.Post(context.Background(), 1, 42)
	require.NoError(t, err)
	requireQty(t, "9", f.repo.state.costs[1])
	require.Empty(t, f.repo.state.received)
}

func TestPostDeliveryNote(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "8")
	f.repo.addDocument(Document{
		ID: 2, Type: DocDeliveryNote, Number: "DN-001", Status: StatusDraft, SalesOrderID: 5,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("3")}},
	})

	_, err := f.engine.Post(context.Background(), 2, 42)
	require.NoError(t, err)

	requireQty(t, "5", f.repo.balance(1, 10).OnHand)
	requireQty(t, "3", f.repo.state.delivered[orderItem{orderID: 5, itemID: 1}])
	moves := f.repo.allMoves()
	require.Len(t, moves, 1)
	require.Equal(t, MoveDeliver, moves[0].Type)
	require.Equal(t, int64(10), moves[0].FromLocationID)
	require.Zero(t, moves[0].ToLocationID)
}

func TestPostIsAtomicWhenLaterLineFails(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "5")
	f.repo.setOnHand(2, 10, "1")
	f.repo.addDocument(Document{
		ID: 3, Type: DocDeliveryNote, Number: "DN-002", Status: StatusDraft, SalesOrderID: 5,
		Lines: []DocumentLine{
			{ItemID: 1, LocationID: 10, Qty: qty("3")},
			{ItemID: 2, LocationID: 10, Qty: qty("2")},
		},
	})

	_, err := f.engine.Post(context.Background(), 3, 42)
	require.ErrorIs(t, err, ErrInsufficientStock)
	var shortfall *InsufficientStockError
	require.True(t, errors.As(err, &shortfall))
	require.Equal(t, int64(2), shortfall.ItemID)
	requireQty(t, "1", shortfall.Available)
	requireQty(t, "2", shortfall.Requested)

	requireQty(t, "5", f.repo.balance(1, 10).OnHand)
	requireQty(t, "1", f.repo.balance(2, 10).OnHand)
	require.Empty(t, f.repo.allMoves())
	require.Empty(t, f.repo.state.delivered)
	require.Equal(t, StatusDraft, f.repo.document(3).Status)
	require.Empty(t, f.audit.events)
	require.Equal(t, []string{"post/DeliveryNote/error/0"}, f.metrics.postings)
}

func TestPostRollsBackWhenStatusUpdateFails(t *testing.T) {
	f := newFixture()
	f.repo.failStatus = errors.New("connection reset")
	f.repo.addDocument(Document{
		ID: 1, Type: DocGoodsReceipt, Number: "GRN-004", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("3")}},
	})

	_, err := f.engine.Post(context.Background(), 1, 42)
	require.EqualError(t, err, "connection reset")
	require.True(t, f.repo.balance(1, 10).OnHand.IsZero())
	require.Empty(t, f.repo.allMoves())
	require.Zero(t, f.repo.commits)
}

func TestPostRejectsAlreadyPosted(t *testing.T) {
	f := newFixture()
	f.repo.addDocument(Document{
		ID: 1, Type: DocSalesReturn, Number: "SR-001", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("2")}},
	})

	_, err := f.engine.Post(context.Background(), 1, 42)
	require.NoError(t, err)

	_, err = f.engine.Post(context.Background(), 1, 42)
	require.ErrorIs(t, err, ErrInvalidState)
	var state *InvalidStateError
	require.True(t, errors.As(err, &state))
	require.Equal(t, StatusPosted, state.Actual)
	requireQty(t, "2", f.repo.balance(1, 10).OnHand)
	require.Len(t, f.repo.allMoves(), 1)
}

func TestPostValidation(t *testing.T) {
	f := newFixture()
	f.repo.addDocument(Document{ID: 1, Type: DocDeliveryNote, Number: "DN-EMPTY", Status: StatusDraft})
	f.repo.addDocument(Document{ID: 2, Type: "Invoice", Number: "INV-1", Status: StatusDraft})
	f.repo.addDocument(Document{
		ID: 3, Type: DocDeliveryNote, Number: "DN-NEG", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("-1")}},
	})
	f.repo.addDocument(Document{
		ID: 4, Type: DocGoodsReceipt, Number: "GRN-NOLOC", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, Qty: qty("1")}},
	})

	ctx := context.Background()
	cases := []struct {
		name  string
		docID int64
		actor int64
		want  error
	}{
		{name: "missing id", docID: 0, actor: 1, want: ErrValidation},
		{name: "missing actor", docID: 1, actor: 0, want: ErrValidation},
		{name: "unknown document", docID: 99, actor: 1, want: ErrNotFound},
		{name: "no lines", docID: 1, actor: 1, want: ErrValidation},
		{name: "unknown type", docID: 2, actor: 1, want: ErrValidation},
		{name: "negative qty", docID: 3, actor: 1, want: ErrValidation},
		{name: "no location", docID: 4, actor: 1, want: ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Post(ctx, tc.docID, tc.actor)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Empty(t, f.repo.allMoves())
}

func TestPostStockTransfer(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "10")
	f.repo.addDocument(Document{
		ID: 4, Type: DocStockTransfer, Number: "TR-001", Status: StatusDraft, FromWarehouseID: 1, ToWarehouseID: 2,
		Lines: []DocumentLine{{ItemID: 1, FromLocationID: 10, ToLocationID: 20, Qty: qty("4")}},
	})

	_, err := f.engine.Post(context.Background(), 4, 42)
	require.NoError(t, err)
	requireQty(t, "6", f.repo.balance(1, 10).OnHand)
	requireQty(t, "4", f.repo.balance(1, 20).OnHand)

	moves := f.repo.allMoves()
	require.Len(t, moves, 1)
	require.Equal(t, MoveTransfer, moves[0].Type)
	require.Equal(t, int64(10), moves[0].FromLocationID)
	require.Equal(t, int64(20), moves[0].ToLocationID)
}

func TestPostStockTransferRejectsForeignLocation(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "10")
	f.repo.addDocument(Document{
		ID: 4, Type: DocStockTransfer, Number: "TR-002", Status: StatusDraft, FromWarehouseID: 1, ToWarehouseID: 2,
		Lines: []DocumentLine{{ItemID: 1, FromLocationID: 10, ToLocationID: 11, Qty: qty("4")}},
	})

	_, err := f.engine.Post(context.Background(), 4, 42)
	require.ErrorIs(t, err, ErrLocationWarehouseMismatch)
	var mismatch *LocationMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, int64(11), mismatch.LocationID)
	require.Equal(t, int64(2), mismatch.WarehouseID)
	require.Equal(t, int64(1), mismatch.Actual)
	requireQty(t, "10", f.repo.balance(1, 10).OnHand)
}

func TestPostStockTransferLocksInKeyOrder(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(2, 20, "5")
	f.repo.setOnHand(1, 10, "5")
	f.repo.addDocument(Document{
		ID: 4, Type: DocStockTransfer, Number: "TR-003", Status: StatusDraft, FromWarehouseID: 2, ToWarehouseID: 1,
		Lines: []DocumentLine{
			{ItemID: 2, FromLocationID: 20, ToLocationID: 10, Qty: qty("1")},
			{ItemID: 1, FromLocationID: 20, ToLocationID: 11, Qty: qty("0.5")},
		},
	})
	f.repo.setOnHand(1, 20, "1")

	_, err := f.engine.Post(context.Background(), 4, 42)
	require.NoError(t, err)
	require.Equal(t, []BalanceKey{
		{ItemID: 1, LocationID: 11},
		{ItemID: 1, LocationID: 20},
		{ItemID: 2, LocationID: 10},
		{ItemID: 2, LocationID: 20},
	}, f.repo.lockOrder)
}

func TestPostStockAdjustment(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "10")
	f.repo.setOnHand(2, 10, "4")
	f.repo.setOnHand(3, 10, "3")
	f.repo.addDocument(Document{
		ID: 5, Type: DocStockAdjustment, Number: "ADJ-001", Status: StatusApproved,
		Lines: []DocumentLine{
			{ItemID: 1, LocationID: 10, QtySystem: qty("10"), QtyCounted: qty("7")},
			{ItemID: 2, LocationID: 10, QtySystem: qty("4"), QtyCounted: qty("4")},
			{ItemID: 3, LocationID: 10, QtySystem: qty("3"), QtyCounted: qty("5")},
		},
	})

	_, err := f.engine.Post(context.Background(), 5, 42)
	require.NoError(t, err)

	requireQty(t, "7", f.repo.balance(1, 10).OnHand)
	requireQty(t, "4", f.repo.balance(2, 10).OnHand)
	requireQty(t, "5", f.repo.balance(3, 10).OnHand)

	moves := f.repo.allMoves()
	require.Len(t, moves, 2)
	require.Equal(t, MoveAdjust, moves[0].Type)
	require.Equal(t, int64(10), moves[0].FromLocationID)
	requireQty(t, "3", moves[0].Qty)
	require.Equal(t, "Adjustment: system=10, counted=7", moves[0].Notes)
	require.Equal(t, int64(10), moves[1].ToLocationID)
	requireQty(t, "2", moves[1].Qty)
}

func TestPostStockAdjustmentWithoutDifferences(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "4")
	f.repo.addDocument(Document{
		ID: 5, Type: DocStockAdjustment, Number: "ADJ-002", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, QtySystem: qty("4"), QtyCounted: qty("4")}},
	})

	doc, err := f.engine.Post(context.Background(), 5, 42)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, doc.Status)
	require.Empty(t, f.repo.allMoves())
	require.Equal(t, []string{"post/StockAdjustment/ok/0"}, f.metrics.postings)
}

func TestPostOutboundVariants(t *testing.T) {
	cases := []struct {
		name     string
		docType  DocumentType
		moveType MoveType
		inbound  bool
	}{
		{name: "damaged", docType: DocDamagedReport, moveType: MoveDamage},
		{name: "purchase return", docType: DocPurchaseReturn, moveType: MoveReturnOut},
		{name: "sales return", docType: DocSalesReturn, moveType: MoveReturnIn, inbound: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.repo.setOnHand(1, 10, "6")
			f.repo.addDocument(Document{
				ID: 9, Type: tc.docType, Number: "DOC-9", Status: StatusDraft,
				Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("2"), Reason: "crushed pallet"}},
			})

			_, err := f.engine.Post(context.Background(), 9, 42)
			require.NoError(t, err)

			moves := f.repo.allMoves()
			require.Len(t, moves, 1)
			require.Equal(t, tc.moveType, moves[0].Type)
			if tc.inbound {
				requireQty(t, "8", f.repo.balance(1, 10).OnHand)
				require.Equal(t, int64(10), moves[0].ToLocationID)
			} else {
				requireQty(t, "4", f.repo.balance(1, 10).OnHand)
				require.Equal(t, int64(10), moves[0].FromLocationID)
			}
			if tc.docType == DocDamagedReport {
				require.Equal(t, "crushed pallet", moves[0].Notes)
			}
		})
	}
}

func TestPostAllowsNegativeStockWhenWarehousePermits(t *testing.T) {
	f := newFixture()
	f.repo.addDocument(Document{
		ID: 2, Type: DocDeliveryNote, Number: "DN-NEG", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 30, Qty: qty("4")}},
	})

	_, err := f.engine.Post(context.Background(), 2, 42)
	require.NoError(t, err)
	requireQty(t, "-4", f.repo.balance(1, 30).OnHand)
}

func posSale(id int64, status DocumentStatus, shift string, total, paid string, lines ...DocumentLine) Document {
	return Document{
		ID: id, Type: DocPOSSale, Number: "POS-" + formatID(id), Status: status, WarehouseID: 1,
		ShiftID: 3, ShiftStatus: shift, GrandTotal: qty(total), PaidTotal: qty(paid), Lines: lines,
	}
}

func TestPostPOSSale(t *testing.T) {
	line := DocumentLine{ItemID: 1, LocationID: 10, Qty: qty("2")}

	t.Run("closed shift", func(t *testing.T) {
		f := newFixture()
		f.repo.setOnHand(1, 10, "5")
		f.repo.addDocument(posSale(1, StatusPaid, "CLOSED", "20", "20", line))
		_, err := f.engine.Post(context.Background(), 1, 42)
		require.ErrorIs(t, err, ErrShiftNotOpen)
	})

	t.Run("payment shortfall", func(t *testing.T) {
		f := newFixture()
		f.repo.setOnHand(1, 10, "5")
		f.repo.addDocument(posSale(1, StatusPaid, ShiftOpen, "20", "15", line))
		_, err := f.engine.Post(context.Background(), 1, 42)
		require.ErrorIs(t, err, ErrPaymentShortfall)
		var shortfall *PaymentShortfallError
		require.True(t, errors.As(err, &shortfall))
		requireQty(t, "15", shortfall.Paid)
	})

	t.Run("reserved stock is not sellable", func(t *testing.T) {
		f := newFixture()
		f.repo.setOnHand(1, 10, "3")
		bal := f.repo.state.balances[BalanceKey{ItemID: 1, LocationID: 10}]
		bal.Reserved = qty("2")
		f.repo.state.balances[bal.Key()] = bal
		f.repo.addDocument(posSale(1, StatusDraft, ShiftOpen, "20", "20", line))

		_, err := f.engine.Post(context.Background(), 1, 42)
		require.ErrorIs(t, err, ErrInsufficientStock)
		requireQty(t, "3", f.repo.balance(1, 10).OnHand)
	})

	t.Run("paid sale posts", func(t *testing.T) {
		f := newFixture()
		f.repo.setOnHand(1, 10, "5")
		f.repo.addDocument(posSale(1, StatusPaid, ShiftOpen, "20", "25", line))

		doc, err := f.engine.Post(context.Background(), 1, 42)
		require.NoError(t, err)
		require.Equal(t, StatusPosted, doc.Status)
		requireQty(t, "3", f.repo.balance(1, 10).OnHand)
		require.Equal(t, MovePOSSale, f.repo.allMoves()[0].Type)
	})
}

func TestPostPOSRefund(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "5")
	f.repo.addDocument(posSale(1, StatusPaid, ShiftOpen, "20", "20", DocumentLine{ItemID: 1, LocationID: 10, Qty: qty("2")}))
	refund := Document{
		ID: 2, Type: DocPOSRefund, Number: "REF-1", Status: StatusDraft, ShiftID: 3, ShiftStatus: ShiftOpen,
		OriginalSaleID: 1, Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("2")}},
	}
	f.repo.addDocument(refund)
	ctx := context.Background()

	// a refund against an unposted sale is rejected as a whole
	_, err := f.engine.Post(ctx, 2, 42)
	require.ErrorIs(t, err, ErrInvalidState)
	requireQty(t, "5", f.repo.balance(1, 10).OnHand)

	_, err = f.engine.Post(ctx, 1, 42)
	require.NoError(t, err)
	requireQty(t, "3", f.repo.balance(1, 10).OnHand)

	_, err = f.engine.Post(ctx, 2, 42)
	require.NoError(t, err)
	requireQty(t, "5", f.repo.balance(1, 10).OnHand)
	require.Equal(t, StatusRefunded, f.repo.document(1).Status)
	require.Equal(t, StatusPosted, f.repo.document(2).Status)

	noSale := refund
	noSale.ID, noSale.OriginalSaleID = 3, 0
	f.repo.addDocument(noSale)
	_, err = f.engine.Post(ctx, 3, 42)
	require.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentDeliveriesNeverOversell(t *testing.T) {
	f := newFixture()
	f.repo.setOnHand(1, 10, "10")
	for _, id := range []int64{1, 2} {
		f.repo.addDocument(Document{
			ID: id, Type: DocDeliveryNote, Number: "DN-RACE-" + formatID(id), Status: StatusDraft,
			Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("6")}},
		})
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, id := range []int64{1, 2} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.engine.Post(context.Background(), id, 42)
		}(i, id)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)
	requireQty(t, "4", f.repo.balance(1, 10).OnHand)
	require.Len(t, f.repo.allMoves(), 1)
}

func TestAuditFailureDoesNotFailPosting(t *testing.T) {
	f := newFixture()
	f.audit.err = errors.New("audit table locked")
	f.repo.addDocument(Document{
		ID: 1, Type: DocSalesReturn, Number: "SR-9", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("1")}},
	})

	_, err := f.engine.Post(context.Background(), 1, 42)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, f.repo.document(1).Status)
}

func TestReconcileReportsDrift(t *testing.T) {
	f := newFixture()
	f.repo.addDocument(Document{
		ID: 1, Type: DocSalesReturn, Number: "SR-10", Status: StatusDraft,
		Lines: []DocumentLine{{ItemID: 1, LocationID: 10, Qty: qty("3")}},
	})
	ctx := context.Background()
	_, err := f.engine.Post(ctx, 1, 42)
	require.NoError(t, err)

	drift, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)

	f.repo.setOnHand(1, 10, "5")
	drift, err = f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	requireQty(t, "2", drift[0].Difference())
	require.Equal(t, 1, f.metrics.drift)
}
