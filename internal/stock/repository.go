package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
)

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Correctness comes from the explicit
// row locks: a locked read always sees the latest committed balance.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const documentColumns = `d.id, d.doc_type, d.number, d.status, d.warehouse_id, d.from_warehouse_id, d.to_warehouse_id,
d.location_id, d.purchase_order_id, d.sales_order_id, d.shift_id, COALESCE(s.status, ''), d.grand_total,
COALESCE((SELECT SUM(p.amount) FROM pos_payments p WHERE p.document_id = d.id), 0),
d.original_sale_id, d.created_by, d.posted_by, d.posted_at, d.cancelled_by, d.cancelled_at`

// GetDocument loads a document without locking it.
func (r *Repository) GetDocument(ctx context.Context, id int64) (Document, error) {
	return loadDocument(ctx, r.pool, id, false)
}

// GetDocumentForUpdate locks the document row for the rest of the transaction.
func (t *txRepo) GetDocumentForUpdate(ctx context.Context, id int64) (Document, error) {
	return loadDocument(ctx, t.tx, id, true)
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadDocument(ctx context.Context, q rowQuerier, id int64, lock bool) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM stock_documents d LEFT JOIN pos_shifts s ON s.id = d.shift_id WHERE d.id = $1`
	if lock {
		query += ` FOR UPDATE OF d`
	}
	var (
		doc                                    Document
		docType, status                        string
		warehouse, fromWh, toWh, location      pgtype.Int8
		purchaseOrder, salesOrder, shift, orig pgtype.Int8
		postedBy, cancelledBy                  pgtype.Int8
		postedAt, cancelledAt                  pgtype.Timestamptz
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&doc.ID, &docType, &doc.Number, &status, &warehouse, &fromWh, &toWh,
		&location, &purchaseOrder, &salesOrder, &shift, &doc.ShiftStatus, &doc.GrandTotal,
		&doc.PaidTotal,
		&orig, &doc.CreatedBy, &postedBy, &postedAt, &cancelledBy, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
		}
		return Document{}, err
	}
	doc.Type = DocumentType(docType)
	doc.Status = DocumentStatus(status)
	doc.WarehouseID = warehouse.Int64
	doc.FromWarehouseID = fromWh.Int64
	doc.ToWarehouseID = toWh.Int64
	doc.PurchaseOrderID = purchaseOrder.Int64
	doc.SalesOrderID = salesOrder.Int64
	doc.ShiftID = shift.Int64
	doc.OriginalSaleID = orig.Int64
	doc.PostedBy = postedBy.Int64
	doc.CancelledBy = cancelledBy.Int64
	doc.PostedAt = timePtr(postedAt)
	doc.CancelledAt = timePtr(cancelledAt)

	rows, err := q.Query(ctx, `SELECT id, item_id, unit_id, COALESCE(location_id, $2), from_location_id, to_location_id,
qty, qty_system, qty_counted, batch_number, serial_number, reason
FROM stock_document_lines WHERE document_id = $1 ORDER BY line_no, id`, id, location.Int64)
	if err != nil {
		return Document{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line     DocumentLine
			unit     pgtype.Int8
			from, to pgtype.Int8
		)
		if err := rows.Scan(&line.ID, &line.ItemID, &unit, &line.LocationID, &from, &to,
			&line.Qty, &line.QtySystem, &line.QtyCounted, &line.BatchNumber, &line.SerialNumber, &line.Reason); err != nil {
			return Document{}, err
		}
		line.UnitID = unit.Int64
		line.FromLocationID = from.Int64
		line.ToLocationID = to.Int64
		doc.Lines = append(doc.Lines, line)
	}
	return doc, rows.Err()
}

func (t *txRepo) UpdateDocumentStatus(ctx context.Context, change DocumentStatusChange) error {
	var query string
	switch change.Status {
	case StatusPosted:
		query = `UPDATE stock_documents SET status = $2, posted_by = $3, posted_at = $4 WHERE id = $1`
	case StatusCancelled, StatusVoid:
		query = `UPDATE stock_documents SET status = $2, cancelled_by = $3, cancelled_at = $4 WHERE id = $1`
	default:
		query = `UPDATE stock_documents SET status = $2, updated_by = $3, updated_at = $4 WHERE id = $1`
	}
	tag, err := t.tx.Exec(ctx, query, change.DocumentID, string(change.Status), change.ActorID, change.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d", ErrNotFound, change.DocumentID)
	}
	return nil
}

func (t *txRepo) GetLocation(ctx context.Context, id int64) (Location, error) {
	var loc Location
	err := t.tx.QueryRow(ctx, `SELECT l.id, l.warehouse_id, w.allow_negative_stock
FROM locations l JOIN warehouses w ON w.id = l.warehouse_id WHERE l.id = $1`, id).
		Scan(&loc.ID, &loc.WarehouseID, &loc.AllowNegativeStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, fmt.Errorf("%w: location %d", ErrNotFound, id)
		}
		return Location{}, err
	}
	return loc, nil
}

func (t *txRepo) ListBalanceKeys(ctx context.Context, itemIDs []int64) ([]BalanceKey, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT item_id, location_id FROM stock_balances WHERE item_id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []BalanceKey
	for rows.Next() {
		var key BalanceKey
		if err := rows.Scan(&key.ItemID, &key.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (t *txRepo) LockBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_balances (item_id, location_id, qty_on_hand, qty_reserved, updated_at)
VALUES ($1, $2, 0, 0, NOW()) ON CONFLICT (item_id, location_id) DO NOTHING`, key.ItemID, key.LocationID)
	if err != nil {
		return Balance{}, err
	}
	var bal Balance
	err = t.tx.QueryRow(ctx, `SELECT item_id, location_id, qty_on_hand, qty_reserved, updated_at
FROM stock_balances WHERE item_id = $1 AND location_id = $2 FOR UPDATE`, key.ItemID, key.LocationID).
		Scan(&bal.ItemID, &bal.LocationID, &bal.OnHand, &bal.Reserved, &bal.UpdatedAt)
	if err != nil {
		return Balance{}, err
	}
	return bal, nil
}

func (t *txRepo) SaveBalance(ctx context.Context, bal Balance) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_balances SET qty_on_hand = $3, qty_reserved = $4, updated_at = $5
WHERE item_id = $1 AND location_id = $2`, bal.ItemID, bal.LocationID, bal.OnHand, bal.Reserved, bal.UpdatedAt)
	return err
}

const insertMoveSQL = `INSERT INTO stock_moves (move_type, item_id, qty, unit_id, from_location_id, to_location_id,
reference_type, reference_id, reference_number, status, batch_number, serial_number, notes, reversal_of,
created_by, posted_by, created_at, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18) RETURNING id`

// InsertMoves writes all moves in one round trip.
func (t *txRepo) InsertMoves(ctx context.Context, moves []StockMove) ([]StockMove, error) {
	batch := &pgx.Batch{}
	for _, m := range moves {
		batch.Queue(insertMoveSQL,
			string(m.Type), m.ItemID, m.Qty, nullInt(m.UnitID), nullInt(m.FromLocationID), nullInt(m.ToLocationID),
			string(m.ReferenceType), m.ReferenceID, m.ReferenceNumber, string(m.Status), m.BatchNumber, m.SerialNumber,
			m.Notes, nullInt(m.ReversalOf), m.CreatedBy, m.PostedBy, m.CreatedAt, m.PostedAt)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	out := make([]StockMove, len(moves))
	copy(out, moves)
	for i := range out {
		if err := results.QueryRow().Scan(&out[i].ID); err != nil {
			return nil, fmt.Errorf("stock: insert move %d: %w", i+1, err)
		}
	}
	return out, nil
}

const moveColumns = `id, move_type, item_id, qty, unit_id, from_location_id, to_location_id, reference_type, reference_id,
reference_number, status, batch_number, serial_number, notes, reversal_of, created_by, posted_by, created_at, posted_at`

func (t *txRepo) ListPostedMoves(ctx context.Context, refType DocumentType, refID int64) ([]StockMove, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+moveColumns+` FROM stock_moves
WHERE reference_type = $1 AND reference_id = $2 AND status = 'POSTED' AND reversal_of IS NULL ORDER BY id`,
		string(refType), refID)
	if err != nil {
		return nil, err
	}
	return scanMoves(rows)
}

// ListMoves returns ledger rows, newest first.
func (r *Repository) ListMoves(ctx context.Context, filter MoveFilter) ([]StockMove, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ReferenceType != "" {
		add("reference_type = $%d", string(filter.ReferenceType))
	}
	if filter.ReferenceID > 0 {
		add("reference_id = $%d", filter.ReferenceID)
	}
	if filter.ItemID > 0 {
		add("item_id = $%d", filter.ItemID)
	}
	if filter.LocationID > 0 {
		args = append(args, filter.LocationID)
		where = append(where, fmt.Sprintf("(from_location_id = $%d OR to_location_id = $%d)", len(args), len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT ` + moveColumns + ` FROM stock_moves`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMoves(rows)
}

func scanMoves(rows pgx.Rows) ([]StockMove, error) {
	defer rows.Close()
	var moves []StockMove
	for rows.Next() {
		var (
			m                          StockMove
			moveType, refType, status  string
			unit, from, to, reversalOf pgtype.Int8
		)
		if err := rows.Scan(&m.ID, &moveType, &m.ItemID, &m.Qty, &unit, &from, &to, &refType, &m.ReferenceID,
			&m.ReferenceNumber, &status, &m.BatchNumber, &m.SerialNumber, &m.Notes, &reversalOf,
			&m.CreatedBy, &m.PostedBy, &m.CreatedAt, &m.PostedAt); err != nil {
			return nil, err
		}
		m.Type = MoveType(moveType)
		m.ReferenceType = DocumentType(refType)
		m.Status = MoveStatus(status)
		m.UnitID = unit.Int64
		m.FromLocationID = from.Int64
		m.ToLocationID = to.Int64
		m.ReversalOf = reversalOf.Int64
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

func (t *txRepo) IncrementPurchaseReceived(ctx context.Context, purchaseOrderID, itemID int64, qty decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_order_lines SET qty_received = qty_received + $3
WHERE purchase_order_id = $1 AND item_id = $2`, purchaseOrderID, itemID, qty)
	return err
}

func (t *txRepo) IncrementSalesDelivered(ctx context.Context, salesOrderID, itemID int64, qty decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales_order_lines SET qty_delivered = qty_delivered + $3
WHERE sales_order_id = $1 AND item_id = $2`, salesOrderID, itemID, qty)
	return err
}

func (t *txRepo) LockItems(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	rows, err := t.tx.Query(ctx, `SELECT id FROM items WHERE id = ANY($1) ORDER BY id FOR UPDATE`, itemIDs)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func (t *txRepo) GetItemCost(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT cost FROM items WHERE id = $1 FOR UPDATE`, itemID).Scan(&cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: item %d", ErrNotFound, itemID)
		}
		return decimal.Zero, err
	}
	return cost, nil
}

func (t *txRepo) UpdateItemCost(ctx context.Context, itemID int64, cost decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE items SET cost = $2 WHERE id = $1`, itemID, cost.Round(4))
	return err
}

// PurchaseUnitPrice reads the price of the first purchase order line for the item.
func (t *txRepo) PurchaseUnitPrice(ctx context.Context, purchaseOrderID, itemID int64) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT unit_price FROM purchase_order_lines
WHERE purchase_order_id = $1 AND item_id = $2 ORDER BY id LIMIT 1`, purchaseOrderID, itemID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return price, err
}

const reservationColumns = `id, item_id, location_id, qty, reference_type, reference_id, is_fulfilled, released_at, created_by, created_at`

func (t *txRepo) InsertReservation(ctx context.Context, res Reservation) (Reservation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_reservations (item_id, location_id, qty, reference_type, reference_id, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		res.ItemID, res.LocationID, res.Qty, res.ReferenceType, res.ReferenceID, res.CreatedBy, res.CreatedAt).Scan(&res.ID)
	return res, err
}

func (t *txRepo) GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return Reservation{}, err
	}
	list, err := scanReservations(rows)
	if err != nil {
		return Reservation{}, err
	}
	if len(list) == 0 {
		return Reservation{}, fmt.Errorf("%w: reservation %d", ErrNotFound, id)
	}
	return list[0], nil
}

func (t *txRepo) UpdateReservation(ctx context.Context, res Reservation) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_reservations SET is_fulfilled = $2, released_at = $3 WHERE id = $1`,
		res.ID, res.IsFulfilled, res.ReleasedAt)
	return err
}

// ListOpenReservationsForUpdate skips rows locked by concurrent workers.
func (t *txRepo) ListOpenReservationsForUpdate(ctx context.Context, createdBefore time.Time, limit int) ([]Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE NOT is_fulfilled AND released_at IS NULL AND created_at < $1
ORDER BY item_id, location_id, id LIMIT $2 FOR UPDATE SKIP LOCKED`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

func scanReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var list []Reservation
	for rows.Next() {
		var (
			res      Reservation
			released pgtype.Timestamptz
		)
		if err := rows.Scan(&res.ID, &res.ItemID, &res.LocationID, &res.Qty, &res.ReferenceType, &res.ReferenceID,
			&res.IsFulfilled, &released, &res.CreatedBy, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.ReleasedAt = timePtr(released)
		list = append(list, res)
	}
	return list, rows.Err()
}

// GetBalance reads one balance; a missing row is returned as zero.
func (r *Repository) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	bal := Balance{ItemID: key.ItemID, LocationID: key.LocationID}
	err := r.pool.QueryRow(ctx, `SELECT qty_on_hand, qty_reserved, updated_at FROM stock_balances
WHERE item_id = $1 AND location_id = $2`, key.ItemID, key.LocationID).Scan(&bal.OnHand, &bal.Reserved, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return bal, nil
	}
	return bal, err
}

// ListBalances filters balances by item and warehouse.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT b.item_id, b.location_id, b.qty_on_hand, b.qty_reserved, b.updated_at
FROM stock_balances b JOIN locations l ON l.id = b.location_id
WHERE ($1::bigint = 0 OR b.item_id = $1) AND ($2::bigint = 0 OR l.warehouse_id = $2)
ORDER BY b.item_id, b.location_id LIMIT 1000`, filter.ItemID, filter.WarehouseID)
	if err != nil {
		return nil, err
	}
	return scanBalances(rows)
}

// ListAllocationCandidates returns the item's balances in the warehouse, largest on-hand first.
func (r *Repository) ListAllocationCandidates(ctx context.Context, itemID, warehouseID int64) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT b.item_id, b.location_id, b.qty_on_hand, b.qty_reserved, b.updated_at
FROM stock_balances b JOIN locations l ON l.id = b.location_id
WHERE b.item_id = $1 AND l.warehouse_id = $2
ORDER BY b.qty_on_hand DESC, b.location_id`, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	return scanBalances(rows)
}

func scanBalances(rows pgx.Rows) ([]Balance, error) {
	defer rows.Close()
	var list []Balance
	for rows.Next() {
		var bal Balance
		if err := rows.Scan(&bal.ItemID, &bal.LocationID, &bal.OnHand, &bal.Reserved, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, bal)
	}
	return list, rows.Err()
}

// LedgerDrift compares each balance with the net of its posted moves.
func (r *Repository) LedgerDrift(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `WITH ledger AS (
	SELECT item_id, to_location_id AS location_id, qty FROM stock_moves WHERE status = 'POSTED' AND to_location_id IS NOT NULL
	UNION ALL
	SELECT item_id, from_location_id, -qty FROM stock_moves WHERE status = 'POSTED' AND from_location_id IS NOT NULL
), net AS (
	SELECT item_id, location_id, SUM(qty) AS qty FROM ledger GROUP BY item_id, location_id
)
SELECT COALESCE(b.item_id, n.item_id), COALESCE(b.location_id, n.location_id),
	COALESCE(b.qty_on_hand, 0), COALESCE(n.qty, 0)
FROM stock_balances b FULL OUTER JOIN net n ON n.item_id = b.item_id AND n.location_id = b.location_id
WHERE COALESCE(b.qty_on_hand, 0) <> COALESCE(n.qty, 0)
ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drift []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ItemID, &d.LocationID, &d.OnHand, &d.LedgerQty); err != nil {
			return nil, err
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

func nullInt(v int64) pgtype.Int8 {
	return pgtype.Int8{Int64: v, Valid: v != 0}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
