package stock

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/audit"
)

// RepositoryPort abstracts persistence for the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, id int64) (Document, error)
	ListMoves(ctx context.Context, filter MoveFilter) ([]StockMove, error)
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ListAllocationCandidates(ctx context.Context, itemID, warehouseID int64) ([]Balance, error)
	LedgerDrift(ctx context.Context) ([]Drift, error)
}

// TxRepository exposes the transactional operations. Every method runs inside the transaction opened by WithTx.
type TxRepository interface {
	GetDocumentForUpdate(ctx context.Context, id int64) (Document, error)
	UpdateDocumentStatus(ctx context.Context, change DocumentStatusChange) error
	GetLocation(ctx context.Context, id int64) (Location, error)
	// LockItems locks the item rows in ascending id order. Receipts take it before any balance lock.
	LockItems(ctx context.Context, itemIDs []int64) error
	// ListBalanceKeys returns the existing balance rows of the given items without locking them.
	ListBalanceKeys(ctx context.Context, itemIDs []int64) ([]BalanceKey, error)
	// LockBalance locks a balance row, creating a zero row first when missing.
	LockBalance(ctx context.Context, key BalanceKey) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error
	InsertMoves(ctx context.Context, moves []StockMove) ([]StockMove, error)
	// ListPostedMoves returns the original (non reversal) posted moves of a document.
	ListPostedMoves(ctx context.Context, refType DocumentType, refID int64) ([]StockMove, error)
	IncrementPurchaseReceived(ctx context.Context, purchaseOrderID, itemID int64, qty decimal.Decimal) error
	IncrementSalesDelivered(ctx context.Context, salesOrderID, itemID int64, qty decimal.Decimal) error
	GetItemCost(ctx context.Context, itemID int64) (decimal.Decimal, error)
	UpdateItemCost(ctx context.Context, itemID int64, cost decimal.Decimal) error
	// PurchaseUnitPrice returns zero when the order has no priced line for the item.
	PurchaseUnitPrice(ctx context.Context, purchaseOrderID, itemID int64) (decimal.Decimal, error)
	InsertReservation(ctx context.Context, res Reservation) (Reservation, error)
	GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error)
	UpdateReservation(ctx context.Context, res Reservation) error
	ListOpenReservationsForUpdate(ctx context.Context, createdBefore time.Time, limit int) ([]Reservation, error)
}

// AuditPort records audit events after commit.
type AuditPort interface {
	Record(ctx context.Context, event audit.Event) error
}

// MetricsPort receives engine outcomes.
type MetricsPort interface {
	ObservePosting(operation, docType, outcome string, moves int)
	ObserveReservation(operation, outcome string)
	SetLedgerDrift(count int)
}

// Locker coordinates work across engine instances.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// EngineConfig holds optional collaborators.
type EngineConfig struct {
	Audit   AuditPort
	Metrics MetricsPort
	Locker  Locker
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Engine posts, reverses and reserves stock.
type Engine struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine constructs the engine.
func NewEngine(repo RepositoryPort, cfg EngineConfig) *Engine {
	e := &Engine{
		repo:    repo,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		locker:  cfg.Locker,
		logger:  cfg.Logger,
		now:     cfg.Clock,
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// GetDocument loads a document with its lines.
func (e *Engine) GetDocument(ctx context.Context, id int64) (Document, error) {
	return e.repo.GetDocument(ctx, id)
}

// ListMoves queries the ledger.
func (e *Engine) ListMoves(ctx context.Context, filter MoveFilter) ([]StockMove, error) {
	return e.repo.ListMoves(ctx, filter)
}

// GetBalance returns a balance; a missing row reads as zero.
func (e *Engine) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	return e.repo.GetBalance(ctx, key)
}

// ListBalances lists balances by item and/or warehouse.
func (e *Engine) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	return e.repo.ListBalances(ctx, filter)
}

// Reconcile compares balances with the ledger and reports drifted rows.
func (e *Engine) Reconcile(ctx context.Context) ([]Drift, error) {
	drift, err := e.repo.LedgerDrift(ctx)
	if err != nil {
		return nil, err
	}
	e.metrics.SetLedgerDrift(len(drift))
	for _, d := range drift {
		e.logger.Warn("stock ledger drift",
			slog.Int64("item_id", d.ItemID),
			slog.Int64("location_id", d.LocationID),
			slog.String("on_hand", d.OnHand.String()),
			slog.String("ledger_qty", d.LedgerQty.String()),
		)
	}
	return drift, nil
}

func (e *Engine) record(ctx context.Context, event audit.Event) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.Warn("stock audit record failed",
			slog.String("action", string(event.Action)),
			slog.String("entity_type", event.EntityType),
			slog.String("entity_id", event.EntityID),
			slog.Any("error", err),
		)
	}
}

func statusIn(status DocumentStatus, allowed []DocumentStatus) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

type noopMetrics struct{}

func (noopMetrics) ObservePosting(string, string, string, int) {}
func (noopMetrics) ObserveReservation(string, string)           {}
func (noopMetrics) SetLedgerDrift(int)                          {}
