package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/audit"
)

type orderItem struct {
	orderID int64
	itemID  int64
}

type memoryState struct {
	docs         map[int64]Document
	locations    map[int64]Location
	balances     map[BalanceKey]Balance
	moves        []StockMove
	reservations map[int64]Reservation
	costs        map[int64]decimal.Decimal
	received     map[orderItem]decimal.Decimal
	delivered    map[orderItem]decimal.Decimal
	nextMoveID   int64
	nextResID    int64
}

var errTxDone = errors.New("memory: transaction already finished")

// memoryRepo mimics read-committed Postgres: rows are locked one key at a time, locked reads see the latest
// committed value and a transaction's writes become visible only when its callback succeeds.
type memoryRepo struct {
	dataMu sync.RWMutex
	state  *memoryState
	prices memoryPrices

	lockMu   sync.Mutex
	rowLocks map[string]chan struct{}

	lockOrder       []BalanceKey
	failInsertMoves error
	failStatus      error
	commits         int
}

// memoryTx buffers writes until commit and holds its row locks until then.
type memoryTx struct {
	repo         *memoryRepo
	docs         map[int64]Document
	balances     map[BalanceKey]Balance
	moves        []StockMove
	reservations map[int64]Reservation
	costs        map[int64]decimal.Decimal
	received     map[orderItem]decimal.Decimal
	delivered    map[orderItem]decimal.Decimal
	held         map[string]chan struct{}
	locks        []BalanceKey
	done         bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: &memoryState{
			docs:         make(map[int64]Document),
			locations:    make(map[int64]Location),
			balances:     make(map[BalanceKey]Balance),
			reservations: make(map[int64]Reservation),
			costs:        make(map[int64]decimal.Decimal),
			received:     make(map[orderItem]decimal.Decimal),
			delivered:    make(map[orderItem]decimal.Decimal),
		},
		prices:   memoryPrices{},
		rowLocks: make(map[string]chan struct{}),
	}
}

func (r *memoryRepo) addLocation(id, warehouseID int64, allowNegative bool) {
	r.state.locations[id] = Location{ID: id, WarehouseID: warehouseID, AllowNegativeStock: allowNegative}
}

func (r *memoryRepo) addDocument(doc Document) {
	r.state.docs[doc.ID] = doc
}

func (r *memoryRepo) setOnHand(itemID, locationID int64, qty string) {
	r.dataMu.Lock()
	defer r.dataMu.Unlock()
	key := BalanceKey{ItemID: itemID, LocationID: locationID}
	bal := r.state.balances[key]
	bal.ItemID, bal.LocationID = itemID, locationID
	bal.OnHand = decimal.RequireFromString(qty)
	r.state.balances[key] = bal
}

func (r *memoryRepo) balance(itemID, locationID int64) Balance {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	return r.state.balances[BalanceKey{ItemID: itemID, LocationID: locationID}]
}

func (r *memoryRepo) document(id int64) Document {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	return r.state.docs[id]
}

func (r *memoryRepo) allMoves() []StockMove {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	return append([]StockMove(nil), r.state.moves...)
}

func (r *memoryRepo) rowLock(key string) chan struct{} {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	ch, ok := r.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.rowLocks[key] = ch
	}
	return ch
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:         r,
		docs:         make(map[int64]Document),
		balances:     make(map[BalanceKey]Balance),
		reservations: make(map[int64]Reservation),
		costs:        make(map[int64]decimal.Decimal),
		received:     make(map[orderItem]decimal.Decimal),
		delivered:    make(map[orderItem]decimal.Decimal),
		held:         make(map[string]chan struct{}),
	}
	defer tx.finish()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *memoryTx) commit() {
	r := tx.repo
	r.dataMu.Lock()
	defer r.dataMu.Unlock()
	for id, doc := range tx.docs {
		r.state.docs[id] = doc
	}
	for key, bal := range tx.balances {
		r.state.balances[key] = bal
	}
	r.state.moves = append(r.state.moves, tx.moves...)
	for id, res := range tx.reservations {
		r.state.reservations[id] = res
	}
	for id, cost := range tx.costs {
		r.state.costs[id] = cost
	}
	for key, q := range tx.received {
		r.state.received[key] = r.state.received[key].Add(q)
	}
	for key, q := range tx.delivered {
		r.state.delivered[key] = r.state.delivered[key].Add(q)
	}
	r.lockOrder = append(r.lockOrder, tx.locks...)
	r.commits++
}

// finish releases every row lock; later calls on the transaction fail.
func (tx *memoryTx) finish() {
	tx.done = true
	for key, ch := range tx.held {
		<-ch
		delete(tx.held, key)
	}
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if tx.done {
		return errTxDone
	}
	if _, ok := tx.held[key]; ok {
		return nil
	}
	ch := tx.repo.rowLock(key)
	select {
	case ch <- struct{}{}:
		tx.held[key] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryLock behaves like SKIP LOCKED.
func (tx *memoryTx) tryLock(key string) bool {
	if _, ok := tx.held[key]; ok {
		return true
	}
	ch := tx.repo.rowLock(key)
	select {
	case ch <- struct{}{}:
		tx.held[key] = ch
		return true
	default:
		return false
	}
}

func (tx *memoryTx) document(id int64) (Document, bool) {
	if doc, ok := tx.docs[id]; ok {
		return doc, true
	}
	tx.repo.dataMu.RLock()
	defer tx.repo.dataMu.RUnlock()
	doc, ok := tx.repo.state.docs[id]
	return doc, ok
}

func (tx *memoryTx) balance(key BalanceKey) (Balance, bool) {
	if bal, ok := tx.balances[key]; ok {
		return bal, true
	}
	tx.repo.dataMu.RLock()
	defer tx.repo.dataMu.RUnlock()
	bal, ok := tx.repo.state.balances[key]
	return bal, ok
}

func (tx *memoryTx) reservation(id int64) (Reservation, bool) {
	if res, ok := tx.reservations[id]; ok {
		return res, true
	}
	tx.repo.dataMu.RLock()
	defer tx.repo.dataMu.RUnlock()
	res, ok := tx.repo.state.reservations[id]
	return res, ok
}

func (r *memoryRepo) GetDocument(_ context.Context, id int64) (Document, error) {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	doc, ok := r.state.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return doc, nil
}

func (r *memoryRepo) ListMoves(_ context.Context, filter MoveFilter) ([]StockMove, error) {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	var out []StockMove
	for i := len(r.state.moves) - 1; i >= 0; i-- {
		m := r.state.moves[i]
		if filter.ReferenceType != "" && m.ReferenceType != filter.ReferenceType {
			continue
		}
		if filter.ReferenceID > 0 && m.ReferenceID != filter.ReferenceID {
			continue
		}
		if filter.ItemID > 0 && m.ItemID != filter.ItemID {
			continue
		}
		if filter.LocationID > 0 && m.FromLocationID != filter.LocationID && m.ToLocationID != filter.LocationID {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) GetBalance(_ context.Context, key BalanceKey) (Balance, error) {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	if bal, ok := r.state.balances[key]; ok {
		return bal, nil
	}
	return Balance{ItemID: key.ItemID, LocationID: key.LocationID}, nil
}

func (r *memoryRepo) ListBalances(_ context.Context, filter BalanceFilter) ([]Balance, error) {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	var out []Balance
	for key, bal := range r.state.balances {
		if filter.ItemID > 0 && key.ItemID != filter.ItemID {
			continue
		}
		if filter.WarehouseID > 0 && r.state.locations[key.LocationID].WarehouseID != filter.WarehouseID {
			continue
		}
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

func (r *memoryRepo) ListAllocationCandidates(ctx context.Context, itemID, warehouseID int64) ([]Balance, error) {
	return r.ListBalances(ctx, BalanceFilter{ItemID: itemID, WarehouseID: warehouseID})
}

func (r *memoryRepo) LedgerDrift(context.Context) ([]Drift, error) {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	ledger := make(map[BalanceKey]decimal.Decimal)
	for _, m := range r.state.moves {
		if m.Status != MoveStatusPosted {
			continue
		}
		if m.ToLocationID != 0 {
			key := BalanceKey{ItemID: m.ItemID, LocationID: m.ToLocationID}
			ledger[key] = ledger[key].Add(m.Qty)
		}
		if m.FromLocationID != 0 {
			key := BalanceKey{ItemID: m.ItemID, LocationID: m.FromLocationID}
			ledger[key] = ledger[key].Sub(m.Qty)
		}
	}
	keys := make(map[BalanceKey]struct{})
	for k := range ledger {
		keys[k] = struct{}{}
	}
	for k := range r.state.balances {
		keys[k] = struct{}{}
	}
	var out []Drift
	for k := range keys {
		onHand := r.state.balances[k].OnHand
		if !onHand.Equal(ledger[k]) {
			out = append(out, Drift{ItemID: k.ItemID, LocationID: k.LocationID, OnHand: onHand, LedgerQty: ledger[k]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return BalanceKey{out[i].ItemID, out[i].LocationID}.Less(BalanceKey{out[j].ItemID, out[j].LocationID})
	})
	return out, nil
}

func (tx *memoryTx) GetDocumentForUpdate(ctx context.Context, id int64) (Document, error) {
	if err := tx.lock(ctx, fmt.Sprintf("doc:%d", id)); err != nil {
		return Document{}, err
	}
	doc, ok := tx.document(id)
	if !ok {
		return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	doc.Lines = append([]DocumentLine(nil), doc.Lines...)
	return doc, nil
}

func (tx *memoryTx) UpdateDocumentStatus(_ context.Context, change DocumentStatusChange) error {
	if tx.done {
		return errTxDone
	}
	if tx.repo.failStatus != nil {
		return tx.repo.failStatus
	}
	doc, ok := tx.document(change.DocumentID)
	if !ok {
		return fmt.Errorf("%w: document %d", ErrNotFound, change.DocumentID)
	}
	doc.Status = change.Status
	at := change.At
	switch change.Status {
	case StatusPosted:
		doc.PostedBy = change.ActorID
		doc.PostedAt = &at
	case StatusCancelled, StatusVoid:
		doc.CancelledBy = change.ActorID
		doc.CancelledAt = &at
	}
	tx.docs[doc.ID] = doc
	return nil
}

func (tx *memoryTx) GetLocation(_ context.Context, id int64) (Location, error) {
	tx.repo.dataMu.RLock()
	defer tx.repo.dataMu.RUnlock()
	loc, ok := tx.repo.state.locations[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: location %d", ErrNotFound, id)
	}
	return loc, nil
}

func (tx *memoryTx) LockItems(ctx context.Context, itemIDs []int64) error {
	for _, id := range itemIDs {
		if err := tx.lock(ctx, fmt.Sprintf("item:%d", id)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) ListBalanceKeys(_ context.Context, itemIDs []int64) ([]BalanceKey, error) {
	wanted := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = struct{}{}
	}
	seen := make(map[BalanceKey]struct{})
	tx.repo.dataMu.RLock()
	for key := range tx.repo.state.balances {
		seen[key] = struct{}{}
	}
	tx.repo.dataMu.RUnlock()
	for key := range tx.balances {
		seen[key] = struct{}{}
	}
	var keys []BalanceKey
	for key := range seen {
		if _, ok := wanted[key.ItemID]; ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (tx *memoryTx) LockBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	if err := tx.lock(ctx, fmt.Sprintf("bal:%d:%d", key.ItemID, key.LocationID)); err != nil {
		return Balance{}, err
	}
	tx.locks = append(tx.locks, key)
	bal, ok := tx.balance(key)
	if !ok {
		bal = Balance{ItemID: key.ItemID, LocationID: key.LocationID}
		tx.balances[key] = bal
	}
	return bal, nil
}

func (tx *memoryTx) SaveBalance(_ context.Context, balance Balance) error {
	if tx.done {
		return errTxDone
	}
	if _, ok := tx.held[fmt.Sprintf("bal:%d:%d", balance.ItemID, balance.LocationID)]; !ok {
		return fmt.Errorf("memory: balance %d/%d saved without a lock", balance.ItemID, balance.LocationID)
	}
	tx.balances[balance.Key()] = balance
	return nil
}

func (tx *memoryTx) InsertMoves(_ context.Context, moves []StockMove) ([]StockMove, error) {
	if tx.done {
		return nil, errTxDone
	}
	if tx.repo.failInsertMoves != nil {
		return nil, tx.repo.failInsertMoves
	}
	out := make([]StockMove, len(moves))
	tx.repo.dataMu.Lock()
	for i, m := range moves {
		tx.repo.state.nextMoveID++
		m.ID = tx.repo.state.nextMoveID
		out[i] = m
	}
	tx.repo.dataMu.Unlock()
	tx.moves = append(tx.moves, out...)
	return out, nil
}

func (tx *memoryTx) ListPostedMoves(_ context.Context, refType DocumentType, refID int64) ([]StockMove, error) {
	tx.repo.dataMu.RLock()
	all := append(append([]StockMove(nil), tx.repo.state.moves...), tx.moves...)
	tx.repo.dataMu.RUnlock()
	var out []StockMove
	for _, m := range all {
		if m.ReferenceType == refType && m.ReferenceID == refID && m.Status == MoveStatusPosted && m.ReversalOf == 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (tx *memoryTx) IncrementPurchaseReceived(_ context.Context, purchaseOrderID, itemID int64, qty decimal.Decimal) error {
	key := orderItem{orderID: purchaseOrderID, itemID: itemID}
	tx.received[key] = tx.received[key].Add(qty)
	return nil
}

func (tx *memoryTx) IncrementSalesDelivered(_ context.Context, salesOrderID, itemID int64, qty decimal.Decimal) error {
	key := orderItem{orderID: salesOrderID, itemID: itemID}
	tx.delivered[key] = tx.delivered[key].Add(qty)
	return nil
}

func (tx *memoryTx) GetItemCost(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	if err := tx.lock(ctx, fmt.Sprintf("item:%d", itemID)); err != nil {
		return decimal.Zero, err
	}
	if cost, ok := tx.costs[itemID]; ok {
		return cost, nil
	}
	tx.repo.dataMu.RLock()
	defer tx.repo.dataMu.RUnlock()
	cost, ok := tx.repo.state.costs[itemID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: item %d", ErrNotFound, itemID)
	}
	return cost, nil
}

func (tx *memoryTx) UpdateItemCost(_ context.Context, itemID int64, cost decimal.Decimal) error {
	tx.costs[itemID] = cost.Round(4)
	return nil
}

func (tx *memoryTx) PurchaseUnitPrice(_ context.Context, purchaseOrderID, itemID int64) (decimal.Decimal, error) {
	if tx.done {
		return decimal.Zero, errTxDone
	}
	return tx.repo.prices[orderItem{orderID: purchaseOrderID, itemID: itemID}], nil
}

func (tx *memoryTx) InsertReservation(_ context.Context, res Reservation) (Reservation, error) {
	if tx.done {
		return Reservation{}, errTxDone
	}
	tx.repo.dataMu.Lock()
	tx.repo.state.nextResID++
	res.ID = tx.repo.state.nextResID
	tx.repo.dataMu.Unlock()
	tx.reservations[res.ID] = res
	return res, nil
}

func (tx *memoryTx) GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error) {
	if err := tx.lock(ctx, fmt.Sprintf("res:%d", id)); err != nil {
		return Reservation{}, err
	}
	res, ok := tx.reservation(id)
	if !ok {
		return Reservation{}, fmt.Errorf("%w: reservation %d", ErrNotFound, id)
	}
	return res, nil
}

func (tx *memoryTx) UpdateReservation(_ context.Context, res Reservation) error {
	if tx.done {
		return errTxDone
	}
	tx.reservations[res.ID] = res
	return nil
}

func (tx *memoryTx) ListOpenReservationsForUpdate(_ context.Context, createdBefore time.Time, limit int) ([]Reservation, error) {
	tx.repo.dataMu.RLock()
	var candidates []Reservation
	for _, res := range tx.repo.state.reservations {
		if res.Open() && res.CreatedAt.Before(createdBefore) {
			candidates = append(candidates, res)
		}
	}
	tx.repo.dataMu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ItemID != candidates[j].ItemID || candidates[i].LocationID != candidates[j].LocationID {
			return BalanceKey{candidates[i].ItemID, candidates[i].LocationID}.Less(BalanceKey{candidates[j].ItemID, candidates[j].LocationID})
		}
		return candidates[i].ID < candidates[j].ID
	})
	var out []Reservation
	for _, res := range candidates {
		if limit > 0 && len(out) == limit {
			break
		}
		if !tx.tryLock(fmt.Sprintf("res:%d", res.ID)) {
			continue
		}
		// re-read after the lock: another transaction may have closed it meanwhile
		if latest, ok := tx.reservation(res.ID); ok && latest.Open() {
			out = append(out, latest)
		}
	}
	return out, nil
}

type memoryPrices map[orderItem]decimal.Decimal

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (a *recordingAudit) Record(_ context.Context, event audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	return nil
}

type recordingMetrics struct {
	mu           sync.Mutex
	postings     []string
	reservations []string
	drift        int
}

func (m *recordingMetrics) ObservePosting(operation, docType, outcome string, moves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postings = append(m.postings, fmt.Sprintf("%s/%s/%s/%d", operation, docType, outcome, moves))
}

func (m *recordingMetrics) ObserveReservation(operation, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations = append(m.reservations, operation+"/"+outcome)
}

func (m *recordingMetrics) SetLedgerDrift(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift = count
}

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *memoryRepo
	engine  *Engine
	audit   *recordingAudit
	metrics *recordingMetrics
	prices  memoryPrices
}

// newFixture seeds two warehouses: 1 holds locations 10 and 11, 2 holds location 20.
// Location 30 in warehouse 3 allows negative stock.
func newFixture() *fixture {
	repo := newMemoryRepo()
	repo.addLocation(10, 1, false)
	repo.addLocation(11, 1, false)
	repo.addLocation(20, 2, false)
	repo.addLocation(30, 3, true)
	f := &fixture{
		repo:    repo,
		audit:   &recordingAudit{},
		metrics: &recordingMetrics{},
		prices:  repo.prices,
	}
	f.engine = NewEngine(repo, EngineConfig{
		Audit:   f.audit,
		Metrics: f.metrics,
		Clock:   func() time.Time { return testNow },
	})
	return f
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
