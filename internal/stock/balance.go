package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceChange is one atomic adjustment to a balance row.
type BalanceChange struct {
	Key           BalanceKey
	QtyDelta      decimal.Decimal
	ReservedDelta decimal.Decimal
	// CheckAvailable guards decreases against on-hand minus reserved instead of on-hand.
	CheckAvailable bool
}

// BalanceUpdater applies changes to balances locked inside one transaction.
// Rows are locked once, in ascending (item, location) order, and cached for the rest of the operation.
type BalanceUpdater struct {
	tx        TxRepository
	now       time.Time
	locked    map[BalanceKey]Balance
	locations map[int64]Location
}

// NewBalanceUpdater binds an updater to a transaction.
func NewBalanceUpdater(tx TxRepository, now time.Time) *BalanceUpdater {
	return &BalanceUpdater{
		tx:        tx,
		now:       now,
		locked:    make(map[BalanceKey]Balance),
		locations: make(map[int64]Location),
	}
}

// AdjustBalance locks a single balance and applies change to it.
func AdjustBalance(ctx context.Context, tx TxRepository, change BalanceChange) (Balance, error) {
	return NewBalanceUpdater(tx, time.Now().UTC()).Adjust(ctx, change)
}

// Lock acquires row locks for keys not yet held, in deterministic order.
func (u *BalanceUpdater) Lock(ctx context.Context, keys ...BalanceKey) error {
	pending := make([]BalanceKey, 0, len(keys))
	seen := make(map[BalanceKey]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := u.locked[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pending = append(pending, key)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Less(pending[j]) })
	for _, key := range pending {
		bal, err := u.tx.LockBalance(ctx, key)
		if err != nil {
			return err
		}
		u.locked[key] = bal
	}
	return nil
}

// Balance returns the locked row for key.
func (u *BalanceUpdater) Balance(key BalanceKey) (Balance, bool) {
	bal, ok := u.locked[key]
	return bal, ok
}

// Totals sums on-hand per item over every locked row.
func (u *BalanceUpdater) Totals() map[int64]decimal.Decimal {
	totals := make(map[int64]decimal.Decimal)
	for key, bal := range u.locked {
		totals[key.ItemID] = totals[key.ItemID].Add(bal.OnHand)
	}
	return totals
}

// Adjust applies change to a locked balance, enforcing the negative stock policy of its warehouse.
func (u *BalanceUpdater) Adjust(ctx context.Context, change BalanceChange) (Balance, error) {
	if err := u.Lock(ctx, change.Key); err != nil {
		return Balance{}, err
	}
	bal := u.locked[change.Key]

	if change.QtyDelta.IsNegative() {
		loc, err := u.location(ctx, change.Key.LocationID)
		if err != nil {
			return Balance{}, err
		}
		if !loc.AllowNegativeStock {
			requested := change.QtyDelta.Neg()
			available := bal.OnHand
			if change.CheckAvailable {
				available = bal.Available()
			}
			if available.LessThan(requested) {
				return Balance{}, &InsufficientStockError{
					ItemID:     change.Key.ItemID,
					LocationID: change.Key.LocationID,
					Available:  available,
					Requested:  requested,
				}
			}
		}
	}

	bal.OnHand = bal.OnHand.Add(change.QtyDelta)
	bal.Reserved = bal.Reserved.Add(change.ReservedDelta)
	if bal.Reserved.IsNegative() {
		bal.Reserved = decimal.Zero
	}
	bal.UpdatedAt = u.now
	if err := u.tx.SaveBalance(ctx, bal); err != nil {
		return Balance{}, err
	}
	u.locked[change.Key] = bal
	return bal, nil
}

// Apply debits the source and credits the destination of delta.
func (u *BalanceUpdater) Apply(ctx context.Context, d Delta) error {
	if d.From != 0 {
		_, err := u.Adjust(ctx, BalanceChange{
			Key:            BalanceKey{ItemID: d.ItemID, LocationID: d.From},
			QtyDelta:       d.Qty.Neg(),
			CheckAvailable: d.CheckAvailable,
		})
		if err != nil {
			return err
		}
	}
	if d.To != 0 {
		_, err := u.Adjust(ctx, BalanceChange{
			Key:      BalanceKey{ItemID: d.ItemID, LocationID: d.To},
			QtyDelta: d.Qty,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *BalanceUpdater) location(ctx context.Context, id int64) (Location, error) {
	if loc, ok := u.locations[id]; ok {
		return loc, nil
	}
	loc, err := u.tx.GetLocation(ctx, id)
	if err != nil {
		return Location{}, err
	}
	u.locations[id] = loc
	return loc, nil
}

func deltaKeys(deltas []Delta) []BalanceKey {
	keys := make([]BalanceKey, 0, len(deltas)*2)
	for _, d := range deltas {
		keys = append(keys, d.Keys()...)
	}
	return keys
}
