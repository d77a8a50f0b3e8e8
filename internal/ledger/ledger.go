// Package ledger mutates prepaid balances through an append-only transaction
// log. All changes go through Apply; the balance row is never written
// directly anywhere else.
package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"metersim/internal/storage"
)

// Entry is the outcome of one applied balance change.
type Entry struct {
	TransactionID string  `json:"transaction_id"`
	BalanceBefore float64 `json:"balance_before"`
	BalanceAfter  float64 `json:"balance_after"`
}

type Ledger struct {
	store *storage.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store *storage.Store) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Apply credits (positive amount) or debits (negative amount) the meter's
// balance and appends a transaction row. Calls for the same meter are
// serialized so each entry's before equals the previous entry's after, even
// when settlement and recharges interleave. Returns storage.ErrNotFound when
// the meter has no balance row. No floor is enforced; the balance may go
// negative.
func (l *Ledger) Apply(meterID string, amount float64, txnType, description string) (Entry, error) {
	lock := l.lockFor(meterID)
	lock.Lock()
	defer lock.Unlock()

	txnID := uuid.NewString()
	before, after, err := l.store.ApplyBalanceChange(meterID, txnID, txnType, description, amount)
	if err != nil {
		return Entry{}, fmt.Errorf("apply %s of %.2f to meter %s: %w", txnType, amount, meterID, err)
	}

	return Entry{
		TransactionID: txnID,
		BalanceBefore: before,
		BalanceAfter:  after,
	}, nil
}

// Recharge credits the meter.
func (l *Ledger) Recharge(meterID string, amount float64, description string) (Entry, error) {
	if description == "" {
		description = fmt.Sprintf("Balance recharge of %.2f", amount)
	}
	return l.Apply(meterID, amount, storage.TxnRecharge, description)
}

// DeductConsumption debits the meter for consumed energy cost.
func (l *Ledger) DeductConsumption(meterID string, cost float64) (Entry, error) {
	return l.Apply(meterID, -cost, storage.TxnConsumption, "Energy consumption")
}

func (l *Ledger) lockFor(meterID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[meterID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[meterID] = lock
	}
	return lock
}
