package risk

import (
	"sort"
	"time"

	fpmath "PredictCore/internal/math"
)

// LiquidationEntry is an account below maintenance in one market.
type LiquidationEntry struct {
	Account     string       `json:"account"`
	MarketID    string       `json:"market_id"`
	HealthRatio fpmath.Fixed `json:"health_ratio"`
	Notional    fpmath.Fixed `json:"notional"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}

// liquidationLess orders worst health first, then larger notional, then
// account id. The order is total: account ids are unique in a queue.
func liquidationLess(a, b LiquidationEntry) bool {
	if a.HealthRatio != b.HealthRatio {
		return a.HealthRatio < b.HealthRatio
	}
	if a.Notional != b.Notional {
		return a.Notional > b.Notional
	}
	return a.Account < b.Account
}

// LiquidationQueue is the per-market ordered set of liquidatable accounts.
// Not thread-safe; owned by the market's executor.
type LiquidationQueue struct {
	MarketID string
	entries  []LiquidationEntry
}

func NewLiquidationQueue(marketID string) *LiquidationQueue {
	return &LiquidationQueue{MarketID: marketID}
}

func (q *LiquidationQueue) indexOf(account string) int {
	for i, e := range q.entries {
		if e.Account == account {
			return i
		}
	}
	return -1
}

// Upsert inserts or repositions an entry. added is true for new accounts;
// an existing entry keeps its original EnqueuedAt.
func (q *LiquidationQueue) Upsert(e LiquidationEntry) (added bool) {
	if i := q.indexOf(e.Account); i >= 0 {
		e.EnqueuedAt = q.entries[i].EnqueuedAt
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
	} else {
		added = true
	}
	at := sort.Search(len(q.entries), func(i int) bool { return liquidationLess(e, q.entries[i]) })
	q.entries = append(q.entries, LiquidationEntry{})
	copy(q.entries[at+1:], q.entries[at:])
	q.entries[at] = e
	return added
}

func (q *LiquidationQueue) Remove(account string) bool {
	i := q.indexOf(account)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return true
}

// Pop removes and returns up to n entries from the head.
func (q *LiquidationQueue) Pop(n int) []LiquidationEntry {
	if n > len(q.entries) {
		n = len(q.entries)
	}
	if n <= 0 {
		return nil
	}
	out := append([]LiquidationEntry(nil), q.entries[:n]...)
	q.entries = append(q.entries[:0], q.entries[n:]...)
	return out
}

func (q *LiquidationQueue) Peek() (LiquidationEntry, bool) {
	if len(q.entries) == 0 {
		return LiquidationEntry{}, false
	}
	return q.entries[0], true
}

func (q *LiquidationQueue) Contains(account string) bool { return q.indexOf(account) >= 0 }

func (q *LiquidationQueue) Len() int { return len(q.entries) }

// Entries returns a copy in queue order.
func (q *LiquidationQueue) Entries() []LiquidationEntry {
	return append([]LiquidationEntry(nil), q.entries...)
}

// Clone returns an independent copy.
func (q *LiquidationQueue) Clone() *LiquidationQueue {
	return &LiquidationQueue{MarketID: q.MarketID, entries: q.Entries()}
}

// Track places e in or out of the queue according to its health.
// It returns true when the account newly entered the queue.
func (q *LiquidationQueue) Track(e AccountExposure, now time.Time) bool {
	if !e.Liquidatable() {
		q.Remove(e.Account)
		return false
	}
	return q.Upsert(LiquidationEntry{
		Account:     e.Account,
		MarketID:    e.MarketID,
		HealthRatio: e.HealthRatio,
		Notional:    e.Notional,
		EnqueuedAt:  now,
	})
}
