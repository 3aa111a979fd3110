package intake

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	fpmath "PredictCore/internal/math"
	"PredictCore/internal/observability"
)

var (
	ErrCommitmentDuplicate = errors.New("commitment duplicate")
	ErrCommitmentNotFound  = errors.New("commitment not found")
	ErrCommitmentExpired   = errors.New("commitment expired")
	ErrRevealMismatch      = errors.New("reveal does not match commitment")
	ErrRevealTooEarly      = errors.New("reveal before minimum delay")
	ErrAlreadyRevealed     = errors.New("commitment already revealed")
	ErrNotOwner            = errors.New("caller does not own commitment")
	ErrInvalidIntent       = errors.New("invalid intent")
	ErrInvalidCommitment   = errors.New("invalid commitment")
	ErrQueueFull           = errors.New("intake queue full")
)

// commitmentNamespace derives deterministic commitment ids from hashes.
var commitmentNamespace = uuid.MustParse("5b0c1a8e-6f7e-4c34-9d2e-3b1f0e6a9c41")

// Gate lets the queue consult market state (breaker, existence) before
// accepting work. AdmitReveal only refuses markets that can no longer
// trade; a halted market still collects reveals for its next batch.
type Gate interface {
	AdmitCommit(marketID string, now time.Time) error
	AdmitReveal(marketID string, now time.Time) error
}

type Phase uint8

const (
	PhaseCommitted Phase = iota
	PhaseRevealed
	PhaseExecuted
	PhaseRejected
	PhaseExpired
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseCommitted:
		return "committed"
	case PhaseRevealed:
		return "revealed"
	case PhaseExecuted:
		return "executed"
	case PhaseRejected:
		return "rejected"
	case PhaseExpired:
		return "expired"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CommitRequest is a sealed trade submission.
type CommitRequest struct {
	MarketID string
	Hash     common.Hash
	FeeBid   fpmath.Fixed
	Owner    string
}

// Commitment is a pending entry in the queue.
type Commitment struct {
	ID          uuid.UUID
	Hash        common.Hash
	MarketID    string
	Owner       string
	FeeBid      fpmath.Fixed
	Arrival     uint64
	CommittedAt time.Time
	RevealedAt  time.Time
	Phase       Phase
	Payload     *IntentPayload
}

// Intent is a revealed commitment placed in a batch.
type Intent struct {
	ID      uuid.UUID
	Hash    common.Hash
	Owner   string
	FeeBid  fpmath.Fixed
	Arrival uint64
	Payload IntentPayload
}

// Batch is an ordered execution round for one market.
type Batch struct {
	MarketID string
	ID       uint64
	ClosedAt time.Time
	Intents  []Intent
}

// Expired describes a commitment dropped by Expire.
type Expired struct {
	ID       uuid.UUID
	MarketID string
	Owner    string
}

// Less is the batch ordering: fee bid descending, then commit arrival
// ascending, then intent id ascending. Reveal time plays no part.
func Less(a, b Intent) bool {
	if a.FeeBid != b.FeeBid {
		return a.FeeBid > b.FeeBid
	}
	if a.Arrival != b.Arrival {
		return a.Arrival < b.Arrival
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

type Config struct {
	MinRevealDelay      time.Duration
	RevealWindow        time.Duration
	MaxBatchSize        int
	MaxBatchWindow      time.Duration
	MaxPendingPerMarket int
	ConsumedCapacity    int
}

func DefaultConfig() Config {
	return Config{
		MinRevealDelay:      800 * time.Millisecond,
		RevealWindow:        40 * time.Second,
		MaxBatchSize:        100,
		MaxBatchWindow:      2 * time.Second,
		MaxPendingPerMarket: 1000,
		ConsumedCapacity:    100_000,
	}
}

func (c Config) Validate() error {
	if c.MinRevealDelay < 0 {
		return fmt.Errorf("min_reveal_delay must be >= 0")
	}
	if c.RevealWindow <= c.MinRevealDelay {
		return fmt.Errorf("reveal_window (%s) must exceed min_reveal_delay (%s)", c.RevealWindow, c.MinRevealDelay)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1")
	}
	if c.MaxBatchWindow <= 0 {
		return fmt.Errorf("max_batch_window must be positive")
	}
	if c.MaxPendingPerMarket < 1 {
		return fmt.Errorf("max_pending_per_market must be >= 1")
	}
	if c.ConsumedCapacity < 1 {
		return fmt.Errorf("consumed_capacity must be >= 1")
	}
	return nil
}

// book is the per-market part of the queue.
type book struct {
	slots       int // committed + revealed, not yet batched
	revealed    []*Commitment
	openedAt    time.Time
	lastBatchID uint64
}

// Queue is the commit-reveal intake. All methods are safe for concurrent
// use; a single mutex guards the pending set so insert-if-absent is atomic.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	gate     Gate
	consumed *consumedSet
	books    map[string]*book
	byID     map[uuid.UUID]*Commitment
	byHash   map[common.Hash]uuid.UUID
	arrival  uint64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewQueue(cfg Config, gate Gate, db DBCommitmentChecker, metrics *observability.Metrics, logger zerolog.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		cfg:      cfg,
		gate:     gate,
		consumed: newConsumedSet(cfg.ConsumedCapacity, db, metrics),
		books:    make(map[string]*book),
		byID:     make(map[uuid.UUID]*Commitment),
		byHash:   make(map[common.Hash]uuid.UUID),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// CommitmentID is the deterministic id for a commitment hash.
func CommitmentID(hash common.Hash) uuid.UUID {
	return uuid.NewSHA1(commitmentNamespace, hash[:])
}

func tombstoneKey(id uuid.UUID) string { return "expired:" + id.String() }

func (q *Queue) bookFor(marketID string) *book {
	b, ok := q.books[marketID]
	if !ok {
		b = &book{}
		q.books[marketID] = b
	}
	return b
}

// Commit records a sealed intent and claims a queue slot.
func (q *Queue) Commit(req CommitRequest, now time.Time) (uuid.UUID, error) {
	if req.MarketID == "" || req.Owner == "" || req.Hash == (common.Hash{}) || req.FeeBid < 0 {
		return uuid.Nil, fmt.Errorf("%w: market, owner and hash are required and fee_bid must be >= 0", ErrInvalidCommitment)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	// consulted under mu so CloseMarket never misses a late commit
	if q.gate != nil {
		if err := q.gate.AdmitCommit(req.MarketID, now); err != nil {
			q.countCommit(req.MarketID, "halted")
			return uuid.Nil, err
		}
	}
	if _, pending := q.byHash[req.Hash]; pending || q.consumed.Seen(req.Hash.Hex()) {
		q.countCommit(req.MarketID, "duplicate")
		return uuid.Nil, ErrCommitmentDuplicate
	}
	b := q.bookFor(req.MarketID)
	if b.slots >= q.cfg.MaxPendingPerMarket {
		q.countCommit(req.MarketID, "full")
		return uuid.Nil, fmt.Errorf("%w: market %s has %d pending", ErrQueueFull, req.MarketID, b.slots)
	}

	q.arrival++
	c := &Commitment{
		ID:          CommitmentID(req.Hash),
		Hash:        req.Hash,
		MarketID:    req.MarketID,
		Owner:       req.Owner,
		FeeBid:      req.FeeBid,
		Arrival:     q.arrival,
		CommittedAt: now,
		Phase:       PhaseCommitted,
	}
	q.byID[c.ID] = c
	q.byHash[c.Hash] = c.ID
	b.slots++

	q.countCommit(req.MarketID, "accepted")
	q.setPending(req.MarketID, b)
	return c.ID, nil
}

// Reveal verifies the pre-image and moves the commitment into the open batch.
func (q *Queue) Reveal(id uuid.UUID, payload IntentPayload, salt Salt, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		if q.consumed.lru.Contains(tombstoneKey(id)) {
			return ErrCommitmentExpired
		}
		return ErrCommitmentNotFound
	}
	if c.Phase != PhaseCommitted {
		return ErrAlreadyRevealed
	}
	if now.Before(c.CommittedAt.Add(q.cfg.MinRevealDelay)) {
		q.countReveal(c.MarketID, "too_early")
		return fmt.Errorf("%w: earliest reveal at %s", ErrRevealTooEarly, c.CommittedAt.Add(q.cfg.MinRevealDelay).Format(time.RFC3339Nano))
	}
	if !now.Before(c.CommittedAt.Add(q.cfg.RevealWindow)) {
		q.expireLocked(c)
		return ErrCommitmentExpired
	}
	if ComputeCommitment(payload, salt) != c.Hash {
		q.discardLocked(c)
		q.countReveal(c.MarketID, "mismatch")
		q.logger.Info().Str("commitment_id", id.String()).Str("market", c.MarketID).Msg("reveal mismatch, commitment discarded")
		return ErrRevealMismatch
	}
	if err := payload.Validate(); err != nil {
		q.discardLocked(c)
		q.countReveal(c.MarketID, "invalid")
		return err
	}
	if payload.MarketID != c.MarketID || payload.Account != c.Owner {
		q.discardLocked(c)
		q.countReveal(c.MarketID, "invalid")
		return fmt.Errorf("%w: payload market/account does not match commitment", ErrInvalidIntent)
	}
	if q.gate != nil {
		if err := q.gate.AdmitReveal(c.MarketID, now); err != nil {
			q.discardLocked(c)
			q.countReveal(c.MarketID, "closed")
			return err
		}
	}

	c.Phase = PhaseRevealed
	c.RevealedAt = now
	c.Payload = &payload
	b := q.bookFor(c.MarketID)
	b.revealed = append(b.revealed, c)
	if b.openedAt.IsZero() {
		b.openedAt = now
	}
	q.countReveal(c.MarketID, "accepted")
	return nil
}

// Cancel withdraws an unrevealed commitment. Only the owner may cancel.
func (q *Queue) Cancel(id uuid.UUID, owner string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		if q.consumed.lru.Contains(tombstoneKey(id)) {
			return ErrCommitmentExpired
		}
		return ErrCommitmentNotFound
	}
	if c.Owner != owner {
		return ErrNotOwner
	}
	if c.Phase != PhaseCommitted {
		return ErrAlreadyRevealed
	}
	if !now.Before(c.CommittedAt.Add(q.cfg.RevealWindow)) {
		q.expireLocked(c)
		return ErrCommitmentExpired
	}
	c.Phase = PhaseCancelled
	q.discardLocked(c)
	return nil
}

// Expire drops every commitment whose reveal window has closed. Expired ids
// are tombstoned so a late reveal reports ErrCommitmentExpired and the
// commitment can never reach a batch. Calling it twice is harmless.
func (q *Queue) Expire(now time.Time) []Expired {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Commitment
	for _, c := range q.byID {
		if c.Phase == PhaseCommitted && !now.Before(c.CommittedAt.Add(q.cfg.RevealWindow)) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Arrival < due[j].Arrival })

	out := make([]Expired, 0, len(due))
	for _, c := range due {
		q.expireLocked(c)
		out = append(out, Expired{ID: c.ID, MarketID: c.MarketID, Owner: c.Owner})
	}
	if len(out) > 0 {
		q.logger.Debug().Int("count", len(out)).Msg("commitments expired")
	}
	return out
}

func (q *Queue) expireLocked(c *Commitment) {
	c.Phase = PhaseExpired
	q.consumed.Mark(tombstoneKey(c.ID))
	q.discardLocked(c)
	if q.metrics != nil {
		q.metrics.CommitmentsExpired.WithLabelValues(c.MarketID).Inc()
	}
}

// discardLocked releases the slot of an unrevealed commitment and burns its
// hash.
func (q *Queue) discardLocked(c *Commitment) {
	delete(q.byID, c.ID)
	delete(q.byHash, c.Hash)
	q.consumed.Mark(c.Hash.Hex())
	b := q.bookFor(c.MarketID)
	b.slots--
	q.setPending(c.MarketID, b)
}

// Release closes the open batch of marketID when it is full or its window
// has elapsed. ok is false when there is nothing to release yet; an empty
// batch is never produced.
func (q *Queue) Release(marketID string, now time.Time) (*Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, exists := q.books[marketID]
	if !exists || len(b.revealed) == 0 {
		return nil, false
	}
	if len(b.revealed) < q.cfg.MaxBatchSize && now.Before(b.openedAt.Add(q.cfg.MaxBatchWindow)) {
		return nil, false
	}

	intents := make([]Intent, len(b.revealed))
	for i, c := range b.revealed {
		intents[i] = Intent{ID: c.ID, Hash: c.Hash, Owner: c.Owner, FeeBid: c.FeeBid, Arrival: c.Arrival, Payload: *c.Payload}
	}
	sort.Slice(intents, func(i, j int) bool { return Less(intents[i], intents[j]) })

	take := len(intents)
	if take > q.cfg.MaxBatchSize {
		take = q.cfg.MaxBatchSize
	}
	selected := intents[:take]

	taken := make(map[uuid.UUID]struct{}, take)
	for _, in := range selected {
		taken[in.ID] = struct{}{}
		c := q.byID[in.ID]
		delete(q.byID, c.ID)
		delete(q.byHash, c.Hash)
		q.consumed.Mark(c.Hash.Hex())
		b.slots--
	}
	remaining := b.revealed[:0]
	for _, c := range b.revealed {
		if _, ok := taken[c.ID]; !ok {
			remaining = append(remaining, c)
		}
	}
	b.revealed = remaining
	if len(remaining) > 0 {
		b.openedAt = now
	} else {
		b.openedAt = time.Time{}
	}

	b.lastBatchID++
	q.setPending(marketID, b)
	if q.metrics != nil {
		q.metrics.BatchSize.Observe(float64(take))
	}
	return &Batch{
		MarketID: marketID,
		ID:       b.lastBatchID,
		ClosedAt: now,
		Intents:  append([]Intent(nil), selected...),
	}, true
}

// CloseMarket drains marketID for good. Every revealed intent goes into one
// final batch regardless of size or window, and every unrevealed
// commitment is expired and tombstoned. batch is nil when nothing was
// revealed.
func (q *Queue) CloseMarket(marketID string, now time.Time) (*Batch, []Expired) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, exists := q.books[marketID]
	if !exists {
		return nil, nil
	}

	var due []*Commitment
	for _, c := range q.byID {
		if c.MarketID == marketID && c.Phase == PhaseCommitted {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Arrival < due[j].Arrival })
	expired := make([]Expired, 0, len(due))
	for _, c := range due {
		q.expireLocked(c)
		expired = append(expired, Expired{ID: c.ID, MarketID: c.MarketID, Owner: c.Owner})
	}

	var batch *Batch
	if len(b.revealed) > 0 {
		intents := make([]Intent, len(b.revealed))
		for i, c := range b.revealed {
			intents[i] = Intent{ID: c.ID, Hash: c.Hash, Owner: c.Owner, FeeBid: c.FeeBid, Arrival: c.Arrival, Payload: *c.Payload}
			delete(q.byID, c.ID)
			delete(q.byHash, c.Hash)
			q.consumed.Mark(c.Hash.Hex())
			b.slots--
		}
		sort.Slice(intents, func(i, j int) bool { return Less(intents[i], intents[j]) })
		b.revealed = nil
		b.openedAt = time.Time{}
		b.lastBatchID++
		batch = &Batch{MarketID: marketID, ID: b.lastBatchID, ClosedAt: now, Intents: intents}
	}
	q.setPending(marketID, b)
	q.logger.Info().Str("market", marketID).Int("expired", len(expired)).
		Bool("final_batch", batch != nil).Msg("market intake closed")
	return batch, expired
}

// ReleaseReady releases every market whose batch is due, in market id order.
func (q *Queue) ReleaseReady(now time.Time) []*Batch {
	q.mu.Lock()
	markets := make([]string, 0, len(q.books))
	for id := range q.books {
		markets = append(markets, id)
	}
	q.mu.Unlock()
	sort.Strings(markets)

	var out []*Batch
	for _, id := range markets {
		if batch, ok := q.Release(id, now); ok {
			out = append(out, batch)
		}
	}
	return out
}

// Lookup returns a copy of a pending commitment.
func (q *Queue) Lookup(id uuid.UUID) (Commitment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.byID[id]
	if !ok {
		return Commitment{}, false
	}
	return *c, true
}

// Pending returns the number of claimed slots for marketID.
func (q *Queue) Pending(marketID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.books[marketID]; ok {
		return b.slots
	}
	return 0
}

// SetLastBatchID restores the batch counter after a restart.
func (q *Queue) SetLastBatchID(marketID string, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bookFor(marketID).lastBatchID = id
}

// WarmConsumed preloads consumed hashes (hex) after a restart.
func (q *Queue) WarmConsumed(hashes []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumed.Warm(hashes)
}

func (q *Queue) countCommit(market, result string) {
	if q.metrics != nil {
		q.metrics.CommitsTotal.WithLabelValues(market, result).Inc()
	}
}

func (q *Queue) countReveal(market, result string) {
	if q.metrics != nil {
		q.metrics.RevealsTotal.WithLabelValues(market, result).Inc()
	}
}

func (q *Queue) setPending(market string, b *book) {
	if q.metrics != nil {
		q.metrics.PendingCommitments.WithLabelValues(market).Set(float64(b.slots))
	}
}
