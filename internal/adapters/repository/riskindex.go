package repository

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/metrics"
)

// Treap-based, in-memory Ranker implementation.
//
// Ordering: rate30d DESC, then entityID ASC (deterministic).
// "less" means ranks earlier, so in-order traversal yields the riskiest
// entities first.

// rateScale converts two-decimal percentages to integers.
const rateScale = 100

type rateFP int64

func toFixedPoint(x float64) rateFP {
	if math.IsNaN(x) {
		return 0
	}
	return rateFP(math.Round(min(max(x, 0), 100) * rateScale))
}

func toFloat(x rateFP) float64 {
	return float64(x) / rateScale
}

// record stores what the ranking reports for an entity besides its key.
type record struct {
	rate       rateFP
	rate7d     float64
	total30d   int
	isHighRisk bool
}

// treap node
type node struct {
	id    string
	rate  rateFP
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aRate, aID) should appear before (bRate, bID).
func less(aRate rateFP, aID string, bRate rateFP, bID string) bool {
	if aRate != bRate {
		return aRate > bRate
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id string, rate rateFP, prio uint64) *node {
	if n == nil {
		return &node{id: id, rate: rate, prio: prio, size: 1}
	}
	if less(rate, id, n.rate, n.id) {
		n.left = insert(n.left, id, rate, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, rate, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, id string, rate rateFP) *node {
	if n == nil {
		return nil
	}
	if rate == n.rate && id == n.id {
		// Rotate the higher-priority child up until the node is a leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, id, rate)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, id, rate)
		}
	} else if less(rate, id, n.rate, n.id) {
		n.left = deleteNode(n.left, id, rate)
	} else {
		n.right = deleteNode(n.right, id, rate)
	}
	fix(n)
	return n
}

// position returns how many nodes rank before (rate, id).
func position(n *node, id string, rate rateFP) int {
	pos := 0
	for n != nil {
		if n.id == id && n.rate == rate {
			return pos + nsize(n.left)
		}
		if less(rate, id, n.rate, n.id) {
			n = n.left
		} else {
			pos += nsize(n.left) + 1
			n = n.right
		}
	}
	return pos
}

// collectTopN appends up to limit entries in rank order.
func collectTopN(n *node, limit int, records map[string]record, out *[]Entry) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, records, out)
	if len(*out) < limit {
		if rec, ok := records[n.id]; ok {
			*out = append(*out, rec.entry(n.id, len(*out)+1))
		}
	}
	if len(*out) < limit {
		collectTopN(n.right, limit, records, out)
	}
}

func (r record) entry(id string, rank int) Entry {
	return Entry{
		Rank:       rank,
		EntityID:   id,
		Rate7d:     r.rate7d,
		Rate30d:    toFloat(r.rate),
		Total30d:   r.total30d,
		IsHighRisk: r.isHighRisk,
	}
}

// RiskIndex ranks entities by 30-day flagged rate. Ranks are positional:
// equal rates are ordered by entity id.
type RiskIndex struct {
	mu       sync.RWMutex
	root     *node
	byID     map[string]record
	highRisk int
	rnd      *rand.Rand

	seed                  uint64
	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRiskIndex constructs an empty index and starts its metrics updater.
func NewRiskIndex(ctx context.Context, opts ...Option) *RiskIndex {
	s := &RiskIndex{
		byID:                  make(map[string]record),
		metricsUpdateInterval: 5 * time.Second,
		seed:                  uint64(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rnd = rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15))

	s.stopChan = make(chan struct{})
	s.startMetricsUpdater(ctx)
	return s
}

// Warm loads many scores at once, typically from the store at startup.
func (s *RiskIndex) Warm(ctx context.Context, scores []model.RiskScore) {
	for _, sc := range scores {
		s.Upsert(ctx, sc)
	}
	s.updateMetrics()
}

// Upsert implements Ranker.Upsert in O(log n) expected time.
func (s *RiskIndex) Upsert(ctx context.Context, score model.RiskScore) {
	rec := record{
		rate:       toFixedPoint(score.Rate30d),
		rate7d:     score.Rate7d,
		total30d:   score.Total30d,
		isHighRisk: score.IsHighRisk,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[score.EntityID]; ok {
		s.root = deleteNode(s.root, score.EntityID, old.rate)
		if old.isHighRisk {
			s.highRisk--
		}
	}
	s.byID[score.EntityID] = rec
	if rec.isHighRisk {
		s.highRisk++
	}
	s.root = insert(s.root, score.EntityID, rec.rate, s.rnd.Uint64())
}

// Remove drops an entity from the ranking. Returns false if it was not ranked.
func (s *RiskIndex) Remove(ctx context.Context, entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[entityID]
	if !ok {
		return false
	}
	s.root = deleteNode(s.root, entityID, old.rate)
	delete(s.byID, entityID)
	if old.isHighRisk {
		s.highRisk--
	}
	return true
}

// Rank returns the current rank of an entity in O(log n).
func (s *RiskIndex) Rank(ctx context.Context, entityID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[entityID]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_ranked")
		return Entry{}, ErrNotRanked
	}
	return rec.entry(entityID, position(s.root, entityID, rec.rate)+1), nil
}

// TopN returns the top n entries ordered by rate desc.
func (s *RiskIndex) TopN(ctx context.Context, n int) ([]Entry, error) {
	if n < 1 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(n, len(s.byID)))
	collectTopN(s.root, n, s.byID, &out)
	return out, nil
}

// Count returns the number of ranked entities.
func (s *RiskIndex) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// HighRiskCount returns how many ranked entities are flagged high risk.
func (s *RiskIndex) HighRiskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highRisk
}

// Close stops the background metrics updater.
func (s *RiskIndex) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

func (s *RiskIndex) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *RiskIndex) updateMetrics() {
	s.mu.RLock()
	ranked, high := len(s.byID), s.highRisk
	s.mu.RUnlock()
	metrics.UpdateRankedEntities(ranked)
	metrics.UpdateHighRiskEntities(high)
}

var _ Ranker = (*RiskIndex)(nil)
