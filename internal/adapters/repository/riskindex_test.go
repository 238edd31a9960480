package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/okian/tutorrisk/internal/domain/model"
)

func score(id string, rate30 float64) model.RiskScore {
	return model.RiskScore{EntityID: id, Rate30d: rate30, Rate7d: rate30 / 2, Total30d: 10, IsHighRisk: rate30 > 15}
}

func TestRiskIndex_BasicOperations(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx, WithSeed(1))
	defer idx.Close()

	if count := idx.Count(ctx); count != 0 {
		t.Errorf("expected count 0, got %d", count)
	}

	idx.Upsert(ctx, score("tutor-1", 20))
	idx.Upsert(ctx, score("tutor-2", 5))
	idx.Upsert(ctx, score("tutor-3", 35.5))

	if count := idx.Count(ctx); count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
	if hr := idx.HighRiskCount(); hr != 2 {
		t.Errorf("expected 2 high risk entities, got %d", hr)
	}

	entry, err := idx.Rank(ctx, "tutor-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Rank != 2 {
		t.Errorf("expected rank 2, got %d", entry.Rank)
	}
	if entry.Rate30d != 20 {
		t.Errorf("expected rate 20, got %f", entry.Rate30d)
	}

	top, err := idx.TopN(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top) != 2 || top[0].EntityID != "tutor-3" || top[1].EntityID != "tutor-1" {
		t.Errorf("unexpected top: %+v", top)
	}
	if top[0].Rank != 1 || top[1].Rank != 2 {
		t.Errorf("unexpected ranks: %+v", top)
	}
}

func TestRiskIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx, WithSeed(2))
	defer idx.Close()

	idx.Upsert(ctx, score("a", 50))
	idx.Upsert(ctx, score("b", 40))
	// Rates may go down as well as up.
	idx.Upsert(ctx, score("a", 10))

	if count := idx.Count(ctx); count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	entry, err := idx.Rank(ctx, "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Rank != 2 || entry.Rate30d != 10 {
		t.Errorf("expected a at rank 2 with rate 10, got %+v", entry)
	}
	if hr := idx.HighRiskCount(); hr != 1 {
		t.Errorf("expected 1 high risk entity, got %d", hr)
	}
}

func TestRiskIndex_TiesOrderedByID(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx, WithSeed(3))
	defer idx.Close()

	for _, id := range []string{"c", "a", "b"} {
		idx.Upsert(ctx, score(id, 12.34))
	}
	top, err := idx.TopN(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := []string{top[0].EntityID, top[1].EntityID, top[2].EntityID}
	if fmt.Sprint(got) != "[a b c]" {
		t.Errorf("expected ties ordered by id, got %v", got)
	}
	entry, _ := idx.Rank(ctx, "c")
	if entry.Rank != 3 {
		t.Errorf("expected rank 3 for c, got %d", entry.Rank)
	}
}

func TestRiskIndex_Errors(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx)
	defer idx.Close()

	if _, err := idx.Rank(ctx, "ghost"); !errors.Is(err, ErrNotRanked) || !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotRanked, got %v", err)
	}
	if _, err := idx.TopN(ctx, 0); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if idx.Remove(ctx, "ghost") {
		t.Error("expected Remove of unknown entity to report false")
	}
}

func TestRiskIndex_MatchesSortedOrder(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx, WithSeed(4))
	defer idx.Close()

	r := rand.New(rand.NewSource(42))
	want := map[string]float64{}
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("tutor-%03d", r.Intn(200))
		rate := float64(r.Intn(10000)) / 100
		idx.Upsert(ctx, score(id, rate))
		want[id] = rate
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("tutor-%03d", i)
		if idx.Remove(ctx, id) {
			delete(want, id)
		}
	}

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if want[ids[i]] != want[ids[j]] {
			return want[ids[i]] > want[ids[j]]
		}
		return ids[i] < ids[j]
	})

	top, err := idx.TopN(ctx, len(ids)+10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top) != len(ids) {
		t.Fatalf("expected %d entries, got %d", len(ids), len(top))
	}
	for i, id := range ids {
		if top[i].EntityID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, top[i].EntityID)
		}
		entry, err := idx.Rank(ctx, id)
		if err != nil || entry.Rank != i+1 {
			t.Fatalf("rank of %s: expected %d, got %d (%v)", id, i+1, entry.Rank, err)
		}
	}
}

func TestRiskIndex_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx)
	defer idx.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				idx.Upsert(ctx, score(fmt.Sprintf("e-%d", i), float64((i*w)%100)))
				_, _ = idx.TopN(ctx, 5)
			}
		}(w)
	}
	wg.Wait()

	if count := idx.Count(ctx); count != 100 {
		t.Errorf("expected 100 ranked entities, got %d", count)
	}
}

func TestRiskIndex_Warm(t *testing.T) {
	ctx := context.Background()
	idx := NewRiskIndex(ctx)
	defer idx.Close()

	idx.Warm(ctx, []model.RiskScore{score("x", 1), score("y", 2)})
	top, _ := idx.TopN(ctx, 1)
	if len(top) != 1 || top[0].EntityID != "y" {
		t.Errorf("expected y first, got %+v", top)
	}
}
