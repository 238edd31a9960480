package simulate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
)

// Rates are percentages rounded to two decimals.
const rateTolerance = 0.011

// Report is the outcome of Verify.
type Report struct {
	Checked    int
	Mismatches []string
}

// OK reports whether every check passed.
func (r Report) OK() bool { return len(r.Mismatches) == 0 }

func (r *Report) failf(format string, args ...any) {
	r.Mismatches = append(r.Mismatches, fmt.Sprintf(format, args...))
}

// Verify compares the service's ranking and the flaky tutors' scores with
// scores computed locally from the plan.
func Verify(ctx context.Context, c *Client, p *Plan, windows [3]int, threshold float64, topN int, log logger.Logger) (Report, error) {
	var report Report
	expected, err := Expected(p, windows, threshold, time.Now())
	if err != nil {
		return report, err
	}

	top, err := c.Top(ctx, topN)
	if err != nil {
		return report, fmt.Errorf("fetch top: %w", err)
	}
	if len(top) == 0 {
		return report, fmt.Errorf("%w: the ranking is empty", model.ErrNotFound)
	}
	checkRanking(&report, top, expected)

	for _, t := range p.Tutors {
		if !t.Flaky {
			continue
		}
		got, err := c.Risk(ctx, t.ID)
		if err != nil {
			report.failf("tutor %s: %v", t.ID, err)
			continue
		}
		report.Checked++
		want := expected[t.ID]
		if math.Abs(got.Rate30d-want.Rate30d) > rateTolerance {
			report.failf("tutor %s: rate_30d %.2f, expected %.2f", t.ID, got.Rate30d, want.Rate30d)
		}
		if got.IsHighRisk != want.IsHighRisk {
			report.failf("tutor %s: is_high_risk %t, expected %t", t.ID, got.IsHighRisk, want.IsHighRisk)
		}
	}

	displayTop(ctx, log, top, expected)
	return report, nil
}

func checkRanking(report *Report, top []Entry, expected map[string]model.RiskScore) {
	rates := make([]float64, 0, len(expected))
	for _, s := range expected {
		rates = append(rates, s.Rate30d)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(rates)))

	for i, e := range top {
		report.Checked++
		if e.Rank != i+1 {
			report.failf("entry %d: rank %d", i, e.Rank)
		}
		if i > 0 && e.Rate30d > top[i-1].Rate30d {
			report.failf("entry %d: rate %.2f ranks below %.2f", i, e.Rate30d, top[i-1].Rate30d)
		}
		// Ties make ids ambiguous; the rate at each position is not.
		if i < len(rates) && math.Abs(e.Rate30d-rates[i]) > rateTolerance {
			report.failf("rank %d: rate_30d %.2f, expected %.2f", i+1, e.Rate30d, rates[i])
		}
		if want, ok := expected[e.EntityID]; ok && math.Abs(e.Rate30d-want.Rate30d) > rateTolerance {
			report.failf("tutor %s: ranked with %.2f, expected %.2f", e.EntityID, e.Rate30d, want.Rate30d)
		}
	}
}

func displayTop(ctx context.Context, log logger.Logger, top []Entry, expected map[string]model.RiskScore) {
	n := min(10, len(top))
	for _, e := range top[:n] {
		log.Info(ctx, "ranked tutor",
			logger.Int("rank", e.Rank),
			logger.String("tutor_id", e.EntityID),
			logger.Float64("rate_30d", e.Rate30d),
			logger.Float64("expected_rate_30d", expected[e.EntityID].Rate30d),
			logger.Bool("is_high_risk", e.IsHighRisk),
		)
	}
}
