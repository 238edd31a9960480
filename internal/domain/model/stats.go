package model

import "time"

// WindowStat is the reliability aggregate of one entity over one rolling window.
type WindowStat struct {
	EntityID         string
	WindowDays       int
	TotalEvents      int
	FlaggedEvents    int
	Rate             float64 // percent, 0..100, two decimals
	LastCalculatedAt time.Time
}

// RiskScore summarises the short, medium and long windows of an entity.
// The 7d/30d/90d names are the default window sizes.
type RiskScore struct {
	EntityID         string
	Rate7d           float64
	Rate30d          float64
	Rate90d          float64
	Total7d          int
	Total30d         int
	Total90d         int
	Flagged7d        int
	Flagged30d       int
	Flagged90d       int
	IsHighRisk       bool
	ThresholdUsed    float64
	LastCalculatedAt time.Time
}

// Windows returns the three stats carried by the score, shortest first.
func (r RiskScore) Windows(days [3]int) [3]WindowStat {
	return [3]WindowStat{
		{EntityID: r.EntityID, WindowDays: days[0], TotalEvents: r.Total7d, FlaggedEvents: r.Flagged7d, Rate: r.Rate7d, LastCalculatedAt: r.LastCalculatedAt},
		{EntityID: r.EntityID, WindowDays: days[1], TotalEvents: r.Total30d, FlaggedEvents: r.Flagged30d, Rate: r.Rate30d, LastCalculatedAt: r.LastCalculatedAt},
		{EntityID: r.EntityID, WindowDays: days[2], TotalEvents: r.Total90d, FlaggedEvents: r.Flagged90d, Rate: r.Rate90d, LastCalculatedAt: r.LastCalculatedAt},
	}
}
