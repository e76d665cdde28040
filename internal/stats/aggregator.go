// Package stats derives dashboard summaries from the attempt log.
package stats

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
)

const (
	// ChartDays is the number of daily buckets returned by ComputeChart.
	ChartDays = 7
	// ChartDateLayout formats bucket labels, e.g. "Oct 19".
	ChartDateLayout = "Jan 02"

	opAggregatorNew = "stats.aggregator.new"
	opComputeStats  = "stats.compute_stats"
	opComputeChart  = "stats.compute_chart"
	reasonMissing   = "missing_log"
	reasonReadLog   = "log_read_failed"
)

var errMissingLog = errors.New("attempt log is required")

// Source is the read side of the attempt log used for aggregation.
type Source interface {
	CountByOutcome(ctx context.Context) (map[attempts.Outcome]int64, error)
	Between(ctx context.Context, from, to time.Time) ([]attempts.Attempt, error)
}

// AggregateStats summarizes every attempt ever logged.
type AggregateStats struct {
	TotalScans      int64
	SuccessRate     int64
	ThreatsDetected int64
}

// ChartBucket counts attempts for one calendar day.
type ChartBucket struct {
	Day          time.Time
	ValidCount   int64
	WarningCount int64
}

// Label renders the bucket day for charts.
func (b ChartBucket) Label() string {
	return b.Day.Format(ChartDateLayout)
}

// AggregatorConfig describes the aggregator dependencies.
type AggregatorConfig struct {
	Source   Source
	Clock    func() time.Time
	Location *time.Location
}

// Aggregator computes stats and charts on demand.
type Aggregator struct {
	source   Source
	clock    func() time.Time
	location *time.Location
}

// NewAggregator constructs an Aggregator. Days are bucketed in Location (UTC by default).
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Source == nil {
		return nil, serviceerror.New(opAggregatorNew, reasonMissing, errMissingLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	return &Aggregator{source: cfg.Source, clock: clock, location: location}, nil
}

// ComputeStats returns total scans, the rounded success percentage, and the threat count.
func (a *Aggregator) ComputeStats(ctx context.Context) (AggregateStats, error) {
	counts, err := a.source.CountByOutcome(ctx)
	if err != nil {
		return AggregateStats{}, serviceerror.New(opComputeStats, reasonReadLog, err)
	}
	var total int64
	for _, count := range counts {
		total += count
	}
	result := AggregateStats{
		TotalScans:      total,
		ThreatsDetected: counts[attempts.OutcomeInvalid] + counts[attempts.OutcomeReplay],
	}
	if total > 0 {
		result.SuccessRate = int64(math.Round(100 * float64(counts[attempts.OutcomeValid]) / float64(total)))
	}
	return result, nil
}

// ComputeChart returns exactly ChartDays buckets, oldest first, ending today.
func (a *Aggregator) ComputeChart(ctx context.Context) ([]ChartBucket, error) {
	now := a.clock().In(a.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.location)
	first := today.AddDate(0, 0, -(ChartDays - 1))
	end := today.AddDate(0, 0, 1)

	buckets := make([]ChartBucket, ChartDays)
	index := make(map[string]int, ChartDays)
	for offset := 0; offset < ChartDays; offset++ {
		day := first.AddDate(0, 0, offset)
		buckets[offset] = ChartBucket{Day: day}
		index[dayKey(day)] = offset
	}

	records, err := a.source.Between(ctx, first, end)
	if err != nil {
		return nil, serviceerror.New(opComputeChart, reasonReadLog, err)
	}
	for _, record := range records {
		recordedAt := time.Unix(record.RecordedAtSeconds, 0).In(a.location)
		position, ok := index[dayKey(recordedAt)]
		if !ok {
			continue
		}
		switch {
		case record.Outcome == attempts.OutcomeValid:
			buckets[position].ValidCount++
		case record.Outcome.IsThreat():
			buckets[position].WarningCount++
		}
	}
	return buckets, nil
}

func dayKey(value time.Time) string {
	return value.Format(time.DateOnly)
}
