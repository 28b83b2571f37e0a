package history

import (
	"context"
	"sort"
	"time"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// Report is the aggregate failover metrics view computed over the retained
// history window.
type Report struct {
	TotalFailovers int     `json:"total_failovers"`
	Successes      int     `json:"successes"`
	Failures       int     `json:"failures"`
	SuccessRate    float64 `json:"success_rate"`

	// Recovery times are computed over successful failovers only (MTTR).
	MeanRecovery time.Duration `json:"mean_recovery"`
	P50Recovery  time.Duration `json:"p50_recovery"`
	P95Recovery  time.Duration `json:"p95_recovery"`

	// MeanPhaseDuration is the mean latency per completed phase, across all
	// events that ran the phase.
	MeanPhaseDuration map[models.FailoverPhase]time.Duration `json:"mean_phase_duration"`

	MeanDataLossWindow time.Duration `json:"mean_data_loss_window"`
}

// BuildReport computes the aggregate report over the given events.
func BuildReport(events []*models.FailoverEvent) Report {
	report := Report{
		TotalFailovers:    len(events),
		MeanPhaseDuration: make(map[models.FailoverPhase]time.Duration),
	}
	if len(events) == 0 {
		return report
	}

	var (
		recoveries  []time.Duration
		phaseTotals = make(map[models.FailoverPhase]time.Duration)
		phaseCounts = make(map[models.FailoverPhase]int)
		lossTotal   time.Duration
		lossCount   int
	)

	for _, e := range events {
		if e.Outcome == models.OutcomeSuccess {
			report.Successes++
			recoveries = append(recoveries, e.TotalDuration())
		} else {
			report.Failures++
		}
		for _, p := range e.Phases {
			phaseTotals[p.Phase] += p.Duration
			phaseCounts[p.Phase]++
		}
		if e.DataLossWindow > 0 {
			lossTotal += e.DataLossWindow
			lossCount++
		}
	}

	report.SuccessRate = float64(report.Successes) / float64(report.TotalFailovers)

	if len(recoveries) > 0 {
		sort.Slice(recoveries, func(i, j int) bool { return recoveries[i] < recoveries[j] })
		var sum time.Duration
		for _, d := range recoveries {
			sum += d
		}
		report.MeanRecovery = sum / time.Duration(len(recoveries))
		report.P50Recovery = percentile(recoveries, 0.50)
		report.P95Recovery = percentile(recoveries, 0.95)
	}

	for phase, total := range phaseTotals {
		report.MeanPhaseDuration[phase] = total / time.Duration(phaseCounts[phase])
	}

	if lossCount > 0 {
		report.MeanDataLossWindow = lossTotal / time.Duration(lossCount)
	}
	return report
}

// percentile returns the nearest-rank percentile of sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ReportFromStore loads the retained history and builds the report.
func ReportFromStore(ctx context.Context, store Store) (Report, error) {
	events, err := store.List(ctx, 0)
	if err != nil {
		return Report{}, err
	}
	return BuildReport(events), nil
}
