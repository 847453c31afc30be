package testrun

import "math"

// Aggregate is the run-level rollup over all per-agent results. It exists
// only once the run is terminal; no partial aggregate is ever exposed.
type Aggregate struct {
	TotalBugs int     `json:"total_bugs"`
	Critical  int     `json:"critical"`
	High      int     `json:"high"`
	Medium    int     `json:"medium"`
	Low       int     `json:"low"`
	AvgScore  float64 `json:"avg_score"`
}

// ComputeAggregate rolls up per-agent results: bug counts by severity and the
// mean quality score rounded to one decimal. An empty result set yields a
// zero aggregate with AvgScore 0.
func ComputeAggregate(results []*AgentResult) *Aggregate {
	agg := &Aggregate{}
	var scoreSum float64
	for _, r := range results {
		scoreSum += r.QualityScore
		for _, b := range r.Bugs {
			agg.TotalBugs++
			switch b.Severity {
			case SeverityCritical:
				agg.Critical++
			case SeverityHigh:
				agg.High++
			case SeverityMedium:
				agg.Medium++
			case SeverityLow:
				agg.Low++
			}
		}
	}
	if len(results) > 0 {
		agg.AvgScore = math.Round(scoreSum/float64(len(results))*10) / 10
	}
	return agg
}

// AllBugs flattens and severity-sorts every bug across results; within one
// severity, discovery order within and across personas is preserved by the
// stable sort.
func AllBugs(results []*AgentResult) []Bug {
	var bugs []Bug
	for _, r := range results {
		bugs = append(bugs, r.Bugs...)
	}
	SortBugs(bugs)
	return bugs
}
