package testrun

import (
	"math"
	"sort"

	"github.com/sitesquad/sitesquad/internal/domain/persona"
)

// ResultStatus is the terminal status of one agent's test.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// Severity classifies a bug. The total order is critical > high > medium > low.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityRank maps severities to sort rank; unknown values sort last.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank returns the sort rank of the severity, lower is more severe.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Bug is one issue discovered by an agent. Immutable once emitted.
type Bug struct {
	Title          string     `json:"title"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description"`
	Impact         string     `json:"impact,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	FoundBy        persona.ID `json:"found_by"`
	Phase          string     `json:"phase,omitempty"`
}

// AgentResult is the outcome of one agent task. Produced exactly once and
// written once into the owning TestRun.
type AgentResult struct {
	Persona      persona.ID   `json:"persona"`
	Status       ResultStatus `json:"status"`
	Bugs         []Bug        `json:"bugs_found"`
	QualityScore float64      `json:"quality_score"`
	Summary      string       `json:"summary"`
	DurationSec  float64      `json:"duration_sec,omitempty"`
}

// severityWeights drive the quality score: heavier penalty for worse bugs.
var severityWeights = map[Severity]float64{
	SeverityCritical: 3,
	SeverityHigh:     2,
	SeverityMedium:   1,
	SeverityLow:      0.5,
}

// Score computes the quality score for a set of bugs: 10 minus the summed
// severity weights, clamped to [0, 10] and rounded to one decimal. Zero bugs
// score a perfect 10.
func Score(bugs []Bug) float64 {
	score := 10.0
	for _, b := range bugs {
		w, ok := severityWeights[b.Severity]
		if !ok {
			w = severityWeights[SeverityMedium]
		}
		score -= w
	}
	score = math.Round(score*10) / 10
	return math.Max(0, math.Min(10, score))
}

// SortBugs orders bugs by severity, critical first. The sort is stable so
// ties preserve discovery order.
func SortBugs(bugs []Bug) {
	sort.SliceStable(bugs, func(i, j int) bool {
		return bugs[i].Severity.Rank() < bugs[j].Severity.Rank()
	})
}
