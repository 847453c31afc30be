// Package usage defines the per-user quota accounting record.
package usage

// Record tracks how many test runs a user has consumed against a fixed limit.
// Mutated only by the quota guard at admission time.
type Record struct {
	UserID     string `json:"user_id"`
	Used       int    `json:"tests_used"`
	Limit      int    `json:"tests_limit"`
	Remaining  int    `json:"tests_remaining"`
	BetaActive bool   `json:"beta_active"`
}

// WithRemaining returns a copy with Remaining derived from Limit and Used,
// floored at zero.
func (r Record) WithRemaining() Record {
	r.Remaining = r.Limit - r.Used
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	return r
}
