package model

import "time"

// JobProgress is the live progress snapshot published while a job runs.
// Percentage and CompletedSteps never move backwards.
type JobProgress struct {
	Percentage     int           `json:"percentage"`
	CurrentStep    string        `json:"current_step"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	TimeRemaining  time.Duration `json:"time_remaining,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewJobProgress returns a zeroed progress tracker over totalSteps steps.
func NewJobProgress(totalSteps int) *JobProgress {
	if totalSteps < 1 {
		totalSteps = 1
	}
	return &JobProgress{TotalSteps: totalSteps}
}

// Advance records step completion, clamping so progress stays monotonic.
func (p *JobProgress) Advance(step string, completedSteps int, now time.Time) {
	if completedSteps > p.TotalSteps {
		completedSteps = p.TotalSteps
	}
	if completedSteps > p.CompletedSteps {
		p.CompletedSteps = completedSteps
	}
	pct := p.CompletedSteps * 100 / p.TotalSteps
	if pct > p.Percentage {
		p.Percentage = pct
	}
	p.CurrentStep = step
	p.UpdatedAt = now
}

// EstimateRemaining derives TimeRemaining from elapsed time and completed steps.
func (p *JobProgress) EstimateRemaining(startedAt, now time.Time) {
	if p.CompletedSteps == 0 || p.CompletedSteps >= p.TotalSteps {
		p.TimeRemaining = 0
		return
	}
	elapsed := now.Sub(startedAt)
	if elapsed <= 0 {
		p.TimeRemaining = 0
		return
	}
	perStep := elapsed / time.Duration(p.CompletedSteps)
	p.TimeRemaining = perStep * time.Duration(p.TotalSteps-p.CompletedSteps)
}

// Done marks the progress complete.
func (p *JobProgress) Done(now time.Time) {
	p.CompletedSteps = p.TotalSteps
	p.Percentage = 100
	p.CurrentStep = "done"
	p.TimeRemaining = 0
	p.UpdatedAt = now
}
