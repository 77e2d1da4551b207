package model

import "time"

// IssueSeverity ranks a rendering issue by its impact on the recipient.
type IssueSeverity string

const (
	// SeverityCritical marks issues that make the email unusable in the client.
	SeverityCritical IssueSeverity = "critical"
	// SeverityMajor marks issues that visibly degrade the email.
	SeverityMajor IssueSeverity = "major"
	// SeverityMinor marks cosmetic issues.
	SeverityMinor IssueSeverity = "minor"
)

// Valid returns true if the IssueSeverity is one of the known levels.
func (s IssueSeverity) Valid() bool {
	return s == SeverityCritical || s == SeverityMajor || s == SeverityMinor
}

// ScorePenalty returns the points deducted from a client score per issue of this severity.
func (s IssueSeverity) ScorePenalty() int {
	switch s {
	case SeverityCritical:
		return 30
	case SeverityMajor:
		return 10
	case SeverityMinor:
		return 3
	}
	return 0
}

// Issue is a single detected rendering problem for one client.
type Issue struct {
	Severity       IssueSeverity `json:"severity"`
	Category       string        `json:"category"`
	Description    string        `json:"description"`
	Recommendation string        `json:"recommendation,omitempty"`
}

// CompatibilityLevel is the human-facing bucket for a compatibility score.
type CompatibilityLevel string

const (
	// CompatibilityExcellent covers scores of 90 and above.
	CompatibilityExcellent CompatibilityLevel = "excellent"
	// CompatibilityGood covers scores from 70 to 89.
	CompatibilityGood CompatibilityLevel = "good"
	// CompatibilityFair covers scores from 50 to 69.
	CompatibilityFair CompatibilityLevel = "fair"
	// CompatibilityPoor covers scores below 50.
	CompatibilityPoor CompatibilityLevel = "poor"
)

// LevelForScore maps a clamped compatibility score onto its level.
func LevelForScore(score int) CompatibilityLevel {
	switch {
	case score >= 90:
		return CompatibilityExcellent
	case score >= 70:
		return CompatibilityGood
	case score >= 50:
		return CompatibilityFair
	default:
		return CompatibilityPoor
	}
}

// ScreenshotSet groups the captured screenshot references for one viewport.
type ScreenshotSet struct {
	Viewport Viewport `json:"viewport"`
	LightURL string   `json:"light_url,omitempty"`
	DarkURL  string   `json:"dark_url,omitempty"`
}

// ClientResultStatus is the per-client outcome of a render test.
type ClientResultStatus string

const (
	// ClientResultCompleted indicates the client passed the compatibility threshold.
	ClientResultCompleted ClientResultStatus = "completed"
	// ClientResultFailed indicates the client failed capture or scored below the threshold.
	ClientResultFailed ClientResultStatus = "failed"
)

// ClientResult is the scored outcome for a single email client.
type ClientResult struct {
	ClientID           string             `json:"client_id"`
	Status             ClientResultStatus `json:"status"`
	CompatibilityScore int                `json:"compatibility_score"`
	CompatibilityLevel CompatibilityLevel `json:"compatibility_level"`
	Issues             []Issue            `json:"issues,omitempty"`
	Screenshots        []ScreenshotSet    `json:"screenshots,omitempty"`
	RenderTime         time.Duration      `json:"render_time"`
}

// RenderSummary holds the roll-up counters across all clients of a job.
type RenderSummary struct {
	TotalClients      int           `json:"total_clients"`
	PassedClients     int           `json:"passed_clients"`
	FailedClients     int           `json:"failed_clients"`
	AverageScore      float64       `json:"average_score"`
	TotalScreenshots  int           `json:"total_screenshots"`
	TotalRenderTime   time.Duration `json:"total_render_time"`
	CriticalIssues    int           `json:"critical_issues"`
	MajorIssues       int           `json:"major_issues"`
	MinorIssues       int           `json:"minor_issues"`
}

// RenderResult is the aggregated, persisted outcome of a render job.
type RenderResult struct {
	JobID         string         `json:"job_id"          db:"job_id"`
	OverallStatus JobStatus      `json:"overall_status"  db:"overall_status"`
	OverallScore  float64        `json:"overall_score"   db:"overall_score"`
	Summary       RenderSummary  `json:"summary"         db:"summary"`
	ClientResults []ClientResult `json:"client_results"  db:"client_results"`
	StartedAt     time.Time      `json:"started_at"      db:"started_at"`
	CompletedAt   time.Time      `json:"completed_at"    db:"completed_at"`
}
