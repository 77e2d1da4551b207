package service

import (
	"sort"
	"time"

	"github.com/mailcanary/mailcanary/internal/domain/model"
)

// passThreshold is the minimum compatibility score a client must reach for its
// render test to count as passed.
const passThreshold = 70

// Scorer turns capture outcomes and detected issues into per-client scores and
// the aggregated job result. It is pure computation with no dependencies.
type Scorer struct{}

// NewScorer constructs a Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// ScoreClient scores a single client from its capture outcome and detected
// issues. A client where every capture failed scores zero with a synthetic
// critical issue; otherwise the score starts at 100 and each issue deducts its
// severity penalty, clamped to [0, 100].
func (s *Scorer) ScoreClient(outcome *model.ClientCaptureOutcome, issues []model.Issue) model.ClientResult {
	result := model.ClientResult{
		ClientID:    outcome.ClientID,
		Issues:      issues,
		Screenshots: groupScreenshots(outcome),
		RenderTime:  outcome.RenderTime,
	}

	if outcome.AllFailed() || len(outcome.Units) == 0 {
		result.Status = model.ClientResultFailed
		result.CompatibilityScore = 0
		result.CompatibilityLevel = model.LevelForScore(0)
		result.Issues = append(result.Issues, model.Issue{
			Severity:       model.SeverityCritical,
			Category:       "capture_unavailable",
			Description:    "No screenshot could be captured for this client",
			Recommendation: "Verify the rendering backend supports this client and retry",
		})
		return result
	}

	score := 100
	for i := range issues {
		score -= issues[i].Severity.ScorePenalty()
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	result.CompatibilityScore = score
	result.CompatibilityLevel = model.LevelForScore(score)
	if score >= passThreshold {
		result.Status = model.ClientResultCompleted
	} else {
		result.Status = model.ClientResultFailed
	}
	return result
}

// AggregateParams groups inputs for Aggregate.
type AggregateParams struct {
	JobID       string
	Clients     []model.EmailClient
	Results     []model.ClientResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// Aggregate rolls per-client results up into the job-level RenderResult. The
// overall score weighs each client by its catalogue test priority so failures
// in widely used clients drag the score down harder. The job fails outright
// only when no client passed.
func (s *Scorer) Aggregate(params AggregateParams) *model.RenderResult {
	weights := make(map[string]int, len(params.Clients))
	for i := range params.Clients {
		weights[params.Clients[i].ID] = params.Clients[i].TestConfig.Priority
	}

	summary := model.RenderSummary{
		TotalClients: len(params.Results),
	}

	var (
		scoreSum    float64
		weightedSum float64
		weightTotal float64
	)
	for i := range params.Results {
		r := &params.Results[i]

		if r.Status == model.ClientResultCompleted {
			summary.PassedClients++
		} else {
			summary.FailedClients++
		}
		scoreSum += float64(r.CompatibilityScore)
		summary.TotalRenderTime += r.RenderTime

		for _, set := range r.Screenshots {
			if set.LightURL != "" {
				summary.TotalScreenshots++
			}
			if set.DarkURL != "" {
				summary.TotalScreenshots++
			}
		}

		for _, issue := range r.Issues {
			switch issue.Severity {
			case model.SeverityCritical:
				summary.CriticalIssues++
			case model.SeverityMajor:
				summary.MajorIssues++
			case model.SeverityMinor:
				summary.MinorIssues++
			}
		}

		weight := float64(weights[r.ClientID])
		if weight <= 0 {
			weight = 1
		}
		weightedSum += weight * float64(r.CompatibilityScore)
		weightTotal += weight
	}

	if summary.TotalClients > 0 {
		summary.AverageScore = scoreSum / float64(summary.TotalClients)
	}

	overallScore := float64(0)
	if weightTotal > 0 {
		overallScore = weightedSum / weightTotal
	}

	overallStatus := model.JobStatusCompleted
	if summary.TotalClients > 0 && summary.PassedClients == 0 {
		overallStatus = model.JobStatusFailed
	}

	return &model.RenderResult{
		JobID:         params.JobID,
		OverallStatus: overallStatus,
		OverallScore:  overallScore,
		Summary:       summary,
		ClientResults: params.Results,
		StartedAt:     params.StartedAt,
		CompletedAt:   params.CompletedAt,
	}
}

// groupScreenshots folds the unit outcomes of a client into one ScreenshotSet
// per viewport, pairing the light and dark captures.
func groupScreenshots(outcome *model.ClientCaptureOutcome) []model.ScreenshotSet {
	byViewport := make(map[string]*model.ScreenshotSet)
	order := make([]string, 0, len(outcome.Units))

	for i := range outcome.Units {
		u := &outcome.Units[i]
		if !u.OK || u.ScreenshotURL == "" {
			continue
		}
		key := u.Unit.Viewport.Name
		set, ok := byViewport[key]
		if !ok {
			set = &model.ScreenshotSet{Viewport: u.Unit.Viewport}
			byViewport[key] = set
			order = append(order, key)
		}
		switch u.Unit.Mode {
		case model.CaptureModeDark:
			set.DarkURL = u.ScreenshotURL
		default:
			set.LightURL = u.ScreenshotURL
		}
	}

	sort.Strings(order)
	out := make([]model.ScreenshotSet, 0, len(order))
	for _, key := range order {
		out = append(out, *byViewport[key])
	}
	return out
}
